package marketdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type barsFile struct {
	Symbol string `json:"symbol"`
	Bars   []Bar  `json:"bars"`
}

// FixtureSource reads <dir>/<SYMBOL>.json files.
type FixtureSource struct {
	dir string
}

func NewFixtureSource(dir string) *FixtureSource {
	return &FixtureSource{dir: dir}
}

func (f *FixtureSource) Bars(ctx context.Context, symbol string, start, end time.Time) ([]Bar, error) {
	path := filepath.Join(f.dir, strings.ToUpper(symbol)+".json")
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", symbol, ErrNoData)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var bf barsFile
	if err := json.Unmarshal(b, &bf); err != nil {
		return nil, fmt.Errorf("json %s: %w", path, err)
	}
	return Window(bf.Bars, start, end), nil
}

// WriteFixture stores bars in the layout FixtureSource reads.
func WriteFixture(dir, symbol string, bars []Bar) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(barsFile{Symbol: strings.ToUpper(symbol), Bars: bars}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, strings.ToUpper(symbol)+".json"), b, 0o644)
}
