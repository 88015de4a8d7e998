package backtest

import "time"

// ComplianceConfig holds prop-firm style account limits, in percent.
type ComplianceConfig struct {
	Enabled           bool    `yaml:"enabled" default:"true"`
	DailyLossLimitPct float64 `yaml:"daily_loss_limit_pct" default:"5" validate:"gt=0,lte=100"`
	MaxDrawdownPct    float64 `yaml:"max_drawdown_pct" default:"10" validate:"gt=0,lte=100"`
	HaltOnBreach      bool    `yaml:"halt_on_breach" default:"true"`
}

type ComplianceReport struct {
	DailyLossBreaches   int       `json:"daily_loss_breaches"`
	MaxDrawdownBreaches int       `json:"max_drawdown_breaches"`
	WorstDailyLossPct   float64   `json:"worst_daily_loss_pct"`
	WorstDrawdownPct    float64   `json:"worst_drawdown_pct"`
	TradingHalted       bool      `json:"trading_halted"`
	HaltReason          string    `json:"halt_reason,omitempty"`
	HaltedAt            time.Time `json:"halted_at,omitempty"`
}

// Compliance watches equity against daily-loss and max-drawdown limits. Once
// trading is halted it stays halted for the rest of the run.
type Compliance struct {
	cfg ComplianceConfig

	startOfDay float64
	last       float64
	peak       float64
	lastUpdate time.Time

	inDaily bool
	inDD    bool
	report  ComplianceReport
}

func NewCompliance(cfg ComplianceConfig) *Compliance {
	return &Compliance{cfg: cfg}
}

// Update marks equity at now and reports whether this update halted trading.
// The daily reference is the last equity seen before the day began, so
// daily bars are measured close to close.
func (c *Compliance) Update(equity float64, now time.Time) bool {
	if isNewTradingDay(c.lastUpdate, now) {
		c.startOfDay = c.last
		if c.startOfDay == 0 {
			c.startOfDay = equity
		}
		c.inDaily = false
	}
	if equity > c.peak {
		c.peak = equity
	}
	c.last = equity
	c.lastUpdate = now

	daily := lossPct(c.startOfDay, equity)
	dd := lossPct(c.peak, equity)
	if daily > c.report.WorstDailyLossPct {
		c.report.WorstDailyLossPct = daily
	}
	if dd > c.report.WorstDrawdownPct {
		c.report.WorstDrawdownPct = dd
	}
	if !c.cfg.Enabled {
		return false
	}

	var breached string
	if daily >= c.cfg.DailyLossLimitPct {
		if !c.inDaily {
			c.report.DailyLossBreaches++
			breached = "daily_loss"
		}
		c.inDaily = true
	}
	if dd >= c.cfg.MaxDrawdownPct {
		if !c.inDD {
			c.report.MaxDrawdownBreaches++
			breached = "max_drawdown"
		}
		c.inDD = true
	} else {
		c.inDD = false
	}

	if breached == "" || !c.cfg.HaltOnBreach || c.report.TradingHalted {
		return false
	}
	c.report.TradingHalted = true
	c.report.HaltReason = breached
	c.report.HaltedAt = now
	return true
}

func (c *Compliance) Halted() bool { return c.report.TradingHalted }

func (c *Compliance) Report() ComplianceReport { return c.report }

// lossPct is the percentage decline from ref to equity; gains count as zero.
func lossPct(ref, equity float64) float64 {
	if ref <= 0 || equity >= ref {
		return 0
	}
	return (ref - equity) / ref * 100
}

func isNewTradingDay(last, current time.Time) bool {
	if last.IsZero() {
		return true
	}
	return last.UTC().Format("2006-01-02") != current.UTC().Format("2006-01-02")
}
