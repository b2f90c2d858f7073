package cascade

import (
	"time"

	"github.com/OFFIS-RIT/pivot/internal/util"
)

// Config bounds one investigation.
type Config struct {
	// MaxParallel is the number of actions of one investigation that may
	// run at the same time.
	MaxParallel int
	// MaxDepth is the longest chain of cascaded spawns from an initial
	// trigger.
	MaxDepth int
	// MaxRounds caps the cascading rounds after the sweep.
	MaxRounds int
	// Budget is the hard time budget of sweep and cascade.
	Budget time.Duration
	// GapFillTimeout bounds the gap filling phase, which also runs after
	// the budget expired.
	GapFillTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxParallel:    8,
		MaxDepth:       4,
		MaxRounds:      10,
		Budget:         2 * time.Minute,
		GapFillTimeout: 20 * time.Second,
	}
}

// ConfigFromEnv reads CASCADE_* variables on top of the defaults.
func ConfigFromEnv() Config {
	def := DefaultConfig()
	return Config{
		MaxParallel:    util.GetEnvInt("CASCADE_MAX_PARALLEL", def.MaxParallel),
		MaxDepth:       util.GetEnvInt("CASCADE_MAX_DEPTH", def.MaxDepth),
		MaxRounds:      util.GetEnvInt("CASCADE_MAX_ROUNDS", def.MaxRounds),
		Budget:         time.Duration(util.GetEnvNumeric("CASCADE_BUDGET_SECONDS", int(def.Budget.Seconds())) * float64(time.Second)),
		GapFillTimeout: util.GetEnvDuration("CASCADE_GAP_FILL_TIMEOUT", def.GapFillTimeout),
	}
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.MaxParallel <= 0 {
		c.MaxParallel = def.MaxParallel
	}
	if c.MaxDepth <= 0 {
		c.MaxDepth = def.MaxDepth
	}
	if c.MaxRounds <= 0 {
		c.MaxRounds = def.MaxRounds
	}
	if c.Budget <= 0 {
		c.Budget = def.Budget
	}
	if c.GapFillTimeout <= 0 {
		c.GapFillTimeout = def.GapFillTimeout
	}
	return c
}
