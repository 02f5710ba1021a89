package kernel

import (
	"github.com/arbiter-labs/warden/pkg/gas"
	"github.com/arbiter-labs/warden/pkg/policy"
)

// Config fixes every tunable that decision semantics depend on. A config is
// immutable for the life of a run; replaying a run requires the same config.
type Config struct {
	GasCosts    gas.Costs
	CycleBudget int64

	DensityThreshold     float64
	PhysicsMarkers       []string
	DefaultCoolingPeriod int64
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() Config {
	return Config{
		GasCosts:             gas.DefaultCosts(),
		CycleBudget:          100_000,
		DensityThreshold:     1.0,
		PhysicsMarkers:       []string{"exec(", "eval(", "subprocess", "os.system"},
		DefaultCoolingPeriod: 3,
	}
}

func (c Config) policyConfig() policy.Config {
	return policy.Config{
		DensityThreshold:     c.DensityThreshold,
		PhysicsMarkers:       c.PhysicsMarkers,
		DefaultCoolingPeriod: c.DefaultCoolingPeriod,
	}
}
