package mpipso

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/AlanPearl/mpipso/swarm"
)

// Config is the construction-time surface of a run.  Zero values for the
// velocity weights select the constriction-factor defaults from the swarm
// package.
type Config struct {
	// Particles is the swarm size N; the worker pool is split into N
	// evaluation groups.
	Particles int `yaml:"particles"`
	// Low and High are the componentwise box bounds; their length sets the
	// problem dimensionality.
	Low  []float64 `yaml:"low"`
	High []float64 `yaml:"high"`
	// Seed drives every random draw of the run.  Two runs with the same
	// seed, config, and data produce identical histories.
	Seed uint64 `yaml:"seed"`
	// RanksPerParticle fixes each group's size instead of inferring sizes
	// from the pool.  Zero infers near-equal contiguous blocks.
	RanksPerParticle int `yaml:"ranks_per_particle"`
	// Strict makes leftover ranks under an explicit RanksPerParticle an
	// error instead of idling them.
	Strict bool `yaml:"strict"`

	Inertia   float64 `yaml:"inertia"`
	Cognition float64 `yaml:"cognition"`
	Social    float64 `yaml:"social"`

	// Steps is the iteration budget used when RunPSO is called without an
	// explicit step count.
	Steps int `yaml:"steps"`
	// Reflect selects reflection instead of clamping for particles that
	// step out of bounds.
	Reflect bool `yaml:"reflect"`
	// Cache memoizes loss evaluations by exact parameter value.  Safe
	// because group members always evaluate identical parameter sequences,
	// so cache hits land group-wide together.
	Cache bool `yaml:"cache"`
	// StallTimeout bounds every collective's wait for peers; zero waits
	// forever, matching bare MPI semantics.
	StallTimeout time.Duration `yaml:"stall_timeout"`
}

func (c *Config) setDefaults() {
	if c.Steps == 0 {
		c.Steps = 100
	}
}

// Validate checks the surface before any collective work happens, so a bad
// config fails fast and locally on every rank.
func (c *Config) Validate() error {
	switch {
	case c.Particles <= 0:
		return errors.Wrapf(ErrConfig, "particles %d must be positive", c.Particles)
	case len(c.Low) == 0:
		return errors.Wrap(ErrConfig, "bounds are required")
	case len(c.Low) != len(c.High):
		return errors.Wrapf(ErrConfig, "bounds have lengths %d and %d", len(c.Low), len(c.High))
	case c.RanksPerParticle < 0:
		return errors.Wrapf(ErrConfig, "ranks per particle %d must not be negative", c.RanksPerParticle)
	case c.Steps <= 0:
		return errors.Wrapf(ErrConfig, "steps %d must be positive", c.Steps)
	}
	for i := range c.Low {
		if c.Low[i] > c.High[i] {
			return errors.Wrapf(ErrConfig, "bounds dimension %d has low %v > high %v", i, c.Low[i], c.High[i])
		}
	}
	return nil
}

// LoadConfig reads a YAML config file over the given base config; fields
// absent from the file keep their base values.
func LoadConfig(path string, base Config) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return base, errors.Wrap(err, "mpipso: reading config")
	}
	cfg := base
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return base, errors.Wrapf(err, "mpipso: parsing config %s", path)
	}
	return cfg, nil
}

func (c Config) swarmOptions() []swarm.Option {
	var opts []swarm.Option
	if c.Inertia != 0 {
		opts = append(opts, swarm.FixedInertia(c.Inertia))
	}
	if c.Cognition != 0 || c.Social != 0 {
		cg, so := c.Cognition, c.Social
		if cg == 0 {
			cg = swarm.DefaultCognition
		}
		if so == 0 {
			so = swarm.DefaultSocial
		}
		opts = append(opts, swarm.LearnFactors(cg, so))
	}
	if c.Reflect {
		opts = append(opts, swarm.Bounce(swarm.Reflect))
	}
	return opts
}
