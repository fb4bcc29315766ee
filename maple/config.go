package maple

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level controller configuration document, loaded
// from a YAML file at startup.
type Config struct {
	// ListenAddr is the address the OpenFlow server listens on, e.g.
	// "0.0.0.0:6633".
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel configures the verbosity of Logger.
	LogLevel string `yaml:"log_level"`

	// Priority configures the priority bands the trace-tree runtime
	// assigns to installed flow entries.
	Priority PriorityConfig `yaml:"priority"`

	// STP configures the spanning-tree engine. A nil value disables
	// topology tracking entirely.
	STP *STPConfig `yaml:"stp,omitempty"`
}

// PriorityConfig bounds how the trace-tree runtime spends the flow
// table's priority range on compiled traces.
type PriorityConfig struct {
	// Base is the priority assigned to the shallowest (root) trace
	// node.
	Base uint16 `yaml:"base"`

	// Step is added to the priority for each level of test nesting,
	// so a node at depth d gets Base + Step*d: deeper, more specific
	// traces win ties over shallower ones in OpenFlow's higher-wins
	// scheme.
	Step uint16 `yaml:"step"`

	// Max bounds the maximum trace depth the runtime will compile;
	// beyond it, augmenting the tree fails with
	// ErrPriorityExceeded.
	Max uint16 `yaml:"max"`
}

// STPConfig configures the spanning-tree engine.
type STPConfig struct {
	// HelloInterval is decoded from the configuration but not used:
	// the engine recomputes the spanning tree synchronously on every
	// topology event and runs no periodic timer.
	HelloInterval time.Duration `yaml:"hello_interval"`

	// BridgePriority is the priority component of the bridge id used
	// to break root-bridge ties; lower wins.
	BridgePriority uint16 `yaml:"bridge_priority"`
}

// DefaultConfig returns the configuration used when no file is
// supplied.
func DefaultConfig() Config {
	return Config{
		ListenAddr: "0.0.0.0:6633",
		LogLevel:   "info",
		Priority: PriorityConfig{
			Base: 1000,
			Step: 10,
			Max:  60000,
		},
	}
}

// LoadConfig reads and parses a YAML configuration file, filling in
// DefaultConfig's values for anything left unset.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("maple: open config: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("maple: parse config: %w", err)
	}

	return cfg, nil
}
