package runner

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SlotConfig is one entry of the YAML "slots" mapping (§4.7, §6).
type SlotConfig struct {
	// Watcher names a factory registered with Register; resolved at
	// slot-start time rather than at load time.
	Watcher      string   `yaml:"watcher"`
	Publications []string `yaml:"publications"`
	Temporary    bool     `yaml:"temporary"`

	// Worker is the group this slot is partitioned into (§4.7's
	// "Grouping"). Empty defaults to "default".
	Worker string `yaml:"worker"`

	// AutoRestart defaults to true when unset, per §4.7.
	AutoRestart *bool `yaml:"auto_restart"`

	Retries              int     `yaml:"retries"`
	RetryBackoff         float64 `yaml:"retry_backoff"`
	RetryBackoffExponent float64 `yaml:"retry_backoff_exponent"`

	// ReplicationDSN and MetadataDSN are resolved from the host
	// application's configuration store per §6; SlotConfig only
	// carries them once resolved, not how to resolve them.
	ReplicationDSN string `yaml:"replication_dsn"`
	MetadataDSN    string `yaml:"metadata_dsn"`
}

func (c SlotConfig) autoRestart() bool {
	if c.AutoRestart == nil {
		return true
	}
	return *c.AutoRestart
}

func (c SlotConfig) workerGroup() string {
	if c.Worker == "" {
		return "default"
	}
	return c.Worker
}

// Config is the top-level YAML document (§6): a single "slots" mapping
// from slot name to SlotConfig.
type Config struct {
	Slots map[string]SlotConfig `yaml:"slots"`
}

// LoadConfig reads and parses the YAML configuration at path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("runner: read config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("runner: parse config %s: %w", path, err)
	}
	if len(cfg.Slots) == 0 {
		return nil, fmt.Errorf("runner: config %s defines no slots", path)
	}
	for name, slot := range cfg.Slots {
		if slot.Watcher == "" {
			return nil, fmt.Errorf("runner: slot %q: watcher is required", name)
		}
		if len(slot.Publications) == 0 {
			return nil, fmt.Errorf("runner: slot %q: at least one publication is required", name)
		}
	}
	return &cfg, nil
}

// groupSlots partitions slot names by their configured worker group.
// The order of slot names within a group is not defined: it follows
// Go map iteration, not the order of the YAML file.
func groupSlots(cfg *Config) map[string][]string {
	groups := make(map[string][]string)
	for name, slot := range cfg.Slots {
		g := slot.workerGroup()
		groups[g] = append(groups[g], name)
	}
	return groups
}
