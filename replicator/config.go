package replicator

import (
	"errors"
	"strings"
	"time"
)

// Config configures a single Replicator's connections and slot.
//
// ReplicationDSN and MetadataDSN are deliberately separate: one
// connection speaks the streaming replication sub-protocol and the
// other is an ordinary connection for catalog lookups (§4.2, §5). The
// host application's configuration store is expected to supply both
// (§6); this package does not synthesize DSNs.
type Config struct {
	// ReplicationDSN must include replication=database.
	ReplicationDSN string
	// MetadataDSN is a normal (non-replication) connection string used
	// for primary-key discovery against the catalog.
	MetadataDSN string

	SlotName        string
	TemporarySlot   bool
	Publications    []string
	ProtocolVersion string

	// StandbyMessageTimeout bounds how long the receive loop waits
	// before proactively sending a standby status update.
	StandbyMessageTimeout time.Duration
}

func (c *Config) Validate() error {
	if c.ReplicationDSN == "" {
		return errors.New("replicator: ReplicationDSN is required")
	}
	if !strings.Contains(c.ReplicationDSN, "replication=") {
		return errors.New("replicator: ReplicationDSN must set replication=database")
	}
	if c.MetadataDSN == "" {
		return errors.New("replicator: MetadataDSN is required")
	}
	if c.SlotName == "" {
		return errors.New("replicator: SlotName is required")
	}
	if len(c.Publications) == 0 {
		return errors.New("replicator: at least one publication is required")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.ProtocolVersion == "" {
		c.ProtocolVersion = "1"
	}
	if c.StandbyMessageTimeout == 0 {
		c.StandbyMessageTimeout = 10 * time.Second
	}
}
