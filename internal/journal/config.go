package journal

import (
	"time"

	"codeberg.org/mutker/bmcfanctl/internal/errors"
)

const (
	// File system permissions and paths
	defaultDirPerm       = 0o755
	defaultDBPath        = "/var/lib/bmcfanctl/journal.db"
	defaultBatchSize     = 8
	defaultFlushInterval = 5 * time.Second
)

type Config struct {
	DBPath        string
	Enabled       bool
	BatchSize     int
	FlushInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		DBPath:        defaultDBPath,
		Enabled:       false, // Disabled by default
		BatchSize:     defaultBatchSize,
		FlushInterval: defaultFlushInterval,
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	// Only validate when the journal is enabled
	if !c.Enabled {
		return nil
	}
	if c.DBPath == "" {
		return errFactory.New(ErrInvalidDBPath)
	}
	if c.BatchSize < 1 {
		return errFactory.WithData(ErrInvalidConfig, "batch size must be positive")
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
