package group

import "time"

// Config holds the coordinator's session-expiry sweep pacing.
type Config struct {
	SessionCheckIntervalMs int64
}

func DefaultConfig() Config {
	return Config{SessionCheckIntervalMs: 3000}
}

func (c Config) interval() time.Duration {
	return time.Duration(c.SessionCheckIntervalMs) * time.Millisecond
}
