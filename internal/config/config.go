// Package config holds runtime configuration for the collaboration server.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds every tunable named in the collaboration backbone's
// external-interface contract, plus transport/runtime options needed to
// actually boot a server.
type Config struct {
	ListenAddr string

	BoltPath  string
	JWTSecret string

	PersistInterval         time.Duration
	SnapshotUpdateThreshold int
	SnapshotTimeThreshold   time.Duration
	SnapshotRetention       int
	RoomIdleTTL             time.Duration
	RoomCleanupGrace        time.Duration

	SessionOutboundCapacity int
	SessionOutboundMaxBytes int

	HeartbeatInterval  time.Duration
	HeartbeatMissLimit int

	AuthDeadline time.Duration
	JoinDeadline time.Duration

	CursorRateHz      float64
	UpdateRateLimitHz float64

	ShutdownGrace time.Duration
}

// Default returns the out-of-the-box configuration: an in-process JWT
// secret and local bbolt path suitable for development, not production.
func Default() Config {
	return Config{
		ListenAddr: ":8080",

		BoltPath:  "./data/collab.db",
		JWTSecret: "dev-secret-change-me",

		PersistInterval:         2 * time.Second,
		SnapshotUpdateThreshold: 100,
		SnapshotTimeThreshold:   300 * time.Second,
		SnapshotRetention:       10,
		RoomIdleTTL:             60 * time.Second,
		RoomCleanupGrace:        5 * time.Second,

		SessionOutboundCapacity: 1024,
		SessionOutboundMaxBytes: 4 * 1024 * 1024,

		HeartbeatInterval:  30 * time.Second,
		HeartbeatMissLimit: 2,

		AuthDeadline: 10 * time.Second,
		JoinDeadline: 15 * time.Second,

		CursorRateHz:      30,
		UpdateRateLimitHz: 0, // disabled by default; only meaningful throttle is per-session cursor rate

		ShutdownGrace: 30 * time.Second,
	}
}

// FromEnv overlays environment variables onto the defaults. Unset variables
// keep their default; malformed values are reported as an error rather than
// silently ignored so misconfiguration fails fast at startup.
func FromEnv() (Config, error) {
	cfg := Default()

	if v := os.Getenv("COLLAB_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("COLLAB_BOLT_PATH"); v != "" {
		cfg.BoltPath = v
	}
	if v := os.Getenv("COLLAB_JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}

	durationVars := map[string]*time.Duration{
		"COLLAB_PERSIST_INTERVAL":        &cfg.PersistInterval,
		"COLLAB_SNAPSHOT_TIME_THRESHOLD": &cfg.SnapshotTimeThreshold,
		"COLLAB_ROOM_IDLE_TTL":           &cfg.RoomIdleTTL,
		"COLLAB_ROOM_CLEANUP_GRACE":      &cfg.RoomCleanupGrace,
		"COLLAB_HEARTBEAT_INTERVAL":      &cfg.HeartbeatInterval,
		"COLLAB_AUTH_DEADLINE":           &cfg.AuthDeadline,
		"COLLAB_JOIN_DEADLINE":           &cfg.JoinDeadline,
		"COLLAB_SHUTDOWN_GRACE":          &cfg.ShutdownGrace,
	}
	for env, dst := range durationVars {
		if v := os.Getenv(env); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return cfg, fmt.Errorf("config: invalid %s: %w", env, err)
			}
			*dst = d
		}
	}

	intVars := map[string]*int{
		"COLLAB_SNAPSHOT_UPDATE_THRESHOLD":  &cfg.SnapshotUpdateThreshold,
		"COLLAB_SNAPSHOT_RETENTION":         &cfg.SnapshotRetention,
		"COLLAB_SESSION_OUTBOUND_CAPACITY":  &cfg.SessionOutboundCapacity,
		"COLLAB_SESSION_OUTBOUND_MAX_BYTES": &cfg.SessionOutboundMaxBytes,
		"COLLAB_HEARTBEAT_MISS_LIMIT":       &cfg.HeartbeatMissLimit,
	}
	for env, dst := range intVars {
		if v := os.Getenv(env); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return cfg, fmt.Errorf("config: invalid %s: %w", env, err)
			}
			*dst = n
		}
	}

	floatVars := map[string]*float64{
		"COLLAB_CURSOR_RATE_HZ":       &cfg.CursorRateHz,
		"COLLAB_UPDATE_RATE_LIMIT_HZ": &cfg.UpdateRateLimitHz,
	}
	for env, dst := range floatVars {
		if v := os.Getenv(env); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return cfg, fmt.Errorf("config: invalid %s: %w", env, err)
			}
			*dst = f
		}
	}

	return cfg, cfg.Validate()
}

// Validate rejects configurations that would violate a documented invariant
// (e.g. a heartbeat interval of zero would never detect a dead peer).
func (c Config) Validate() error {
	if c.PersistInterval <= 0 {
		return fmt.Errorf("config: persist_interval must be positive")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("config: heartbeat_interval must be positive")
	}
	if c.HeartbeatMissLimit <= 0 {
		return fmt.Errorf("config: heartbeat_miss_limit must be positive")
	}
	if c.SessionOutboundCapacity <= 0 {
		return fmt.Errorf("config: session_outbound_capacity must be positive")
	}
	return nil
}
