// Copyright (c) 2025 Quadrant VMS
// Licensed under the PolyForm Noncommercial License 1.0.0

package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// envPrefix mirrors the teacher's convention of a single stable prefix for
// every recognised environment variable.
const envPrefix = "VMS_"

// FromEnv overlays os.Environ() onto a base Config (typically Defaults()).
// Unset variables leave the base value untouched.
func FromEnv(base Config) Config {
	cfg := base

	if v := getenv("STORE_PATH"); v != "" {
		cfg.StorePath = v
	}
	if v := getenv("STORE_BACKEND"); v != "" {
		cfg.StoreBackend = v
	}
	if v := getenv("NODE_ID"); v != "" {
		cfg.NodeID = v
	}
	if v := getenv("PEERS"); v != "" {
		cfg.Peers = splitNonEmpty(v, ",")
	}
	if v := getDuration("ELECTION_TIMEOUT_MIN"); v > 0 {
		cfg.ElectionTimeoutMin = v
	}
	if v := getDuration("ELECTION_TIMEOUT_MAX"); v > 0 {
		cfg.ElectionTimeoutMax = v
	}
	if v := getDuration("HEARTBEAT_INTERVAL"); v > 0 {
		cfg.HeartbeatInterval = v
	}
	if v := getDuration("DEFAULT_LEASE_TTL"); v > 0 {
		cfg.DefaultLeaseTTL = v
	}
	if v := getDuration("MAX_LEASE_TTL"); v > 0 {
		cfg.MaxLeaseTTL = v
	}
	if v := getDuration("REAPER_INTERVAL"); v > 0 {
		cfg.ReaperInterval = v
	}
	if v := getInt64("ORPHAN_GRACE_SECS"); v > 0 {
		cfg.OrphanGraceSecs = v
	}
	if v := getInt("MAX_CONCURRENT_STREAMS"); v > 0 {
		cfg.MaxConcurrentStreams = v
	}
	if v := getInt("MAX_CONCURRENT_RECORDINGS"); v > 0 {
		cfg.MaxConcurrentRecordings = v
	}
	if v := getInt("MAX_CONCURRENT_AI_TASKS"); v > 0 {
		cfg.MaxConcurrentAiTasks = v
	}
	if v := getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := getenv("OTLP_ENDPOINT"); v != "" {
		cfg.OTLPEndpoint = v
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := getenv("DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := getenv("LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := getenv("SELF_ADDR"); v != "" {
		cfg.SelfAddr = v
	}
	if v := getenv("COORDINATOR_ADDR"); v != "" {
		cfg.CoordinatorAddr = v
	}
	if v := getenv("FFMPEG_BIN_PATH"); v != "" {
		cfg.FFmpegBinPath = v
	}
	if v := getenv("FFPROBE_BIN_PATH"); v != "" {
		cfg.FFprobeBinPath = v
	}
	if v := getenv("UPLOAD_BUCKET"); v != "" {
		cfg.UploadBucket = v
	}
	if v := getenv("UPLOAD_ENDPOINT"); v != "" {
		cfg.UploadEndpoint = v
	}

	return cfg
}

// Validate enforces the "required" fields spec §6 names and the timer
// relationship it recommends (TTL >= 6 * T_elect).
func (c Config) Validate() error {
	if c.NodeID == "" {
		return errRequired("NODE_ID")
	}
	if c.StoreBackend != "memory" && c.StorePath == "" {
		return errRequired("STORE_PATH")
	}
	if c.ElectionTimeoutMin <= 0 || c.ElectionTimeoutMax <= c.ElectionTimeoutMin {
		return errInvalid("election timeout bounds")
	}
	if c.HeartbeatInterval <= 0 || c.HeartbeatInterval >= c.ElectionTimeoutMin {
		return errInvalid("heartbeat interval must be below election_timeout_min")
	}
	if c.DefaultLeaseTTL < 6*c.ElectionTimeoutMin {
		return errInvalid("default_lease_ttl should be >= 6x election_timeout_min")
	}
	return nil
}

func getenv(name string) string {
	return strings.TrimSpace(os.Getenv(envPrefix + name))
}

func getDuration(name string) time.Duration {
	v := getenv(name)
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

func getInt(name string) int {
	v := getenv(name)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func getInt64(name string) int64 {
	v := getenv(name)
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func splitNonEmpty(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
