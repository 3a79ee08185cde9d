// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config resolves the orchestration core's deployment knobs from
// environment variables only — file-based configuration loading is an
// explicit boundary this core does not own.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/tombee/waypoint/pkg/envelope"
)

// TransportKind selects a transport.Transport implementation.
type TransportKind string

const (
	TransportInMemory TransportKind = "inmemory"
	TransportRedis    TransportKind = "redis"
)

// Config holds the environment-resolved deployment settings.
type Config struct {
	// Transport selects the transport backend.
	// Environment: WAYPOINT_TRANSPORT (default inmemory)
	Transport TransportKind

	// RedisAddr is the Redis address used when Transport is "redis".
	// Environment: WAYPOINT_REDIS_ADDR
	RedisAddr string

	// DatabaseURL selects the repository backend by scheme
	// (sqlite://, postgres://); empty selects the in-memory repository.
	// Environment: WAYPOINT_DATABASE_URL, falling back to DATABASE_URL
	DatabaseURL string

	// ItineraryEditLimit is the default per-workflow cumulative insertion
	// budget the dispatcher stamps onto new envelopes.
	// Environment: WAYPOINT_ITINERARY_EDIT_LIMIT (default 3)
	ItineraryEditLimit int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Transport:          TransportInMemory,
		ItineraryEditLimit: envelope.DefaultItineraryEditLimit,
	}
}

// FromEnv builds a Config from environment variables, falling back to
// DefaultConfig's values for anything unset or unparsable.
func FromEnv() *Config {
	cfg := DefaultConfig()

	if v := os.Getenv("WAYPOINT_TRANSPORT"); v != "" {
		cfg.Transport = TransportKind(strings.ToLower(v))
	}

	cfg.RedisAddr = os.Getenv("WAYPOINT_REDIS_ADDR")

	if v := os.Getenv("WAYPOINT_DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	} else {
		cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	}

	if v := os.Getenv("WAYPOINT_ITINERARY_EDIT_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.ItineraryEditLimit = n
		}
	}

	return cfg
}

// RepositoryScheme returns the URL scheme of DatabaseURL ("sqlite",
// "postgres") or "" when DatabaseURL is empty (in-memory repository).
func (c *Config) RepositoryScheme() string {
	idx := strings.Index(c.DatabaseURL, "://")
	if idx < 0 {
		return ""
	}
	return c.DatabaseURL[:idx]
}
