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

// Package wiring turns an internal/config.Config into the concrete
// transport.Transport and repository.Repository the cmd binaries run
// against. It is the one place that knows about every backend
// implementation the core ships.
package wiring

import (
	"context"
	"fmt"

	"github.com/tombee/waypoint/internal/config"
	"github.com/tombee/waypoint/pkg/repository"
	"github.com/tombee/waypoint/pkg/repository/memory"
	"github.com/tombee/waypoint/pkg/repository/sqlrepo"
	"github.com/tombee/waypoint/pkg/transport"
	"github.com/tombee/waypoint/pkg/transport/inmemory"
	"github.com/tombee/waypoint/pkg/transport/redistransport"
)

// BuildTransport selects and connects a transport.Transport from cfg.
func BuildTransport(ctx context.Context, cfg *config.Config) (transport.Transport, error) {
	switch cfg.Transport {
	case config.TransportRedis:
		if cfg.RedisAddr == "" {
			return nil, fmt.Errorf("wiring: WAYPOINT_REDIS_ADDR is required for the redis transport")
		}
		tr := redistransport.New(redistransport.Config{Addr: cfg.RedisAddr})
		if err := tr.Connect(ctx); err != nil {
			return nil, fmt.Errorf("wiring: connect redis transport: %w", err)
		}
		return tr, nil
	case config.TransportInMemory, "":
		tr := inmemory.New()
		if err := tr.Connect(ctx); err != nil {
			return nil, fmt.Errorf("wiring: connect in-memory transport: %w", err)
		}
		return tr, nil
	default:
		return nil, fmt.Errorf("wiring: unknown transport %q", cfg.Transport)
	}
}

// BuildRepository selects a repository.Repository by cfg's database URL
// scheme, falling back to the in-memory repository when none is set.
func BuildRepository(cfg *config.Config) (repository.Repository, error) {
	switch cfg.RepositoryScheme() {
	case "sqlite":
		return sqlrepo.NewSQLite(sqlrepo.SQLiteConfig{Path: cfg.DatabaseURL[len("sqlite://"):], WAL: true})
	case "postgres":
		return sqlrepo.NewPostgres(sqlrepo.PostgresConfig{ConnectionString: cfg.DatabaseURL})
	case "":
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("wiring: unknown database scheme %q", cfg.RepositoryScheme())
	}
}
