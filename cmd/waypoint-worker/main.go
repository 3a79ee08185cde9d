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

// Command waypoint-worker runs the Activity Executor for a single agent
// name against a configured transport and repository. Production agent
// logic is out of scope for this binary: it resolves activities through
// an agentrt.StaticResolver seeded from the -echo flag, which is enough
// to run a real itinerary end to end without any agent runtime attached.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tombee/waypoint/internal/config"
	"github.com/tombee/waypoint/internal/log"
	"github.com/tombee/waypoint/internal/wiring"
	"github.com/tombee/waypoint/pkg/agentrt"
	"github.com/tombee/waypoint/pkg/depcodec"
	"github.com/tombee/waypoint/pkg/telemetry"
	"github.com/tombee/waypoint/pkg/worker"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		agentName   = flag.String("agent", "", "Agent name this worker serves (required)")
		metricsAddr = flag.String("metrics-addr", ":9090", "Address to serve /metrics on")
		otlpAddr    = flag.String("otlp-endpoint", "", "OTLP/HTTP collector endpoint; empty logs spans to stdout")
		echo        = flag.Bool("echo", false, "Resolve every activity to a stub that echoes its prompt as output")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("waypoint-worker %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}
	if *agentName == "" {
		fmt.Fprintln(os.Stderr, "waypoint-worker: -agent is required")
		os.Exit(2)
	}

	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	cfg := config.FromEnv()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr, err := wiring.BuildTransport(ctx, cfg)
	if err != nil {
		logger.Error("build transport failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer tr.Close()

	repo, err := wiring.BuildRepository(cfg)
	if err != nil {
		logger.Error("build repository failed", slog.Any("error", err))
		os.Exit(1)
	}

	exporter := telemetry.ExporterStdout
	if *otlpAddr != "" {
		exporter = telemetry.ExporterOTLP
	}
	provider, err := telemetry.New(ctx, telemetry.Config{
		ServiceName:  "waypoint-worker-" + *agentName,
		Exporter:     exporter,
		OTLPEndpoint: *otlpAddr,
	})
	if err != nil {
		logger.Error("build telemetry provider failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer provider.Shutdown(context.Background())

	resolver := agentrt.NewStaticResolver()
	if *echo {
		resolver.Register(*agentName, agentrt.HandleFunc(func(_ context.Context, prompt string, _ any) (agentrt.Result, error) {
			return agentrt.Result{Output: prompt}, nil
		}))
	}

	codec := depcodec.New(depcodec.NewRegistry())
	w := worker.New(tr, *agentName, repo, resolver, codec,
		worker.WithLogger(logger),
		worker.WithTracer(provider.Tracer()),
	)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(*metricsAddr, mux); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", slog.Any("error", err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", slog.String("signal", sig.String()))
		cancel()
	case err := <-errCh:
		if err != nil {
			logger.Error("worker stopped with error", slog.Any("error", err))
			os.Exit(1)
		}
	}
}
