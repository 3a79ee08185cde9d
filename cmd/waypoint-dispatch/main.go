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

// Command waypoint-dispatch builds an itinerary from a comma-separated
// agent list and dispatches it, printing the resulting correlation id.
// It is the operator-facing complement to cmd/waypoint-worker: enough to
// launch a real workflow through a running fleet of workers without
// writing a Go program against pkg/dispatcher directly.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/tombee/waypoint/internal/config"
	"github.com/tombee/waypoint/internal/log"
	"github.com/tombee/waypoint/internal/wiring"
	"github.com/tombee/waypoint/pkg/dispatcher"
	"github.com/tombee/waypoint/pkg/obo"
)

func main() {
	var (
		agents      = flag.String("agents", "", "Comma-separated ordered list of agent names (required)")
		prompt      = flag.String("prompt", "", "Prompt handed to every scheduled activity")
		variablesJS = flag.String("variables", "{}", "JSON object of initial workflow variables")
		userID      = flag.String("user-id", "operator", "Subject recorded in the minted on-behalf-of token")
		oboSecret   = flag.String("obo-secret", "", "HS256 secret used to mint the on-behalf-of token; empty dispatches without one")
	)
	flag.Parse()

	if *agents == "" {
		fmt.Fprintln(os.Stderr, "waypoint-dispatch: -agents is required")
		os.Exit(2)
	}

	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	var variables map[string]any
	if err := json.Unmarshal([]byte(*variablesJS), &variables); err != nil {
		logger.Error("parse -variables failed", slog.Any("error", err))
		os.Exit(1)
	}

	cfg := config.FromEnv()
	ctx := context.Background()

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

	d := dispatcher.New(tr, repo, cfg.ItineraryEditLimit)
	for _, agentName := range strings.Split(*agents, ",") {
		agentName = strings.TrimSpace(agentName)
		if agentName == "" {
			continue
		}
		d.AddActivity(agentName, *prompt, nil)
	}

	var oboToken string
	if *oboSecret != "" {
		oboToken, err = obo.Mint(obo.MintConfig{Secret: []byte(*oboSecret), Issuer: "waypoint-dispatch", TTL: time.Hour}, *userID, nil)
		if err != nil {
			logger.Error("mint on-behalf-of token failed", slog.Any("error", err))
			os.Exit(1)
		}
	}

	correlationID, err := d.DispatchWorkflow(ctx, variables, oboToken)
	if err != nil {
		logger.Error("dispatch failed", slog.Any("error", err))
		os.Exit(1)
	}

	fmt.Println(correlationID)
}
