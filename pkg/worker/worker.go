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

// Package worker implements the Activity Executor: a single-topic
// consumer loop that rehydrates an activity's dependencies, runs it
// through a resolved agentrt.Handle, records the outcome, mutates and
// forwards the routing slip, and finally acks the delivery.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	intlog "github.com/tombee/waypoint/internal/log"
	"github.com/tombee/waypoint/pkg/agentrt"
	"github.com/tombee/waypoint/pkg/depcodec"
	"github.com/tombee/waypoint/pkg/envelope"
	"github.com/tombee/waypoint/pkg/metrics"
	"github.com/tombee/waypoint/pkg/repository"
	"github.com/tombee/waypoint/pkg/transport"
	waypointerr "github.com/tombee/waypoint/pkg/waypointerr"
)

// runID is always 1: the core carries no retry budget, so a step is
// attempted at most once per delivery and redelivery reuses the same id.
const runID = 1

// Worker subscribes to one transport topic (its agent name) and executes
// every activity addressed to it.
type Worker struct {
	transport      transport.Transport
	agentName      string
	repository     repository.Repository
	resolver       agentrt.Resolver
	codec          *depcodec.Codec
	fallbackModule string
	logger         *slog.Logger
	tracer         trace.Tracer
}

// Option configures a Worker at construction time.
type Option func(*Worker)

// WithFallbackModule sets the module substituted for a dependency's
// recorded module when it is "main" — typically the worker process's own
// module path, so deps originally serialized by the dispatcher's process
// resolve correctly here.
func WithFallbackModule(module string) Option {
	return func(w *Worker) { w.fallbackModule = module }
}

// WithLogger overrides the default stderr JSON logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) { w.logger = logger }
}

// WithTracer opens one span per activity execution on the given tracer.
// Without it, the worker runs untraced.
func WithTracer(tracer trace.Tracer) Option {
	return func(w *Worker) { w.tracer = tracer }
}

// New builds a Worker for agentName.
func New(tr transport.Transport, agentName string, repo repository.Repository, resolver agentrt.Resolver, codec *depcodec.Codec, opts ...Option) *Worker {
	w := &Worker{
		transport:  tr,
		agentName:  agentName,
		repository: repo,
		resolver:   resolver,
		codec:      codec,
		logger:     slog.New(slog.NewJSONHandler(os.Stderr, nil)),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run subscribes to the worker's topic and processes deliveries until ctx
// is cancelled. Cancellation stops the loop only between deliveries; an
// in-progress delivery always finishes before Run returns. A Subscribe
// error of a soft waypointerr.Kind (a malformed envelope already popped
// off the topic by the transport) is logged and the loop continues
// rather than exiting: one poisoned message must never take the worker
// process down.
func (w *Worker) Run(ctx context.Context) error {
	inspector, _ := w.transport.(transport.QueueInspector)

	for {
		delivery, err := w.transport.Subscribe(ctx, w.agentName)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var wErr *waypointerr.Error
			if errors.As(err, &wErr) && waypointerr.IsSoft(wErr.Kind) {
				w.logger.Warn("dropping malformed delivery, continuing to consume topic", intlog.Error(wErr))
				continue
			}
			return err
		}

		if inspector != nil {
			if depth, err := inspector.QueueDepth(ctx, w.agentName); err == nil {
				metrics.SetQueueDepth(w.agentName, depth)
			}
		}

		w.process(ctx, delivery)
	}
}

// process executes steps 1-9 of the activity executor for one delivery.
func (w *Worker) process(ctx context.Context, delivery transport.Delivery) {
	env := delivery.Envelope
	logger := intlog.WithActivity(w.logger, env.CorrelationID, w.agentName)
	start := time.Now()

	if w.tracer != nil {
		var span trace.Span
		ctx, span = w.tracer.Start(ctx, w.agentName, trace.WithAttributes(
			attribute.String("waypoint.correlation_id", env.CorrelationID),
			attribute.String("waypoint.agent_name", w.agentName),
		))
		defer span.End()
	}

	activity, ok := env.RoutingSlip.NextStep()
	if !ok || activity.AgentName != w.agentName {
		logger.Warn("dropping delivery: routing slip head does not match this worker",
			intlog.Attr("event", "unknown_activity"))
		w.recordStepOutcome(ctx, "unknown_activity", start)
		_ = delivery.Nack(ctx, false)
		return
	}

	deps, err := w.codec.Deserialize(activity.Deps, w.fallbackModule)
	if err != nil {
		softErr := waypointerr.Wrap(waypointerr.KindDependencyRehydration, "deserialize deps", err).WithContext(env.CorrelationID, w.agentName)
		logger.Warn("dependency rehydration failed, continuing with nil deps", intlog.Error(softErr))
		deps = nil
	}

	if err := w.repository.MarkStepStarted(ctx, env.CorrelationID, w.agentName, runID); err != nil {
		logger.Error("mark step started failed, leaving delivery unacked", intlog.Error(err))
		_ = delivery.Nack(ctx, true)
		return
	}

	deps = buildOverlay(deps, env.RoutingSlip, env.Payload, env.ActivityRegistry)

	handle, err := w.resolver.Resolve(w.agentName)
	if err != nil {
		logger.Error("no agent registered for this topic, dropping delivery", intlog.Error(err))
		_ = delivery.Nack(ctx, false)
		return
	}

	result, err := handle.Run(ctx, activity.Prompt, deps)
	if err != nil {
		agentErr := waypointerr.Wrap(waypointerr.KindAgentFailure, "activity failed", err).WithContext(env.CorrelationID, w.agentName)
		if cErr := w.repository.MarkStepCompleted(ctx, env.CorrelationID, w.agentName, runID, repository.StepFailed, map[string]any{"error": err.Error()}); cErr != nil {
			logger.Error("mark step completed (failed) also failed", intlog.Error(cErr))
		}
		logger.Error("agent run failed, leaving delivery unacked for redelivery", intlog.Error(agentErr))
		w.recordSpanError(ctx, agentErr)
		w.recordStepOutcome(ctx, string(repository.StepFailed), start)
		_ = delivery.Nack(ctx, true)
		return
	}

	toInsert := w.resolveInsertions(logger, result.AddedActivities, env.ActivityRegistry)
	n := env.RoutingSlip.InsertActivities(toInsert, env.ItineraryEditLimit)
	for i := 0; i < n; i++ {
		metrics.RecordInsertion("inserted")
	}
	if n < len(toInsert) {
		logger.Warn("itinerary edit insertions capped by workflow limit",
			intlog.Attr("requested", len(toInsert)), intlog.Attr("inserted", n))
		for i := 0; i < len(toInsert)-n; i++ {
			metrics.RecordInsertion("over_limit")
		}
	}

	if err := w.repository.UpdateRoutingSlip(ctx, env.CorrelationID, env.RoutingSlip); err != nil {
		logger.Error("update routing slip failed, leaving delivery unacked", intlog.Error(err))
		_ = delivery.Nack(ctx, true)
		return
	}

	env.RecordOutput(w.agentName, result.Output)
	if err := w.repository.UpdatePayload(ctx, env.CorrelationID, env.Payload); err != nil {
		logger.Error("update payload failed, leaving delivery unacked", intlog.Error(err))
		_ = delivery.Nack(ctx, true)
		return
	}
	if err := w.repository.MarkStepCompleted(ctx, env.CorrelationID, w.agentName, runID, repository.StepCompleted, map[string]any{"result": result.Output}); err != nil {
		logger.Error("mark step completed failed, leaving delivery unacked", intlog.Error(err))
		_ = delivery.Nack(ctx, true)
		return
	}

	if err := env.ForwardToNextStep(ctx, w.transport, w.repository); err != nil {
		logger.Error("forward to next step failed, leaving delivery unacked", intlog.Error(err))
		_ = delivery.Nack(ctx, true)
		return
	}

	w.recordStepOutcome(ctx, string(repository.StepCompleted), start)
	if env.RoutingSlip.IsFinished() {
		metrics.RecordWorkflow(string(repository.WorkflowCompleted))
	}

	if err := delivery.Ack(ctx); err != nil {
		logger.Error("ack failed", intlog.Error(err))
	}
}

func (w *Worker) recordStepOutcome(ctx context.Context, status string, start time.Time) {
	metrics.RecordStep(w.agentName, status, time.Since(start))
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		if status == string(repository.StepCompleted) {
			span.SetStatus(codes.Ok, "")
		} else {
			span.SetStatus(codes.Error, status)
		}
	}
}

func (w *Worker) recordSpanError(ctx context.Context, err error) {
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		span.RecordError(err)
	}
}

// resolveInsertions filters added down to activities present in registry,
// logging and dropping unknown names as a soft error. A matched entry's
// prompt is overridden when the agent supplied a non-empty one of its own.
func (w *Worker) resolveInsertions(logger *slog.Logger, added []envelope.ActivitySpec, registry map[string]envelope.ActivitySpec) []envelope.ActivitySpec {
	if len(added) == 0 {
		return nil
	}

	valid := make([]envelope.ActivitySpec, 0, len(added))
	for _, a := range added {
		spec, ok := registry[a.AgentName]
		if !ok {
			unknownErr := waypointerr.New(waypointerr.KindInsertionUnknownName, "itinerary edit: unknown activity name").WithContext("", a.AgentName)
			logger.Warn("ignoring itinerary-edit insertion", intlog.Error(unknownErr))
			metrics.RecordInsertion("unknown_name")
			continue
		}
		if a.Prompt != "" {
			spec = spec.WithPrompt(a.Prompt)
		}
		valid = append(valid, spec)
	}
	return valid
}
