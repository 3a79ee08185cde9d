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

package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/waypoint/pkg/agentrt"
	"github.com/tombee/waypoint/pkg/depcodec"
	"github.com/tombee/waypoint/pkg/envelope"
	"github.com/tombee/waypoint/pkg/repository"
	"github.com/tombee/waypoint/pkg/repository/memory"
	"github.com/tombee/waypoint/pkg/transport"
	"github.com/tombee/waypoint/pkg/transport/inmemory"
	waypointerr "github.com/tombee/waypoint/pkg/waypointerr"
)

// subscribeScript is a transport.Transport double whose Subscribe replays a
// fixed sequence of (Delivery, error) results, one per call, so a test can
// simulate a wire-level transport handing back a soft error before a good
// delivery without standing up a real byte-level transport.
type subscribeScript struct {
	results []subscribeResult
	calls   int
}

type subscribeResult struct {
	delivery transport.Delivery
	err      error
}

func (s *subscribeScript) Subscribe(ctx context.Context, topic string) (transport.Delivery, error) {
	s.calls++
	if s.calls > len(s.results) {
		<-ctx.Done()
		return transport.Delivery{}, ctx.Err()
	}
	r := s.results[s.calls-1]
	return r.delivery, r.err
}

func (s *subscribeScript) Publish(ctx context.Context, topic string, env *envelope.Envelope) error {
	return nil
}

func (s *subscribeScript) Connect(ctx context.Context) error { return nil }
func (s *subscribeScript) Close() error                      { return nil }

var _ transport.Transport = (*subscribeScript)(nil)

func newCodec() *depcodec.Codec {
	return depcodec.New(depcodec.NewRegistry())
}

func dispatchTestWorkflow(t *testing.T, tr *inmemory.Transport, repo repository.Repository, itinerary []envelope.ActivitySpec, registry map[string]envelope.ActivitySpec, limit int) *envelope.Envelope {
	t.Helper()

	slip := envelope.NewRoutingSlip(itinerary)
	env := &envelope.Envelope{
		MessageID:          "msg-1",
		CorrelationID:      "corr-1",
		RoutingSlip:        slip,
		Payload:            map[string]any{},
		SpecVersion:        envelope.SpecVersion,
		ActivityRegistry:   registry,
		ItineraryEditLimit: limit,
	}
	env.Timestamp = time.Now().UTC()

	require.NoError(t, repo.CreateWorkflow(context.Background(), env.CorrelationID, slip, env.Payload))
	require.NoError(t, tr.Publish(context.Background(), itinerary[0].AgentName, env))
	return env
}

func TestWorker_ProcessesActivityAndForwardsToNextStep(t *testing.T) {
	ctx := context.Background()
	tr := inmemory.New()
	repo := memory.New()

	itinerary := []envelope.ActivitySpec{
		{AgentName: "draft", Prompt: "write a post"},
		{AgentName: "review", Prompt: "review the post"},
	}
	dispatchTestWorkflow(t, tr, repo, itinerary, nil, 3)

	resolver := agentrt.NewStaticResolver()
	resolver.Register("draft", agentrt.HandleFunc(func(ctx context.Context, prompt string, deps any) (agentrt.Result, error) {
		return agentrt.Result{Output: "draft output"}, nil
	}))

	w := New(tr, "draft", repo, resolver, newCodec())

	delivery, err := tr.Subscribe(ctx, "draft")
	require.NoError(t, err)
	w.process(ctx, delivery)

	next, err := tr.Subscribe(ctx, "review")
	require.NoError(t, err)
	assert.Equal(t, "review", next.Envelope.RoutingSlip.Itinerary[0].AgentName)
	assert.Equal(t, "draft output", next.Envelope.Payload["draft"])

	wf, err := repo.GetWorkflow(ctx, "corr-1")
	require.NoError(t, err)
	require.Len(t, wf.Steps, 1)
	assert.Equal(t, repository.StepCompleted, wf.Steps[0].Status)
}

func TestWorker_TerminalStepMarksWorkflowCompleted(t *testing.T) {
	ctx := context.Background()
	tr := inmemory.New()
	repo := memory.New()

	itinerary := []envelope.ActivitySpec{{AgentName: "draft", Prompt: "write"}}
	dispatchTestWorkflow(t, tr, repo, itinerary, nil, 3)

	resolver := agentrt.NewStaticResolver()
	resolver.Register("draft", agentrt.HandleFunc(func(ctx context.Context, prompt string, deps any) (agentrt.Result, error) {
		return agentrt.Result{Output: "done"}, nil
	}))

	w := New(tr, "draft", repo, resolver, newCodec())
	delivery, err := tr.Subscribe(ctx, "draft")
	require.NoError(t, err)
	w.process(ctx, delivery)

	wf, err := repo.GetWorkflow(ctx, "corr-1")
	require.NoError(t, err)
	assert.Equal(t, repository.WorkflowCompleted, wf.Status)
}

func TestWorker_AgentFailureMarksStepFailedAndNacksForRedelivery(t *testing.T) {
	ctx := context.Background()
	tr := inmemory.New()
	repo := memory.New()

	itinerary := []envelope.ActivitySpec{{AgentName: "draft", Prompt: "write"}}
	dispatchTestWorkflow(t, tr, repo, itinerary, nil, 3)

	resolver := agentrt.NewStaticResolver()
	resolver.Register("draft", agentrt.HandleFunc(func(ctx context.Context, prompt string, deps any) (agentrt.Result, error) {
		return agentrt.Result{}, errors.New("boom")
	}))

	w := New(tr, "draft", repo, resolver, newCodec())
	delivery, err := tr.Subscribe(ctx, "draft")
	require.NoError(t, err)
	w.process(ctx, delivery)

	wf, err := repo.GetWorkflow(ctx, "corr-1")
	require.NoError(t, err)
	require.Len(t, wf.Steps, 1)
	assert.Equal(t, repository.StepFailed, wf.Steps[0].Status)

	redelivered, err := tr.Subscribe(ctx, "draft")
	require.NoError(t, err)
	assert.Equal(t, "corr-1", redelivered.Envelope.CorrelationID)
}

func TestWorker_UnknownActivityMismatchNacksWithoutRequeue(t *testing.T) {
	ctx := context.Background()
	tr := inmemory.New()
	repo := memory.New()

	itinerary := []envelope.ActivitySpec{{AgentName: "other-agent", Prompt: "write"}}
	dispatchTestWorkflow(t, tr, repo, itinerary, nil, 3)
	delivery, err := tr.Subscribe(ctx, "other-agent")
	require.NoError(t, err)

	w := New(tr, "draft", repo, agentrt.NewStaticResolver(), newCodec())
	w.process(ctx, delivery)

	shortCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = tr.Subscribe(shortCtx, "other-agent")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWorker_ItineraryEditInsertsRegisteredActivityAfterHead(t *testing.T) {
	ctx := context.Background()
	tr := inmemory.New()
	repo := memory.New()

	itinerary := []envelope.ActivitySpec{{AgentName: "draft", Prompt: "write"}}
	registry := map[string]envelope.ActivitySpec{
		"fact-check": {AgentName: "fact-check", Prompt: "check facts"},
	}
	dispatchTestWorkflow(t, tr, repo, itinerary, registry, 3)

	resolver := agentrt.NewStaticResolver()
	resolver.Register("draft", agentrt.HandleFunc(func(ctx context.Context, prompt string, deps any) (agentrt.Result, error) {
		return agentrt.Result{
			Output:          "draft output",
			AddedActivities: []envelope.ActivitySpec{{AgentName: "fact-check"}},
		}, nil
	}))

	w := New(tr, "draft", repo, resolver, newCodec())
	delivery, err := tr.Subscribe(ctx, "draft")
	require.NoError(t, err)
	w.process(ctx, delivery)

	next, err := tr.Subscribe(ctx, "fact-check")
	require.NoError(t, err)
	assert.Equal(t, "fact-check", next.Envelope.RoutingSlip.Itinerary[0].AgentName)
	assert.Equal(t, 1, next.Envelope.RoutingSlip.InsertedSteps)
}

func TestWorker_ItineraryEditIgnoresUnknownActivityName(t *testing.T) {
	ctx := context.Background()
	tr := inmemory.New()
	repo := memory.New()

	itinerary := []envelope.ActivitySpec{{AgentName: "draft", Prompt: "write"}}
	dispatchTestWorkflow(t, tr, repo, itinerary, nil, 3)

	resolver := agentrt.NewStaticResolver()
	resolver.Register("draft", agentrt.HandleFunc(func(ctx context.Context, prompt string, deps any) (agentrt.Result, error) {
		return agentrt.Result{
			Output:          "draft output",
			AddedActivities: []envelope.ActivitySpec{{AgentName: "ghost-agent"}},
		}, nil
	}))

	w := New(tr, "draft", repo, resolver, newCodec())
	delivery, err := tr.Subscribe(ctx, "draft")
	require.NoError(t, err)
	w.process(ctx, delivery)

	wf, err := repo.GetWorkflow(ctx, "corr-1")
	require.NoError(t, err)
	assert.Equal(t, repository.WorkflowCompleted, wf.Status)
}

func TestWorker_WorkflowDepsOverlayCarriesPreviousOutputAndRegistry(t *testing.T) {
	ctx := context.Background()
	tr := inmemory.New()
	repo := memory.New()

	registry := map[string]envelope.ActivitySpec{
		"fact-check": {AgentName: "fact-check", Prompt: "check facts"},
	}
	itinerary := []envelope.ActivitySpec{
		{AgentName: "draft", Prompt: "write"},
		{AgentName: "review", Prompt: "review"},
	}
	dispatchTestWorkflow(t, tr, repo, itinerary, registry, 3)

	resolver := agentrt.NewStaticResolver()
	resolver.Register("draft", agentrt.HandleFunc(func(ctx context.Context, prompt string, deps any) (agentrt.Result, error) {
		return agentrt.Result{Output: "draft output"}, nil
	}))

	var seenDeps any
	resolver.Register("review", agentrt.HandleFunc(func(ctx context.Context, prompt string, deps any) (agentrt.Result, error) {
		seenDeps = deps
		return agentrt.Result{Output: "review output"}, nil
	}))

	draftWorker := New(tr, "draft", repo, resolver, newCodec())
	delivery, err := tr.Subscribe(ctx, "draft")
	require.NoError(t, err)
	draftWorker.process(ctx, delivery)

	reviewWorker := New(tr, "review", repo, resolver, newCodec())
	delivery, err = tr.Subscribe(ctx, "review")
	require.NoError(t, err)
	reviewWorker.process(ctx, delivery)

	wd, ok := seenDeps.(*WorkflowDeps)
	require.True(t, ok)
	assert.Equal(t, "draft", wd.PreviousOutput.AgentName)
	assert.Equal(t, "draft output", wd.PreviousOutput.Output)
	_, hasFactCheck := wd.ActivityRegistry["fact-check"]
	assert.True(t, hasFactCheck)
}

// TestWorker_RunDropsMalformedEnvelopeAndContinuesConsumingTopic injects a
// raw non-JSON payload onto a topic — modeled as the KindMalformedEnvelope
// error a byte-wire transport.Subscribe (e.g. redistransport) returns once
// it has already popped such a payload off the wire — and asserts Run drops
// it and goes on to process the next, well-formed delivery rather than
// exiting the loop.
func TestWorker_RunDropsMalformedEnvelopeAndContinuesConsumingTopic(t *testing.T) {
	repo := memory.New()

	itinerary := []envelope.ActivitySpec{{AgentName: "draft", Prompt: "write"}}
	slip := envelope.NewRoutingSlip(itinerary)
	env := &envelope.Envelope{
		MessageID:     "msg-good",
		CorrelationID: "corr-good",
		RoutingSlip:   slip,
		Payload:       map[string]any{},
		SpecVersion:   envelope.SpecVersion,
	}
	env.Timestamp = time.Now().UTC()
	require.NoError(t, repo.CreateWorkflow(context.Background(), env.CorrelationID, slip, env.Payload))

	var acked bool
	delivery := transport.NewDelivery(env,
		func(context.Context) error { acked = true; return nil },
		func(context.Context, bool) error { return nil },
	)

	script := &subscribeScript{results: []subscribeResult{
		{err: waypointerr.Wrap(waypointerr.KindMalformedEnvelope, "decode envelope", errors.New("invalid character"))},
		{delivery: delivery},
	}}

	resolver := agentrt.NewStaticResolver()
	resolver.Register("draft", agentrt.HandleFunc(func(ctx context.Context, prompt string, deps any) (agentrt.Result, error) {
		return agentrt.Result{Output: "draft output"}, nil
	}))

	w := New(script, "draft", repo, resolver, newCodec())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := w.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, 3, script.calls, "Run must poll past the malformed item to the good delivery and beyond")
	assert.True(t, acked, "the well-formed delivery after the malformed one must still be processed")

	wf, err := repo.GetWorkflow(context.Background(), "corr-good")
	require.NoError(t, err)
	assert.Equal(t, repository.WorkflowCompleted, wf.Status, "the well-formed delivery must run to completion")
	assert.Len(t, wf.Steps, 1, "the malformed item must cause no repository writes of its own")
}
