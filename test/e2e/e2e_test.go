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

// Package e2e runs full dispatcher-transport-worker-repository loops
// against the in-memory backends, exercising the scenarios a real
// deployment's behavior is judged against rather than any single
// package in isolation.
package e2e

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/tombee/waypoint/pkg/agentrt"
	"github.com/tombee/waypoint/pkg/depcodec"
	"github.com/tombee/waypoint/pkg/dispatcher"
	"github.com/tombee/waypoint/pkg/envelope"
	"github.com/tombee/waypoint/pkg/repository"
	"github.com/tombee/waypoint/pkg/repository/memory"
	"github.com/tombee/waypoint/pkg/transport"
	"github.com/tombee/waypoint/pkg/transport/inmemory"
	waypointerr "github.com/tombee/waypoint/pkg/waypointerr"
	"github.com/tombee/waypoint/pkg/worker"
)

func waitForStatus(t *testing.T, repo repository.Repository, correlationID string, status repository.WorkflowStatus, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		wf, err := repo.GetWorkflow(context.Background(), correlationID)
		require.NoError(t, err)
		if wf.Status == status {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("workflow %s did not reach status %s in time", correlationID, status)
}

// S1: a single-step workflow runs to completion.
func TestE2E_SingleStepHappyPath(t *testing.T) {
	tr := inmemory.New()
	repo := memory.New()
	resolver := agentrt.NewStaticResolver()
	resolver.Register("draft", agentrt.HandleFunc(func(_ context.Context, prompt string, _ any) (agentrt.Result, error) {
		return agentrt.Result{Output: "drafted: " + prompt}, nil
	}))
	codec := depcodec.New(depcodec.NewRegistry())
	w := worker.New(tr, "draft", repo, resolver, codec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	d := dispatcher.New(tr, repo, 3)
	d.AddActivity("draft", "write a launch post", nil)
	correlationID, err := d.DispatchWorkflow(ctx, nil, "")
	require.NoError(t, err)

	waitForStatus(t, repo, correlationID, repository.WorkflowCompleted, time.Second)
}

// S2: a two-step workflow forwards from the first agent's topic to the
// second's, carrying the first agent's output forward on the payload.
func TestE2E_SequentialTwoStepForwarding(t *testing.T) {
	tr := inmemory.New()
	repo := memory.New()

	draftResolver := agentrt.NewStaticResolver()
	draftResolver.Register("draft", agentrt.HandleFunc(func(_ context.Context, prompt string, _ any) (agentrt.Result, error) {
		return agentrt.Result{Output: "draft output"}, nil
	}))
	reviewResolver := agentrt.NewStaticResolver()
	var reviewSawPreviousOutput atomic.Value
	reviewResolver.Register("review", agentrt.HandleFunc(func(_ context.Context, _ string, deps any) (agentrt.Result, error) {
		if wd, ok := deps.(*worker.WorkflowDeps); ok {
			reviewSawPreviousOutput.Store(wd.PreviousOutput.Output)
		}
		return agentrt.Result{Output: "reviewed"}, nil
	}))

	codec := depcodec.New(depcodec.NewRegistry())
	draftWorker := worker.New(tr, "draft", repo, draftResolver, codec)
	reviewWorker := worker.New(tr, "review", repo, reviewResolver, codec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go draftWorker.Run(ctx)
	go reviewWorker.Run(ctx)

	d := dispatcher.New(tr, repo, 3)
	d.AddActivity("draft", "write", nil)
	d.AddActivity("review", "review", nil)
	correlationID, err := d.DispatchWorkflow(ctx, nil, "")
	require.NoError(t, err)

	waitForStatus(t, repo, correlationID, repository.WorkflowCompleted, time.Second)
	assert.Equal(t, "draft output", reviewSawPreviousOutput.Load())
}

// S3: an agent inserts a registered activity mid-flight; it runs within
// the per-workflow limit.
func TestE2E_MidFlightInsertionUnderLimit(t *testing.T) {
	tr := inmemory.New()
	repo := memory.New()

	var factCheckRan atomic.Bool
	resolver := agentrt.NewStaticResolver()
	resolver.Register("draft", agentrt.HandleFunc(func(_ context.Context, _ string, _ any) (agentrt.Result, error) {
		return agentrt.Result{
			Output:          "draft output",
			AddedActivities: []envelope.ActivitySpec{{AgentName: "fact-check"}},
		}, nil
	}))
	resolver.Register("fact-check", agentrt.HandleFunc(func(_ context.Context, _ string, _ any) (agentrt.Result, error) {
		factCheckRan.Store(true)
		return agentrt.Result{Output: "checked"}, nil
	}))

	codec := depcodec.New(depcodec.NewRegistry())
	draftWorker := worker.New(tr, "draft", repo, resolver, codec)
	factCheckWorker := worker.New(tr, "fact-check", repo, resolver, codec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go draftWorker.Run(ctx)
	go factCheckWorker.Run(ctx)

	d := dispatcher.New(tr, repo, 3)
	d.AddActivity("draft", "write", nil)
	d.RegisterActivity("fact-check", "verify claims", nil)
	correlationID, err := d.DispatchWorkflow(ctx, nil, "")
	require.NoError(t, err)

	waitForStatus(t, repo, correlationID, repository.WorkflowCompleted, time.Second)
	assert.True(t, factCheckRan.Load())
}

// S4: an agent tries to insert more activities than the workflow's
// itinerary-edit limit allows; the excess is silently dropped and the
// workflow still completes.
func TestE2E_InsertionOverLimitIsCapped(t *testing.T) {
	tr := inmemory.New()
	repo := memory.New()

	var extraRuns atomic.Int32
	resolver := agentrt.NewStaticResolver()
	resolver.Register("draft", agentrt.HandleFunc(func(_ context.Context, _ string, _ any) (agentrt.Result, error) {
		return agentrt.Result{
			Output: "draft output",
			AddedActivities: []envelope.ActivitySpec{
				{AgentName: "extra-1"}, {AgentName: "extra-2"}, {AgentName: "extra-3"},
			},
		}, nil
	}))
	extraHandle := agentrt.HandleFunc(func(_ context.Context, _ string, _ any) (agentrt.Result, error) {
		extraRuns.Add(1)
		return agentrt.Result{Output: "ran"}, nil
	})
	resolver.Register("extra-1", extraHandle)
	resolver.Register("extra-2", extraHandle)
	resolver.Register("extra-3", extraHandle)

	codec := depcodec.New(depcodec.NewRegistry())
	draftWorker := worker.New(tr, "draft", repo, resolver, codec)
	extra1Worker := worker.New(tr, "extra-1", repo, resolver, codec)
	extra2Worker := worker.New(tr, "extra-2", repo, resolver, codec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go draftWorker.Run(ctx)
	go extra1Worker.Run(ctx)
	go extra2Worker.Run(ctx)

	d := dispatcher.New(tr, repo, 2)
	d.AddActivity("draft", "write", nil)
	d.RegisterActivity("extra-1", "", nil)
	d.RegisterActivity("extra-2", "", nil)
	d.RegisterActivity("extra-3", "", nil)
	correlationID, err := d.DispatchWorkflow(ctx, nil, "")
	require.NoError(t, err)

	waitForStatus(t, repo, correlationID, repository.WorkflowCompleted, time.Second)
	assert.Equal(t, int32(2), extraRuns.Load(), "only the first 2 insertions fit the limit of 2")

	wf, err := repo.GetWorkflow(context.Background(), correlationID)
	require.NoError(t, err)
	assert.Equal(t, 2, wf.RoutingSlip.InsertedSteps)
}

// S5: multiple worker goroutines race to consume the same topic. The
// agent fails its first two invocations (simulating a crash that leaves
// the delivery un-acked and thus redelivered) and succeeds on the third;
// at-least-once delivery guarantees the step is eventually run to
// completion exactly once despite the concurrent competition for it.
func TestE2E_AtLeastOnceRedeliveryUnderConcurrentWorkers(t *testing.T) {
	tr := inmemory.New()
	repo := memory.New()

	var attempts atomic.Int32
	var completions atomic.Int32
	resolver := agentrt.NewStaticResolver()
	resolver.Register("flaky", agentrt.HandleFunc(func(_ context.Context, _ string, _ any) (agentrt.Result, error) {
		if attempts.Add(1) <= 2 {
			return agentrt.Result{}, assert.AnError
		}
		completions.Add(1)
		return agentrt.Result{Output: "succeeded"}, nil
	}))
	codec := depcodec.New(depcodec.NewRegistry())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	group, gctx := errgroup.WithContext(ctx)
	for i := 0; i < 3; i++ {
		w := worker.New(tr, "flaky", repo, resolver, codec)
		group.Go(func() error { return w.Run(gctx) })
	}

	d := dispatcher.New(tr, repo, 3)
	d.AddActivity("flaky", "do the flaky thing", nil)
	correlationID, err := d.DispatchWorkflow(ctx, nil, "")
	require.NoError(t, err)

	waitForStatus(t, repo, correlationID, repository.WorkflowCompleted, 2*time.Second)
	cancel()
	require.NoError(t, group.Wait())

	assert.Equal(t, int32(1), completions.Load(), "the step succeeds exactly once despite repeated redelivery")
}

// A worker that receives a delivery whose head activity does not match
// its own agent name drops it without requeueing, rather than looping
// forever on a message it can never service. (Not the S6 scenario: S6
// is the malformed-envelope case, covered by
// TestE2E_MalformedEnvelopeIsDroppedAndTopicConsumptionContinues below.)
func TestE2E_MismatchedActivityIsDroppedNotRequeued(t *testing.T) {
	tr := inmemory.New()
	repo := memory.New()
	resolver := agentrt.NewStaticResolver()
	codec := depcodec.New(depcodec.NewRegistry())

	slip := envelope.NewRoutingSlip([]envelope.ActivitySpec{{AgentName: "review"}})
	env := &envelope.Envelope{
		MessageID:          "m1",
		CorrelationID:      "c1",
		RoutingSlip:        slip,
		Payload:            map[string]any{},
		ItineraryEditLimit: 3,
	}
	require.NoError(t, repo.CreateWorkflow(context.Background(), "c1", slip, nil))
	require.NoError(t, tr.Publish(context.Background(), "draft", env))

	w := worker.New(tr, "draft", repo, resolver, codec)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_ = w.Run(ctx)

	wf, err := repo.GetWorkflow(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, repository.WorkflowInProgress, wf.Status, "mismatched delivery never advances the workflow")
}

// S6: a malformed envelope on the wire is dropped rather than poisoning
// the topic. malformedThenValidTransport stands in for a byte-wire
// transport (e.g. redistransport) that has already popped a non-JSON
// payload off the list and surfaces it as a KindMalformedEnvelope error;
// this test asserts the worker logs and moves past it to the next,
// well-formed delivery without any repository writes caused by the bad
// item.
type malformedThenValidTransport struct {
	*inmemory.Transport
	malformedOnce bool
}

func (m *malformedThenValidTransport) Subscribe(ctx context.Context, topic string) (transport.Delivery, error) {
	if !m.malformedOnce {
		m.malformedOnce = true
		return transport.Delivery{}, waypointerr.Wrap(waypointerr.KindMalformedEnvelope, "decode envelope", errors.New("invalid character 'x' looking for beginning of value"))
	}
	return m.Transport.Subscribe(ctx, topic)
}

func TestE2E_MalformedEnvelopeIsDroppedAndTopicConsumptionContinues(t *testing.T) {
	tr := &malformedThenValidTransport{Transport: inmemory.New()}
	repo := memory.New()
	resolver := agentrt.NewStaticResolver()
	resolver.Register("draft", agentrt.HandleFunc(func(ctx context.Context, prompt string, deps any) (agentrt.Result, error) {
		return agentrt.Result{Output: "draft output"}, nil
	}))
	codec := depcodec.New(depcodec.NewRegistry())

	slip := envelope.NewRoutingSlip([]envelope.ActivitySpec{{AgentName: "draft"}})
	env := &envelope.Envelope{
		MessageID:          "m1",
		CorrelationID:      "c1",
		RoutingSlip:        slip,
		Payload:            map[string]any{},
		ItineraryEditLimit: 3,
	}
	require.NoError(t, repo.CreateWorkflow(context.Background(), "c1", slip, nil))
	require.NoError(t, tr.Transport.Publish(context.Background(), "draft", env))

	w := worker.New(tr, "draft", repo, resolver, codec)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, w.Run(ctx))

	wf, err := repo.GetWorkflow(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, repository.WorkflowCompleted, wf.Status, "the valid envelope behind the malformed one is still processed")
	assert.Len(t, wf.Steps, 1, "only the valid envelope's step is recorded; the malformed item writes nothing")
}

// S7: dispatching with no scheduled activities is a configuration error,
// not a silently-no-op workflow.
func TestE2E_DispatchWithEmptyItineraryIsAnError(t *testing.T) {
	tr := inmemory.New()
	repo := memory.New()
	d := dispatcher.New(tr, repo, 3)

	_, err := d.DispatchWorkflow(context.Background(), nil, "")
	require.Error(t, err)

	var wErr *waypointerr.Error
	require.ErrorAs(t, err, &wErr)
	assert.Equal(t, waypointerr.KindInvalidConfiguration, wErr.Kind)
}
