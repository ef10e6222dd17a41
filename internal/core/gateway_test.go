package core

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/types"
	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/utils"
	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/workflow"
)

const twoNodePayload = `{
	"1": {"class_type": "EmptyLatentImage", "inputs": {"width": 512, "height": 512, "batch_size": 1}},
	"2": {"class_type": "SaveImage", "inputs": {"images": ["1", 0], "filename_prefix": "out"}}
}`

// scriptedExecutor walks the prompt's nodes in id order. Hooks let tests pause or fail a run.
type scriptedExecutor struct {
	mu        sync.Mutex
	order     []string
	prompts   []workflow.Prompt
	afterNode func(ctx context.Context, jobID, nodeID string) error
	result    error
}

func (e *scriptedExecutor) Execute(ctx context.Context, jobID string, prompt workflow.Prompt, sink types.ExecutionSink) (*types.ExecutionOutcome, error) {
	e.mu.Lock()
	e.order = append(e.order, jobID)
	e.prompts = append(e.prompts, prompt)
	afterNode, result := e.afterNode, e.result
	e.mu.Unlock()

	sink.Started("prompt-" + jobID)
	for _, nodeID := range []string{"1", "2"} {
		if _, ok := prompt[nodeID]; !ok {
			continue
		}
		sink.Emit(types.ProgressEvent{Type: types.EventNodeStarted, NodeID: nodeID, NodeType: prompt[nodeID].ClassType})
		sink.Emit(types.ProgressEvent{Type: types.EventNodeCompleted, NodeID: nodeID, NodeType: prompt[nodeID].ClassType})
		if afterNode != nil {
			if err := afterNode(ctx, jobID, nodeID); err != nil {
				return nil, err
			}
		}
	}
	if result != nil {
		return nil, result
	}
	return &types.ExecutionOutcome{
		PromptID: "prompt-" + jobID,
		Outputs:  map[string]json.RawMessage{"2": json.RawMessage(`{"images": []}`)},
	}, nil
}

func (e *scriptedExecutor) runOrder() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.order...)
}

type memoryJobStore struct {
	mu     sync.Mutex
	states map[string][]types.JobState
}

func (s *memoryJobStore) SaveJobExecution(ctx context.Context, execution *types.JobExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.states == nil {
		s.states = map[string][]types.JobState{}
	}
	s.states[execution.JobID] = append(s.states[execution.JobID], execution.State)
	return nil
}

func (s *memoryJobStore) last(jobID string) types.JobState {
	s.mu.Lock()
	defer s.mu.Unlock()
	states := s.states[jobID]
	if len(states) == 0 {
		return ""
	}
	return states[len(states)-1]
}

func newTestGateway(t *testing.T, executor Executor, store JobStore) *Gateway {
	t.Helper()
	cm := utils.NewConfigManagerFromMap(map[string]string{"execution_slots": "1", "job_retention": "1h"})
	g := NewGateway(context.Background(), executor, nil, store, cm, utils.NewDiscardLogsManager())
	g.Start()
	t.Cleanup(g.Stop)
	return g
}

func waitDone(t *testing.T, job *Job) {
	t.Helper()
	select {
	case <-job.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("Job %s did not finish, state %s", job.ID(), job.State())
	}
}

func TestRunStreamingTwoNodeOrder(t *testing.T) {
	g := newTestGateway(t, &scriptedExecutor{}, nil)

	_, events, err := g.RunStreaming(context.Background(), RunRequest{Payload: json.RawMessage(twoNodePayload)})
	if err != nil {
		t.Fatalf("RunStreaming failed: %v", err)
	}

	var got []types.EventType
	for ev := range events {
		got = append(got, ev.Type)
		if ev.Seq != len(got)-1 {
			t.Errorf("Expected seq %d, got %d", len(got)-1, ev.Seq)
		}
	}

	want := []types.EventType{
		types.EventQueued,
		types.EventNodeStarted, types.EventNodeCompleted,
		types.EventNodeStarted, types.EventNodeCompleted,
		types.EventCompleted,
	}
	if len(got) != len(want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Expected %v, got %v", want, got)
		}
	}
}

func TestStreamingConsumerDisconnect(t *testing.T) {
	release := make(chan struct{})
	executor := &scriptedExecutor{afterNode: func(ctx context.Context, jobID, nodeID string) error {
		if nodeID == "1" {
			select {
			case <-release:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}}
	g := newTestGateway(t, executor, nil)

	ctx, cancel := context.WithCancel(context.Background())
	job, events, err := g.RunStreaming(ctx, RunRequest{Payload: json.RawMessage(twoNodePayload)})
	if err != nil {
		t.Fatalf("RunStreaming failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		select {
		case <-events:
		case <-time.After(2 * time.Second):
			t.Fatalf("Timed out waiting for event %d", i+1)
		}
	}
	cancel()
	close(release)

	waitDone(t, job)
	if state := job.State(); state != types.JobStateCompleted {
		t.Fatalf("Expected job to complete after the consumer left, got %s", state)
	}

	// a late subscriber replays the whole log
	var replayed []types.ProgressEvent
	for ev := range job.Events(context.Background()) {
		replayed = append(replayed, ev)
	}
	if len(replayed) != 6 || replayed[5].Type != types.EventCompleted {
		t.Errorf("Expected 6 events ending with completed, got %d", len(replayed))
	}
}

func TestRunBlocking(t *testing.T) {
	store := &memoryJobStore{}
	g := newTestGateway(t, &scriptedExecutor{}, store)

	result, err := g.Run(context.Background(), RunRequest{Payload: json.RawMessage(twoNodePayload), WorkflowID: "wf-1"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Status != types.JobStateCompleted || result.PromptID != "prompt-"+result.JobID {
		t.Errorf("Unexpected result %+v", result)
	}
	if _, ok := result.Outputs["2"]; !ok {
		t.Errorf("Expected outputs of node 2, got %v", result.Outputs)
	}
	if state := store.last(result.JobID); state != types.JobStateCompleted {
		t.Errorf("Expected completed history row, got %q", state)
	}
}

func TestRunExecutionFailure(t *testing.T) {
	g := newTestGateway(t, &scriptedExecutor{result: errors.New("sampler exploded")}, nil)

	result, err := g.Run(context.Background(), RunRequest{Payload: json.RawMessage(twoNodePayload)})
	if types.KindOf(err) != types.ErrorKindExecution {
		t.Fatalf("Expected execution error, got %v", err)
	}
	if result == nil || result.Status != types.JobStateFailed || result.Error == "" {
		t.Errorf("Expected failed result with error detail, got %+v", result)
	}
}

func TestRunInvalidPayload(t *testing.T) {
	executor := &scriptedExecutor{}
	g := newTestGateway(t, executor, nil)

	tests := []struct {
		name    string
		payload string
	}{
		{"empty", ``},
		{"not json", `{nope`},
		{"neither format", `{"foo": 1}`},
		{"dangling link", `{"1": {"class_type": "SaveImage", "inputs": {"images": ["9", 0]}}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := g.Run(context.Background(), RunRequest{Payload: json.RawMessage(tt.payload)})
			if !errors.Is(err, types.ErrInvalidInput) {
				t.Errorf("Expected InvalidInput, got %v", err)
			}
		})
	}

	if order := executor.runOrder(); len(order) != 0 {
		t.Errorf("Invalid payloads must not reach the executor, got %v", order)
	}
}

func TestRunAppliesParams(t *testing.T) {
	executor := &scriptedExecutor{}
	g := newTestGateway(t, executor, nil)

	params := map[string]json.RawMessage{"2.filename_prefix": json.RawMessage(`"custom"`)}
	if _, err := g.Run(context.Background(), RunRequest{Payload: json.RawMessage(twoNodePayload), Params: params}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	executor.mu.Lock()
	defer executor.mu.Unlock()
	value, _ := executor.prompts[0]["2"].Inputs.Get("filename_prefix")
	if string(value) != `"custom"` {
		t.Errorf("Expected param to reach the executor, got %s", value)
	}
}

func TestFIFOOrder(t *testing.T) {
	release := make(chan struct{})
	executor := &scriptedExecutor{afterNode: func(ctx context.Context, jobID, nodeID string) error {
		<-release
		return nil
	}}
	g := newTestGateway(t, executor, nil)

	var jobs []*Job
	for i := 0; i < 4; i++ {
		job, err := g.Submit(context.Background(), RunRequest{Payload: json.RawMessage(twoNodePayload)}, false)
		if err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
		jobs = append(jobs, job)
	}
	close(release)

	for _, job := range jobs {
		waitDone(t, job)
	}

	order := executor.runOrder()
	for i, job := range jobs {
		if order[i] != job.ID() {
			t.Fatalf("Jobs ran out of arrival order: %v", order)
		}
	}
}

func TestInterrupt(t *testing.T) {
	t.Run("unknown job", func(t *testing.T) {
		g := newTestGateway(t, &scriptedExecutor{}, nil)
		if err := g.Interrupt("missing"); !errors.Is(err, types.ErrNotFound) {
			t.Errorf("Expected NotFound, got %v", err)
		}
	})

	t.Run("running job", func(t *testing.T) {
		running := make(chan struct{})
		observed := make(chan struct{})
		executor := &scriptedExecutor{afterNode: func(ctx context.Context, jobID, nodeID string) error {
			close(running)
			<-ctx.Done()
			close(observed)
			return ctx.Err()
		}}
		store := &memoryJobStore{}
		g := newTestGateway(t, executor, store)

		job, events, err := g.RunStreaming(context.Background(), RunRequest{Payload: json.RawMessage(twoNodePayload)})
		if err != nil {
			t.Fatalf("RunStreaming failed: %v", err)
		}
		<-running

		if err := g.Interrupt(job.ID()); err != nil {
			t.Fatalf("Interrupt failed: %v", err)
		}
		select {
		case <-observed:
		case <-time.After(2 * time.Second):
			t.Fatal("Executor did not observe the interrupt")
		}

		var last types.ProgressEvent
		for ev := range events {
			last = ev
		}
		if last.Type != types.EventInterrupted {
			t.Errorf("Expected stream to end with interrupted, got %s", last.Type)
		}
		if state := job.State(); state != types.JobStateInterrupted {
			t.Errorf("Expected interrupted, got %s", state)
		}
		if state := store.last(job.ID()); state != types.JobStateInterrupted {
			t.Errorf("Expected interrupted history row, got %q", state)
		}

		if err := g.Interrupt(job.ID()); !errors.Is(err, types.ErrAlreadyTerminal) {
			t.Errorf("Expected AlreadyTerminal, got %v", err)
		}
		if state := job.State(); state != types.JobStateInterrupted {
			t.Errorf("Second interrupt altered state to %s", state)
		}
	})

	t.Run("completed job", func(t *testing.T) {
		g := newTestGateway(t, &scriptedExecutor{}, nil)
		result, err := g.Run(context.Background(), RunRequest{Payload: json.RawMessage(twoNodePayload)})
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		if err := g.Interrupt(result.JobID); !errors.Is(err, types.ErrAlreadyTerminal) {
			t.Errorf("Expected AlreadyTerminal, got %v", err)
		}
		job, _ := g.Get(result.JobID)
		if job.State() != types.JobStateCompleted {
			t.Errorf("Interrupt altered a completed job: %s", job.State())
		}
	})

	t.Run("queued job", func(t *testing.T) {
		release := make(chan struct{})
		executor := &scriptedExecutor{afterNode: func(ctx context.Context, jobID, nodeID string) error {
			<-release
			return nil
		}}
		g := newTestGateway(t, executor, nil)

		first, _ := g.Submit(context.Background(), RunRequest{Payload: json.RawMessage(twoNodePayload)}, false)
		second, _ := g.Submit(context.Background(), RunRequest{Payload: json.RawMessage(twoNodePayload)}, false)

		if err := g.Interrupt(second.ID()); err != nil {
			t.Fatalf("Interrupt failed: %v", err)
		}
		close(release)
		waitDone(t, first)

		// let the slot pick up the interrupted job
		time.Sleep(50 * time.Millisecond)
		for _, id := range executor.runOrder() {
			if id == second.ID() {
				t.Fatal("Interrupted queued job must not execute")
			}
		}
		if second.State() != types.JobStateInterrupted {
			t.Errorf("Expected interrupted, got %s", second.State())
		}
	})
}

func TestJobChangeNotifications(t *testing.T) {
	g := newTestGateway(t, &scriptedExecutor{}, nil)

	var mu sync.Mutex
	var states []types.JobState
	g.OnJobChange(func(snapshot types.JobSnapshot) {
		mu.Lock()
		states = append(states, snapshot.State)
		mu.Unlock()
	})

	if _, err := g.Run(context.Background(), RunRequest{Payload: json.RawMessage(twoNodePayload)}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// the final notification may trail the result by a moment
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	want := []types.JobState{types.JobStateQueued, types.JobStateRunning, types.JobStateCompleted}
	if len(states) != len(want) {
		t.Fatalf("Expected %v, got %v", want, states)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("Expected %v, got %v", want, states)
		}
	}
}

func TestSubmitAfterStopDropsJob(t *testing.T) {
	store := &memoryJobStore{}
	g := newTestGateway(t, &scriptedExecutor{}, store)
	g.Stop()

	_, err := g.Submit(context.Background(), RunRequest{Payload: json.RawMessage(twoNodePayload)}, false)
	if types.KindOf(err) != types.ErrorKindUnavailable {
		t.Fatalf("Expected Unavailable, got %v", err)
	}
	if jobs := g.List(); len(jobs) != 0 {
		t.Errorf("Rejected job must not stay in memory, got %d jobs", len(jobs))
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.states) != 1 {
		t.Fatalf("Expected the rejected job to be recorded once, got %v", store.states)
	}
	for id, states := range store.states {
		if states[len(states)-1] != types.JobStateFailed {
			t.Errorf("Expected job %s recorded as failed, got %v", id, states)
		}
	}
}

func TestJobEviction(t *testing.T) {
	cm := utils.NewConfigManagerFromMap(map[string]string{"job_retention": "50ms"})
	g := NewGateway(context.Background(), &scriptedExecutor{}, nil, nil, cm, utils.NewDiscardLogsManager())
	g.Start()
	defer g.Stop()

	result, err := g.Run(context.Background(), RunRequest{Payload: json.RawMessage(twoNodePayload)})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := g.Get(result.JobID); errors.Is(err, types.ErrNotFound) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("Terminal job was not evicted after the retention period")
}
