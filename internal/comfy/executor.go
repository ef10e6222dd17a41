package comfy

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/types"
	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/utils"
	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/workflow"
)

// Executor runs API prompts on ComfyUI and translates websocket traffic into job events
type Executor struct {
	client         *Client
	listener       *Listener
	inputs         *InputDownloader
	connectTimeout time.Duration
	interruptGrace time.Duration
	pollInterval   time.Duration
	logger         *utils.LogsManager
}

func NewExecutor(client *Client, listener *Listener, inputs *InputDownloader, cm *utils.ConfigManager, logger *utils.LogsManager) *Executor {
	return &Executor{
		client:         client,
		listener:       listener,
		inputs:         inputs,
		connectTimeout: cm.GetConfigDuration("comfyui_request_timeout", 30*time.Second),
		interruptGrace: cm.GetConfigDuration("interrupt_grace", 10*time.Second),
		pollInterval:   5 * time.Second,
		logger:         logger,
	}
}

// Execute queues the prompt and blocks until ComfyUI reports a terminal message.
// Cancelling ctx interrupts the prompt; the returned error is then ctx.Err().
func (e *Executor) Execute(ctx context.Context, jobID string, prompt workflow.Prompt, sink types.ExecutionSink) (*types.ExecutionOutcome, error) {
	if err := e.listener.WaitConnected(ctx, e.connectTimeout); err != nil {
		return nil, err
	}

	if e.inputs != nil {
		if _, err := e.inputs.Localize(ctx, prompt); err != nil {
			return nil, err
		}
	}

	// subscribe before queueing so no message for the new prompt can slip past
	sub := e.listener.Subscribe()
	defer sub.Close()

	// the request outlives ctx so a prompt accepted by ComfyUI is always known and can be removed
	queueCtx, cancelQueue := context.WithTimeout(context.WithoutCancel(ctx), e.connectTimeout)
	queued, err := e.client.QueuePrompt(queueCtx, prompt, map[string]interface{}{"job_id": jobID})
	cancelQueue()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	e.logger.Info(fmt.Sprintf("Job %s queued on ComfyUI as prompt %s", jobID, queued.PromptID), "comfy")

	run := newPromptRun(queued.PromptID, prompt, sink)
	if ctx.Err() != nil {
		e.abort(run, sub)
		return run.outcome(), ctx.Err()
	}

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		if done, err := run.handleAll(sub.Drain()); done {
			return run.outcome(), err
		}

		select {
		case <-sub.Ready():
		case <-ticker.C:
			if done, err := e.poll(ctx, run, sub); done {
				return run.outcome(), err
			}
		case <-ctx.Done():
			e.abort(run, sub)
			return run.outcome(), ctx.Err()
		}
	}
}

// poll checks /history for prompts whose terminal message was missed while the
// websocket was reconnecting
func (e *Executor) poll(ctx context.Context, run *promptRun, sub *Subscription) (bool, error) {
	entry, err := e.client.History(ctx, run.promptID)
	if err != nil || entry == nil {
		return false, nil
	}

	if done, err := run.handleAll(sub.Drain()); done {
		return true, err
	}

	switch {
	case entry.Status.StatusStr == "error":
		return true, types.ExecutionError("prompt %s failed on ComfyUI", run.promptID)
	case entry.Status.Completed:
		e.logger.Warn(fmt.Sprintf("Prompt %s completion recovered from history", run.promptID), "comfy")
		for nodeID, output := range entry.Outputs {
			run.outputs[nodeID] = output
		}
		run.finishCurrent()
		return true, nil
	}
	return false, nil
}

// abort stops the prompt on ComfyUI and waits briefly for the acknowledgement
func (e *Executor) abort(run *promptRun, sub *Subscription) {
	ctx, cancel := context.WithTimeout(context.Background(), e.interruptGrace)
	defer cancel()

	if done, _ := run.handleAll(sub.Drain()); done {
		return
	}

	if !run.started {
		if err := e.client.DeleteFromQueue(ctx, run.promptID); err != nil {
			e.logger.Warn(fmt.Sprintf("Failed to remove prompt %s from the queue: %v", run.promptID, err), "comfy")
		}
		// ComfyUI may have picked the prompt up before its execution_start arrived
		queue, err := e.client.Queue(ctx)
		if err != nil || !slices.Contains(queue.Running, run.promptID) {
			return
		}
	}

	if err := e.client.Interrupt(ctx); err != nil {
		e.logger.Warn(fmt.Sprintf("Failed to interrupt prompt %s: %v", run.promptID, err), "comfy")
		return
	}
	if !run.started {
		return
	}

	for {
		if done, _ := run.handleAll(sub.Drain()); done {
			return
		}
		select {
		case <-sub.Ready():
		case <-ctx.Done():
			e.logger.Warn(fmt.Sprintf("Prompt %s did not acknowledge the interrupt within %v", run.promptID, e.interruptGrace), "comfy")
			return
		}
	}
}

// promptRun tracks one prompt's progress through the message stream
type promptRun struct {
	promptID  string
	prompt    workflow.Prompt
	sink      types.ExecutionSink
	started   bool
	finished  bool
	current   string
	completed map[string]bool
	outputs   map[string]json.RawMessage
}

func newPromptRun(promptID string, prompt workflow.Prompt, sink types.ExecutionSink) *promptRun {
	return &promptRun{
		promptID:  promptID,
		prompt:    prompt,
		sink:      sink,
		completed: map[string]bool{},
		outputs:   map[string]json.RawMessage{},
	}
}

func (r *promptRun) outcome() *types.ExecutionOutcome {
	return &types.ExecutionOutcome{PromptID: r.promptID, Outputs: r.outputs}
}

func (r *promptRun) handleAll(msgs []*Message) (bool, error) {
	for _, msg := range msgs {
		if done, err := r.handle(msg); done {
			return true, err
		}
	}
	return false, nil
}

func (r *promptRun) handle(msg *Message) (bool, error) {
	if r.finished {
		return true, nil
	}

	promptID := msg.PromptID()
	// older ComfyUI builds send progress without a prompt id
	if promptID != r.promptID && !(promptID == "" && msg.Type == MessageProgress && r.started) {
		return false, nil
	}

	switch data := msg.Data.(type) {
	case *ExecutionStartData:
		r.started = true
		r.sink.Started(r.promptID)

	case *ExecutionCachedData:
		r.markStarted()
		for _, nodeID := range data.Nodes {
			if r.completed[nodeID] {
				continue
			}
			r.sink.Emit(types.ProgressEvent{
				Type:     types.EventNodeStarted,
				NodeID:   nodeID,
				NodeType: r.classOf(nodeID),
			})
			r.complete(nodeID)
		}

	case *ExecutingData:
		r.markStarted()
		if data.Node != nil && *data.Node == r.current {
			break
		}
		r.finishCurrent()
		if data.Node == nil {
			r.finished = true
			return true, nil
		}
		r.current = *data.Node
		r.sink.Emit(types.ProgressEvent{
			Type:     types.EventNodeStarted,
			NodeID:   r.current,
			NodeType: r.classOf(r.current),
		})

	case *ProgressData:
		nodeID := data.Node
		if nodeID == "" {
			nodeID = r.current
		}
		r.sink.Emit(types.ProgressEvent{
			Type:     types.EventProgress,
			NodeID:   nodeID,
			NodeType: r.classOf(nodeID),
			Value:    data.Value,
			Max:      data.Max,
		})

	case *ExecutedData:
		if len(data.Output) > 0 {
			r.outputs[data.Node] = data.Output
		}

	case *ExecutionSuccessData:
		r.finishCurrent()
		r.finished = true
		return true, nil

	case *ExecutionErrorData:
		r.finished = true
		return true, types.ExecutionError("%s", data.Describe())

	case *ExecutionInterruptedData:
		r.finished = true
		return true, types.ErrInterrupted
	}

	return false, nil
}

func (r *promptRun) markStarted() {
	if !r.started {
		r.started = true
		r.sink.Started(r.promptID)
	}
}

func (r *promptRun) finishCurrent() {
	if r.current == "" {
		return
	}
	r.complete(r.current)
	r.current = ""
}

func (r *promptRun) complete(nodeID string) {
	if r.completed[nodeID] {
		return
	}
	r.completed[nodeID] = true
	r.sink.Emit(types.ProgressEvent{
		Type:     types.EventNodeCompleted,
		NodeID:   nodeID,
		NodeType: r.classOf(nodeID),
		Output:   r.outputs[nodeID],
	})
}

func (r *promptRun) classOf(nodeID string) string {
	if node, ok := r.prompt[nodeID]; ok && node != nil {
		return node.ClassType
	}
	return ""
}
