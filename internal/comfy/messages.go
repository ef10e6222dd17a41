package comfy

import (
	"encoding/json"
	"fmt"
)

// ComfyUI websocket message types
const (
	MessageStatus               = "status"
	MessageExecutionStart       = "execution_start"
	MessageExecutionCached      = "execution_cached"
	MessageExecuting            = "executing"
	MessageProgress             = "progress"
	MessageExecuted             = "executed"
	MessageExecutionSuccess     = "execution_success"
	MessageExecutionError       = "execution_error"
	MessageExecutionInterrupted = "execution_interrupted"
)

// Message is one frame received on the ComfyUI websocket. Data holds one of the
// *...Data types below, or nil for message types this node does not interpret.
type Message struct {
	Type string
	Data interface{}
	Raw  json.RawMessage
}

// promptScoped is implemented by every payload carrying a prompt id
type promptScoped interface {
	prompt() string
}

func (m *Message) UnmarshalJSON(b []byte) error {
	var temp struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(b, &temp); err != nil {
		return err
	}

	m.Type = temp.Type
	m.Raw = temp.Data

	switch m.Type {
	case MessageStatus:
		m.Data = &StatusData{}
	case MessageExecutionStart:
		m.Data = &ExecutionStartData{}
	case MessageExecutionCached:
		m.Data = &ExecutionCachedData{}
	case MessageExecuting:
		m.Data = &ExecutingData{}
	case MessageProgress:
		m.Data = &ProgressData{}
	case MessageExecuted:
		m.Data = &ExecutedData{}
	case MessageExecutionSuccess:
		m.Data = &ExecutionSuccessData{}
	case MessageExecutionError:
		m.Data = &ExecutionErrorData{}
	case MessageExecutionInterrupted:
		m.Data = &ExecutionInterruptedData{}
	default:
		m.Data = nil
	}

	if m.Data != nil && len(temp.Data) > 0 {
		if err := json.Unmarshal(temp.Data, m.Data); err != nil {
			return fmt.Errorf("failed to decode %s message: %w", m.Type, err)
		}
	}

	return nil
}

// PromptID returns the prompt the message belongs to, or "" for global messages
func (m *Message) PromptID() string {
	if scoped, ok := m.Data.(promptScoped); ok {
		return scoped.prompt()
	}
	return ""
}

/*
{"type": "status", "data": {"status": {"exec_info": {"queue_remaining": 1}}, "sid": "..."}}
*/
type StatusData struct {
	Status struct {
		ExecInfo struct {
			QueueRemaining int `json:"queue_remaining"`
		} `json:"exec_info"`
	} `json:"status"`
	SID string `json:"sid,omitempty"`
}

type ExecutionStartData struct {
	PromptID string `json:"prompt_id"`
}

func (d *ExecutionStartData) prompt() string { return d.PromptID }

type ExecutionCachedData struct {
	Nodes    []string `json:"nodes"`
	PromptID string   `json:"prompt_id"`
}

func (d *ExecutionCachedData) prompt() string { return d.PromptID }

// ExecutingData announces the node now running. A nil Node means the prompt finished.
type ExecutingData struct {
	Node        *string `json:"node"`
	DisplayNode string  `json:"display_node,omitempty"`
	PromptID    string  `json:"prompt_id"`
}

func (d *ExecutingData) prompt() string { return d.PromptID }

/*
{"type": "progress", "data": {"value": 1, "max": 20, "prompt_id": "...", "node": "3"}}
*/
type ProgressData struct {
	Value    int    `json:"value"`
	Max      int    `json:"max"`
	PromptID string `json:"prompt_id,omitempty"`
	Node     string `json:"node,omitempty"`
}

func (d *ProgressData) prompt() string { return d.PromptID }

// Percent is the progress of the current node in [0, 100]
func (d *ProgressData) Percent() float64 {
	if d.Max <= 0 {
		return 0
	}
	return float64(d.Value) / float64(d.Max) * 100
}

/*
{"type": "executed", "data": {"node": "19", "output": {"images": [{"filename": "ComfyUI_00046_.png", "subfolder": "", "type": "output"}]}, "prompt_id": "..."}}
*/
type ExecutedData struct {
	Node        string          `json:"node"`
	DisplayNode string          `json:"display_node,omitempty"`
	Output      json.RawMessage `json:"output"`
	PromptID    string          `json:"prompt_id"`
}

func (d *ExecutedData) prompt() string { return d.PromptID }

type ExecutionSuccessData struct {
	PromptID  string `json:"prompt_id"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

func (d *ExecutionSuccessData) prompt() string { return d.PromptID }

type ExecutionErrorData struct {
	PromptID         string   `json:"prompt_id"`
	Node             string   `json:"node_id"`
	NodeType         string   `json:"node_type"`
	Executed         []string `json:"executed"`
	ExceptionMessage string   `json:"exception_message"`
	ExceptionType    string   `json:"exception_type"`
	Traceback        []string `json:"traceback"`
}

func (d *ExecutionErrorData) prompt() string { return d.PromptID }

// Describe renders the error the way ComfyUI shows it in its UI
func (d *ExecutionErrorData) Describe() string {
	if d.ExceptionType != "" {
		return fmt.Sprintf("%s (node %s, %s): %s", d.ExceptionType, d.Node, d.NodeType, d.ExceptionMessage)
	}
	if d.Node != "" {
		return fmt.Sprintf("node %s (%s): %s", d.Node, d.NodeType, d.ExceptionMessage)
	}
	return d.ExceptionMessage
}

type ExecutionInterruptedData struct {
	PromptID string   `json:"prompt_id"`
	Node     string   `json:"node_id"`
	NodeType string   `json:"node_type"`
	Executed []string `json:"executed"`
}

func (d *ExecutionInterruptedData) prompt() string { return d.PromptID }
