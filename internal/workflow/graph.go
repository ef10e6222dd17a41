package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// UI node modes
const (
	ModeAlways   = 0
	ModeMuted    = 2
	ModeBypassed = 4
)

// NodeID accepts both numeric and string ids, as UI exports use either
type NodeID string

func (id *NodeID) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*id = NodeID(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(trimmed, &n); err != nil {
		return fmt.Errorf("invalid node id %s", trimmed)
	}
	*id = NodeID(n.String())
	return nil
}

// UIWorkflow is the graph the ComfyUI frontend saves
type UIWorkflow struct {
	Nodes []*UINode `json:"nodes"`
	Links []UILink  `json:"links"`
}

type UINode struct {
	ID            NodeID                     `json:"id"`
	Type          string                     `json:"type"`
	Title         string                     `json:"title,omitempty"`
	Mode          int                        `json:"mode"`
	Inputs        []UINodeInput              `json:"inputs"`
	Outputs       []UINodeOutput             `json:"outputs"`
	WidgetsValues json.RawMessage            `json:"widgets_values,omitempty"`
	Properties    map[string]json.RawMessage `json:"properties,omitempty"`
}

type UINodeInput struct {
	Name   string          `json:"name"`
	Type   json.RawMessage `json:"type,omitempty"`
	Link   *int64          `json:"link"`
	Widget json.RawMessage `json:"widget,omitempty"`
}

// IsWidget reports whether the input is a widget converted to a socket
func (in UINodeInput) IsWidget() bool {
	trimmed := bytes.TrimSpace(in.Widget)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) && !bytes.Equal(trimmed, []byte("false"))
}

type UINodeOutput struct {
	Name  string  `json:"name"`
	Links []int64 `json:"links"`
}

// UILink is one edge. Exports store links either as
// [id, origin_id, origin_slot, target_id, target_slot, type] or as objects.
type UILink struct {
	ID         int64
	OriginID   NodeID
	OriginSlot int
	TargetID   NodeID
	TargetSlot int
	Type       json.RawMessage
}

func (l *UILink) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var object struct {
			ID         int64           `json:"id"`
			OriginID   NodeID          `json:"origin_id"`
			OriginSlot int             `json:"origin_slot"`
			TargetID   NodeID          `json:"target_id"`
			TargetSlot int             `json:"target_slot"`
			Type       json.RawMessage `json:"type"`
		}
		if err := json.Unmarshal(trimmed, &object); err != nil {
			return err
		}
		*l = UILink(object)
		return nil
	}

	var fields []json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return err
	}
	if len(fields) < 5 {
		return fmt.Errorf("link has %d fields, expected at least 5", len(fields))
	}

	if err := json.Unmarshal(fields[0], &l.ID); err != nil {
		return fmt.Errorf("invalid link id: %w", err)
	}
	if err := json.Unmarshal(fields[1], &l.OriginID); err != nil {
		return err
	}
	if err := json.Unmarshal(fields[2], &l.OriginSlot); err != nil {
		return fmt.Errorf("invalid origin slot: %w", err)
	}
	if err := json.Unmarshal(fields[3], &l.TargetID); err != nil {
		return err
	}
	if err := json.Unmarshal(fields[4], &l.TargetSlot); err != nil {
		return fmt.Errorf("invalid target slot: %w", err)
	}
	if len(fields) > 5 {
		l.Type = fields[5]
	}
	return nil
}

func (n *UINode) hasConnectedOutput() bool {
	for _, output := range n.Outputs {
		if len(output.Links) > 0 {
			return true
		}
	}
	return false
}

// classForLookup prefers the "Node name for S&R" property, which holds the real class name
// for nodes whose type was renamed in the UI
func (n *UINode) classForLookup() string {
	if raw, ok := n.Properties["Node name for S&R"]; ok {
		if name, ok := stringValue(raw); ok && name != "" {
			return name
		}
	}
	return n.Type
}

// widgetList returns widgets_values when it is an array
func (n *UINode) widgetList() ([]json.RawMessage, bool) {
	trimmed := bytes.TrimSpace(n.WidgetsValues)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, false
	}
	var values []json.RawMessage
	if err := json.Unmarshal(trimmed, &values); err != nil {
		return nil, false
	}
	return values, true
}

// widgetObject returns widgets_values when it is an object, in key order
func (n *UINode) widgetObject() ([]string, map[string]json.RawMessage, bool) {
	trimmed := bytes.TrimSpace(n.WidgetsValues)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, nil, false
	}
	keys, values, err := orderedObject(trimmed)
	if err != nil {
		return nil, nil, false
	}
	return keys, values, true
}
