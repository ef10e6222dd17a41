package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/types"
)

// Prompt is a workflow in ComfyUI API format, keyed by node id
type Prompt map[string]*PromptNode

// PromptNode is one executable node of an API prompt
type PromptNode struct {
	Inputs    *Inputs   `json:"inputs"`
	ClassType string    `json:"class_type"`
	Meta      *NodeMeta `json:"_meta,omitempty"`
}

// NodeMeta carries UI-only information ComfyUI echoes back
type NodeMeta struct {
	Title string `json:"title"`
}

// Inputs is a JSON object that keeps its key order. ComfyUI's own API export orders widget
// values before links and downstream tools diff against it.
type Inputs struct {
	keys   []string
	values map[string]json.RawMessage
}

func NewInputs() *Inputs {
	return &Inputs{values: map[string]json.RawMessage{}}
}

// Set adds or replaces a value, keeping the original position of existing keys
func (in *Inputs) Set(key string, value json.RawMessage) {
	if _, ok := in.values[key]; !ok {
		in.keys = append(in.keys, key)
	}
	in.values[key] = value
}

func (in *Inputs) Get(key string) (json.RawMessage, bool) {
	if in == nil {
		return nil, false
	}
	value, ok := in.values[key]
	return value, ok
}

func (in *Inputs) Has(key string) bool {
	_, ok := in.Get(key)
	return ok
}

func (in *Inputs) Keys() []string {
	if in == nil {
		return nil
	}
	return in.keys
}

func (in *Inputs) Len() int {
	if in == nil {
		return 0
	}
	return len(in.keys)
}

func (in *Inputs) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, key := range in.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		encodedKey, err := json.Marshal(key)
		if err != nil {
			return nil, err
		}
		buf.Write(encodedKey)
		buf.WriteByte(':')
		buf.Write(in.values[key])
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (in *Inputs) UnmarshalJSON(data []byte) error {
	keys, values, err := orderedObject(data)
	if err != nil {
		return err
	}
	in.keys = keys
	in.values = values
	return nil
}

// orderedObject decodes a JSON object into its keys in document order and their raw values
func orderedObject(data []byte) ([]string, map[string]json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	token, err := dec.Token()
	if err != nil {
		return nil, nil, err
	}
	if delim, ok := token.(json.Delim); !ok || delim != '{' {
		return nil, nil, fmt.Errorf("expected JSON object")
	}

	var keys []string
	values := map[string]json.RawMessage{}
	for dec.More() {
		token, err := dec.Token()
		if err != nil {
			return nil, nil, err
		}
		key, ok := token.(string)
		if !ok {
			return nil, nil, fmt.Errorf("expected object key")
		}

		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return nil, nil, err
		}
		if _, seen := values[key]; !seen {
			keys = append(keys, key)
		}
		values[key] = value
	}

	if _, err := dec.Token(); err != nil {
		return nil, nil, err
	}
	return keys, values, nil
}

// LinkValue encodes a connection to output slot of node, as ComfyUI expects in inputs
func LinkValue(nodeID string, slot int) json.RawMessage {
	return json.RawMessage(fmt.Sprintf("[%s,%d]", strconv.Quote(nodeID), slot))
}

// ParseLink reports whether an input value is a connection and returns its source
func ParseLink(value json.RawMessage) (string, int, bool) {
	trimmed := bytes.TrimSpace(value)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return "", 0, false
	}

	var pair []json.RawMessage
	if err := json.Unmarshal(trimmed, &pair); err != nil || len(pair) != 2 {
		return "", 0, false
	}

	var nodeID string
	if err := json.Unmarshal(pair[0], &nodeID); err != nil {
		var numeric json.Number
		if err := json.Unmarshal(pair[0], &numeric); err != nil {
			return "", 0, false
		}
		nodeID = numeric.String()
	}

	var slot int
	if err := json.Unmarshal(pair[1], &slot); err != nil {
		return "", 0, false
	}
	return nodeID, slot, true
}

// stringValue returns the Go string of a JSON string value
func stringValue(value json.RawMessage) (string, bool) {
	trimmed := bytes.TrimSpace(value)
	if len(trimmed) == 0 || trimmed[0] != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(trimmed, &s); err != nil {
		return "", false
	}
	return s, true
}

// envelopeKeys are request fields that may sit next to API-format nodes
var envelopeKeys = map[string]bool{"prompt": true, "extra_data": true, "client_id": true}

// IsAPIFormat reports whether the object already is an API prompt. UI exports carry
// `nodes` and `links`; API prompts have objects with `class_type`.
func IsAPIFormat(object map[string]json.RawMessage) bool {
	if _, hasNodes := object["nodes"]; hasNodes {
		if _, hasLinks := object["links"]; hasLinks {
			return false
		}
	}

	for key, value := range object {
		if envelopeKeys[key] {
			continue
		}
		var probe struct {
			ClassType *string `json:"class_type"`
		}
		if json.Unmarshal(value, &probe) == nil && probe.ClassType != nil {
			return true
		}
	}
	return false
}

// IsUIFormat reports whether the object is a UI graph export
func IsUIFormat(object map[string]json.RawMessage) bool {
	_, hasNodes := object["nodes"]
	_, hasLinks := object["links"]
	return hasNodes && hasLinks
}

// ParsePrompt decodes an API-format payload, ignoring envelope fields
func ParsePrompt(data []byte) (Prompt, error) {
	var object map[string]json.RawMessage
	if err := json.Unmarshal(data, &object); err != nil {
		return nil, types.InvalidInput("invalid JSON: %v", err)
	}
	return parsePromptObject(object)
}

func parsePromptObject(object map[string]json.RawMessage) (Prompt, error) {
	prompt := Prompt{}
	for key, value := range object {
		if envelopeKeys[key] {
			continue
		}
		var node PromptNode
		if err := json.Unmarshal(value, &node); err != nil {
			return nil, types.InvalidInput("node %s is not a valid API node: %v", key, err)
		}
		prompt[key] = &node
	}
	return prompt, nil
}

// Clone returns a deep copy so callers can apply parameters without touching stored prompts
func (p Prompt) Clone() Prompt {
	clone := make(Prompt, len(p))
	for id, node := range p {
		copied := &PromptNode{ClassType: node.ClassType}
		if node.Meta != nil {
			meta := *node.Meta
			copied.Meta = &meta
		}
		if node.Inputs != nil {
			copied.Inputs = NewInputs()
			for _, key := range node.Inputs.keys {
				value := node.Inputs.values[key]
				copied.Inputs.Set(key, append(json.RawMessage(nil), value...))
			}
		}
		clone[id] = copied
	}
	return clone
}
