package workflow

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/types"
)

// external input nodes expose these two inputs
const (
	externalInputID    = "input_id"
	externalInputValue = "default_value"
)

// ApplyParams sets run parameters on the prompt in place. A key matching an external input
// node's input_id sets its default_value; a key of the form "<node_id>.<input>" sets that input
// directly. Keys that match nothing are returned so callers can report them.
func ApplyParams(prompt Prompt, params map[string]json.RawMessage) ([]string, error) {
	if len(params) == 0 {
		return nil, nil
	}

	byInputID := map[string][]*PromptNode{}
	for _, node := range prompt {
		if node == nil || node.Inputs == nil {
			continue
		}
		if raw, ok := node.Inputs.Get(externalInputID); ok {
			if id, ok := stringValue(raw); ok && id != "" {
				byInputID[id] = append(byInputID[id], node)
			}
		}
	}

	var unmatched []string
	for key, value := range params {
		if !json.Valid(value) {
			return nil, types.InvalidInput("parameter %s is not valid JSON", key)
		}

		if nodes, ok := byInputID[key]; ok {
			for _, node := range nodes {
				node.Inputs.Set(externalInputValue, value)
			}
			continue
		}

		nodeID, input, found := strings.Cut(key, ".")
		if !found || nodeID == "" || input == "" {
			unmatched = append(unmatched, key)
			continue
		}
		node, ok := prompt[nodeID]
		if !ok || node == nil {
			return nil, types.InvalidInput("parameter %s targets unknown node %s", key, nodeID)
		}
		if node.Inputs == nil {
			node.Inputs = NewInputs()
		}
		node.Inputs.Set(input, value)
	}

	sort.Strings(unmatched)
	return unmatched, nil
}
