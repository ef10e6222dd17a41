package workflow

import (
	"fmt"
	"sort"
	"strconv"
)

// ValidationIssue is one problem found in a prompt
type ValidationIssue struct {
	NodeID  string `json:"node_id,omitempty"`
	Input   string `json:"input,omitempty"`
	Message string `json:"message"`
}

// ValidationResult is the outcome of Validate
type ValidationResult struct {
	Valid     bool              `json:"valid"`
	NodeCount int               `json:"node_count"`
	Errors    []ValidationIssue `json:"errors"`
}

// Validate checks the prompt's structure: every node has a class and inputs, links point at
// existing nodes and the graph is acyclic. With node definitions it also checks that classes
// exist and required inputs are set.
func Validate(prompt Prompt, info ObjectInfo) *ValidationResult {
	result := &ValidationResult{NodeCount: len(prompt), Errors: []ValidationIssue{}}
	if len(prompt) == 0 {
		result.Errors = append(result.Errors, ValidationIssue{Message: "workflow has no nodes"})
		return result
	}

	for _, id := range sortedNodeIDs(prompt) {
		node := prompt[id]
		if node == nil {
			result.add(id, "", "node is empty")
			continue
		}
		if node.ClassType == "" {
			result.add(id, "", "missing class_type")
		}
		if node.Inputs == nil {
			result.add(id, "", "missing inputs")
			continue
		}

		for _, name := range node.Inputs.Keys() {
			value, _ := node.Inputs.Get(name)
			sourceID, slot, isLink := ParseLink(value)
			if !isLink {
				continue
			}
			if _, ok := prompt[sourceID]; !ok {
				result.add(id, name, fmt.Sprintf("links to missing node %s", sourceID))
			}
			if slot < 0 {
				result.add(id, name, fmt.Sprintf("invalid output slot %d", slot))
			}
		}

		if info == nil || node.ClassType == "" {
			continue
		}
		def := info.Lookup(node.ClassType)
		if def == nil {
			result.add(id, "", fmt.Sprintf("unknown node class %s", node.ClassType))
			continue
		}
		for _, name := range def.RequiredInputs() {
			if !node.Inputs.Has(name) {
				result.add(id, name, "required input is missing")
			}
		}
	}

	if cycle := findCycle(prompt); len(cycle) > 0 {
		result.add(cycle[0], "", fmt.Sprintf("cycle detected: %v", cycle))
	}

	result.Valid = len(result.Errors) == 0
	return result
}

func (r *ValidationResult) add(nodeID, input, message string) {
	r.Errors = append(r.Errors, ValidationIssue{NodeID: nodeID, Input: input, Message: message})
}

// Error summarises the first issue for callers that need a single message
func (r *ValidationResult) Error() string {
	if len(r.Errors) == 0 {
		return ""
	}
	first := r.Errors[0]
	switch {
	case first.NodeID != "" && first.Input != "":
		return fmt.Sprintf("node %s input %s: %s", first.NodeID, first.Input, first.Message)
	case first.NodeID != "":
		return fmt.Sprintf("node %s: %s", first.NodeID, first.Message)
	default:
		return first.Message
	}
}

// findCycle returns the node ids of one dependency cycle, or nil
func findCycle(prompt Prompt) []string {
	const (
		unvisited = iota
		visiting
		done
	)
	state := map[string]int{}
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		state[id] = visiting
		stack = append(stack, id)

		node := prompt[id]
		if node != nil {
			for _, name := range node.Inputs.Keys() {
				value, _ := node.Inputs.Get(name)
				sourceID, _, ok := ParseLink(value)
				if !ok {
					continue
				}
				if _, exists := prompt[sourceID]; !exists {
					continue
				}
				switch state[sourceID] {
				case visiting:
					for i, onStack := range stack {
						if onStack == sourceID {
							return append([]string(nil), stack[i:]...)
						}
					}
				case unvisited:
					if cycle := visit(sourceID); cycle != nil {
						return cycle
					}
				}
			}
		}

		stack = stack[:len(stack)-1]
		state[id] = done
		return nil
	}

	for _, id := range sortedNodeIDs(prompt) {
		if state[id] == unvisited {
			if cycle := visit(id); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// sortedNodeIDs orders numeric ids numerically and the rest lexically after them
func sortedNodeIDs(prompt Prompt) []string {
	ids := make([]string, 0, len(prompt))
	for id := range prompt {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, errA := strconv.Atoi(ids[i])
		b, errB := strconv.Atoi(ids[j])
		switch {
		case errA == nil && errB == nil:
			return a < b
		case errA == nil:
			return true
		case errB == nil:
			return false
		default:
			return ids[i] < ids[j]
		}
	})
	return ids
}
