package workflow

import (
	"encoding/json"
	"fmt"

	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/types"
	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/utils"
)

// ErrInvalidFormat is returned for payloads that are neither UI graphs nor API prompts
var ErrInvalidFormat = types.InvalidInput("Invalid workflow format - missing nodes or links")

// classes that never appear in an API prompt
var uiOnlyClasses = map[string]bool{
	"Note":            true,
	"MarkdownNote":    true,
	"PrimitiveNode":   true,
	"Reroute":         true,
	"LoadImageOutput": true,
}

// control_after_generate widget values trail the seed widget they control
var controlValues = map[string]bool{
	"fixed":     true,
	"increment": true,
	"decrement": true,
	"randomize": true,
}

// widget keys some nodes store in dict-shaped widgets_values that are not inputs
var previewWidgetKeys = map[string]bool{
	"videopreview": true,
	"preview":      true,
}

// Converter turns UI graphs into API prompts. Node definitions drive widget naming and
// input order; without them the converter falls back to what the graph itself declares.
type Converter struct {
	info   ObjectInfo
	logger *utils.LogsManager
}

func NewConverter(info ObjectInfo, logger *utils.LogsManager) *Converter {
	return &Converter{info: info, logger: logger}
}

// Normalize accepts either format and returns an API prompt
func (c *Converter) Normalize(payload json.RawMessage) (Prompt, error) {
	var object map[string]json.RawMessage
	if err := json.Unmarshal(payload, &object); err != nil {
		return nil, types.InvalidInput("invalid JSON: %v", err)
	}

	if IsAPIFormat(object) {
		return parsePromptObject(object)
	}
	if !IsUIFormat(object) {
		return nil, ErrInvalidFormat
	}

	var graph UIWorkflow
	if err := json.Unmarshal(payload, &graph); err != nil {
		return nil, types.InvalidInput("invalid workflow graph: %v", err)
	}
	return c.Convert(&graph)
}

// graphIndex holds the lookups built in the first pass over a graph
type graphIndex struct {
	nodes       map[NodeID]*UINode
	links       map[int64]UILink
	primitives  map[NodeID]json.RawMessage
	passthrough map[NodeID]bool
	excluded    map[NodeID]bool
}

// Convert builds the API prompt of a UI graph
func (c *Converter) Convert(graph *UIWorkflow) (Prompt, error) {
	if graph == nil || graph.Nodes == nil {
		return nil, ErrInvalidFormat
	}

	idx := c.index(graph)
	prompt := Prompt{}

	for _, node := range graph.Nodes {
		if node == nil {
			continue
		}
		if !idx.emitted(node.ID) {
			if node.Type != "" {
				c.logger.Debug(fmt.Sprintf("Skipping node %s (%s)", node.ID, node.Type), "workflow")
			}
			continue
		}
		prompt[string(node.ID)] = c.convertNode(node, idx)
	}

	return prompt, nil
}

func (c *Converter) index(graph *UIWorkflow) *graphIndex {
	idx := &graphIndex{
		nodes:       map[NodeID]*UINode{},
		links:       map[int64]UILink{},
		primitives:  map[NodeID]json.RawMessage{},
		passthrough: map[NodeID]bool{},
		excluded:    map[NodeID]bool{},
	}

	for _, link := range graph.Links {
		idx.links[link.ID] = link
	}

	for _, node := range graph.Nodes {
		if node == nil {
			continue
		}
		idx.nodes[node.ID] = node

		if node.Mode == ModeBypassed || node.Type == "Reroute" {
			idx.passthrough[node.ID] = true
		}

		if node.Type == "PrimitiveNode" {
			if values, ok := node.widgetList(); ok && len(values) > 0 {
				idx.primitives[node.ID] = values[0]
			}
		}

		switch {
		case node.Type == "LoadImageOutput":
			idx.excluded[node.ID] = true
		case !node.hasConnectedOutput() && !c.isOutputNode(node):
			idx.excluded[node.ID] = true
		}
	}

	return idx
}

// isOutputNode uses the node definition when known. Unknown sinks (no output sockets at all)
// are kept so SaveImage-like custom nodes survive when ComfyUI is unreachable.
func (c *Converter) isOutputNode(node *UINode) bool {
	if def := c.info.Lookup(node.classForLookup()); def != nil {
		return def.OutputNode
	}
	return len(node.Outputs) == 0
}

// emitted reports whether a node becomes part of the API prompt
func (idx *graphIndex) emitted(id NodeID) bool {
	node, ok := idx.nodes[id]
	if !ok || node.Type == "" {
		return false
	}
	if node.Mode == ModeMuted || node.Mode == ModeBypassed {
		return false
	}
	return !uiOnlyClasses[node.Type] && !idx.excluded[id]
}

// trace follows links through bypassed nodes and reroutes to the real source. A bypassed
// node forwards its first linked input.
func (idx *graphIndex) trace(id NodeID, slot int, visited map[NodeID]bool) (NodeID, int) {
	if !idx.passthrough[id] || visited[id] {
		return id, slot
	}
	visited[id] = true

	node, ok := idx.nodes[id]
	if !ok {
		return id, slot
	}
	for _, input := range node.Inputs {
		if input.Link == nil {
			continue
		}
		if link, ok := idx.links[*input.Link]; ok {
			return idx.trace(link.OriginID, link.OriginSlot, visited)
		}
	}
	return id, slot
}

func (c *Converter) convertNode(node *UINode, idx *graphIndex) *PromptNode {
	def := c.info.Lookup(node.classForLookup())

	linkInputs := NewInputs()
	primitiveInputs := NewInputs()
	for _, input := range node.Inputs {
		if input.Link == nil {
			continue
		}
		link, ok := idx.links[*input.Link]
		if !ok {
			continue
		}

		sourceID, sourceSlot := idx.trace(link.OriginID, link.OriginSlot, map[NodeID]bool{})
		if value, ok := idx.primitives[sourceID]; ok {
			primitiveInputs.Set(input.Name, value)
			continue
		}
		if !idx.emitted(sourceID) {
			c.logger.Debug(fmt.Sprintf("Dropping input %s of node %s: source %s is not executable", input.Name, node.ID, sourceID), "workflow")
			continue
		}
		linkInputs.Set(input.Name, LinkValue(string(sourceID), sourceSlot))
	}

	widgetInputs := NewInputs()
	if keys, values, ok := node.widgetObject(); ok {
		for _, key := range keys {
			if previewWidgetKeys[key] || linkInputs.Has(key) {
				continue
			}
			widgetInputs.Set(key, values[key])
		}
	} else if values, ok := node.widgetList(); ok {
		if hasObjectValues(values) {
			dictWidgetValues(values, widgetInputs, linkInputs)
		} else {
			names := c.widgetNames(node, def, len(values))
			filtered := filterControlValues(values)
			if len(names) == 0 && len(filtered) > 0 {
				c.logger.Warn(fmt.Sprintf("Could not map widget values for unknown node type '%s' (node %s)", node.Type, node.ID), "workflow")
			}
			for i, value := range filtered {
				if i >= len(names) {
					break
				}
				if names[i] != "" && !linkInputs.Has(names[i]) {
					widgetInputs.Set(names[i], value)
				}
			}
		}
	}

	inputs := NewInputs()
	var order []string
	if def != nil {
		order = def.OrderedInputs()
	}
	// a primitive drives the widget it is connected to, so its value wins
	for _, name := range order {
		if value, ok := primitiveInputs.Get(name); ok {
			inputs.Set(name, value)
		} else if value, ok := widgetInputs.Get(name); ok {
			inputs.Set(name, value)
		}
	}
	for _, name := range order {
		if value, ok := linkInputs.Get(name); ok && !inputs.Has(name) {
			inputs.Set(name, value)
		}
	}
	for _, extra := range []*Inputs{primitiveInputs, widgetInputs, linkInputs} {
		for _, name := range extra.Keys() {
			if !inputs.Has(name) {
				value, _ := extra.Get(name)
				inputs.Set(name, value)
			}
		}
	}

	title := node.Title
	if title == "" && def != nil {
		title = def.DisplayName
	}
	if title == "" {
		title = node.Type
	}

	return &PromptNode{
		Inputs:    inputs,
		ClassType: node.Type,
		Meta:      &NodeMeta{Title: title},
	}
}

// widgetNames maps widgets_values positions to input names
func (c *Converter) widgetNames(node *UINode, def *NodeDefinition, valueCount int) []string {
	if def != nil {
		if names := def.WidgetNames(); len(names) > 0 {
			return names
		}
	}
	if valueCount == 0 {
		return nil
	}

	var all, flagged []string
	connected := map[string]bool{}
	for _, input := range node.Inputs {
		if input.Name == "" {
			continue
		}
		all = append(all, input.Name)
		if input.Link != nil {
			connected[input.Name] = true
		}
		if input.IsWidget() {
			flagged = append(flagged, input.Name)
		}
	}

	if len(flagged) > 0 {
		if valueCount <= len(flagged) {
			return flagged
		}
		isFlagged := map[string]bool{}
		for _, name := range flagged {
			isFlagged[name] = true
		}
		names := append([]string(nil), flagged...)
		for _, name := range all {
			if len(names) == valueCount {
				break
			}
			if !connected[name] && !isFlagged[name] {
				names = append(names, name)
			}
		}
		return names
	}

	var unconnected []string
	for _, name := range all {
		if !connected[name] {
			unconnected = append(unconnected, name)
		}
	}
	if len(unconnected) > 0 && len(unconnected) >= valueCount {
		return unconnected[:valueCount]
	}
	return nil
}

func filterControlValues(values []json.RawMessage) []json.RawMessage {
	filtered := make([]json.RawMessage, 0, len(values))
	for _, value := range values {
		if s, ok := stringValue(value); ok && controlValues[s] {
			continue
		}
		filtered = append(filtered, value)
	}
	return filtered
}

func hasObjectValues(values []json.RawMessage) bool {
	for _, value := range values {
		if _, _, err := orderedObject(value); err == nil {
			return true
		}
	}
	return false
}

// dictWidgetValues handles self-describing widgets: objects with a `type` key name
// themselves, lora entries are numbered, and an empty string is the "add lora" button.
func dictWidgetValues(values []json.RawMessage, widgetInputs, linkInputs *Inputs) {
	loraCount := 0
	for _, value := range values {
		keys, object, err := orderedObject(value)
		if err != nil {
			if s, ok := stringValue(value); ok && s == "" {
				widgetInputs.Set("➕ Add Lora", value)
			}
			continue
		}
		if len(keys) == 0 {
			continue
		}

		if rawType, ok := object["type"]; ok {
			if name, ok := stringValue(rawType); ok && name != "" && !linkInputs.Has(name) {
				widgetInputs.Set(name, value)
			}
			continue
		}

		if _, ok := object["lora"]; ok {
			loraCount++
			name := fmt.Sprintf("lora_%d", loraCount)
			if linkInputs.Has(name) {
				continue
			}
			cleaned := NewInputs()
			for _, key := range keys {
				if key == "strengthTwo" && string(object[key]) == "null" {
					continue
				}
				cleaned.Set(key, object[key])
			}
			encoded, _ := cleaned.MarshalJSON()
			widgetInputs.Set(name, encoded)
		}
	}
}
