package workflow

import (
	"bytes"
	"encoding/json"
	"strings"
	"unicode"
)

// ObjectInfo maps node class names to their definitions as reported by ComfyUI's /object_info
type ObjectInfo map[string]*NodeDefinition

type NodeDefinition struct {
	Input       NodeInputs          `json:"input"`
	InputOrder  map[string][]string `json:"input_order,omitempty"`
	OutputNode  bool                `json:"output_node"`
	DisplayName string              `json:"display_name,omitempty"`
	Category    string              `json:"category,omitempty"`
}

// NodeInputs holds input specs per section with their declaration order
type NodeInputs struct {
	Required      map[string]json.RawMessage
	Optional      map[string]json.RawMessage
	requiredOrder []string
	optionalOrder []string
}

func (ni *NodeInputs) UnmarshalJSON(data []byte) error {
	var sections map[string]json.RawMessage
	if err := json.Unmarshal(data, &sections); err != nil {
		return err
	}

	if raw, ok := sections["required"]; ok {
		keys, values, err := orderedObject(raw)
		if err != nil {
			return err
		}
		ni.requiredOrder, ni.Required = keys, values
	}
	if raw, ok := sections["optional"]; ok {
		keys, values, err := orderedObject(raw)
		if err != nil {
			return err
		}
		ni.optionalOrder, ni.Optional = keys, values
	}
	return nil
}

func (ni NodeInputs) MarshalJSON() ([]byte, error) {
	sections := map[string]map[string]json.RawMessage{}
	if ni.Required != nil {
		sections["required"] = ni.Required
	}
	if ni.Optional != nil {
		sections["optional"] = ni.Optional
	}
	return json.Marshal(sections)
}

// ParseObjectInfo decodes a /object_info response
func ParseObjectInfo(data []byte) (ObjectInfo, error) {
	var info ObjectInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, err
	}
	return info, nil
}

// Lookup returns the definition of a class, nil when unknown or when info is nil
func (oi ObjectInfo) Lookup(classType string) *NodeDefinition {
	if oi == nil {
		return nil
	}
	return oi[classType]
}

// OrderedInputs returns every input name, required first
func (d *NodeDefinition) OrderedInputs() []string {
	var names []string
	if len(d.InputOrder) > 0 {
		names = append(names, d.InputOrder["required"]...)
		names = append(names, d.InputOrder["optional"]...)
		if len(names) > 0 {
			return names
		}
	}
	names = append(names, d.Input.requiredOrder...)
	names = append(names, d.Input.optionalOrder...)
	return names
}

// RequiredInputs returns the names of required inputs
func (d *NodeDefinition) RequiredInputs() []string {
	if order := d.InputOrder["required"]; len(order) > 0 {
		return order
	}
	return d.Input.requiredOrder
}

var primitiveWidgetTypes = map[string]bool{
	"INT":     true,
	"FLOAT":   true,
	"STRING":  true,
	"BOOLEAN": true,
	"COMBO":   true,
}

// WidgetNames returns the inputs rendered as widgets, in the order their values appear in
// widgets_values. Sockets carry upper-case type names (MODEL, LATENT...).
func (d *NodeDefinition) WidgetNames() []string {
	var names []string
	collect := func(order []string, specs map[string]json.RawMessage) {
		for _, name := range order {
			if isWidgetSpec(specs[name]) {
				names = append(names, name)
			}
		}
	}
	collect(d.Input.requiredOrder, d.Input.Required)
	collect(d.Input.optionalOrder, d.Input.Optional)
	return names
}

func isWidgetSpec(spec json.RawMessage) bool {
	var parts []json.RawMessage
	if err := json.Unmarshal(spec, &parts); err != nil || len(parts) == 0 {
		return false
	}

	first := bytes.TrimSpace(parts[0])
	if len(first) > 0 && first[0] == '[' {
		return true
	}

	typeName, ok := stringValue(first)
	if !ok {
		return false
	}
	if primitiveWidgetTypes[typeName] {
		return true
	}
	return !isUpper(typeName)
}

// isUpper reports whether s has cased letters and all of them are upper case
func isUpper(s string) bool {
	cased := false
	for _, r := range s {
		if unicode.IsLower(r) {
			return false
		}
		if unicode.IsUpper(r) {
			cased = true
		}
	}
	return cased && strings.ToUpper(s) == s
}
