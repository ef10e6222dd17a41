package workflow

import (
	"encoding/json"
	"strings"
	"testing"
)

func mustPrompt(t *testing.T, payload string) Prompt {
	t.Helper()
	prompt, err := ParsePrompt([]byte(payload))
	if err != nil {
		t.Fatalf("ParsePrompt failed: %v", err)
	}
	return prompt
}

func TestValidate(t *testing.T) {
	info, err := ParseObjectInfo([]byte(testObjectInfo))
	if err != nil {
		t.Fatalf("Failed to parse object info: %v", err)
	}

	tests := []struct {
		name    string
		payload string
		info    ObjectInfo
		valid   bool
		message string
	}{
		{
			name:    "valid two nodes",
			payload: `{"1": {"class_type": "EmptyLatentImage", "inputs": {"width": 512, "height": 512, "batch_size": 1}}, "2": {"class_type": "VAEDecode", "inputs": {"samples": ["1", 0], "vae": ["1", 0]}}}`,
			info:    info,
			valid:   true,
		},
		{
			name:    "empty",
			payload: `{}`,
			valid:   false,
			message: "no nodes",
		},
		{
			name:    "missing class",
			payload: `{"1": {"inputs": {}}}`,
			valid:   false,
			message: "missing class_type",
		},
		{
			name:    "missing inputs",
			payload: `{"1": {"class_type": "X"}}`,
			valid:   false,
			message: "missing inputs",
		},
		{
			name:    "dangling link",
			payload: `{"1": {"class_type": "X", "inputs": {"a": ["9", 0]}}}`,
			valid:   false,
			message: "missing node 9",
		},
		{
			name:    "cycle",
			payload: `{"1": {"class_type": "X", "inputs": {"a": ["2", 0]}}, "2": {"class_type": "X", "inputs": {"a": ["1", 0]}}}`,
			valid:   false,
			message: "cycle",
		},
		{
			name:    "unknown class with info",
			payload: `{"1": {"class_type": "Mystery", "inputs": {}}}`,
			info:    info,
			valid:   false,
			message: "unknown node class",
		},
		{
			name:    "required input missing",
			payload: `{"1": {"class_type": "EmptyLatentImage", "inputs": {"width": 512}}}`,
			info:    info,
			valid:   false,
			message: "required input",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Validate(mustPrompt(t, tt.payload), tt.info)
			if result.Valid != tt.valid {
				t.Fatalf("Expected valid=%v, got %v (%+v)", tt.valid, result.Valid, result.Errors)
			}
			if tt.message != "" && !strings.Contains(result.Error(), tt.message) {
				t.Errorf("Expected error containing %q, got %q", tt.message, result.Error())
			}
		})
	}
}

func TestApplyParams(t *testing.T) {
	payload := `{
		"1": {"class_type": "ComfyUIDeployExternalText", "inputs": {"input_id": "prompt", "default_value": "a dog"}},
		"2": {"class_type": "KSampler", "inputs": {"seed": 1, "steps": 20}}
	}`

	t.Run("external inputs and direct paths", func(t *testing.T) {
		prompt := mustPrompt(t, payload)
		unmatched, err := ApplyParams(prompt, map[string]json.RawMessage{
			"prompt":     json.RawMessage(`"a cat"`),
			"2.seed":     json.RawMessage(`7`),
			"2.denoise":  json.RawMessage(`0.5`),
			"unknownkey": json.RawMessage(`1`),
		})
		if err != nil {
			t.Fatalf("ApplyParams failed: %v", err)
		}
		if len(unmatched) != 1 || unmatched[0] != "unknownkey" {
			t.Errorf("Expected unknownkey to be unmatched, got %v", unmatched)
		}
		if v, _ := prompt["1"].Inputs.Get("default_value"); string(v) != `"a cat"` {
			t.Errorf("Expected default_value a cat, got %s", v)
		}
		if v, _ := prompt["2"].Inputs.Get("seed"); string(v) != "7" {
			t.Errorf("Expected seed 7, got %s", v)
		}
		if got := prompt["2"].Inputs.Keys(); len(got) != 3 || got[0] != "seed" || got[2] != "denoise" {
			t.Errorf("Expected new input appended after existing ones, got %v", got)
		}
	})

	t.Run("unknown node", func(t *testing.T) {
		prompt := mustPrompt(t, payload)
		if _, err := ApplyParams(prompt, map[string]json.RawMessage{"9.seed": json.RawMessage(`1`)}); err == nil {
			t.Error("Expected error for unknown node")
		}
	})

	t.Run("clone is independent", func(t *testing.T) {
		original := mustPrompt(t, payload)
		clone := original.Clone()
		if _, err := ApplyParams(clone, map[string]json.RawMessage{"2.seed": json.RawMessage(`99`)}); err != nil {
			t.Fatalf("ApplyParams failed: %v", err)
		}
		if v, _ := original["2"].Inputs.Get("seed"); string(v) != "1" {
			t.Errorf("Original prompt changed: seed %s", v)
		}
	})
}

func TestParseLink(t *testing.T) {
	tests := []struct {
		value string
		id    string
		slot  int
		ok    bool
	}{
		{`["4", 1]`, "4", 1, true},
		{`[4, 0]`, "4", 0, true},
		{`"text"`, "", 0, false},
		{`[1, 2, 3]`, "", 0, false},
		{`["a", "b"]`, "", 0, false},
	}
	for _, tt := range tests {
		id, slot, ok := ParseLink(json.RawMessage(tt.value))
		if ok != tt.ok || id != tt.id || slot != tt.slot {
			t.Errorf("ParseLink(%s) = %q, %d, %v", tt.value, id, slot, ok)
		}
	}
}
