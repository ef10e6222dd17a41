package cmd

import (
	"strings"
	"testing"

	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/types"
)

func TestParseParams(t *testing.T) {
	params, err := parseParams([]string{"seed=42", "prompt=a red fox", "size={\"w\":512}", "empty="})
	if err != nil {
		t.Fatalf("parseParams failed: %v", err)
	}

	expected := map[string]string{
		"seed":   `42`,
		"prompt": `"a red fox"`,
		"size":   `{"w":512}`,
		"empty":  `""`,
	}
	for key, want := range expected {
		if got := string(params[key]); got != want {
			t.Errorf("%s: expected %s, got %s", key, want, got)
		}
	}

	if _, err := parseParams([]string{"novalue"}); err == nil {
		t.Errorf("Expected an error for a parameter without '='")
	}
	if _, err := parseParams([]string{"=1"}); err == nil {
		t.Errorf("Expected an error for an empty key")
	}
}

func TestFollowEvents(t *testing.T) {
	t.Run("stops at the terminal event", func(t *testing.T) {
		stream := strings.Join([]string{
			`id: 1`,
			`event: queued`,
			`data: {"job_id":"j1","seq":1,"type":"queued","timestamp":1}`,
			``,
			`: keep-alive`,
			``,
			`id: 2`,
			`event: progress`,
			`data: {"job_id":"j1","seq":2,"type":"progress","value":3,"max":10,"timestamp":2}`,
			``,
			`id: 3`,
			`event: completed`,
			`data: {"job_id":"j1","seq":3,"type":"completed","output":{"9":{"images":[]}},"timestamp":3}`,
			``,
			`id: 4`,
			`event: progress`,
			`data: {"job_id":"j1","seq":4,"type":"progress","timestamp":4}`,
			``,
		}, "\n")

		final, err := followEvents(strings.NewReader(stream), newProgressView(false))
		if err != nil {
			t.Fatalf("followEvents failed: %v", err)
		}
		if final.Type != types.EventCompleted || final.Seq != 3 {
			t.Errorf("Expected completed event 3, got %+v", final)
		}
	})

	t.Run("error event", func(t *testing.T) {
		stream := "data: {\"job_id\":\"j2\",\"seq\":1,\"type\":\"error\",\"error\":\"boom\"}\n\n"
		final, err := followEvents(strings.NewReader(stream), newProgressView(false))
		if err != nil {
			t.Fatalf("followEvents failed: %v", err)
		}
		if final.Type != types.EventError || final.Error != "boom" {
			t.Errorf("Expected error event, got %+v", final)
		}
	})

	t.Run("stream ends early", func(t *testing.T) {
		stream := "data: {\"job_id\":\"j3\",\"seq\":1,\"type\":\"queued\"}\n\n"
		if _, err := followEvents(strings.NewReader(stream), newProgressView(false)); err == nil {
			t.Errorf("Expected an error when the stream ends without a terminal event")
		}
	})

	t.Run("invalid event", func(t *testing.T) {
		if _, err := followEvents(strings.NewReader("data: {nope\n\n"), newProgressView(false)); err == nil {
			t.Errorf("Expected an error for an invalid event")
		}
	})
}
