package workflow

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/types"
	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/utils"
)

const testObjectInfo = `{
	"CheckpointLoaderSimple": {
		"input": {"required": {"ckpt_name": [["sd15.safetensors", "sdxl.safetensors"]]}},
		"output_node": false,
		"display_name": "Load Checkpoint"
	},
	"CLIPTextEncode": {
		"input": {"required": {"text": ["STRING", {"multiline": true}], "clip": ["CLIP"]}},
		"output_node": false,
		"display_name": "CLIP Text Encode (Prompt)"
	},
	"EmptyLatentImage": {
		"input": {"required": {"width": ["INT", {}], "height": ["INT", {}], "batch_size": ["INT", {}]}},
		"output_node": false,
		"display_name": "Empty Latent Image"
	},
	"LatentUpscale": {
		"input": {"required": {"samples": ["LATENT"], "upscale_method": [["nearest-exact"]], "width": ["INT"], "height": ["INT"], "crop": [["disabled"]]}},
		"output_node": false
	},
	"KSampler": {
		"input": {"required": {
			"model": ["MODEL"],
			"seed": ["INT", {"control_after_generate": true}],
			"steps": ["INT", {}],
			"cfg": ["FLOAT", {}],
			"sampler_name": [["euler", "dpmpp_2m"]],
			"scheduler": [["normal", "karras"]],
			"positive": ["CONDITIONING"],
			"negative": ["CONDITIONING"],
			"latent_image": ["LATENT"],
			"denoise": ["FLOAT", {}]
		}},
		"input_order": {"required": ["model", "seed", "steps", "cfg", "sampler_name", "scheduler", "positive", "negative", "latent_image", "denoise"]},
		"output_node": false,
		"display_name": "KSampler"
	},
	"VAEDecode": {
		"input": {"required": {"samples": ["LATENT"], "vae": ["VAE"]}},
		"output_node": false,
		"display_name": "VAE Decode"
	},
	"SaveImage": {
		"input": {"required": {"images": ["IMAGE"], "filename_prefix": ["STRING", {}]}},
		"output_node": true,
		"display_name": "Save Image"
	},
	"LoadImage": {
		"input": {"required": {"image": [["a.png"]]}},
		"output_node": false
	}
}`

const testGraph = `{
	"nodes": [
		{"id": 1, "type": "CheckpointLoaderSimple", "mode": 0,
		 "outputs": [{"name": "MODEL", "links": [1]}, {"name": "CLIP", "links": [2]}, {"name": "VAE", "links": [8]}],
		 "widgets_values": ["sd15.safetensors"]},
		{"id": 2, "type": "CLIPTextEncode", "mode": 0,
		 "inputs": [{"name": "clip", "link": 2}],
		 "outputs": [{"name": "CONDITIONING", "links": [3, 4]}],
		 "widgets_values": ["a cat"]},
		{"id": 3, "type": "KSampler", "mode": 0,
		 "inputs": [
			{"name": "model", "link": 1},
			{"name": "positive", "link": 3},
			{"name": "negative", "link": 4},
			{"name": "latent_image", "link": 6},
			{"name": "steps", "link": 20, "widget": {"name": "steps"}}
		 ],
		 "outputs": [{"name": "LATENT", "links": [7]}],
		 "widgets_values": [42, "randomize", 20, 8, "euler", "normal", 1]},
		{"id": 5, "type": "EmptyLatentImage", "mode": 0,
		 "outputs": [{"name": "LATENT", "links": [5]}],
		 "widgets_values": [512, 512, 1]},
		{"id": 6, "type": "VAEDecode", "mode": 0,
		 "inputs": [{"name": "samples", "link": 7}, {"name": "vae", "link": 8}],
		 "outputs": [{"name": "IMAGE", "links": [9]}]},
		{"id": 7, "type": "SaveImage", "title": "Final", "mode": 0,
		 "inputs": [{"name": "images", "link": 9}],
		 "widgets_values": ["ComfyUI"]},
		{"id": 8, "type": "Note", "mode": 0, "widgets_values": ["remember to upscale"]},
		{"id": 9, "type": "PrimitiveNode", "mode": 0,
		 "outputs": [{"name": "INT", "links": [20]}],
		 "widgets_values": [30, "fixed"]},
		{"id": 10, "type": "LatentUpscale", "mode": 4,
		 "inputs": [{"name": "samples", "link": 5}],
		 "outputs": [{"name": "LATENT", "links": [6]}],
		 "widgets_values": ["nearest-exact", 1024, 1024, "disabled"]},
		{"id": 11, "type": "CLIPTextEncode", "mode": 2,
		 "outputs": [{"name": "CONDITIONING", "links": []}],
		 "widgets_values": ["muted"]},
		{"id": 12, "type": "LoadImage", "mode": 0,
		 "outputs": [{"name": "IMAGE", "links": []}],
		 "widgets_values": ["a.png", "image"]}
	],
	"links": [
		[1, 1, 0, 3, 0, "MODEL"],
		[2, 1, 1, 2, 0, "CLIP"],
		[3, 2, 0, 3, 1, "CONDITIONING"],
		[4, 2, 0, 3, 2, "CONDITIONING"],
		[5, 5, 0, 10, 0, "LATENT"],
		[6, 10, 0, 3, 3, "LATENT"],
		[7, 3, 0, 6, 0, "LATENT"],
		[8, 1, 2, 6, 1, "VAE"],
		[9, 6, 0, 7, 0, "IMAGE"],
		[20, 9, 0, 3, 4, "INT"]
	]
}`

func newTestConverter(t *testing.T, withInfo bool) *Converter {
	t.Helper()
	var info ObjectInfo
	if withInfo {
		var err error
		info, err = ParseObjectInfo([]byte(testObjectInfo))
		if err != nil {
			t.Fatalf("Failed to parse object info: %v", err)
		}
	}
	return NewConverter(info, utils.NewDiscardLogsManager())
}

func inputJSON(t *testing.T, node *PromptNode, key string) string {
	t.Helper()
	value, ok := node.Inputs.Get(key)
	if !ok {
		t.Fatalf("Node %s has no input %s (inputs: %v)", node.ClassType, key, node.Inputs.Keys())
	}
	return string(value)
}

func TestConvertGraph(t *testing.T) {
	prompt, err := newTestConverter(t, true).Normalize(json.RawMessage(testGraph))
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}

	t.Run("executable nodes only", func(t *testing.T) {
		expected := []string{"1", "2", "3", "5", "6", "7"}
		if got := sortedNodeIDs(prompt); !reflect.DeepEqual(got, expected) {
			t.Errorf("Expected nodes %v, got %v", expected, got)
		}
	})

	t.Run("widgets first then links in class order", func(t *testing.T) {
		sampler := prompt["3"]
		expected := []string{"seed", "steps", "cfg", "sampler_name", "scheduler", "denoise", "model", "positive", "negative", "latent_image"}
		if got := sampler.Inputs.Keys(); !reflect.DeepEqual(got, expected) {
			t.Errorf("Expected input order %v, got %v", expected, got)
		}
		if got := inputJSON(t, sampler, "seed"); got != "42" {
			t.Errorf("Expected seed 42, got %s", got)
		}
		if got := inputJSON(t, sampler, "sampler_name"); got != `"euler"` {
			t.Errorf("Expected sampler_name euler, got %s", got)
		}
	})

	t.Run("primitive value inlined", func(t *testing.T) {
		if got := inputJSON(t, prompt["3"], "steps"); got != "30" {
			t.Errorf("Expected steps from primitive 30, got %s", got)
		}
	})

	t.Run("links traced through bypassed node", func(t *testing.T) {
		if got := inputJSON(t, prompt["3"], "latent_image"); got != `["5",0]` {
			t.Errorf("Expected latent_image from node 5, got %s", got)
		}
	})

	t.Run("titles", func(t *testing.T) {
		if prompt["7"].Meta.Title != "Final" {
			t.Errorf("Expected node title, got %s", prompt["7"].Meta.Title)
		}
		if prompt["1"].Meta.Title != "Load Checkpoint" {
			t.Errorf("Expected display name, got %s", prompt["1"].Meta.Title)
		}
	})

	t.Run("output node kept", func(t *testing.T) {
		save := prompt["7"]
		if save == nil {
			t.Fatal("SaveImage missing")
		}
		if got := save.Inputs.Keys(); !reflect.DeepEqual(got, []string{"filename_prefix", "images"}) {
			t.Errorf("Unexpected SaveImage inputs %v", got)
		}
	})

	t.Run("marshals in order", func(t *testing.T) {
		encoded, err := json.Marshal(prompt["5"])
		if err != nil {
			t.Fatalf("Marshal failed: %v", err)
		}
		expected := `{"inputs":{"width":512,"height":512,"batch_size":1},"class_type":"EmptyLatentImage","_meta":{"title":"Empty Latent Image"}}`
		if string(encoded) != expected {
			t.Errorf("Expected %s, got %s", expected, encoded)
		}
	})

	t.Run("result validates", func(t *testing.T) {
		info, _ := ParseObjectInfo([]byte(testObjectInfo))
		if result := Validate(prompt, info); !result.Valid {
			t.Errorf("Converted prompt is invalid: %+v", result.Errors)
		}
	})
}

func TestConvertWithoutObjectInfo(t *testing.T) {
	prompt, err := newTestConverter(t, false).Normalize(json.RawMessage(testGraph))
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}

	if _, ok := prompt["7"]; !ok {
		t.Error("Sink node without outputs should be kept")
	}
	if _, ok := prompt["12"]; ok {
		t.Error("Node with unconnected outputs should be dropped")
	}
	if got := prompt["7"].Meta.Title; got != "Final" {
		t.Errorf("Expected title Final, got %s", got)
	}
	if got := prompt["2"].Meta.Title; got != "CLIPTextEncode" {
		t.Errorf("Expected class name as title, got %s", got)
	}
}

func TestConvertWidgetShapes(t *testing.T) {
	graph := `{
		"nodes": [
			{"id": "a", "type": "VHS_VideoCombine", "mode": 0,
			 "widgets_values": {"frame_rate": 8, "format": "video/h264-mp4", "videopreview": {"hidden": false}}},
			{"id": "b", "type": "Power Lora Loader (rgthree)", "mode": 0,
			 "outputs": [{"name": "MODEL", "links": [1]}],
			 "widgets_values": [{}, {"type": "PowerLoraLoaderHeaderWidget"}, {"on": true, "lora": "x.safetensors", "strength": 1, "strengthTwo": null}, ""]},
			{"id": "c", "type": "CustomSink", "mode": 0,
			 "inputs": [{"name": "model", "link": 1}, {"name": "scale", "widget": {"name": "scale"}, "link": null}],
			 "widgets_values": [1.5]}
		],
		"links": [{"id": 1, "origin_id": "b", "origin_slot": 0, "target_id": "c", "target_slot": 0, "type": "MODEL"}]
	}`

	prompt, err := newTestConverter(t, false).Normalize(json.RawMessage(graph))
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}

	t.Run("dict widgets used directly", func(t *testing.T) {
		combine := prompt["a"]
		if got := combine.Inputs.Keys(); !reflect.DeepEqual(got, []string{"frame_rate", "format"}) {
			t.Errorf("Unexpected inputs %v", got)
		}
	})

	t.Run("self-describing widgets", func(t *testing.T) {
		loader := prompt["b"]
		if got := inputJSON(t, loader, "lora_1"); got != `{"on":true,"lora":"x.safetensors","strength":1}` {
			t.Errorf("Unexpected lora entry %s", got)
		}
		if !loader.Inputs.Has("PowerLoraLoaderHeaderWidget") || !loader.Inputs.Has("➕ Add Lora") {
			t.Errorf("Missing self-describing widgets: %v", loader.Inputs.Keys())
		}
	})

	t.Run("flagged widget fallback and object links", func(t *testing.T) {
		sink := prompt["c"]
		if got := inputJSON(t, sink, "scale"); got != "1.5" {
			t.Errorf("Expected scale 1.5, got %s", got)
		}
		if got := inputJSON(t, sink, "model"); got != `["b",0]` {
			t.Errorf("Expected model link from b, got %s", got)
		}
	})
}

func TestNormalizeFormats(t *testing.T) {
	converter := newTestConverter(t, false)

	t.Run("api format passes through", func(t *testing.T) {
		payload := `{"4": {"class_type": "CheckpointLoaderSimple", "inputs": {"ckpt_name": "sd15.safetensors"}}, "client_id": "abc"}`
		prompt, err := converter.Normalize(json.RawMessage(payload))
		if err != nil {
			t.Fatalf("Normalize failed: %v", err)
		}
		if len(prompt) != 1 || prompt["4"].ClassType != "CheckpointLoaderSimple" {
			t.Errorf("Unexpected prompt %+v", prompt)
		}
	})

	t.Run("missing nodes or links", func(t *testing.T) {
		_, err := converter.Normalize(json.RawMessage(`{"nodes": []}`))
		if !errors.Is(err, types.ErrInvalidInput) {
			t.Fatalf("Expected invalid input, got %v", err)
		}
		if err.Error() != "Invalid workflow format - missing nodes or links" {
			t.Errorf("Unexpected message %q", err.Error())
		}
	})

	t.Run("not json", func(t *testing.T) {
		if _, err := converter.Normalize(json.RawMessage(`{broken`)); !errors.Is(err, types.ErrInvalidInput) {
			t.Errorf("Expected invalid input, got %v", err)
		}
	})
}

func TestFilterControlValues(t *testing.T) {
	values := []json.RawMessage{
		json.RawMessage(`42`), json.RawMessage(`"increment"`), json.RawMessage(`"euler"`), json.RawMessage(`"fixed"`),
	}
	filtered := filterControlValues(values)
	if len(filtered) != 2 || string(filtered[0]) != "42" || string(filtered[1]) != `"euler"` {
		t.Errorf("Unexpected filtered values %s", filtered)
	}
}
