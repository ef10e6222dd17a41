package comfy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/types"
	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/utils"
	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/workflow"
)

// fakeComfy is a minimal ComfyUI: HTTP routes plus a websocket the test scripts messages on
type fakeComfy struct {
	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu          sync.Mutex
	conn        *websocket.Conn
	connects    int
	prompts     []map[string]json.RawMessage
	interrupts  int
	deleted     []string
	onPrompt    func(f *fakeComfy, promptID string)
	holdPrompt  func()
	queueBody   string
	onInterrupt func(f *fakeComfy)
	rejectWith  string
	history     map[string]interface{}
}

func newFakeComfy(t *testing.T) *fakeComfy {
	f := &fakeComfy{t: t, history: map[string]interface{}{}}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := f.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conn = conn
		f.connects++
		f.mu.Unlock()
		f.send("status", map[string]interface{}{"status": map[string]interface{}{"exec_info": map[string]int{"queue_remaining": 0}}})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	mux.HandleFunc("/prompt", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]json.RawMessage
		json.NewDecoder(r.Body).Decode(&body)

		f.mu.Lock()
		f.prompts = append(f.prompts, body)
		promptID := fmt.Sprintf("prompt-%d", len(f.prompts))
		reject := f.rejectWith
		hook := f.onPrompt
		hold := f.holdPrompt
		f.mu.Unlock()

		if hold != nil {
			hold()
		}

		if reject != "" {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprintf(w, `{"error": {"type": "prompt_outputs_failed_validation", "message": %q, "details": ""}, "node_errors": {}}`, reject)
			return
		}

		json.NewEncoder(w).Encode(map[string]interface{}{"prompt_id": promptID, "number": len(f.prompts), "node_errors": map[string]interface{}{}})
		if hook != nil {
			go hook(f, promptID)
		}
	})
	mux.HandleFunc("/interrupt", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.interrupts++
		hook := f.onInterrupt
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
		if hook != nil {
			go hook(f)
		}
	})
	mux.HandleFunc("/queue", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			var body struct {
				Delete []string `json:"delete"`
			}
			json.NewDecoder(r.Body).Decode(&body)
			f.mu.Lock()
			f.deleted = append(f.deleted, body.Delete...)
			f.mu.Unlock()
			return
		}
		f.mu.Lock()
		body := f.queueBody
		f.mu.Unlock()
		if body == "" {
			body = `{"queue_running": [[1, "prompt-1", {}, {}, []]], "queue_pending": [[2, "prompt-2", {}, {}, []]]}`
		}
		w.Write([]byte(body))
	})
	mux.HandleFunc("/history/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		json.NewEncoder(w).Encode(f.history)
	})
	mux.HandleFunc("/object_info", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"SaveImage": {"input": {"required": {"images": ["IMAGE"], "filename_prefix": ["STRING", {"default": "ComfyUI"}]}}, "output_node": true}}`))
	})
	mux.HandleFunc("/system_stats", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"system": {"os": "posix", "python_version": "3.11", "comfyui_version": "0.3.40"}, "devices": []}`))
	})

	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeComfy) send(msgType string, data interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn == nil {
		return
	}
	f.conn.WriteJSON(map[string]interface{}{"type": msgType, "data": data})
}

func (f *fakeComfy) dropConnection() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn != nil {
		f.conn.Close()
		f.conn = nil
	}
}

func (f *fakeComfy) config(extra map[string]string) *utils.ConfigManager {
	values := map[string]string{
		"comfyui_url":              f.server.URL,
		"comfyui_request_timeout":  "5s",
		"comfyui_ws_reconnect_max": "200ms",
		"interrupt_grace":          "2s",
	}
	for k, v := range extra {
		values[k] = v
	}
	return utils.NewConfigManagerFromMap(values)
}

type recordingSink struct {
	mu      sync.Mutex
	started []string
	events  []types.ProgressEvent
	onEvent func(types.ProgressEvent)
}

func (s *recordingSink) Started(promptID string) {
	s.mu.Lock()
	s.started = append(s.started, promptID)
	s.mu.Unlock()
}

func (s *recordingSink) Emit(event types.ProgressEvent) {
	s.mu.Lock()
	s.events = append(s.events, event)
	hook := s.onEvent
	s.mu.Unlock()
	if hook != nil {
		hook(event)
	}
}

func (s *recordingSink) sequence() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, ev := range s.events {
		out = append(out, fmt.Sprintf("%s:%s", ev.Type, ev.NodeID))
	}
	return out
}

func twoNodePrompt(t *testing.T) workflow.Prompt {
	t.Helper()
	prompt, err := workflow.ParsePrompt([]byte(`{
		"1": {"class_type": "EmptyLatentImage", "inputs": {"width": 512, "height": 512, "batch_size": 1}},
		"2": {"class_type": "SaveImage", "inputs": {"images": ["1", 0], "filename_prefix": "out"}}
	}`))
	if err != nil {
		t.Fatalf("ParsePrompt failed: %v", err)
	}
	return prompt
}

func startExecutor(t *testing.T, f *fakeComfy, extra map[string]string) (*Executor, *Listener) {
	t.Helper()
	logger := utils.NewDiscardLogsManager()
	cm := f.config(extra)

	client, err := NewClient(cm, logger)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	listener := NewListener(client.WebSocketURL(), cm, logger)
	listener.baseDelay = 10 * time.Millisecond
	listener.Start(context.Background())
	t.Cleanup(listener.Stop)

	if err := listener.WaitConnected(context.Background(), 2*time.Second); err != nil {
		t.Fatalf("Listener did not connect: %v", err)
	}
	return NewExecutor(client, listener, nil, cm, logger), listener
}

func TestExecutorTwoNodeRun(t *testing.T) {
	f := newFakeComfy(t)
	f.onPrompt = func(f *fakeComfy, id string) {
		f.send("execution_start", map[string]string{"prompt_id": id})
		f.send("executing", map[string]string{"node": "1", "prompt_id": id})
		f.send("progress", map[string]interface{}{"value": 1, "max": 2, "prompt_id": id, "node": "1"})
		f.send("executing", map[string]string{"node": "2", "prompt_id": id})
		f.send("executed", map[string]interface{}{"node": "2", "prompt_id": id, "output": map[string]interface{}{"images": []map[string]string{{"filename": "out_00001_.png", "subfolder": "", "type": "output"}}}})
		f.send("execution_success", map[string]string{"prompt_id": id})
		f.send("executing", map[string]interface{}{"node": nil, "prompt_id": id})
	}
	executor, listener := startExecutor(t, f, nil)

	sink := &recordingSink{}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	outcome, err := executor.Execute(ctx, "job-1", twoNodePrompt(t), sink)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	want := []string{"node-started:1", "progress:1", "node-completed:1", "node-started:2", "node-completed:2"}
	if got := sink.sequence(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("Expected events %v, got %v", want, got)
	}
	if len(sink.started) != 1 || sink.started[0] != outcome.PromptID {
		t.Errorf("Expected one start notification for %s, got %v", outcome.PromptID, sink.started)
	}
	if _, ok := outcome.Outputs["2"]; !ok {
		t.Errorf("Expected output of node 2, got %v", outcome.Outputs)
	}
	if last := sink.events[len(sink.events)-1]; len(last.Output) == 0 || last.NodeType != "SaveImage" {
		t.Errorf("Expected SaveImage completion carrying its output, got %+v", last)
	}

	f.mu.Lock()
	var clientID string
	json.Unmarshal(f.prompts[0]["client_id"], &clientID)
	f.mu.Unlock()
	if clientID == "" {
		t.Error("Expected prompt to be queued with the listener's client id")
	}

	progress, ok := listener.Progress(outcome.PromptID)
	if !ok || progress.Status != "completed" || progress.Progress != 100 {
		t.Errorf("Expected completed progress entry, got %+v (found=%v)", progress, ok)
	}
}

func TestExecutorCachedNodes(t *testing.T) {
	f := newFakeComfy(t)
	f.onPrompt = func(f *fakeComfy, id string) {
		f.send("execution_start", map[string]string{"prompt_id": id})
		f.send("execution_cached", map[string]interface{}{"nodes": []string{"1"}, "prompt_id": id})
		f.send("executing", map[string]string{"node": "2", "prompt_id": id})
		f.send("executing", map[string]interface{}{"node": nil, "prompt_id": id})
	}
	executor, _ := startExecutor(t, f, nil)

	sink := &recordingSink{}
	if _, err := executor.Execute(context.Background(), "job-1", twoNodePrompt(t), sink); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	want := "node-started:1,node-completed:1,node-started:2,node-completed:2"
	if got := strings.Join(sink.sequence(), ","); got != want {
		t.Errorf("Expected %s, got %s", want, got)
	}
}

func TestExecutorExecutionError(t *testing.T) {
	f := newFakeComfy(t)
	f.onPrompt = func(f *fakeComfy, id string) {
		f.send("execution_start", map[string]string{"prompt_id": id})
		f.send("executing", map[string]string{"node": "1", "prompt_id": id})
		f.send("execution_error", map[string]interface{}{
			"prompt_id": id, "node_id": "1", "node_type": "EmptyLatentImage",
			"exception_type": "RuntimeError", "exception_message": "CUDA out of memory",
		})
	}
	executor, _ := startExecutor(t, f, nil)

	_, err := executor.Execute(context.Background(), "job-1", twoNodePrompt(t), &recordingSink{})
	if types.KindOf(err) != types.ErrorKindExecution {
		t.Fatalf("Expected execution error, got %v", err)
	}
	if !strings.Contains(err.Error(), "CUDA out of memory") {
		t.Errorf("Expected exception message in error, got %q", err.Error())
	}
}

func TestExecutorRejectedPrompt(t *testing.T) {
	f := newFakeComfy(t)
	f.rejectWith = "Prompt outputs failed validation"
	executor, _ := startExecutor(t, f, nil)

	_, err := executor.Execute(context.Background(), "job-1", twoNodePrompt(t), &recordingSink{})
	if !errors.Is(err, types.ErrInvalidInput) {
		t.Fatalf("Expected InvalidInput, got %v", err)
	}
}

func TestExecutorInterrupt(t *testing.T) {
	f := newFakeComfy(t)
	var promptID string
	f.onPrompt = func(f *fakeComfy, id string) {
		promptID = id
		f.send("execution_start", map[string]string{"prompt_id": id})
		f.send("executing", map[string]string{"node": "1", "prompt_id": id})
	}
	f.onInterrupt = func(f *fakeComfy) {
		f.send("execution_interrupted", map[string]interface{}{"prompt_id": promptID, "node_id": "1", "node_type": "EmptyLatentImage"})
	}
	executor, _ := startExecutor(t, f, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := &recordingSink{onEvent: func(ev types.ProgressEvent) {
		if ev.Type == types.EventNodeStarted {
			cancel()
		}
	}}

	_, err := executor.Execute(ctx, "job-1", twoNodePrompt(t), sink)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.interrupts != 1 {
		t.Errorf("Expected one POST /interrupt, got %d", f.interrupts)
	}
}

func TestExecutorCancelBeforeStart(t *testing.T) {
	f := newFakeComfy(t)
	queued := make(chan struct{})
	f.onPrompt = func(f *fakeComfy, id string) { close(queued) }
	f.queueBody = `{"queue_running": [], "queue_pending": [[1, "prompt-1", {}, {}, []]]}`
	executor, _ := startExecutor(t, f, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-queued
		cancel()
	}()

	if _, err := executor.Execute(ctx, "job-1", twoNodePrompt(t), &recordingSink{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.interrupts != 0 || len(f.deleted) != 1 || f.deleted[0] != "prompt-1" {
		t.Errorf("Expected queued prompt to be deleted without interrupt, got interrupts=%d deleted=%v", f.interrupts, f.deleted)
	}
}

func TestExecutorCancelWhileQueueing(t *testing.T) {
	tests := []struct {
		name           string
		queueBody      string
		wantInterrupts int
	}{
		{"still pending", `{"queue_running": [], "queue_pending": [[1, "prompt-1", {}, {}, []]]}`, 0},
		{"already running", `{"queue_running": [[1, "prompt-1", {}, {}, []]], "queue_pending": []}`, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeComfy(t)
			f.queueBody = tt.queueBody
			ctx, cancel := context.WithCancel(context.Background())
			// ComfyUI accepts the prompt only after the caller has gone away
			f.holdPrompt = func() {
				cancel()
				time.Sleep(50 * time.Millisecond)
			}
			executor, _ := startExecutor(t, f, nil)

			if _, err := executor.Execute(ctx, "job-1", twoNodePrompt(t), &recordingSink{}); !errors.Is(err, context.Canceled) {
				t.Fatalf("Expected context.Canceled, got %v", err)
			}

			f.mu.Lock()
			defer f.mu.Unlock()
			if len(f.prompts) != 1 {
				t.Fatalf("Expected one queued prompt, got %d", len(f.prompts))
			}
			if len(f.deleted) != 1 || f.deleted[0] != "prompt-1" {
				t.Errorf("Expected the accepted prompt to be removed from the queue, got %v", f.deleted)
			}
			if f.interrupts != tt.wantInterrupts {
				t.Errorf("Expected %d interrupts, got %d", tt.wantInterrupts, f.interrupts)
			}
		})
	}
}

func TestExecutorRecoversFromHistory(t *testing.T) {
	f := newFakeComfy(t)
	f.onPrompt = func(f *fakeComfy, id string) {
		f.send("execution_start", map[string]string{"prompt_id": id})
		f.mu.Lock()
		f.history[id] = map[string]interface{}{
			"outputs": map[string]interface{}{"2": map[string]interface{}{"images": []interface{}{}}},
			"status":  map[string]interface{}{"status_str": "success", "completed": true},
		}
		f.mu.Unlock()
	}
	executor, _ := startExecutor(t, f, nil)
	executor.pollInterval = 50 * time.Millisecond

	outcome, err := executor.Execute(context.Background(), "job-1", twoNodePrompt(t), &recordingSink{})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if _, ok := outcome.Outputs["2"]; !ok {
		t.Errorf("Expected outputs recovered from history, got %v", outcome.Outputs)
	}
}

func TestListenerReconnects(t *testing.T) {
	f := newFakeComfy(t)
	_, listener := startExecutor(t, f, nil)

	var mu sync.Mutex
	var changes []bool
	listener.OnConnectionChange(func(connected bool) {
		mu.Lock()
		changes = append(changes, connected)
		mu.Unlock()
	})

	f.dropConnection()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		connects := f.connects
		f.mu.Unlock()
		if connects >= 2 && listener.Connected() {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	f.mu.Lock()
	connects := f.connects
	f.mu.Unlock()
	if connects < 2 || !listener.Connected() {
		t.Fatalf("Expected listener to reconnect, connects=%d connected=%v", connects, listener.Connected())
	}

	mu.Lock()
	defer mu.Unlock()
	if len(changes) < 2 || changes[0] != false || changes[len(changes)-1] != true {
		t.Errorf("Expected disconnect then connect notifications, got %v", changes)
	}
}

func TestListenerBackoff(t *testing.T) {
	l := NewListener("ws://127.0.0.1:1/ws", utils.NewConfigManagerFromMap(map[string]string{"comfyui_ws_reconnect_max": "4s"}), utils.NewDiscardLogsManager())
	l.baseDelay = time.Second

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second}
	for i, expected := range want {
		if got := l.reconnectDelay(); got != expected {
			t.Errorf("Attempt %d: expected %v, got %v", i, expected, got)
		}
	}
}

func TestClientRequests(t *testing.T) {
	f := newFakeComfy(t)
	logger := utils.NewDiscardLogsManager()
	client, err := NewClient(f.config(nil), logger)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	ctx := context.Background()

	if !strings.HasPrefix(client.WebSocketURL(), "ws://") || !strings.Contains(client.WebSocketURL(), "clientId="+client.ClientID()) {
		t.Errorf("Unexpected websocket url %s", client.WebSocketURL())
	}

	stats, err := client.SystemStats(ctx)
	if err != nil || stats.System.ComfyUIVersion != "0.3.40" {
		t.Errorf("SystemStats: %+v, %v", stats, err)
	}

	queue, err := client.Queue(ctx)
	if err != nil || len(queue.Running) != 1 || queue.Pending[0] != "prompt-2" {
		t.Errorf("Queue: %+v, %v", queue, err)
	}

	info, err := client.ObjectInfo(ctx)
	if err != nil || info.Lookup("SaveImage") == nil || !info.Lookup("SaveImage").OutputNode {
		t.Errorf("ObjectInfo: %v", err)
	}

	entry, err := client.History(ctx, "missing")
	if err != nil || entry != nil {
		t.Errorf("Expected no history entry, got %+v, %v", entry, err)
	}

	f.server.Close()
	if _, err := client.SystemStats(ctx); !IsUnavailable(err) {
		t.Errorf("Expected Unavailable after ComfyUI went away, got %v", err)
	}
	// cached object info keeps serving while ComfyUI is down
	if _, err := client.ObjectInfo(ctx); err != nil {
		t.Errorf("Expected cached object info, got %v", err)
	}
}

func TestInputDownloaderLocalize(t *testing.T) {
	remote := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "missing.png") {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("image-bytes"))
	}))
	defer remote.Close()

	dir := t.TempDir()
	cm := utils.NewConfigManagerFromMap(map[string]string{
		"input_dir":            dir,
		"input_download_hosts": "127.0.0.1",
	})
	d := NewInputDownloader(cm, utils.NewDiscardLogsManager())
	d.httpClient = remote.Client()

	good := remote.URL + "/files/cat.png?sig=abc"
	bad := remote.URL + "/files/missing.png"
	prompt, err := workflow.ParsePrompt([]byte(fmt.Sprintf(`{
		"1": {"class_type": "LoadImage", "inputs": {"image": %q}},
		"2": {"class_type": "LoadImage", "inputs": {"image": %q}},
		"3": {"class_type": "Batch", "inputs": {"images": [%q, "local.png"]}},
		"4": {"class_type": "LoadImage", "inputs": {"image": "http://127.0.0.1/plain.png"}}
	}`, good, bad, good)))
	if err != nil {
		t.Fatalf("ParsePrompt failed: %v", err)
	}

	replaced, err := d.Localize(context.Background(), prompt)
	if err != nil {
		t.Fatalf("Localize failed: %v", err)
	}
	if replaced != 2 {
		t.Errorf("Expected 2 replaced values, got %d", replaced)
	}

	value, _ := prompt["1"].Inputs.Get("image")
	var local string
	json.Unmarshal(value, &local)
	if !strings.HasPrefix(local, "cat_") || !strings.HasSuffix(local, ".png") || len(local) != len("cat_12345678.png") {
		t.Fatalf("Unexpected local filename %q", local)
	}
	data, err := os.ReadFile(filepath.Join(dir, local))
	if err != nil || string(data) != "image-bytes" {
		t.Errorf("Downloaded file content mismatch: %q, %v", data, err)
	}

	if value, _ := prompt["2"].Inputs.Get("image"); !strings.Contains(string(value), "missing.png") {
		t.Errorf("Failed download should keep the original URL, got %s", value)
	}
	if value, _ := prompt["3"].Inputs.Get("images"); strings.Contains(string(value), "https://") {
		t.Errorf("Nested URL was not replaced: %s", value)
	}
	if value, _ := prompt["4"].Inputs.Get("image"); !strings.Contains(string(value), "http://127.0.0.1/plain.png") {
		t.Errorf("Non-https URL must be left alone, got %s", value)
	}
}

func TestUniqueInputName(t *testing.T) {
	tests := []struct {
		url    string
		prefix string
		ext    string
	}{
		{"https://fussion.studio/uploads/photo.jpg", "photo_", ".jpg"},
		{"https://fussion.studio/", "input_", ""},
		{"https://fussion.studio/archive.tar.gz", "archive.tar_", ".gz"},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			name := UniqueInputName(tt.url)
			if !strings.HasPrefix(name, tt.prefix) || !strings.HasSuffix(name, tt.ext) {
				t.Errorf("Expected %s<id>%s, got %s", tt.prefix, tt.ext, name)
			}
			if len(name) != len(tt.prefix)+8+len(tt.ext) {
				t.Errorf("Expected an 8 character id in %s", name)
			}
		})
	}
}

func TestMessageDecoding(t *testing.T) {
	var msg Message
	if err := json.Unmarshal([]byte(`{"type": "executing", "data": {"node": null, "prompt_id": "p1"}}`), &msg); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	data, ok := msg.Data.(*ExecutingData)
	if !ok || data.Node != nil || msg.PromptID() != "p1" {
		t.Errorf("Unexpected executing message %+v", msg.Data)
	}

	var unknown Message
	if err := json.Unmarshal([]byte(`{"type": "crystools.monitor", "data": {"cpu": 3}}`), &unknown); err != nil {
		t.Fatalf("Unknown types must decode: %v", err)
	}
	if unknown.Data != nil || unknown.PromptID() != "" {
		t.Errorf("Expected no typed data for unknown message")
	}
}
