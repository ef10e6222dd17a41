package comfy

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/types"
	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/utils"
)

const (
	progressStatusRunning   = "running"
	progressStatusCompleted = "completed"
	progressStatusError     = "error"
)

// PromptProgress is the last known progress of one prompt
type PromptProgress struct {
	Progress  float64 `json:"progress"`
	NodeID    string  `json:"nodeId,omitempty"`
	Value     int     `json:"value"`
	Max       int     `json:"max"`
	Status    string  `json:"status,omitempty"`
	Error     string  `json:"error,omitempty"`
	Timestamp int64   `json:"timestamp"`
}

// Listener keeps one websocket open to ComfyUI, reconnecting with exponential backoff,
// and fans every message out to subscribers.
type Listener struct {
	url               string
	dialer            websocket.Dialer
	baseDelay         time.Duration
	maxDelay          time.Duration
	progressRetention time.Duration
	logger            *utils.LogsManager

	mu             sync.RWMutex
	conn           *websocket.Conn
	connected      bool
	retryCount     int
	queueRemaining int
	subs           map[uint64]*Subscription
	nextSub        uint64
	progress       map[string]*PromptProgress
	listeners      []func(connected bool)

	cancel context.CancelFunc
	done   chan struct{}
}

func NewListener(wsURL string, cm *utils.ConfigManager, logger *utils.LogsManager) *Listener {
	return &Listener{
		url:               wsURL,
		dialer:            websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		baseDelay:         500 * time.Millisecond,
		maxDelay:          cm.GetConfigDuration("comfyui_ws_reconnect_max", 30*time.Second),
		progressRetention: cm.GetConfigDuration("job_retention", time.Hour),
		logger:            logger,
		subs:              make(map[uint64]*Subscription),
		progress:          make(map[string]*PromptProgress),
	}
}

// Start launches the connection loop. It returns immediately; use Connected or
// WaitConnected to observe the connection.
func (l *Listener) Start(ctx context.Context) {
	l.mu.Lock()
	if l.done != nil {
		l.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	l.mu.Unlock()

	go l.run(runCtx)
}

// Stop closes the connection and ends the reconnect loop
func (l *Listener) Stop() {
	l.mu.Lock()
	cancel, done, conn := l.cancel, l.done, l.conn
	l.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	if conn != nil {
		conn.Close()
	}
	<-done
}

func (l *Listener) run(ctx context.Context) {
	defer close(l.done)

	for {
		err := l.connect(ctx)
		if err == nil {
			l.readMessages(ctx)
		} else if ctx.Err() == nil {
			l.logger.Debug(fmt.Sprintf("ComfyUI websocket connection attempt failed: %v", err), "comfy")
		}

		if ctx.Err() != nil {
			return
		}

		delay := l.reconnectDelay()
		l.logger.Debug(fmt.Sprintf("Reconnecting to ComfyUI websocket in %v", delay), "comfy")
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (l *Listener) connect(ctx context.Context) error {
	conn, _, err := l.dialer.DialContext(ctx, l.url, nil)
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.conn = conn
	l.retryCount = 0
	l.mu.Unlock()

	l.logger.Info(fmt.Sprintf("Connected to ComfyUI websocket %s", l.url), "comfy")
	l.setConnected(true)
	return nil
}

func (l *Listener) readMessages(ctx context.Context) {
	l.mu.RLock()
	conn := l.conn
	l.mu.RUnlock()

	defer func() {
		conn.Close()
		l.mu.Lock()
		l.conn = nil
		l.mu.Unlock()
		l.setConnected(false)
	}()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				l.logger.Warn(fmt.Sprintf("ComfyUI websocket read error: %v", err), "comfy")
			}
			return
		}
		// binary frames carry preview images
		if messageType != websocket.TextMessage {
			continue
		}
		l.dispatch(data)
	}
}

func (l *Listener) dispatch(data []byte) {
	msg := &Message{}
	if err := json.Unmarshal(data, msg); err != nil {
		l.logger.Warn(fmt.Sprintf("Failed to decode ComfyUI message: %v", err), "comfy")
		return
	}

	l.mu.Lock()
	l.trackProgress(msg)
	subs := make([]*Subscription, 0, len(l.subs))
	for _, sub := range l.subs {
		subs = append(subs, sub)
	}
	l.mu.Unlock()

	for _, sub := range subs {
		sub.push(msg)
	}
}

// trackProgress maintains the per-prompt progress map. Caller holds mu.
func (l *Listener) trackProgress(msg *Message) {
	now := time.Now()

	switch data := msg.Data.(type) {
	case *StatusData:
		l.queueRemaining = data.Status.ExecInfo.QueueRemaining
	case *ExecutionStartData:
		l.progress[data.PromptID] = &PromptProgress{Status: progressStatusRunning, Timestamp: now.UnixMilli()}
	case *ExecutingData:
		entry := l.progressEntry(data.PromptID, now)
		if entry == nil {
			break
		}
		if data.Node == nil {
			entry.Progress = 100
			entry.Status = progressStatusCompleted
		} else {
			entry.NodeID = *data.Node
		}
	case *ProgressData:
		entry := l.progressEntry(data.PromptID, now)
		if entry == nil {
			break
		}
		entry.Progress = data.Percent()
		entry.Value = data.Value
		entry.Max = data.Max
		if data.Node != "" {
			entry.NodeID = data.Node
		}
	case *ExecutionSuccessData:
		if entry := l.progressEntry(data.PromptID, now); entry != nil {
			entry.Progress = 100
			entry.Status = progressStatusCompleted
		}
	case *ExecutionErrorData:
		l.progress[data.PromptID] = &PromptProgress{
			Status:    progressStatusError,
			Error:     data.ExceptionMessage,
			NodeID:    data.Node,
			Timestamp: now.UnixMilli(),
		}
	case *ExecutionInterruptedData:
		if entry := l.progressEntry(data.PromptID, now); entry != nil {
			entry.Status = "interrupted"
		}
	}

	l.pruneProgress(now)
}

func (l *Listener) progressEntry(promptID string, now time.Time) *PromptProgress {
	if promptID == "" {
		return nil
	}
	entry, ok := l.progress[promptID]
	if !ok {
		entry = &PromptProgress{Status: progressStatusRunning}
		l.progress[promptID] = entry
	}
	entry.Timestamp = now.UnixMilli()
	return entry
}

func (l *Listener) pruneProgress(now time.Time) {
	cutoff := now.Add(-l.progressRetention).UnixMilli()
	for id, entry := range l.progress {
		if entry.Status != progressStatusRunning && entry.Timestamp < cutoff {
			delete(l.progress, id)
		}
	}
}

// exponential backoff: baseDelay * 2^retryCount, capped at maxDelay
func (l *Listener) reconnectDelay() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	delay := l.baseDelay * time.Duration(math.Pow(2, float64(l.retryCount)))
	if delay > l.maxDelay || delay <= 0 {
		delay = l.maxDelay
	}
	if delay < l.maxDelay {
		l.retryCount++
	}
	return delay
}

func (l *Listener) setConnected(connected bool) {
	l.mu.Lock()
	changed := l.connected != connected
	l.connected = connected
	listeners := append([]func(bool){}, l.listeners...)
	l.mu.Unlock()

	if !changed {
		return
	}
	for _, fn := range listeners {
		fn(connected)
	}
}

// OnConnectionChange registers fn to be called on every connect and disconnect
func (l *Listener) OnConnectionChange(fn func(connected bool)) {
	l.mu.Lock()
	l.listeners = append(l.listeners, fn)
	l.mu.Unlock()
}

func (l *Listener) Connected() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.connected
}

// WaitConnected blocks until the websocket is up, ctx ends or timeout passes
func (l *Listener) WaitConnected(ctx context.Context, timeout time.Duration) error {
	if l.Connected() {
		return nil
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return types.Unavailable("ComfyUI WebSocket service is not connected")
		case <-ticker.C:
			if l.Connected() {
				return nil
			}
		}
	}
}

// QueueRemaining is the queue size from ComfyUI's last status message
func (l *Listener) QueueRemaining() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.queueRemaining
}

// Progress returns a copy of the progress of one prompt
func (l *Listener) Progress(promptID string) (PromptProgress, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	entry, ok := l.progress[promptID]
	if !ok {
		return PromptProgress{}, false
	}
	return *entry, true
}

// AllProgress returns a copy of the whole progress map
func (l *Listener) AllProgress() map[string]PromptProgress {
	l.mu.RLock()
	defer l.mu.RUnlock()

	all := make(map[string]PromptProgress, len(l.progress))
	for id, entry := range l.progress {
		all[id] = *entry
	}
	return all
}

// Subscribe returns a subscription receiving every message from now on
func (l *Listener) Subscribe() *Subscription {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := l.nextSub
	l.nextSub++
	sub := &Subscription{
		ready: make(chan struct{}, 1),
		unsubscribe: func() {
			l.mu.Lock()
			delete(l.subs, id)
			l.mu.Unlock()
		},
	}
	l.subs[id] = sub
	return sub
}

// Subscription is an unbounded mailbox of listener messages. Messages are never dropped,
// so a slow consumer cannot lose a terminal message.
type Subscription struct {
	mu          sync.Mutex
	queue       []*Message
	ready       chan struct{}
	closed      bool
	unsubscribe func()
}

func (s *Subscription) push(msg *Message) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, msg)
	s.mu.Unlock()

	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// Ready is signalled whenever new messages are waiting
func (s *Subscription) Ready() <-chan struct{} {
	return s.ready
}

// Drain returns and clears the pending messages in arrival order
func (s *Subscription) Drain() []*Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.queue
	s.queue = nil
	return msgs
}

// Close detaches the subscription from the listener
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.queue = nil
	s.mu.Unlock()

	s.unsubscribe()
}
