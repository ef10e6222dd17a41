package events

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	ws "github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/api/websocket"
	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/types"
)

// StatusSource builds the periodic node status payload
type StatusSource func() ws.NodeStatusPayload

// Emitter broadcasts gateway events to WebSocket clients. Job, tunnel and upload changes
// are pushed as they happen; node status is pushed on an interval.
type Emitter struct {
	hub      *ws.Hub
	status   StatusSource
	interval time.Duration
	logger   *logrus.Logger
	ctx      context.Context
	cancel   context.CancelFunc
}

func NewEmitter(hub *ws.Hub, status StatusSource, interval time.Duration, logger *logrus.Logger) *Emitter {
	ctx, cancel := context.WithCancel(context.Background())
	if interval <= 0 {
		interval = 5 * time.Second
	}

	return &Emitter{
		hub:      hub,
		status:   status,
		interval: interval,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins broadcasting periodic updates
func (e *Emitter) Start() {
	go e.broadcastNodeStatus()
	e.logger.Info("Event emitter started")
}

func (e *Emitter) Stop() {
	e.cancel()
	e.logger.Info("Event emitter stopped")
}

func (e *Emitter) broadcastNodeStatus() {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			if e.hub.ClientCount() == 0 || e.status == nil {
				continue
			}
			if err := e.hub.BroadcastPayload(ws.MessageTypeNodeStatus, e.status()); err != nil {
				e.logger.WithError(err).Error("Failed to broadcast node status")
			}
		}
	}
}

// BroadcastJobStatus sends a job state change
func (e *Emitter) BroadcastJobStatus(snapshot types.JobSnapshot) {
	if err := e.hub.BroadcastPayload(ws.MessageTypeJobStatus, snapshot); err != nil {
		e.logger.WithError(err).Error("Failed to broadcast job status")
	}
}

// BroadcastTunnelStatus sends a tunnel state change
func (e *Emitter) BroadcastTunnelStatus(state types.TunnelState) {
	payload := struct {
		types.TunnelState
		Running bool `json:"running"`
	}{state, state.Running()}

	if err := e.hub.BroadcastPayload(ws.MessageTypeTunnelStatus, payload); err != nil {
		e.logger.WithError(err).Error("Failed to broadcast tunnel status")
	}
}

// BroadcastUploadProgress sends an upload task update
func (e *Emitter) BroadcastUploadProgress(task types.UploadTask) {
	if err := e.hub.BroadcastPayload(ws.MessageTypeUploadProgress, task); err != nil {
		e.logger.WithError(err).Error("Failed to broadcast upload progress")
	}
}

// BroadcastComfyStatus sends a ComfyUI connection change
func (e *Emitter) BroadcastComfyStatus(connected bool, queueRemaining int) {
	payload := ws.ComfyStatusPayload{Connected: connected, QueueRemaining: queueRemaining}
	if err := e.hub.BroadcastPayload(ws.MessageTypeComfyStatus, payload); err != nil {
		e.logger.WithError(err).Error("Failed to broadcast ComfyUI status")
	}
}

// BroadcastSnapshot sends environment snapshot progress
func (e *Emitter) BroadcastSnapshot(msgType ws.MessageType, image, message, errMsg string) {
	payload := ws.SnapshotPayload{Image: image, Message: message, Error: errMsg}
	if err := e.hub.BroadcastPayload(msgType, payload); err != nil {
		e.logger.WithError(err).Error("Failed to broadcast snapshot progress")
	}
}
