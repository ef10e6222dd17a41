package websocket

import (
	"encoding/json"
	"time"
)

// MessageType represents the type of WebSocket message
type MessageType string

const (
	// Data update message types
	MessageTypeNodeStatus     MessageType = "node.status"
	MessageTypeJobStatus      MessageType = "job.status"
	MessageTypeTunnelStatus   MessageType = "tunnel.status"
	MessageTypeUploadProgress MessageType = "upload.progress"
	MessageTypeComfyStatus    MessageType = "comfy.status"

	// Docker operation message types
	MessageTypeSnapshotStart    MessageType = "snapshot.start"
	MessageTypeSnapshotComplete MessageType = "snapshot.complete"
	MessageTypeSnapshotError    MessageType = "snapshot.error"

	// Control message types
	MessageTypePing      MessageType = "ping"
	MessageTypePong      MessageType = "pong"
	MessageTypeError     MessageType = "error"
	MessageTypeConnected MessageType = "connected"
)

// Message is the base structure for all WebSocket messages
type Message struct {
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// NewMessage creates a new message with the given type and payload
func NewMessage(msgType MessageType, payload interface{}) (*Message, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	return &Message{
		Type:      msgType,
		Payload:   payloadBytes,
		Timestamp: time.Now().Unix(),
	}, nil
}

// NodeStatusPayload is broadcast periodically while clients are connected
type NodeStatusPayload struct {
	MachineID      string `json:"machine_id"`
	Uptime         int64  `json:"uptime_seconds"`
	QueueLength    int    `json:"queue_length"`
	ActiveJobs     int    `json:"active_jobs"`
	ComfyConnected bool   `json:"comfy_connected"`
	TunnelStatus   string `json:"tunnel_status"`
	TunnelURL      string `json:"tunnel_url,omitempty"`
	ActiveUploads  int    `json:"active_uploads"`
}

// ComfyStatusPayload reports the ComfyUI event stream connection
type ComfyStatusPayload struct {
	Connected      bool `json:"connected"`
	QueueRemaining int  `json:"queue_remaining"`
}

// SnapshotPayload reports environment snapshot progress
type SnapshotPayload struct {
	Image   string `json:"image"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ErrorPayload contains error information
type ErrorPayload struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// ConnectedPayload confirms a new connection
type ConnectedPayload struct {
	Message  string `json:"message"`
	ClientID string `json:"client_id"`
}
