package types

import "time"

// TunnelStatus is the lifecycle state of the public tunnel
type TunnelStatus string

const (
	TunnelStopped  TunnelStatus = "stopped"
	TunnelStarting TunnelStatus = "starting"
	TunnelRunning  TunnelStatus = "running"
	TunnelError    TunnelStatus = "error"
)

// TunnelState is a snapshot of the process-wide tunnel
type TunnelState struct {
	Status    TunnelStatus `json:"status"`
	URL       string       `json:"url,omitempty"`
	Port      int          `json:"port"`
	Error     string       `json:"error,omitempty"`
	StartedAt *time.Time   `json:"started_at,omitempty"`
}

// Running mirrors the legacy boolean field of tunnel status responses
func (s TunnelState) Running() bool {
	return s.Status == TunnelRunning
}
