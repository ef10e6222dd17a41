package types

import "time"

// UploadState is the lifecycle state of one upload
type UploadState string

const (
	UploadStatePending    UploadState = "pending"
	UploadStateInProgress UploadState = "in_progress"
	UploadStateDone       UploadState = "done"
	UploadStateCancelled  UploadState = "cancelled"
	UploadStateFailed     UploadState = "failed"
)

// IsActive reports whether the upload still occupies the queue
func (s UploadState) IsActive() bool {
	return s == UploadStatePending || s == UploadStateInProgress
}

// UploadTask is a snapshot of one tracked upload
type UploadTask struct {
	ID            string      `json:"id"`
	Filename      string      `json:"filename"`
	Subfolder     string      `json:"subfolder,omitempty"`
	Type          string      `json:"type"`
	Hash          string      `json:"hash,omitempty"`
	BytesReceived int64       `json:"bytes_received"`
	BytesTotal    int64       `json:"bytes_total"`
	State         UploadState `json:"state"`
	Error         string      `json:"error,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// ModelDescriptor describes one model file on disk
type ModelDescriptor struct {
	Name       string    `json:"name"`
	Folder     string    `json:"folder"`
	Path       string    `json:"path"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modified_at"`
}

// DownloadState is the lifecycle state of a model download
type DownloadState string

const (
	DownloadStateQueued      DownloadState = "queued"
	DownloadStateDownloading DownloadState = "downloading"
	DownloadStateCompleted   DownloadState = "completed"
	DownloadStateFailed      DownloadState = "failed"
)

// DownloadTask tracks a model download into the volume
type DownloadTask struct {
	ID              string        `json:"task_id"`
	URL             string        `json:"url"`
	Folder          string        `json:"folder"`
	Filename        string        `json:"filename"`
	State           DownloadState `json:"status"`
	BytesDownloaded int64         `json:"bytes_downloaded"`
	BytesTotal      int64         `json:"bytes_total"`
	Progress        float64       `json:"progress"`
	Error           string        `json:"error,omitempty"`
	StartedAt       time.Time     `json:"started_at"`
}
