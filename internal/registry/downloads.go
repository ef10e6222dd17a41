package registry

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/types"
	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/utils"
	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/workers"
)

// DownloadRequest asks for a model to be fetched into <models>/<folder>/<filename>
type DownloadRequest struct {
	URL      string `json:"url"`
	Folder   string `json:"folder"`
	Filename string `json:"filename"`
}

// DownloadManager fetches models into the volume on a small worker pool. Partial downloads
// live next to the target as .tmp files and are resumed with HTTP Range requests.
type DownloadManager struct {
	models     *ModelRegistry
	pool       *workers.WorkerPool
	httpClient *http.Client
	logger     *utils.LogsManager

	mu    sync.RWMutex
	tasks map[string]*types.DownloadTask
}

func NewDownloadManager(ctx context.Context, models *ModelRegistry, cm *utils.ConfigManager, logger *utils.LogsManager) *DownloadManager {
	workersCount := cm.GetConfigInt("download_workers", 2, 1, 16)
	return &DownloadManager{
		models:     models,
		pool:       workers.NewWorkerPool(ctx, "download", workersCount, logger),
		httpClient: &http.Client{},
		logger:     logger,
		tasks:      make(map[string]*types.DownloadTask),
	}
}

func (dm *DownloadManager) Start() {
	dm.pool.Start()
}

func (dm *DownloadManager) Stop() {
	dm.pool.Stop()
}

// Download queues a model download. A request for a target that is already being
// downloaded returns the existing task.
func (dm *DownloadManager) Download(req DownloadRequest) (*types.DownloadTask, error) {
	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, types.InvalidInput("url must be an http(s) URL")
	}
	if req.Filename == "" {
		req.Filename = path.Base(u.Path)
		if req.Filename == "/" || req.Filename == "." {
			req.Filename = ""
		}
	}
	target, err := dm.models.Resolve(req.Folder, req.Filename)
	if err != nil {
		return nil, err
	}

	dm.mu.Lock()
	for _, task := range dm.tasks {
		if task.Folder == req.Folder && task.Filename == req.Filename &&
			(task.State == types.DownloadStateQueued || task.State == types.DownloadStateDownloading) {
			existing := *task
			dm.mu.Unlock()
			return &existing, nil
		}
	}
	task := &types.DownloadTask{
		ID:        uuid.New().String(),
		URL:       req.URL,
		Folder:    req.Folder,
		Filename:  req.Filename,
		State:     types.DownloadStateQueued,
		StartedAt: time.Now(),
	}
	dm.tasks[task.ID] = task
	queued := *task
	dm.mu.Unlock()

	if err := dm.pool.Submit(func(ctx context.Context) { dm.run(ctx, task.ID, target) }); err != nil {
		dm.update(task.ID, func(t *types.DownloadTask) {
			t.State = types.DownloadStateFailed
			t.Error = err.Error()
		})
		return nil, types.Wrap(types.ErrorKindUnavailable, err, "failed to queue download")
	}

	dm.logger.Info(fmt.Sprintf("Queued model download %s: %s -> %s/%s", task.ID, req.URL, req.Folder, req.Filename), "models")
	return &queued, nil
}

// Status returns a snapshot of a download task
func (dm *DownloadManager) Status(taskID string) (*types.DownloadTask, error) {
	dm.mu.RLock()
	defer dm.mu.RUnlock()

	task, ok := dm.tasks[taskID]
	if !ok {
		return nil, types.NotFound("download task %s not found", taskID)
	}
	snapshot := *task
	return &snapshot, nil
}

// List returns all known download tasks, oldest first
func (dm *DownloadManager) List() []types.DownloadTask {
	dm.mu.RLock()
	tasks := make([]types.DownloadTask, 0, len(dm.tasks))
	for _, task := range dm.tasks {
		tasks = append(tasks, *task)
	}
	dm.mu.RUnlock()

	sort.Slice(tasks, func(i, k int) bool {
		return tasks[i].StartedAt.Before(tasks[k].StartedAt)
	})
	return tasks
}

func (dm *DownloadManager) update(taskID string, fn func(*types.DownloadTask)) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if task, ok := dm.tasks[taskID]; ok {
		fn(task)
	}
}

func (dm *DownloadManager) run(ctx context.Context, taskID, target string) {
	dm.update(taskID, func(t *types.DownloadTask) { t.State = types.DownloadStateDownloading })

	task, _ := dm.Status(taskID)
	if err := dm.fetch(ctx, task, target); err != nil {
		dm.logger.Error(fmt.Sprintf("Model download %s failed: %v", taskID, err), "models")
		dm.update(taskID, func(t *types.DownloadTask) {
			t.State = types.DownloadStateFailed
			t.Error = err.Error()
		})
		return
	}

	dm.update(taskID, func(t *types.DownloadTask) {
		t.State = types.DownloadStateCompleted
		t.Progress = 100
	})
	dm.models.Invalidate()
	dm.logger.Info(fmt.Sprintf("Model download %s completed: %s", taskID, target), "models")
}

func (dm *DownloadManager) fetch(ctx context.Context, task *types.DownloadTask, target string) error {
	if complete, size := dm.alreadyComplete(ctx, task.URL, target); complete {
		dm.update(task.ID, func(t *types.DownloadTask) {
			t.BytesDownloaded = size
			t.BytesTotal = size
		})
		dm.logger.Info(fmt.Sprintf("Model %s already present with the expected size", target), "models")
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return types.WrapIO(err, "failed to create model directory")
	}

	tmpPath := target + ".tmp"
	var offset int64
	if info, err := os.Stat(tmpPath); err == nil {
		offset = info.Size()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, task.URL, nil)
	if err != nil {
		return types.InvalidInput("invalid download url: %v", err)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
		dm.logger.Info(fmt.Sprintf("Resuming %s from byte %d", task.URL, offset), "models")
	}

	resp, err := dm.httpClient.Do(req)
	if err != nil {
		return types.Wrap(types.ErrorKindUnavailable, err, "download request failed")
	}
	defer resp.Body.Close()

	flags := os.O_CREATE | os.O_WRONLY
	var total int64
	switch resp.StatusCode {
	case http.StatusPartialContent:
		flags |= os.O_APPEND
		total = contentRangeTotal(resp.Header.Get("Content-Range"))
		if total <= 0 && resp.ContentLength > 0 {
			total = offset + resp.ContentLength
		}
	case http.StatusOK:
		// server ignored the range, start over
		flags |= os.O_TRUNC
		offset = 0
		total = resp.ContentLength
	case http.StatusRequestedRangeNotSatisfiable:
		// the temp file already holds everything
		total = offset
		return dm.finalize(task.ID, tmpPath, target, offset, total)
	default:
		return types.ExecutionError("download failed with HTTP %d", resp.StatusCode)
	}

	file, err := os.OpenFile(tmpPath, flags, 0644)
	if err != nil {
		return types.WrapIO(err, "failed to open temp file")
	}

	downloaded := offset
	dm.update(task.ID, func(t *types.DownloadTask) {
		t.BytesDownloaded = downloaded
		t.BytesTotal = total
	})

	buf := make([]byte, 256*1024)
	lastReport := time.Now()
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, err := file.Write(buf[:n]); err != nil {
				file.Close()
				return types.WrapIO(err, "failed to write model")
			}
			downloaded += int64(n)
			if time.Since(lastReport) >= 500*time.Millisecond {
				lastReport = time.Now()
				current := downloaded
				dm.update(task.ID, func(t *types.DownloadTask) {
					t.BytesDownloaded = current
					if total > 0 {
						t.Progress = float64(current) * 100 / float64(total)
					}
				})
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			file.Close()
			return types.WrapIO(readErr, "download interrupted")
		}
	}
	if err := file.Close(); err != nil {
		return types.WrapIO(err, "failed to write model")
	}

	if total > 0 && downloaded != total {
		return types.WrapIO(io.ErrUnexpectedEOF, fmt.Sprintf("downloaded %d of %d bytes", downloaded, total))
	}
	return dm.finalize(task.ID, tmpPath, target, downloaded, total)
}

func (dm *DownloadManager) finalize(taskID, tmpPath, target string, downloaded, total int64) error {
	if err := os.Rename(tmpPath, target); err != nil {
		return types.WrapIO(err, "failed to move model into place")
	}
	dm.update(taskID, func(t *types.DownloadTask) {
		t.BytesDownloaded = downloaded
		t.BytesTotal = total
	})
	return nil
}

// alreadyComplete reports whether target exists with the size the server advertises
func (dm *DownloadManager) alreadyComplete(ctx context.Context, rawURL, target string) (bool, int64) {
	info, err := os.Stat(target)
	if err != nil {
		return false, 0
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return false, 0
	}
	resp, err := dm.httpClient.Do(req)
	if err != nil {
		dm.logger.Warn(fmt.Sprintf("Could not verify size of %s: %v", rawURL, err), "models")
		return false, 0
	}
	resp.Body.Close()

	if resp.StatusCode == http.StatusOK && resp.ContentLength > 0 && resp.ContentLength == info.Size() {
		return true, info.Size()
	}
	return false, 0
}

// contentRangeTotal parses the total from "bytes 100-199/200"
func contentRangeTotal(header string) int64 {
	_, total, found := strings.Cut(header, "/")
	if !found || total == "*" {
		return 0
	}
	n, err := strconv.ParseInt(strings.TrimSpace(total), 10, 64)
	if err != nil {
		return 0
	}
	return n
}
