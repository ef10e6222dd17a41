package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/types"
	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/utils"
)

// HashStore persists content hashes of uploaded files
type HashStore interface {
	SaveFileHash(ctx context.Context, filename, hash string, size int64) error
	GetFileHash(ctx context.Context, filename string) (string, error)
	DeleteFileHash(ctx context.Context, filename string) error
}

// UploadRequest describes where an uploaded stream should land
type UploadRequest struct {
	Filename  string
	Subfolder string
	Type      string // input (default), temp or output
	Overwrite bool
	Size      int64 // expected size, 0 when unknown
}

type uploadTask struct {
	task   types.UploadTask
	cancel context.CancelFunc
}

// UploadManager streams uploads into ComfyUI's directories, hashing them on the way
type UploadManager struct {
	paths            *utils.ComfyPaths
	tempDir          string
	maxSize          int64
	progressInterval time.Duration
	store            HashStore
	logger           *utils.LogsManager

	mu        sync.Mutex
	tasks     map[string]*uploadTask
	hashes    map[string]string
	listeners []func(types.UploadTask)
}

func NewUploadManager(store HashStore, cm *utils.ConfigManager, logger *utils.LogsManager) *UploadManager {
	tempDir := cm.GetConfigWithDefault("upload_temp_dir", "")
	if tempDir == "" {
		tempDir = filepath.Join(os.TempDir(), "comfy-deploy-uploads")
	}

	return &UploadManager{
		paths:            utils.GetComfyPaths(cm),
		tempDir:          tempDir,
		maxSize:          cm.GetConfigBytes("upload_max_size", 10<<30),
		progressInterval: cm.GetConfigDuration("upload_progress_interval", time.Second),
		store:            store,
		logger:           logger,
		tasks:            make(map[string]*uploadTask),
		hashes:           make(map[string]string),
	}
}

// OnChange registers fn to receive upload task snapshots. Progress is throttled.
func (um *UploadManager) OnChange(fn func(types.UploadTask)) {
	um.mu.Lock()
	um.listeners = append(um.listeners, fn)
	um.mu.Unlock()
}

func (um *UploadManager) notify(task types.UploadTask) {
	um.mu.Lock()
	listeners := append([]func(types.UploadTask){}, um.listeners...)
	um.mu.Unlock()

	for _, fn := range listeners {
		fn(task)
	}
}

// targetDir resolves the directory an upload of the given type and subfolder goes to
func (um *UploadManager) targetDir(uploadType, subfolder string) (string, error) {
	var root string
	switch uploadType {
	case "", "input":
		root = um.paths.InputDir
	case "output":
		root = um.paths.OutputDir
	case "temp":
		root = filepath.Join(um.paths.RootDir, "temp")
	default:
		return "", types.InvalidInput("unknown upload type %q", uploadType)
	}

	dir, err := utils.SafeJoin(root, subfolder)
	if err != nil {
		return "", types.InvalidInput("invalid subfolder: %v", err)
	}
	return dir, nil
}

func validateFilename(name string) error {
	if name == "" {
		return types.InvalidInput("filename is required")
	}
	if name == "." || name == ".." || strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		return types.InvalidInput("invalid filename %q", name)
	}
	return nil
}

// Upload consumes r into a new file. The task moves Pending, InProgress, then Done with the
// file's hash, Cancelled when CancelAll runs mid-transfer, or Failed on stream errors.
func (um *UploadManager) Upload(ctx context.Context, req UploadRequest, r io.Reader) (*types.UploadTask, error) {
	if err := validateFilename(req.Filename); err != nil {
		return nil, err
	}
	dir, err := um.targetDir(req.Type, req.Subfolder)
	if err != nil {
		return nil, err
	}
	if um.maxSize > 0 && req.Size > um.maxSize {
		return nil, types.InvalidInput("upload of %d bytes exceeds the %d byte limit", req.Size, um.maxSize)
	}

	uploadType := req.Type
	if uploadType == "" {
		uploadType = "input"
	}

	uploadCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	now := time.Now()
	entry := &uploadTask{
		task: types.UploadTask{
			ID:         uuid.New().String(),
			Filename:   req.Filename,
			Subfolder:  filepath.ToSlash(req.Subfolder),
			Type:       uploadType,
			BytesTotal: req.Size,
			State:      types.UploadStatePending,
			CreatedAt:  now,
			UpdatedAt:  now,
		},
		cancel: cancel,
	}

	um.mu.Lock()
	um.tasks[entry.task.ID] = entry
	um.mu.Unlock()
	um.notify(um.snapshot(entry))

	if !um.transition(entry, types.UploadStatePending, types.UploadStateInProgress) {
		return um.fail(entry, types.ErrUploadCancelled)
	}
	um.notify(um.snapshot(entry))

	um.logger.Info(fmt.Sprintf("Upload %s started: %s", entry.task.ID, req.Filename), "uploads")

	dest, hash, size, err := um.receive(uploadCtx, entry, dir, req, r)
	if err != nil {
		return um.fail(entry, err)
	}

	relName := path.Join(entry.task.Subfolder, filepath.Base(dest))

	um.mu.Lock()
	if entry.task.State != types.UploadStateInProgress {
		um.mu.Unlock()
		os.Remove(dest)
		return um.fail(entry, types.ErrUploadCancelled)
	}
	entry.task.State = types.UploadStateDone
	entry.task.Filename = filepath.Base(dest)
	entry.task.Hash = hash
	entry.task.BytesReceived = size
	entry.task.BytesTotal = size
	entry.task.UpdatedAt = time.Now()
	// get-file-hash resolves names against the input directory only
	recordHash := entry.task.Type == "input"
	if recordHash {
		um.hashes[relName] = hash
	}
	delete(um.tasks, entry.task.ID)
	done := entry.task
	um.mu.Unlock()

	if recordHash && um.store != nil {
		if err := um.store.SaveFileHash(context.Background(), relName, hash, size); err != nil {
			um.logger.Warn(fmt.Sprintf("Failed to persist hash of %s: %v", relName, err), "uploads")
		}
	}

	um.logger.Info(fmt.Sprintf("Upload %s done: %s (%d bytes, blake3 %s)", done.ID, relName, size, hash), "uploads")
	um.notify(done)
	return &done, nil
}

// receive streams r into a temp file and moves it into dir. Returns the final path.
func (um *UploadManager) receive(ctx context.Context, entry *uploadTask, dir string, req UploadRequest, r io.Reader) (string, string, int64, error) {
	if err := os.MkdirAll(um.tempDir, 0755); err != nil {
		return "", "", 0, types.WrapIO(err, "failed to create upload temp directory")
	}
	tmp, err := os.CreateTemp(um.tempDir, "upload-*.part")
	if err != nil {
		return "", "", 0, types.WrapIO(err, "failed to create temp file")
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	hasher := utils.NewHasher()
	reader := &progressReader{
		ctx:      ctx,
		r:        r,
		interval: um.progressInterval,
		onProgress: func(n int64) {
			um.mu.Lock()
			entry.task.BytesReceived = n
			entry.task.UpdatedAt = time.Now()
			snapshot := entry.task
			um.mu.Unlock()
			um.notify(snapshot)
		},
	}

	var src io.Reader = reader
	if um.maxSize > 0 {
		src = io.LimitReader(reader, um.maxSize+1)
	}

	size, err := io.Copy(io.MultiWriter(tmp, hasher), src)
	closeErr := tmp.Close()
	if err != nil {
		return "", "", 0, types.WrapIO(err, "upload stream failed")
	}
	if closeErr != nil {
		return "", "", 0, types.WrapIO(closeErr, "failed to write upload")
	}
	if um.maxSize > 0 && size > um.maxSize {
		return "", "", 0, types.InvalidInput("upload exceeds the %d byte limit", um.maxSize)
	}
	if err := ctx.Err(); err != nil {
		return "", "", 0, types.WrapIO(err, "upload stream aborted")
	}

	dest := filepath.Join(dir, req.Filename)
	if !req.Overwrite {
		dest = uniquePath(dest)
	}
	if err := utils.MoveFile(tmpPath, dest); err != nil {
		return "", "", 0, types.WrapIO(err, "failed to store upload")
	}
	return dest, utils.HexSum(hasher), size, nil
}

func (um *UploadManager) fail(entry *uploadTask, err error) (*types.UploadTask, error) {
	um.mu.Lock()
	if entry.task.State == types.UploadStateCancelled {
		err = types.ErrUploadCancelled
	} else if errors.Is(err, types.ErrUploadCancelled) {
		entry.task.State = types.UploadStateCancelled
	} else {
		entry.task.State = types.UploadStateFailed
		entry.task.Error = err.Error()
	}
	entry.task.UpdatedAt = time.Now()
	delete(um.tasks, entry.task.ID)
	snapshot := entry.task
	um.mu.Unlock()

	if snapshot.State == types.UploadStateFailed {
		um.logger.Warn(fmt.Sprintf("Upload %s failed: %v", snapshot.ID, err), "uploads")
	} else {
		um.logger.Info(fmt.Sprintf("Upload %s cancelled", snapshot.ID), "uploads")
	}
	um.notify(snapshot)
	return &snapshot, err
}

func (um *UploadManager) transition(entry *uploadTask, from, to types.UploadState) bool {
	um.mu.Lock()
	defer um.mu.Unlock()
	if entry.task.State != from {
		return false
	}
	entry.task.State = to
	entry.task.UpdatedAt = time.Now()
	return true
}

func (um *UploadManager) snapshot(entry *uploadTask) types.UploadTask {
	um.mu.Lock()
	defer um.mu.Unlock()
	return entry.task
}

// QueueStatus returns all pending and in-progress uploads, oldest first
func (um *UploadManager) QueueStatus() []types.UploadTask {
	um.mu.Lock()
	tasks := make([]types.UploadTask, 0, len(um.tasks))
	for _, entry := range um.tasks {
		if entry.task.State.IsActive() {
			tasks = append(tasks, entry.task)
		}
	}
	um.mu.Unlock()

	sort.Slice(tasks, func(i, k int) bool {
		return tasks[i].CreatedAt.Before(tasks[k].CreatedAt)
	})
	return tasks
}

// CancelAll cancels every pending and in-progress upload and returns how many it cancelled
func (um *UploadManager) CancelAll() int {
	um.mu.Lock()
	var cancelled []types.UploadTask
	for _, entry := range um.tasks {
		if !entry.task.State.IsActive() {
			continue
		}
		entry.task.State = types.UploadStateCancelled
		entry.task.UpdatedAt = time.Now()
		entry.cancel()
		cancelled = append(cancelled, entry.task)
	}
	um.mu.Unlock()

	if len(cancelled) > 0 {
		um.logger.Info(fmt.Sprintf("Cancelled %d uploads", len(cancelled)), "uploads")
	}
	for _, task := range cancelled {
		um.notify(task)
	}
	return len(cancelled)
}

// FileHash returns the blake3 hash of an input file. Files present on disk but not uploaded
// through the registry are hashed on first request.
func (um *UploadManager) FileHash(ctx context.Context, filename string) (string, error) {
	filename = strings.TrimPrefix(filepath.ToSlash(filename), "/")
	if filename == "" {
		return "", types.InvalidInput("filename is required")
	}

	um.mu.Lock()
	hash, ok := um.hashes[filename]
	uploading := false
	for _, entry := range um.tasks {
		if entry.task.Type == "input" && path.Join(entry.task.Subfolder, entry.task.Filename) == filename {
			uploading = true
		}
	}
	um.mu.Unlock()

	fullPath, err := utils.SafeJoin(um.paths.InputDir, filename)
	if err != nil {
		return "", types.InvalidInput("invalid filename: %v", err)
	}
	info, statErr := os.Stat(fullPath)
	if statErr != nil || info.IsDir() {
		if ok || um.store != nil {
			um.forget(ctx, filename)
		}
		return "", types.NotFound("file %s not found", filename)
	}
	if uploading {
		return "", types.NotFound("file %s is still uploading", filename)
	}
	if ok {
		return hash, nil
	}

	if um.store != nil {
		if hash, err := um.store.GetFileHash(ctx, filename); err == nil {
			um.remember(filename, hash)
			return hash, nil
		} else if !errors.Is(err, types.ErrNotFound) {
			return "", err
		}
	}

	hash, err = utils.HashFile(fullPath)
	if err != nil {
		return "", types.WrapIO(err, "failed to hash file")
	}
	um.remember(filename, hash)
	if um.store != nil {
		if err := um.store.SaveFileHash(ctx, filename, hash, info.Size()); err != nil {
			um.logger.Warn(fmt.Sprintf("Failed to persist hash of %s: %v", filename, err), "uploads")
		}
	}
	return hash, nil
}

func (um *UploadManager) remember(filename, hash string) {
	um.mu.Lock()
	um.hashes[filename] = hash
	um.mu.Unlock()
}

func (um *UploadManager) forget(ctx context.Context, filename string) {
	um.mu.Lock()
	delete(um.hashes, filename)
	um.mu.Unlock()
	if um.store != nil {
		if err := um.store.DeleteFileHash(ctx, filename); err != nil {
			um.logger.Debug(fmt.Sprintf("Failed to drop hash of %s: %v", filename, err), "uploads")
		}
	}
}

// uniquePath appends " (n)" before the extension until the name is free
func uniquePath(p string) string {
	if _, err := os.Stat(p); os.IsNotExist(err) {
		return p
	}
	ext := filepath.Ext(p)
	base := strings.TrimSuffix(p, ext)
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s (%d)%s", base, i, ext)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}

// progressReader stops reading once ctx ends and reports the byte count at most once per interval
type progressReader struct {
	ctx        context.Context
	r          io.Reader
	n          int64
	interval   time.Duration
	last       time.Time
	onProgress func(int64)
}

func (pr *progressReader) Read(p []byte) (int, error) {
	if err := pr.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := pr.r.Read(p)
	pr.n += int64(n)
	if pr.onProgress != nil && (err == io.EOF || time.Since(pr.last) >= pr.interval) {
		pr.last = time.Now()
		pr.onProgress(pr.n)
	}
	return n, err
}
