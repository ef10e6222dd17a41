package api

import (
	"io"
	"mime/multipart"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/registry"
	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/types"
)

// Form fields describing an upload. They must precede the file part, which is streamed
// to disk as it arrives.
const maxFieldSize = 4096

var uploadFileFields = map[string]bool{"file": true, "image": true}

// handleUploadFile streams the first file part of a multipart body into ComfyUI's
// input, temp or output directory
func (s *APIServer) handleUploadFile(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethods(w, r, http.MethodPost) {
		return
	}
	if s.deps.Uploads == nil {
		s.sendError(w, types.Unavailable("uploads are not configured"))
		return
	}

	reader, err := r.MultipartReader()
	if err != nil {
		s.sendError(w, types.InvalidInput("expected a multipart/form-data body: %v", err))
		return
	}

	query := r.URL.Query()
	req := registry.UploadRequest{
		Subfolder: query.Get("subfolder"),
		Type:      query.Get("type"),
		Overwrite: query.Get("overwrite") == "true",
	}
	if size, err := strconv.ParseInt(query.Get("size"), 10, 64); err == nil {
		req.Size = size
	}

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			s.sendError(w, types.InvalidInput("no file part in upload"))
			return
		}
		if err != nil {
			s.sendError(w, types.WrapIO(err, "failed to read multipart body"))
			return
		}

		if part.FileName() == "" && !uploadFileFields[part.FormName()] {
			if err := applyUploadField(&req, part); err != nil {
				part.Close()
				s.sendError(w, err)
				return
			}
			part.Close()
			continue
		}

		req.Filename = part.FileName()
		if name := query.Get("filename"); name != "" {
			req.Filename = name
		}
		task, err := s.deps.Uploads.Upload(r.Context(), req, part)
		part.Close()
		if err != nil {
			extra := map[string]interface{}{}
			if task != nil {
				extra["task_id"] = task.ID
				extra["state"] = task.State
			}
			s.sendErrorWith(w, err, extra)
			return
		}

		uploadType := task.Type
		if uploadType == "" {
			uploadType = "input"
		}
		s.writeJSON(w, http.StatusOK, map[string]interface{}{
			"success":   true,
			"name":      task.Filename,
			"subfolder": task.Subfolder,
			"type":      uploadType,
			"hash":      task.Hash,
			"size":      task.BytesReceived,
			"task_id":   task.ID,
		})
		return
	}
}

func applyUploadField(req *registry.UploadRequest, part *multipart.Part) error {
	raw, err := io.ReadAll(io.LimitReader(part, maxFieldSize+1))
	if err != nil {
		return types.WrapIO(err, "failed to read form field")
	}
	if len(raw) > maxFieldSize {
		return types.InvalidInput("form field %s is too large", part.FormName())
	}
	value := strings.TrimSpace(string(raw))

	switch part.FormName() {
	case "subfolder":
		req.Subfolder = value
	case "type":
		req.Type = value
	case "overwrite":
		req.Overwrite = value == "true" || value == "1"
	case "size":
		size, err := strconv.ParseInt(value, 10, 64)
		if err != nil || size < 0 {
			return types.InvalidInput("size must be a non-negative integer")
		}
		req.Size = size
	case "filename":
		req.Filename = value
	}
	return nil
}

func (s *APIServer) handleGetFileHash(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethods(w, r, http.MethodGet) {
		return
	}
	if s.deps.Uploads == nil {
		s.sendError(w, types.Unavailable("uploads are not configured"))
		return
	}

	filename := r.URL.Query().Get("filename")
	if filename == "" {
		s.sendError(w, types.InvalidInput("filename is required"))
		return
	}
	hash, err := s.deps.Uploads.FileHash(r.Context(), filename)
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"filename": filename,
		"hash":     hash,
	})
}

func (s *APIServer) handleUploadQueueStatus(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethods(w, r, http.MethodGet) {
		return
	}
	if s.deps.Uploads == nil {
		s.sendError(w, types.Unavailable("uploads are not configured"))
		return
	}

	tasks := s.deps.Uploads.QueueStatus()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"tasks":   tasks,
		"count":   len(tasks),
	})
}

func (s *APIServer) handleCancelUploads(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethods(w, r, http.MethodPost) {
		return
	}
	if s.deps.Uploads == nil {
		s.sendError(w, types.Unavailable("uploads are not configured"))
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"cancelled": s.deps.Uploads.CancelAll(),
	})
}

func (s *APIServer) handleModels(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethods(w, r, http.MethodGet) {
		return
	}
	if s.deps.Models == nil {
		s.sendError(w, types.Unavailable("model registry is not configured"))
		return
	}

	if r.URL.Query().Get("refresh") == "true" {
		s.deps.Models.Invalidate()
	}
	models, err := s.deps.Models.List(r.Context())
	if err != nil {
		s.sendError(w, err)
		return
	}
	if models == nil {
		models = []types.ModelDescriptor{}
	}
	s.writeJSON(w, http.StatusOK, models)
}

func (s *APIServer) handleFilenameListCache(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethods(w, r, http.MethodGet) {
		return
	}
	if s.deps.Models == nil {
		s.sendError(w, types.Unavailable("model registry is not configured"))
		return
	}

	names, err := s.deps.Models.Filenames(r.Context())
	if err != nil {
		s.sendError(w, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	s.writeJSON(w, http.StatusOK, names)
}

// VolumeModelBody either queues a download or, with delete set, removes a model
type VolumeModelBody struct {
	URL      string `json:"url"`
	Folder   string `json:"folder"`
	Filename string `json:"filename"`
	Delete   bool   `json:"delete"`
}

func (s *APIServer) handleVolumeModel(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethods(w, r, http.MethodPost) {
		return
	}

	var body VolumeModelBody
	if err := decodeJSON(w, r, &body, false); err != nil {
		s.sendError(w, err)
		return
	}

	if body.Delete {
		if s.deps.Models == nil {
			s.sendError(w, types.Unavailable("model registry is not configured"))
			return
		}
		if err := s.deps.Models.Delete(body.Folder, body.Filename); err != nil {
			s.sendError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"deleted": path.Join(body.Folder, body.Filename),
		})
		return
	}

	s.queueDownload(w, registry.DownloadRequest{URL: body.URL, Folder: body.Folder, Filename: body.Filename})
}

// handleDownloadModel accepts {url, path} with path relative to the ComfyUI root,
// e.g. models/checkpoints/sdxl.safetensors
func (s *APIServer) handleDownloadModel(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethods(w, r, http.MethodPost) {
		return
	}

	var body struct {
		URL  string `json:"url"`
		Path string `json:"path"`
	}
	if err := decodeJSON(w, r, &body, false); err != nil {
		s.sendError(w, err)
		return
	}
	if body.URL == "" || body.Path == "" {
		s.sendError(w, types.InvalidInput("Both url and path are required"))
		return
	}

	folder, filename, err := splitModelPath(body.Path)
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.queueDownload(w, registry.DownloadRequest{URL: body.URL, Folder: folder, Filename: filename})
}

// splitModelPath maps models/<folder>/<file> or <folder>/<file> to a folder and filename
func splitModelPath(p string) (string, string, error) {
	clean := strings.TrimPrefix(path.Clean("/"+strings.ReplaceAll(p, "\\", "/")), "/")
	clean = strings.TrimPrefix(clean, "models/")
	folder, filename := path.Split(clean)
	folder = strings.TrimSuffix(folder, "/")
	if folder == "" || filename == "" {
		return "", "", types.InvalidInput("path %q must name a folder and a file", p)
	}
	return folder, filename, nil
}

func (s *APIServer) queueDownload(w http.ResponseWriter, req registry.DownloadRequest) {
	if s.deps.Downloads == nil {
		s.sendError(w, types.Unavailable("model downloads are not configured"))
		return
	}

	task, err := s.deps.Downloads.Download(req)
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"task_id": task.ID,
		"status":  task.State,
		"task":    task,
	})
}

func (s *APIServer) writeDownloadTask(w http.ResponseWriter, taskID string) {
	if s.deps.Downloads == nil {
		s.sendError(w, types.Unavailable("model downloads are not configured"))
		return
	}
	if taskID == "" {
		s.sendError(w, types.InvalidInput("task_id is required"))
		return
	}

	task, err := s.deps.Downloads.Status(taskID)
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"task_id":    task.ID,
		"status":     task.State,
		"progress":   task.Progress,
		"downloaded": task.BytesDownloaded,
		"total":      task.BytesTotal,
		"error":      task.Error,
		"task":       task,
	})
}

func (s *APIServer) handleVolumeModelStatus(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethods(w, r, http.MethodGet) {
		return
	}
	s.writeDownloadTask(w, r.URL.Query().Get("task_id"))
}

func (s *APIServer) handleDownloadProgress(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethods(w, r, http.MethodGet) {
		return
	}
	s.writeDownloadTask(w, r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:])
}

func (s *APIServer) handleDownloadTasks(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethods(w, r, http.MethodGet) {
		return
	}
	if s.deps.Downloads == nil {
		s.sendError(w, types.Unavailable("model downloads are not configured"))
		return
	}

	tasks := s.deps.Downloads.List()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"tasks":   tasks,
		"count":   len(tasks),
	})
}
