package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/types"
)

// maxJSONBody caps request bodies decoded as JSON. Uploads stream and are not affected.
const maxJSONBody = 64 << 20

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code"`
}

// statusFor maps an error kind to its HTTP status
func statusFor(kind types.ErrorKind) int {
	switch kind {
	case types.ErrorKindInvalidInput:
		return http.StatusBadRequest
	case types.ErrorKindNotFound:
		return http.StatusNotFound
	case types.ErrorKindConflict:
		return http.StatusConflict
	case types.ErrorKindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *APIServer) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Debug(fmt.Sprintf("Failed to write response: %v", err), "api")
	}
}

// sendError writes err as the JSON error body with the status of its kind
func (s *APIServer) sendError(w http.ResponseWriter, err error) {
	kind := types.KindOf(err)
	status := statusFor(kind)
	if status >= http.StatusInternalServerError {
		s.logger.Error(fmt.Sprintf("Request failed (%s): %v", kind, err), "api")
	}
	s.writeJSON(w, status, ErrorResponse{Success: false, Error: err.Error(), Code: string(kind)})
}

// sendErrorWith writes the error body with extra fields merged in
func (s *APIServer) sendErrorWith(w http.ResponseWriter, err error, extra map[string]interface{}) {
	kind := types.KindOf(err)
	body := map[string]interface{}{
		"success": false,
		"error":   err.Error(),
		"code":    string(kind),
	}
	for k, v := range extra {
		body[k] = v
	}
	s.writeJSON(w, statusFor(kind), body)
}

// allowMethods rejects requests whose method is not listed. It answers 405 with the
// JSON error body.
func (s *APIServer) allowMethods(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, m := range methods {
		if r.Method == m {
			return true
		}
	}
	for _, m := range methods {
		w.Header().Add("Allow", m)
	}
	s.writeJSON(w, http.StatusMethodNotAllowed, ErrorResponse{
		Success: false,
		Error:   fmt.Sprintf("method %s not allowed", r.Method),
		Code:    string(types.ErrorKindInvalidInput),
	})
	return false
}

// decodeJSON reads the request body into v. An empty body leaves v untouched when
// allowEmpty is set.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}, allowEmpty bool) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil {
		return nil
	}
	if errors.Is(err, io.EOF) {
		if allowEmpty {
			return nil
		}
		return types.InvalidInput("request body is required")
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return types.InvalidInput("request body exceeds %d bytes", tooLarge.Limit)
	}
	return types.InvalidInput("Invalid JSON in request body: %v", err)
}
