package api

import (
	"encoding/json"
	"net/http"

	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/types"
)

// MachineBody carries configuration fields. On update a null value removes the field.
type MachineBody struct {
	ID     string                     `json:"id"`
	Name   string                     `json:"name"`
	Config map[string]json.RawMessage `json:"config"`
}

func (s *APIServer) machineID(requested string) (string, error) {
	if requested != "" {
		return requested, nil
	}
	if s.deps.MachineID == "" {
		return "", types.InvalidInput("machine id is required")
	}
	return s.deps.MachineID, nil
}

func (s *APIServer) handleMachine(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethods(w, r, http.MethodGet) {
		return
	}
	db, ok := s.store(w)
	if !ok {
		return
	}

	id, err := s.machineID(r.URL.Query().Get("id"))
	if err != nil {
		s.sendError(w, err)
		return
	}
	machine, err := db.GetMachine(r.Context(), id)
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, machine)
}

func (s *APIServer) decodeMachine(w http.ResponseWriter, r *http.Request) (*MachineBody, string, bool) {
	var body MachineBody
	if err := decodeJSON(w, r, &body, false); err != nil {
		s.sendError(w, err)
		return nil, "", false
	}
	id, err := s.machineID(body.ID)
	if err != nil {
		s.sendError(w, err)
		return nil, "", false
	}
	return &body, id, true
}

// handleMachineUpdate merges fields into the existing record. There is no implicit create.
func (s *APIServer) handleMachineUpdate(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethods(w, r, http.MethodPost) {
		return
	}
	db, ok := s.store(w)
	if !ok {
		return
	}
	body, id, ok := s.decodeMachine(w, r)
	if !ok {
		return
	}

	machine, err := db.UpdateMachine(r.Context(), id, body.Name, body.Config)
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, machine)
}

func (s *APIServer) handleMachineCreate(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethods(w, r, http.MethodPost) {
		return
	}
	db, ok := s.store(w)
	if !ok {
		return
	}
	body, id, ok := s.decodeMachine(w, r)
	if !ok {
		return
	}

	machine, err := db.CreateMachine(r.Context(), id, body.Name, body.Config)
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, machine)
}
