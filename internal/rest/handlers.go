package rest

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/leorces/leorces/pkg/model"
)

const pollDefaultLimit = 10

func pathKey(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "key"), 10, 64)
}

// decodeBody fills into from the request body. A missing or empty body
// leaves the zero value, callers validate required fields themselves.
func decodeBody(r *http.Request, into any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(into)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (s *Server) deployDefinition(w http.ResponseWriter, r *http.Request) {
	var definition model.ProcessDefinition
	if err := decodeBody(r, &definition); err != nil {
		writeBadRequest(w, r, err)
		return
	}
	deployed, err := s.engine.DeployDefinition(r.Context(), definition)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, deployed)
}

func (s *Server) definitionById(w http.ResponseWriter, r *http.Request) {
	definition, err := s.engine.DefinitionById(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, definition)
}

func (s *Server) definitionsByKey(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		writeBadRequest(w, r, errors.New("query parameter key is required"))
		return
	}
	definitions, err := s.engine.DefinitionsByKey(r.Context(), key)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, definitions)
}

type startProcessRequest struct {
	DefinitionId  string         `json:"definitionId,omitempty"`
	DefinitionKey string         `json:"definitionKey,omitempty"`
	BusinessKey   string         `json:"businessKey,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
}

func (s *Server) startProcess(w http.ResponseWriter, r *http.Request) {
	var req startProcessRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, r, err)
		return
	}
	if req.DefinitionId == "" && req.DefinitionKey == "" {
		writeBadRequest(w, r, errors.New("definitionId or definitionKey is required"))
		return
	}
	var err error
	var process any
	if req.DefinitionId != "" {
		process, err = s.engine.StartProcessById(r.Context(), req.DefinitionId, req.BusinessKey, req.Variables)
	} else {
		process, err = s.engine.StartProcessByKey(r.Context(), req.DefinitionKey, req.BusinessKey, req.Variables)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, process)
}

func (s *Server) processByKey(w http.ResponseWriter, r *http.Request) {
	key, err := pathKey(r)
	if err != nil {
		writeBadRequest(w, r, err)
		return
	}
	process, err := s.engine.ProcessByKey(r.Context(), key)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, process)
}

func (s *Server) terminateProcess(w http.ResponseWriter, r *http.Request) {
	key, err := pathKey(r)
	if err != nil {
		writeBadRequest(w, r, err)
		return
	}
	if err := s.engine.TerminateProcess(r.Context(), key); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusNoContent, nil)
}

func (s *Server) variables(w http.ResponseWriter, r *http.Request) {
	key, err := pathKey(r)
	if err != nil {
		writeBadRequest(w, r, err)
		return
	}
	variables, err := s.engine.Variables(r.Context(), key, r.URL.Query().Get("scope"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, variables)
}

type setVariablesRequest struct {
	Variables map[string]any `json:"variables"`
	// Scope anchors the write at an inner activity scope, empty targets
	// the process root.
	Scope string `json:"scope,omitempty"`
	// Local writes at exactly the scope level instead of merging upward.
	Local bool `json:"local,omitempty"`
}

func (s *Server) setVariables(w http.ResponseWriter, r *http.Request) {
	key, err := pathKey(r)
	if err != nil {
		writeBadRequest(w, r, err)
		return
	}
	var req setVariablesRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, r, err)
		return
	}
	if req.Local {
		err = s.engine.SetVariablesLocal(r.Context(), key, req.Scope, req.Variables)
	} else {
		err = s.engine.SetVariables(r.Context(), key, req.Scope, req.Variables)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusNoContent, nil)
}

func (s *Server) openIncidents(w http.ResponseWriter, r *http.Request) {
	key, err := pathKey(r)
	if err != nil {
		writeBadRequest(w, r, err)
		return
	}
	incidents, err := s.engine.OpenIncidents(r.Context(), key)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, incidents)
}

type pollTasksRequest struct {
	Topic         string `json:"topic"`
	DefinitionKey string `json:"definitionKey,omitempty"`
	Limit         int    `json:"limit,omitempty"`
}

func (s *Server) pollTasks(w http.ResponseWriter, r *http.Request) {
	var req pollTasksRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, r, err)
		return
	}
	if req.Topic == "" {
		writeBadRequest(w, r, errors.New("topic is required"))
		return
	}
	if req.Limit <= 0 {
		req.Limit = pollDefaultLimit
	}
	tasks, err := s.engine.PollExternalTasks(r.Context(), req.Topic, req.DefinitionKey, req.Limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, tasks)
}

type completeActivityRequest struct {
	Variables map[string]any `json:"variables,omitempty"`
}

func (s *Server) completeActivity(w http.ResponseWriter, r *http.Request) {
	key, err := pathKey(r)
	if err != nil {
		writeBadRequest(w, r, err)
		return
	}
	var req completeActivityRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, r, err)
		return
	}
	if err := s.engine.CompleteActivity(r.Context(), key, req.Variables); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusNoContent, nil)
}

type failActivityRequest struct {
	Reason string `json:"reason"`
	Trace  string `json:"trace,omitempty"`
}

func (s *Server) failActivity(w http.ResponseWriter, r *http.Request) {
	key, err := pathKey(r)
	if err != nil {
		writeBadRequest(w, r, err)
		return
	}
	var req failActivityRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, r, err)
		return
	}
	if err := s.engine.FailActivity(r.Context(), key, req.Reason, req.Trace); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusNoContent, nil)
}

func (s *Server) terminateActivity(w http.ResponseWriter, r *http.Request) {
	key, err := pathKey(r)
	if err != nil {
		writeBadRequest(w, r, err)
		return
	}
	if err := s.engine.TerminateActivity(r.Context(), key); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusNoContent, nil)
}

type retryActivityRequest struct {
	Retries int32 `json:"retries,omitempty"`
}

func (s *Server) retryActivity(w http.ResponseWriter, r *http.Request) {
	key, err := pathKey(r)
	if err != nil {
		writeBadRequest(w, r, err)
		return
	}
	var req retryActivityRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, r, err)
		return
	}
	if err := s.engine.RetryActivity(r.Context(), key, req.Retries); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusNoContent, nil)
}

type correlateRequest struct {
	Name        string         `json:"name,omitempty"`
	Code        string         `json:"code,omitempty"`
	BusinessKey string         `json:"businessKey"`
	Variables   map[string]any `json:"variables,omitempty"`
}

func (s *Server) correlateMessage(w http.ResponseWriter, r *http.Request) {
	var req correlateRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, r, err)
		return
	}
	if req.Name == "" {
		writeBadRequest(w, r, errors.New("name is required"))
		return
	}
	if err := s.engine.CorrelateMessage(r.Context(), req.Name, req.BusinessKey, req.Variables); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusNoContent, nil)
}

func (s *Server) throwError(w http.ResponseWriter, r *http.Request) {
	var req correlateRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, r, err)
		return
	}
	if req.Code == "" {
		writeBadRequest(w, r, errors.New("code is required"))
		return
	}
	if err := s.engine.ThrowError(r.Context(), req.Code, req.BusinessKey, req.Variables); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusNoContent, nil)
}

func (s *Server) throwEscalation(w http.ResponseWriter, r *http.Request) {
	var req correlateRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, r, err)
		return
	}
	if req.Code == "" {
		writeBadRequest(w, r, errors.New("code is required"))
		return
	}
	if err := s.engine.ThrowEscalation(r.Context(), req.Code, req.BusinessKey, req.Variables); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusNoContent, nil)
}

type resolveIncidentRequest struct {
	Retries int32 `json:"retries,omitempty"`
}

func (s *Server) resolveIncident(w http.ResponseWriter, r *http.Request) {
	key, err := pathKey(r)
	if err != nil {
		writeBadRequest(w, r, err)
		return
	}
	var req resolveIncidentRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, r, err)
		return
	}
	if err := s.engine.ResolveIncident(r.Context(), key, req.Retries); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusNoContent, nil)
}
