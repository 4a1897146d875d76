package main

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/cyfrworks/cyfr-sub001/pkg/componentref"
	"github.com/cyfrworks/cyfr-sub001/pkg/enginerr"
	"github.com/cyfrworks/cyfr-sub001/pkg/executionrecord"
	"github.com/cyfrworks/cyfr-sub001/pkg/executor"
	"github.com/cyfrworks/cyfr-sub001/pkg/registry"
	"github.com/cyfrworks/cyfr-sub001/pkg/replay"
)

type server struct {
	executor *executor.Executor
	replayer *replay.Replayer
	records  executionrecord.Store
	registry *registry.Registry
	logger   *slog.Logger
}

type publishRequest struct {
	Reference  string              `json:"reference"`
	BinaryB64  string              `json:"binary_b64"`
	Signatures []registry.Signature `json:"signatures"`
	Canary     *int                `json:"canary_percent,omitempty"`
}

func (s *server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return
	}
	ref, err := componentref.Parse(req.Reference)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid reference: "+err.Error())
		return
	}
	data, err := base64.StdEncoding.DecodeString(req.BinaryB64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "binary_b64 is not valid base64")
		return
	}

	if req.Canary != nil {
		if err := s.registry.SetCanary(ref, data, *req.Canary, req.Signatures); err != nil {
			s.writeEngineError(w, enginerr.Wrap(enginerr.CodeSignatureInvalid, "setting canary", err))
			return
		}
	} else if err := s.registry.Publish(ref, data, req.Signatures); err != nil {
		s.writeEngineError(w, enginerr.Wrap(enginerr.CodeSignatureInvalid, "publishing component", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "published", "reference": ref.String()})
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

type executeRequest struct {
	Reference      string          `json:"reference"`
	Input          json.RawMessage `json:"input"`
	UserID         string          `json:"user_id"`
	SessionID      string          `json:"session_id,omitempty"`
	ExpectedDigest string          `json:"expected_digest,omitempty"`
}

func (s *server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return
	}
	if req.Reference == "" {
		writeError(w, http.StatusBadRequest, "reference is required")
		return
	}

	outcome, err := s.executor.Invoke(r.Context(), executor.Request{
		Reference:      req.Reference,
		Input:          req.Input,
		UserID:         req.UserID,
		SessionID:      req.SessionID,
		ExpectedDigest: req.ExpectedDigest,
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, outcome)
}

func (s *server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	record, err := s.records.Get(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *server) handleReplay(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	result, err := s.replayer.Replay(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *server) writeEngineError(w http.ResponseWriter, err error) {
	var engErr *enginerr.Error
	if errors.As(err, &engErr) {
		writeJSON(w, statusForKind(engErr.Kind), map[string]string{
			"code":    string(engErr.Code),
			"message": engErr.Error(),
		})
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func statusForKind(kind enginerr.Kind) int {
	switch kind {
	case enginerr.KindValidation:
		return http.StatusBadRequest
	case enginerr.KindPolicy, enginerr.KindSecurity:
		return http.StatusForbidden
	case enginerr.KindResource:
		return http.StatusUnprocessableEntity
	case enginerr.KindExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}
