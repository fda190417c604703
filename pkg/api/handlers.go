package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mitchellh/mapstructure"

	"github.com/ethpandaops/dbbenchoor/pkg/canonical"
	"github.com/ethpandaops/dbbenchoor/pkg/runner"
	"github.com/ethpandaops/dbbenchoor/pkg/sink"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	maxRunBodyBytes  = 64 << 10
)

type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

type healthResponse struct {
	Status    string   `json:"status"`
	Observers int      `json:"observers"`
	Targets   []string `json:"targets"`
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "ok",
		Observers: s.hub.Len(),
		Targets:   s.coordinator.Targets(),
	})
}

func (s *server) handleListTargets(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"targets": s.coordinator.Targets()})
}

type listResultsResponse struct {
	Results []canonical.Record `json:"results"`
}

// handleListResults returns records newest first, filtered by ?database=
// and capped by ?limit=.
func (s *server) handleListResults(w http.ResponseWriter, r *http.Request) {
	filter := sink.ListFilter{
		Database: strings.ToLower(r.URL.Query().Get("database")),
		Limit:    defaultListLimit,
	}

	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			writeJSON(w, http.StatusBadRequest, errorResponse{"limit must be a positive integer"})

			return
		}

		filter.Limit = min(limit, maxListLimit)
	}

	records, err := s.store.ListRecords(r.Context(), filter)
	if err != nil {
		s.log.WithError(err).Error("Failed to list results")
		writeJSON(w, http.StatusInternalServerError, errorResponse{"listing results"})

		return
	}

	if records == nil {
		records = []canonical.Record{}
	}

	writeJSON(w, http.StatusOK, listResultsResponse{Results: records})
}

func (s *server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid result id"})

		return
	}

	rec, err := s.store.GetRecord(r.Context(), uint(id))
	if err != nil {
		if errors.Is(err, sink.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{"result not found"})

			return
		}

		s.log.WithError(err).Error("Failed to get result")
		writeJSON(w, http.StatusInternalServerError, errorResponse{"getting result"})

		return
	}

	writeJSON(w, http.StatusOK, rec)
}

// runParams is the optional body of a run request. Values may arrive as
// numbers or numeric strings; duration is in seconds.
type runParams struct {
	Clients  int `mapstructure:"clients"`
	Threads  int `mapstructure:"threads"`
	Scale    int `mapstructure:"scale"`
	Duration int `mapstructure:"duration"`
}

type submitRunResponse struct {
	Message string `json:"message"`
	RunID   string `json:"run_id"`
}

// handleSubmitRun starts a benchmark in the background and answers 202.
func (s *server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	params, err := decodeRunParams(io.LimitReader(r.Body, maxRunBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

		return
	}

	name := chi.URLParam(r, "target")

	runID, err := s.coordinator.Submit(&runner.Request{
		Target:   name,
		Clients:  params.Clients,
		Threads:  params.Threads,
		Scale:    params.Scale,
		Duration: time.Duration(params.Duration) * time.Second,
	})
	if err != nil {
		switch {
		case errors.Is(err, runner.ErrUnknownTarget), errors.Is(err, runner.ErrInvalidRequest):
			writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})
		case errors.Is(err, runner.ErrStopped):
			writeJSON(w, http.StatusServiceUnavailable, errorResponse{"shutting down"})
		default:
			s.log.WithError(err).Error("Failed to submit run")
			writeJSON(w, http.StatusInternalServerError, errorResponse{"submitting run"})
		}

		return
	}

	writeJSON(w, http.StatusAccepted, submitRunResponse{
		Message: fmt.Sprintf("%s benchmark started", strings.ToLower(name)),
		RunID:   runID,
	})
}

// decodeRunParams reads an optional JSON object. An empty body yields zero
// values, which the coordinator replaces with defaults.
func decodeRunParams(body io.Reader) (*runParams, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}

	params := &runParams{}

	if len(strings.TrimSpace(string(data))) == 0 {
		return params, nil
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid request body: %w", err)
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           params,
	})
	if err != nil {
		return nil, fmt.Errorf("creating decoder: %w", err)
	}

	if err := decoder.Decode(raw); err != nil {
		return nil, fmt.Errorf("invalid run parameters: %w", err)
	}

	return params, nil
}
