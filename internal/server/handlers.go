package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/michaelbrown/stratus/internal/engine"
	"github.com/michaelbrown/stratus/internal/registry"
)

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeFault(w http.ResponseWriter, f *engine.Fault) {
	status := http.StatusInternalServerError
	switch f.Kind {
	case engine.FaultLoadFailure:
		status = http.StatusBadGateway
	case engine.FaultExecutionTimeout:
		status = http.StatusGatewayTimeout
	case engine.FaultCanceled:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{
		"error": f.Detail,
		"fault": string(f.Kind),
	})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// --- Module registry handlers ---

type registerModuleRequest struct {
	Name     string `json:"name"`
	Location string `json:"location"`
}

func (s *Server) handleRegisterModule(w http.ResponseWriter, r *http.Request) {
	var req registerModuleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.Location == "" {
		writeError(w, http.StatusBadRequest, "location is required")
		return
	}

	m := &registry.Module{
		ID:       uuid.New().String(),
		Name:     req.Name,
		Location: req.Location,
	}

	if err := s.store.CreateModule(r.Context(), m); err != nil {
		if errors.Is(err, registry.ErrDuplicate) {
			writeError(w, http.StatusConflict, err.Error())
		} else {
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) handleListModules(w http.ResponseWriter, r *http.Request) {
	modules, err := s.store.ListModules(r.Context(), registry.ModuleListOptions{})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if modules == nil {
		modules = []registry.Module{}
	}
	writeJSON(w, http.StatusOK, modules)
}

func (s *Server) handleGetModule(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	m, err := s.store.GetModule(r.Context(), name)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
		} else {
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleDeleteModule(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	m, err := s.store.GetModule(r.Context(), name)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
		} else {
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	if err := s.store.DeleteModule(r.Context(), name); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// Drop any cached bytes so a re-registration reloads fresh ones.
	s.engine.Invalidate(m.Location)

	w.WriteHeader(http.StatusNoContent)
}

// --- Invocation handlers ---

type invokeRequest struct {
	Params []float64 `json:"params"`
}

type invokeResponse struct {
	Value     float64 `json:"value"`
	ElapsedMs int64   `json:"elapsed_ms"`
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var req invokeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	m, err := s.store.GetModule(r.Context(), name)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
		} else {
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	// Stats are recorded exactly once per task, success or failure. The
	// request context may be gone by then, so use a fresh one.
	onComplete := func(elapsed time.Duration) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.store.RecordInvocation(ctx, m.Name, elapsed); err != nil {
			// The module may have been deleted mid-flight.
			if !errors.Is(err, registry.ErrNotFound) {
				log.Printf("recording stats for %s: %v", m.Name, err)
			}
		}
	}

	done, err := s.engine.Execute(r.Context(), m.Location, req.Params, onComplete)
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrQueueFull):
			writeError(w, http.StatusTooManyRequests, err.Error())
		case errors.Is(err, engine.ErrClosed):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	// Every task resolves within the watchdog timeout, so this wait is
	// bounded even if the client has gone away.
	out := <-done

	s.events.Broadcast(Event{
		Module:    m.Name,
		Fault:     faultKind(out),
		Value:     out.Value,
		ElapsedMs: out.Elapsed.Milliseconds(),
	})

	if !out.OK() {
		writeFault(w, out.Fault)
		return
	}

	writeJSON(w, http.StatusOK, invokeResponse{
		Value:     out.Value,
		ElapsedMs: out.Elapsed.Milliseconds(),
	})
}

func faultKind(out engine.Outcome) string {
	if out.OK() {
		return ""
	}
	return string(out.Fault.Kind)
}

func (s *Server) handleModuleStats(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	stats, err := s.store.Stats(r.Context(), name)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
		} else {
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleEngineStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Snapshot())
}
