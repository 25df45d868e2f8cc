// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/absmach/fluxdispatch/dispatch"
	"github.com/absmach/fluxdispatch/session"
	"github.com/absmach/fluxdispatch/storage"
	"github.com/go-chi/chi/v5"
)

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

// EntryView describes a queued entry.
type EntryView struct {
	ID        string    `json:"id"`
	Method    string    `json:"method"`
	Priority  int       `json:"priority"`
	Key       string    `json:"key,omitempty"`
	Size      int64     `json:"size"`
	Redeliver int       `json:"redeliver"`
	Arrival   time.Time `json:"arrival"`
	Expires   time.Time `json:"expires,omitzero"`
}

func viewOf(e *dispatch.Entry) EntryView {
	return EntryView{
		ID:        e.ID,
		Method:    e.Method.String(),
		Priority:  e.Priority,
		Key:       e.Key,
		Size:      e.Size(),
		Redeliver: e.Redeliver(),
		Arrival:   e.Arrival,
		Expires:   e.Expires,
	}
}

// EnqueueRequest submits one entry to a destination. Payload and QoS are
// base64 in JSON.
type EnqueueRequest struct {
	Method   string `json:"method"`
	Key      string `json:"key,omitempty"`
	Payload  []byte `json:"payload,omitempty"`
	QoS      []byte `json:"qos,omitempty"`
	Priority *int   `json:"priority,omitempty"`
	TTL      string `json:"ttl,omitempty"`
	// Wait blocks the request until the entry's result is written.
	Wait bool `json:"wait,omitempty"`
}

// EnqueueResponse reports an accepted entry and, for waited requests,
// its result.
type EnqueueResponse struct {
	ID       string `json:"id"`
	Resolved bool   `json:"resolved"`
	Response []byte `json:"response,omitempty"`
	Error    string `json:"error,omitempty"`
	Kind     string `json:"kind,omitempty"`
}

// StateResponse reports the connection state of a destination.
type StateResponse struct {
	Destination string `json:"destination"`
	State       string `json:"state"`
}

// PurgeResponse reports how many dead letters were removed.
type PurgeResponse struct {
	Purged int `json:"purged"`
}

func (s *Server) handleListDestinations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.AllStats())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.Stats(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	st, err := s.engine.State(id)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StateResponse{Destination: id, State: st.String()})
}

func (s *Server) handlePeek(w http.ResponseWriter, r *http.Request) {
	entries, err := s.engine.Peek(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	out := make([]EntryView, 0, len(entries))
	for _, e := range entries {
		out = append(out, viewOf(e))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	entry, err := req.entry()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	entry, err = s.engine.Enqueue(r.Context(), chi.URLParam(r, "id"), entry)
	if err != nil {
		s.fail(w, err)
		return
	}

	resp := EnqueueResponse{ID: entry.ID}
	if !req.Wait || !entry.WantsResult {
		writeJSON(w, http.StatusAccepted, resp)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.WaitTimeout)
	defer cancel()
	res, err := entry.Wait(ctx)
	if err != nil {
		// Still queued; the caller polls or gives up.
		writeJSON(w, http.StatusAccepted, resp)
		return
	}

	resp.Resolved = true
	resp.Response = res.Response
	if res.Err != nil {
		resp.Error = res.Err.Error()
		resp.Kind = dispatch.KindOf(res.Err).String()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (req EnqueueRequest) entry() (*dispatch.Entry, error) {
	method, err := dispatch.ParseMethod(req.Method)
	if err != nil {
		return nil, err
	}

	var opts []dispatch.EntryOption
	if req.Key != "" {
		opts = append(opts, dispatch.WithKey(req.Key))
	}
	if len(req.QoS) > 0 {
		opts = append(opts, dispatch.WithQoS(req.QoS))
	}
	if req.Priority != nil {
		opts = append(opts, dispatch.WithPriority(*req.Priority))
	}
	if req.TTL != "" {
		ttl, err := time.ParseDuration(req.TTL)
		if err != nil {
			return nil, errors.New("invalid ttl: " + err.Error())
		}
		opts = append(opts, dispatch.WithTTL(ttl))
	}
	if !req.Wait {
		opts = append(opts, dispatch.WithoutResult())
	}
	return dispatch.NewEntry(method, req.Payload, opts...), nil
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.engine.Pause)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.engine.Resume)
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.engine.Shutdown)
}

func (s *Server) control(w http.ResponseWriter, r *http.Request, op func(string) error) {
	if err := op(chi.URLParam(r, "id")); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	q := storage.Query{Destination: r.URL.Query().Get("destination")}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		q.Limit = n
	}

	letters, err := s.deadLetters.Store().List(r.Context(), q)
	if err != nil {
		s.fail(w, err)
		return
	}
	if letters == nil {
		letters = []*storage.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, letters)
}

func (s *Server) handleGetDeadLetter(w http.ResponseWriter, r *http.Request) {
	l, err := s.deadLetters.Store().Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (s *Server) handleDeleteDeadLetter(w http.ResponseWriter, r *http.Request) {
	if err := s.deadLetters.Store().Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePurgeDeadLetters(w http.ResponseWriter, r *http.Request) {
	n, err := s.deadLetters.Store().Purge(r.Context(), r.URL.Query().Get("destination"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PurgeResponse{Purged: n})
}

func (s *Server) handleReplayDeadLetter(w http.ResponseWriter, r *http.Request) {
	entry, err := s.deadLetters.Replay(r.Context(), s.engine, chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, viewOf(entry))
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.List())
}

func (s *Server) handleKillSession(w http.ResponseWriter, r *http.Request) {
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "killed by operator"
	}
	if err := s.sessions.Kill(chi.URLParam(r, "id"), reason); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// fail maps err to a status code and writes it.
func (s *Server) fail(w http.ResponseWriter, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("API request failed", "error", err)
	}
	writeError(w, status, err.Error())
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, dispatch.ErrUnknownDestination),
		errors.Is(err, storage.ErrNotFound),
		errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, dispatch.ErrResourceOverflow):
		return http.StatusTooManyRequests
	case errors.Is(err, dispatch.ErrShutdown):
		return http.StatusGone
	case errors.Is(err, dispatch.ErrEngineClosed),
		errors.Is(err, storage.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
