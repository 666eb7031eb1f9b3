// Package api exposes the Processor over HTTP.
package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"ndk-tracker-go/internal/export"
	"ndk-tracker-go/internal/logger"
	"ndk-tracker-go/internal/processor"
	"ndk-tracker-go/internal/session"
	"ndk-tracker-go/internal/settings"
)

const maxBodyBytes = 1 << 20

type Server struct {
	proc *processor.Processor
	log  *logger.Logger
}

func New(proc *processor.Processor, log *logger.Logger) *Server {
	return &Server{proc: proc, log: logger.OrDiscard(log).Component("api")}
}

type handlerFunc func(w http.ResponseWriter, r *http.Request, log *logrus.Entry)

// Handler returns the routed mux. Both the plain and TLS listeners serve it.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	s.handle(mux, "POST /input/log", "log", s.logEntry)
	s.handle(mux, "POST /input/clarify", "clarify", s.clarify)
	s.handle(mux, "POST /input/save_session", "save_session", s.saveSession)

	s.handle(mux, "GET /llm/status", "llm_status", s.llmStatus)
	s.handle(mux, "POST /llm/switch", "llm_switch", s.llmSwitch)
	s.handle(mux, "GET /llm/models", "llm_models", s.llmModels)

	s.handle(mux, "GET /data/summary", "summary", s.summary)
	s.handle(mux, "GET /data/digest", "digest", s.digest)
	s.handle(mux, "GET /data/export", "export", s.export)
	s.handle(mux, "GET /timeline/view", "timeline", s.timeline)

	s.handle(mux, "GET /settings", "get_settings", s.getSettings)
	s.handle(mux, "POST /settings", "update_settings", s.updateSettings)
	s.handle(mux, "GET /setup/schedule", "get_schedule", s.getSchedule)
	s.handle(mux, "POST /setup/schedule", "update_schedule", s.updateSchedule)

	s.handle(mux, "GET /health", "health", s.health)
	s.handle(mux, "GET /api", "info", s.info)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ok")
	})
	mux.Handle("GET /metrics", promhttp.Handler())

	return mux
}

func (s *Server) handle(mux *http.ServeMux, pattern, name string, fn handlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		reqLog := s.log.WithRequest(r).WithField("handler", name)
		start := time.Now()
		fn(w, r, reqLog)
		reqLog.WithField("duration_ms", time.Since(start).Milliseconds()).Debug("request handled")
	})
}

// --------------------------------------------
// Input
// --------------------------------------------

func (s *Server) logEntry(w http.ResponseWriter, r *http.Request, log *logrus.Entry) {
	var req processor.LogRequest
	if !decode(w, r, log, &req) {
		return
	}
	resp, err := s.proc.Log(r.Context(), req)
	if err != nil {
		writeError(w, log, err)
		return
	}
	log.WithField("session_id", resp.SessionID).WithField("backend", resp.Backend).Info("entry logged")
	writeJSON(w, log, http.StatusOK, resp)
}

func (s *Server) clarify(w http.ResponseWriter, r *http.Request, log *logrus.Entry) {
	var req processor.ClarifyRequest
	if !decode(w, r, log, &req) {
		return
	}
	resp, err := s.proc.Clarify(r.Context(), req)
	if err != nil {
		writeError(w, log, err)
		return
	}
	writeJSON(w, log, http.StatusOK, resp)
}

func (s *Server) saveSession(w http.ResponseWriter, r *http.Request, log *logrus.Entry) {
	var req struct {
		SessionID string `json:"session_id"`
	}
	if !decode(w, r, log, &req) {
		return
	}
	res, err := s.proc.Finalize(r.Context(), req.SessionID)
	if err != nil {
		status := statusOf(err)
		if status >= 500 {
			log.WithError(err).Error("session save failed")
		}
		writeJSON(w, log, status, struct {
			processor.SaveResult
			Error string `json:"error"`
		}{res, err.Error()})
		return
	}
	log.WithField("session_id", res.SessionID).WithField("location", res.Location).Info("session saved")
	writeJSON(w, log, http.StatusOK, res)
}

// --------------------------------------------
// LLM
// --------------------------------------------

func (s *Server) llmStatus(w http.ResponseWriter, r *http.Request, log *logrus.Entry) {
	writeJSON(w, log, http.StatusOK, s.proc.BackendStatus(r.Context()))
}

func (s *Server) llmSwitch(w http.ResponseWriter, r *http.Request, log *logrus.Entry) {
	q := r.URL.Query()
	res, err := s.proc.SwitchBackend(r.Context(), q.Get("backend"), q.Get("model_name"))
	if err != nil {
		writeError(w, log, err)
		return
	}
	log.WithField("success", res.Success).WithField("backend", res.NewStatus.CurrentBackend).Info("backend switch")
	writeJSON(w, log, http.StatusOK, res)
}

func (s *Server) llmModels(w http.ResponseWriter, r *http.Request, log *logrus.Entry) {
	writeJSON(w, log, http.StatusOK, s.proc.ListModels(r.Context()))
}

// --------------------------------------------
// Data
// --------------------------------------------

func (s *Server) summary(w http.ResponseWriter, r *http.Request, log *logrus.Entry) {
	q := r.URL.Query()
	out, err := s.proc.Summary(r.Context(), processor.SummaryQuery{
		Date:      q.Get("date"),
		StartDate: q.Get("start_date"),
		EndDate:   q.Get("end_date"),
	})
	if err != nil {
		writeError(w, log, err)
		return
	}
	writeJSON(w, log, http.StatusOK, out)
}

func (s *Server) timeline(w http.ResponseWriter, r *http.Request, log *logrus.Entry) {
	q := r.URL.Query()
	tl, err := s.proc.Timeline(r.Context(), q.Get("start_date"), q.Get("end_date"))
	if err != nil {
		writeError(w, log, err)
		return
	}
	writeJSON(w, log, http.StatusOK, tl)
}

func (s *Server) digest(w http.ResponseWriter, r *http.Request, log *logrus.Entry) {
	q := r.URL.Query()
	dg, err := s.proc.Digest(r.Context(), q.Get("start_date"), q.Get("end_date"))
	if err != nil {
		writeError(w, log, err)
		return
	}
	writeJSON(w, log, http.StatusOK, dg)
}

func (s *Server) export(w http.ResponseWriter, r *http.Request, log *logrus.Entry) {
	q := r.URL.Query()
	var buf bytes.Buffer
	if err := s.proc.Export(r.Context(), &buf, q.Get("start_date"), q.Get("end_date")); err != nil {
		writeError(w, log, err)
		return
	}
	w.Header().Set("Content-Type", export.ContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="ndk-export.xlsx"`)
	if _, err := w.Write(buf.Bytes()); err != nil {
		log.WithError(err).Error("failed to write export")
	}
}

// --------------------------------------------
// Settings
// --------------------------------------------

func (s *Server) getSettings(w http.ResponseWriter, r *http.Request, log *logrus.Entry) {
	st, err := s.proc.Settings()
	if err != nil {
		writeError(w, log, err)
		return
	}
	writeJSON(w, log, http.StatusOK, st)
}

func (s *Server) updateSettings(w http.ResponseWriter, r *http.Request, log *logrus.Entry) {
	st, err := s.proc.Settings()
	if err != nil {
		writeError(w, log, err)
		return
	}
	// fields missing from the body keep their stored values
	if !decode(w, r, log, &st) {
		return
	}
	res, err := s.proc.UpdateSettings(r.Context(), st)
	if err != nil {
		writeError(w, log, err)
		return
	}
	writeJSON(w, log, http.StatusOK, res)
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request, log *logrus.Entry) {
	sch, err := s.proc.Schedule()
	if err != nil {
		writeError(w, log, err)
		return
	}
	writeJSON(w, log, http.StatusOK, sch)
}

func (s *Server) updateSchedule(w http.ResponseWriter, r *http.Request, log *logrus.Entry) {
	var sch settings.Schedule
	if !decode(w, r, log, &sch) {
		return
	}
	res, err := s.proc.UpdateSchedule(sch)
	if err != nil {
		writeError(w, log, err)
		return
	}
	writeJSON(w, log, http.StatusOK, res)
}

// --------------------------------------------
// Health
// --------------------------------------------

func (s *Server) health(w http.ResponseWriter, r *http.Request, log *logrus.Entry) {
	writeJSON(w, log, http.StatusOK, s.proc.Health())
}

func (s *Server) info(w http.ResponseWriter, r *http.Request, log *logrus.Entry) {
	writeJSON(w, log, http.StatusOK, map[string]string{
		"message": "NDK Tracker Backend",
		"status":  "running",
	})
}

// --------------------------------------------
// Helpers
// --------------------------------------------

func decode(w http.ResponseWriter, r *http.Request, log *logrus.Entry, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		log.WithField("error", err.Error()).Warn("bad request body")
		writeJSON(w, log, http.StatusBadRequest, map[string]string{"error": "invalid JSON body: " + err.Error()})
		return false
	}
	return true
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, processor.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrInvalidState):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, log *logrus.Entry, err error) {
	status := statusOf(err)
	if status >= 500 {
		log.WithField("error", err.Error()).Error("request failed")
	} else {
		log.WithField("error", err.Error()).Warn("request rejected")
	}
	writeJSON(w, log, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, log *logrus.Entry, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		log.WithField("error", err.Error()).Error("failed to write response")
	}
}
