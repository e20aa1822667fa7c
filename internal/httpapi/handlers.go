package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"procexec/internal/executor"
	"procexec/internal/job"
	"procexec/internal/status"
	logx "procexec/pkg/logx"
)

const maxBodyBytes = 1 << 20

// statusView is a record as served to clients: the stored request is
// replaced by a link, and status/result/store links are added.
type statusView struct {
	status.Record
	StatusURL  string `json:"status_url"`
	RequestURL string `json:"request_url"`
	ResultURL  string `json:"result_url,omitempty"`
	StoreURL   string `json:"store_url"`
}

// proxyURL is the base URL used to build links, always ending in "/".
func (s *Server) proxyURL(r *http.Request) string {
	base := strings.TrimSpace(s.cfg.HostProxy)
	if base == "" {
		base = strings.TrimSpace(r.Header.Get("X-Forwarded-Url"))
	}
	if base == "" {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		base = scheme + "://" + r.Host + "/"
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base
}

func (s *Server) view(r *http.Request, rec status.Record) statusView {
	base := s.proxyURL(r)
	v := statusView{
		Record:     rec,
		StatusURL:  base + "status/" + rec.ID,
		RequestURL: base + "status/" + rec.ID + "?key=request",
		StoreURL:   base + "store/" + rec.ID + "/",
	}
	v.Record.Request = nil
	if rec.Store {
		v.ResultURL = base + "results/" + rec.ID
	}
	return v
}

// writeExecError maps executor failures to HTTP responses using Error.Code.
func (s *Server) writeExecError(w http.ResponseWriter, r *http.Request, err error) {
	var xe *executor.Error
	if errors.As(err, &xe) {
		if xe.Kind == executor.KindInternal {
			s.log.Error("request failed", logx.String("path", r.URL.Path), logx.Err(err))
		}
		writeError(w, xe.Code, xe.Kind.String(), xe.Message)
		return
	}
	if errors.Is(err, r.Context().Err()) && r.Context().Err() != nil {
		// client went away; nothing useful to write
		return
	}
	s.log.Error("request failed", logx.String("path", r.URL.Path), logx.Err(err))
	writeError(w, http.StatusInternalServerError, "internal", "internal error")
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"jobs": s.exec.ListJobs()})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	defs, err := s.exec.ResolveJobs(r.Context(), []string{id}, r.URL.Query().Get("context"))
	if err != nil {
		if executor.KindOf(err) == executor.KindUnknownJob {
			writeError(w, http.StatusNotFound, "unknown_job", fmt.Sprintf("job %s not found", id))
			return
		}
		s.writeExecError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": defs[0]})
}

// executeBody is the optional JSON body of an execute request. Query
// parameters take precedence over body fields.
type executeBody struct {
	Inputs  map[string]string `json:"inputs,omitempty"`
	Mode    string            `json:"mode,omitempty"`
	Timeout json.RawMessage   `json:"timeout,omitempty"`
	Context string            `json:"context,omitempty"`
	Store   *bool             `json:"store,omitempty"`
	Pinned  bool              `json:"pinned,omitempty"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var body executeBody
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid", "invalid request body: "+err.Error())
		return
	}

	q := r.URL.Query()
	modeRaw := firstNonEmpty(q.Get("mode"), body.Mode)
	mode, err := job.ParseMode(modeRaw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid", err.Error())
		return
	}

	timeoutRaw := q.Get("timeout")
	if timeoutRaw == "" && len(body.Timeout) > 0 {
		timeoutRaw = strings.Trim(string(body.Timeout), `"`)
	}
	timeout, err := parseTimeout(timeoutRaw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid", err.Error())
		return
	}

	store := body.Store != nil && *body.Store
	if raw := q.Get("store"); raw != "" {
		store, err = strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid", "invalid store flag")
			return
		}
	}
	contextKey := firstNonEmpty(q.Get("context"), body.Context)

	defs, err := s.exec.ResolveJobs(r.Context(), []string{id}, contextKey)
	if err != nil {
		s.writeExecError(w, r, err)
		return
	}

	jobID, err := s.newID()
	if err != nil {
		s.writeExecError(w, r, err)
		return
	}
	req := &job.Request{
		Inputs:     body.Inputs,
		ContextKey: contextKey,
		Timeout:    timeout,
		Store:      store,
		Pinned:     body.Pinned,
		HostURL:    s.proxyURL(r),
	}
	out, err := s.exec.Execute(r.Context(), jobID, defs[0], req, mode)
	if err != nil {
		s.writeExecError(w, r, err)
		return
	}

	base := s.proxyURL(r)
	w.Header().Set("X-Job-Id", out.JobID)
	w.Header().Set("Location", base+"status/"+out.JobID)
	if mode == job.ModeAsync {
		writeJSON(w, http.StatusAccepted, map[string]any{"status": s.view(r, out.Record)})
		return
	}
	writeDocument(w, out.Document)
}

const maxTimeoutSeconds = math.MaxInt64 / int64(time.Second)

// parseTimeout accepts whole seconds ("30") or a Go duration ("1m30s").
func parseTimeout(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if n < 0 {
			return 0, errors.New("timeout must not be negative")
		}
		if n > maxTimeoutSeconds {
			return 0, fmt.Errorf("timeout %q out of range", raw)
		}
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid timeout %q", raw)
	}
	if d < 0 {
		return 0, errors.New("timeout must not be negative")
	}
	return d, nil
}

func writeDocument(w http.ResponseWriter, doc []byte) {
	if len(doc) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if json.Valid(doc) {
		w.Header().Set("Content-Type", "application/json;charset=utf-8")
	} else {
		w.Header().Set("Content-Type", "text/plain;charset=utf-8")
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(doc)
}

func (s *Server) handleListStatus(w http.ResponseWriter, r *http.Request) {
	recs, err := s.exec.StatusAll(r.Context())
	if err != nil {
		s.writeExecError(w, r, err)
		return
	}
	views := make([]statusView, 0, len(recs))
	for _, rec := range recs {
		views = append(views, s.view(r, rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": views})
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "uuid")
	if strings.EqualFold(r.URL.Query().Get("key"), "request") {
		raw, err := s.exec.Request(r.Context(), id)
		if err != nil {
			s.writeExecError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"request": raw})
		return
	}
	rec, err := s.exec.Status(r.Context(), id)
	if err != nil {
		s.writeExecError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": s.view(r, rec)})
}

func (s *Server) handleDeleteStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "uuid")
	ok, err := s.exec.Delete(r.Context(), id)
	if err != nil {
		s.writeExecError(w, r, err)
		return
	}
	if !ok {
		writeError(w, http.StatusConflict, "conflict", "job is still running")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": id})
}

func (s *Server) handlePin(pinned bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, err := s.exec.Pin(r.Context(), chi.URLParam(r, "uuid"), pinned)
		if err != nil {
			s.writeExecError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": s.view(r, rec)})
	}
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "uuid")
	doc, err := s.exec.Result(r.Context(), id)
	if err != nil {
		s.writeExecError(w, r, err)
		return
	}
	if doc == nil {
		writeError(w, http.StatusNotFound, "not_found", "no result stored for "+id)
		return
	}
	writeDocument(w, doc)
}

// handleStoreFile serves a file from the job working directory, such as
// processing.log or an output a command job wrote.
func (s *Server) handleStoreFile(w http.ResponseWriter, r *http.Request) {
	path, err := s.exec.StoreFile(r.Context(), chi.URLParam(r, "uuid"), chi.URLParam(r, "*"))
	if err != nil {
		s.writeExecError(w, r, err)
		return
	}
	f, err := os.Open(path)
	if err != nil {
		s.writeExecError(w, r, err)
		return
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		s.writeExecError(w, r, err)
		return
	}
	http.ServeContent(w, r, filepath.Base(path), fi.ModTime(), f)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
