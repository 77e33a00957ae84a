package control

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/MrWong99/voxscribe/internal/dictation"
	"github.com/MrWong99/voxscribe/internal/observe"
	"github.com/MrWong99/voxscribe/pkg/audio/capture"
	"github.com/MrWong99/voxscribe/pkg/catalog"
	"github.com/MrWong99/voxscribe/pkg/modelstore"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 500

	// maxBodyBytes bounds request bodies; every body here is a small JSON
	// object.
	maxBodyBytes = 64 << 10
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error string `json:"error"`
}

// modelView is one entry of GET /v1/models.
type modelView struct {
	catalog.Descriptor
	State    modelstore.State `json:"state"`
	OnDevice bool             `json:"on_device"`
	Active   bool             `json:"active"`
}

// ── dictation ────────────────────────────────────────────────────────────────

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var trig dictation.Trigger
	if err := decodeOptional(r, &trig); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if trig.Source == "" {
		trig.Source = "api"
	}
	if err := s.cfg.Dictation.Start(r.Context(), trig); err != nil {
		s.fail(w, r, "start dictation", err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.cfg.Dictation.Status())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Dictation.Stop(r.Context()); err != nil {
		s.fail(w, r, "stop dictation", err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.cfg.Dictation.Status())
}

func (s *Server) handleCancel(w http.ResponseWriter, _ *http.Request) {
	s.cfg.Dictation.Cancel()
	writeJSON(w, http.StatusAccepted, s.cfg.Dictation.Status())
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Dictation.Status())
}

// ── models ───────────────────────────────────────────────────────────────────

func (s *Server) handleModels(w http.ResponseWriter, _ *http.Request) {
	active := s.cfg.Dictation.Status().ActiveModel
	all := s.cfg.Catalog.All()
	out := make([]modelView, 0, len(all))
	for _, d := range all {
		out = append(out, modelView{
			Descriptor: d,
			State:      s.cfg.Models.State(d),
			OnDevice:   d.Family.OnDevice(),
			Active:     d.ID == active,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Activate == nil {
		writeError(w, http.StatusNotFound, errors.New("model selection is not available"))
		return
	}
	var body struct {
		ID string `json:"id"`
	}
	if err := decodeOptional(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if _, ok := s.cfg.Catalog.Lookup(body.ID); !ok {
		writeError(w, http.StatusNotFound, errors.New("unknown model "+strconv.Quote(body.ID)))
		return
	}
	if err := s.cfg.Activate(body.ID); err != nil {
		s.fail(w, r, "activate model", err)
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Dictation.Status())
}

func (s *Server) handleEnsureReady(w http.ResponseWriter, r *http.Request) {
	desc, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if err := s.cfg.Models.EnsureReady(r.Context(), desc); err != nil {
		s.fail(w, r, "ensure model ready", err)
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Models.State(desc))
}

func (s *Server) handleCancelDownload(w http.ResponseWriter, r *http.Request) {
	desc, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"canceled": s.cfg.Models.CancelDownload(desc)})
}

func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Models.ClearCache(); err != nil {
		s.fail(w, r, "clear model cache", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRescan(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Models.CheckExistence(r.Context()); err != nil {
		s.fail(w, r, "rescan model cache", err)
		return
	}
	s.handleModels(w, r)
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (catalog.Descriptor, bool) {
	id := r.PathValue("id")
	desc, ok := s.cfg.Catalog.Lookup(id)
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("unknown model "+strconv.Quote(id)))
	}
	return desc, ok
}

// ── history and config ───────────────────────────────────────────────────────

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.cfg.History == nil {
		writeError(w, http.StatusNotFound, errors.New("history is disabled"))
		return
	}
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	var (
		entries any
		err     error
	)
	if q := r.URL.Query().Get("q"); q != "" {
		entries, err = s.cfg.History.Search(r.Context(), q, limit)
	} else {
		entries, err = s.cfg.History.Recent(r.Context(), limit)
	}
	if err != nil {
		s.fail(w, r, "read history", err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleReload(w http.ResponseWriter, _ *http.Request) {
	if s.cfg.Reload == nil {
		writeError(w, http.StatusNotFound, errors.New("configuration reload is not available"))
		return
	}
	changed, err := s.cfg.Reload()
	if err != nil {
		// The previous configuration stays active.
		writeJSON(w, http.StatusUnprocessableEntity, reloadBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, reloadBody{Changed: changed})
}

type reloadBody struct {
	Changed bool   `json:"changed"`
	Error   string `json:"error,omitempty"`
}

// ── helpers ──────────────────────────────────────────────────────────────────

// fail maps err to a status code, logs server-side failures and writes the
// error response.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		observe.Logger(r.Context()).Warn("control: "+op+" failed", "err", err)
	}
	writeError(w, status, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, dictation.ErrNotCapturing), errors.Is(err, modelstore.ErrInUse):
		return http.StatusConflict
	case errors.Is(err, dictation.ErrUnknownModel):
		return http.StatusNotFound
	case errors.Is(err, capture.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, capture.ErrDeviceUnavailable), errors.Is(err, modelstore.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, modelstore.ErrInsufficientStorage):
		return http.StatusInsufficientStorage
	case errors.Is(err, modelstore.ErrDownloadFailed), errors.Is(err, modelstore.ErrChecksumMismatch):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// decodeOptional decodes a JSON body into v. An empty body leaves v
// untouched.
func decodeOptional(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return errors.New("invalid JSON body: " + err.Error())
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody{Error: err.Error()})
}
