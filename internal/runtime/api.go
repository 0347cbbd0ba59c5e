package runtime

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/loqalabs/lyricsync/internal/eventstore"
	"github.com/loqalabs/lyricsync/internal/session"
	"github.com/loqalabs/lyricsync/internal/timeline"
)

// Handler exposes the session API.
type Handler struct {
	sessions *session.Manager
	store    *eventstore.Store
	log      *slog.Logger
}

// NewHandler returns a Handler over sessions. store may be nil, in which case
// the journal routes answer 404.
func NewHandler(sessions *session.Manager, store *eventstore.Store, log *slog.Logger) *Handler {
	return &Handler{sessions: sessions, store: store, log: log.With(slog.String("component", "http-api"))}
}

// Routes mounts the session endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", h.CreateSession)
		r.Get("/", h.ListSessions)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetSession)
			r.Delete("/", h.DeleteSession)
			r.Post("/play", h.control(func(s *session.Session, r *http.Request) error { return s.Play(r.Context()) }))
			r.Post("/pause", h.control(func(s *session.Session, r *http.Request) error { return s.Pause(r.Context()) }))
			r.Post("/resume", h.control(func(s *session.Session, r *http.Request) error { return s.Resume(r.Context()) }))
			r.Post("/stop", h.control(func(s *session.Session, r *http.Request) error { return s.Stop(r.Context()) }))
			r.Post("/seek", h.Seek)
			r.Get("/events", h.Events)
			r.Get("/journal", h.Journal)
		})
	})
	r.Get("/journal/sessions", h.JournalSessions)
}

// CreateSession handles POST /sessions.
// Body: {"timeline_path": "output/song_lyrics.json", "audio_path": "song.mp3"}.
// With ?play=true the session starts immediately.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid body: "+err.Error())
		return
	}
	if req.TimelinePath == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "timeline_path is required")
		return
	}
	sess, err := h.sessions.Create(r.Context(), req)
	if err != nil {
		h.fail(w, err)
		return
	}
	if play, _ := strconv.ParseBool(r.URL.Query().Get("play")); play {
		if err := sess.Play(r.Context()); err != nil {
			h.fail(w, err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, sess.Info())
}

// ListSessions handles GET /sessions.
func (h *Handler) ListSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.sessions.List())
}

// GetSession handles GET /sessions/{id}.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess.Info())
}

// DeleteSession handles DELETE /sessions/{id}.
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Seek handles POST /sessions/{id}/seek?t=<seconds>.
func (h *Handler) Seek(w http.ResponseWriter, r *http.Request) {
	secs, err := strconv.ParseFloat(r.URL.Query().Get("t"), 64)
	if err != nil || math.IsNaN(secs) {
		writeError(w, http.StatusBadRequest, "bad_request", "t must be a number of seconds")
		return
	}
	h.control(func(s *session.Session, r *http.Request) error {
		return s.Seek(r.Context(), timeline.Seconds(secs))
	})(w, r)
}

// Events handles GET /sessions/{id}/events by upgrading to a WebSocket.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.lookup(w, r)
	if !ok {
		return
	}
	hub := sess.Hub()
	if hub == nil {
		writeError(w, http.StatusNotFound, session.ClassNotFound, "event stream disabled")
		return
	}
	hub.ServeHTTP(w, r)
}

// Journal handles GET /sessions/{id}/journal?limit=N.
func (h *Handler) Journal(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusNotFound, session.ClassNotFound, "journal disabled")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := h.store.ListSessionEvents(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		h.fail(w, err)
		return
	}
	out := make([]journalEntry, 0, len(events))
	for _, e := range events {
		out = append(out, journalEntry{
			ID:         e.ID,
			Kind:       e.Kind,
			PositionMS: e.PositionMS,
			Generation: e.Generation,
			Event:      json.RawMessage(e.Payload),
			CreatedAt:  e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type journalEntry struct {
	ID         int64           `json:"id"`
	Kind       string          `json:"kind"`
	PositionMS int64           `json:"position_ms"`
	Generation uint64          `json:"generation"`
	Event      json.RawMessage `json:"event"`
	CreatedAt  time.Time       `json:"created_at"`
}

// JournalSessions handles GET /journal/sessions?limit=N. It lists journaled
// sessions including ones from earlier runs.
func (h *Handler) JournalSessions(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusNotFound, session.ClassNotFound, "journal disabled")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	sessions, err := h.store.ListSessions(r.Context(), limit)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (h *Handler) control(fn func(*session.Session, *http.Request) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := h.lookup(w, r)
		if !ok {
			return
		}
		if err := fn(sess, r); err != nil {
			h.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sess.Info())
	}
}

func (h *Handler) lookup(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	sess, err := h.sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return nil, false
	}
	return sess, true
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	class := session.Classify(err)
	status := statusFor(class)
	if errors.Is(err, eventstore.ErrSessionNotFound) {
		class, status = session.ClassNotFound, http.StatusNotFound
	}
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed", slog.String("error", err.Error()))
	} else {
		h.log.Debug("request rejected", slog.String("class", class), slog.String("error", err.Error()))
	}
	writeError(w, status, class, err.Error())
}

func statusFor(class string) int {
	switch class {
	case session.ClassState:
		return http.StatusConflict
	case session.ClassInvalid, session.ClassMissing:
		return http.StatusBadRequest
	case session.ClassNotFound:
		return http.StatusNotFound
	case session.ClassClosed:
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Error string `json:"error"`
	Class string `json:"class"`
}

func writeError(w http.ResponseWriter, status int, class, msg string) {
	writeJSON(w, status, errorBody{Error: msg, Class: class})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
