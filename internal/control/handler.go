// Package control is the local HTTP API that drives the broadcaster: preview
// and broadcast lifecycle, upload resumption, status and the catalog.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"broadcast-uploader/internal/api"
	"broadcast-uploader/internal/broadcast"
	"broadcast-uploader/internal/capture"
	"broadcast-uploader/internal/catalog"
	"broadcast-uploader/internal/ledger"
	"broadcast-uploader/internal/models"
	"broadcast-uploader/internal/platform/logger"
	"broadcast-uploader/internal/platform/metrics"
	"broadcast-uploader/internal/quality"
	"broadcast-uploader/internal/queue"
	"broadcast-uploader/internal/uploader"
)

const (
	playlistContentType = "application/vnd.apple.mpegurl"
	maxBodyBytes        = 1 << 16
	eventKeepAlive      = 15 * time.Second
)

// SessionFactory builds a fresh session. It is used at startup and again
// when a failed session is replaced.
type SessionFactory func() (*broadcast.Session, error)

// Config holds the handler dependencies.
type Config struct {
	// Context bounds work that outlives a request, such as uploads started by
	// /uploads/resume.
	Context    context.Context
	NewSession SessionFactory
	Queue      *queue.Queue
	Uploader   *uploader.Uploader
	Catalog    *catalog.Reader
	Ledger     *ledger.Ledger
	Bus        *broadcast.Bus
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
}

// Handler exposes the control endpoints using go-chi.
type Handler struct {
	ctx        context.Context
	newSession SessionFactory
	q          *queue.Queue
	up         *uploader.Uploader
	catalog    *catalog.Reader
	ledger     *ledger.Ledger
	bus        *broadcast.Bus
	log        *slog.Logger
	metrics    *metrics.Metrics

	mu      sync.Mutex
	session *broadcast.Session
}

// NewHandler builds the first session through cfg.NewSession.
func NewHandler(cfg Config) (*Handler, error) {
	if cfg.NewSession == nil || cfg.Queue == nil || cfg.Uploader == nil {
		return nil, errors.New("control: session factory, queue and uploader are required")
	}
	if cfg.Context == nil {
		cfg.Context = context.Background()
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	s, err := cfg.NewSession()
	if err != nil {
		return nil, err
	}
	return &Handler{
		ctx:        cfg.Context,
		newSession: cfg.NewSession,
		q:          cfg.Queue,
		up:         cfg.Uploader,
		catalog:    cfg.Catalog,
		ledger:     cfg.Ledger,
		bus:        cfg.Bus,
		log:        log,
		metrics:    cfg.Metrics,
		session:    s,
	}, nil
}

// Session returns the current session.
func (h *Handler) Session() *broadcast.Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.session
}

// Router returns the control API with request logging and metrics.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(logger.RequestLogger(h.log))
	r.Use(metrics.RequestMiddleware(h.metrics))

	r.Get("/metrics", h.Metrics)
	r.Get("/status", h.Status)
	r.Get("/events", h.Events)

	r.Post("/preview/start", h.StartPreview)
	r.Post("/preview/stop", h.StopPreview)
	r.Post("/broadcast/start", h.StartBroadcast)
	r.Post("/broadcast/stop", h.StopBroadcast)
	r.Post("/uploads/resume", h.ResumeUploads)
	r.Post("/source/toggle", h.ToggleSource)
	r.Put("/connection", h.SetConnection)
	r.Put("/preset", h.SetPreset)
	r.Put("/location", h.SetLocation)

	r.Route("/streams", func(r chi.Router) {
		r.Get("/", h.ListStreams)
		r.Route("/{stream_id}", func(r chi.Router) {
			r.Delete("/", h.RemoveStream)
			r.Get("/viewers", h.ListViewers)
			r.Get("/playback", h.Playback)
		})
	})
	r.Get("/broadcasts/{stream_id}/playlist.m3u8", h.GetPlaylist)
	return r
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Debug("response not written", slog.String("error", err.Error()))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	h.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

type statusResponse struct {
	Session  broadcast.Status `json:"session"`
	Queue    queueStatus      `json:"queue"`
	Uploader uploaderStatus   `json:"uploader"`
}

type queueStatus struct {
	Depth int `json:"depth"`
}

type uploaderStatus struct {
	Running bool `json:"running"`
}

func (h *Handler) status() statusResponse {
	return statusResponse{
		Session:  h.Session().Snapshot(),
		Queue:    queueStatus{Depth: h.q.Len()},
		Uploader: uploaderStatus{Running: h.up.Running()},
	}
}

// Status handles GET /status.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.status())
}

// StartPreview handles POST /preview/start. A failed session is replaced
// by a fresh one first.
func (h *Handler) StartPreview(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	if h.session.State() == broadcast.StateFailed {
		s, err := h.newSession()
		if err != nil {
			h.mu.Unlock()
			h.log.Error("session not replaced", slog.String("error", err.Error()))
			h.writeError(w, http.StatusInternalServerError, err)
			return
		}
		h.log.Info("failed session replaced")
		h.session = s
	}
	s := h.session
	h.mu.Unlock()

	if err := s.StartPreview(r.Context()); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, capture.ErrNoPreviewTarget) {
			status = http.StatusConflict
		}
		h.writeError(w, status, err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.status())
}

// StopPreview handles POST /preview/stop.
func (h *Handler) StopPreview(w http.ResponseWriter, r *http.Request) {
	if err := h.Session().StopPreview(); err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.status())
}

type startBroadcastRequest struct {
	Preset string `json:"preset,omitempty"`
}

// StartBroadcast handles POST /broadcast/start. An optional body selects the
// preset for this broadcast.
func (h *Handler) StartBroadcast(w http.ResponseWriter, r *http.Request) {
	s := h.Session()
	if r.ContentLength != 0 {
		var req startBroadcastRequest
		if err := decode(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
			h.writeError(w, http.StatusBadRequest, err)
			return
		}
		if req.Preset != "" {
			p, err := quality.ParsePreset(req.Preset)
			if err != nil {
				h.writeError(w, http.StatusBadRequest, err)
				return
			}
			if err := s.SetPreset(p); err != nil {
				h.writeError(w, http.StatusBadRequest, err)
				return
			}
		}
	}
	// The broadcast outlives this request.
	if err := s.StartBroadcasting(h.ctx); err != nil {
		h.log.Error("broadcast not started", slog.String("error", err.Error()))
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.status())
}

// StopBroadcast handles POST /broadcast/stop.
func (h *Handler) StopBroadcast(w http.ResponseWriter, r *http.Request) {
	if err := h.Session().StopBroadcasting(); err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.status())
}

// ResumeUploads handles POST /uploads/resume.
func (h *Handler) ResumeUploads(w http.ResponseWriter, r *http.Request) {
	n := h.up.Resume(h.ctx)
	h.writeJSON(w, http.StatusAccepted, map[string]int{"jobs": n})
}

// ToggleSource handles POST /source/toggle.
func (h *Handler) ToggleSource(w http.ResponseWriter, r *http.Request) {
	if err := h.Session().ToggleSource(); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, capture.ErrNoAlternateSource) {
			status = http.StatusConflict
		}
		h.writeError(w, status, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetConnection handles PUT /connection with {"class": "wifi"}.
func (h *Handler) SetConnection(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Class string `json:"class"`
	}
	if err := decode(w, r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	c, err := quality.ParseConnectionClass(req.Class)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	h.Session().SetConnectionClass(c)
	w.WriteHeader(http.StatusNoContent)
}

// SetPreset handles PUT /preset with {"preset": "960"}.
func (h *Handler) SetPreset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Preset string `json:"preset"`
	}
	if err := decode(w, r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	p, err := quality.ParsePreset(req.Preset)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.Session().SetPreset(p); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetLocation handles PUT /location with a coordinate body.
func (h *Handler) SetLocation(w http.ResponseWriter, r *http.Request) {
	var c models.Coordinate
	if err := decode(w, r, &c); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	if !c.Valid() {
		h.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid coordinate %s", c))
		return
	}
	if err := h.Session().UpdateLocation(r.Context(), c); err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Events handles GET /events as a server-sent event stream.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	if h.bus == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	rc := http.NewResponseController(w)
	sub := h.bus.Subscribe()
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		h.log.Debug("event stream not flushable", slog.String("error", err.Error()))
		return
	}

	keepAlive := time.NewTicker(eventKeepAlive)
	defer keepAlive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
		case e, ok := <-sub.Events():
			if !ok {
				return
			}
			b, err := json.Marshal(e)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Kind, b)
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

func parseUntil(r *http.Request) (time.Time, error) {
	v := r.URL.Query().Get("until")
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid until %q: %w", v, err)
	}
	return t, nil
}

// catalogError maps a failed catalog call to a response. An upstream 404
// stays a 404; any other upstream failure is a bad gateway.
func (h *Handler) catalogError(w http.ResponseWriter, err error) {
	var se *api.StatusError
	switch {
	case errors.Is(err, catalog.ErrMissingAuthor), errors.Is(err, catalog.ErrMissingStream):
		h.writeError(w, http.StatusBadRequest, err)
	case errors.As(err, &se) && se.Code == http.StatusNotFound:
		h.writeError(w, http.StatusNotFound, err)
	default:
		h.writeError(w, http.StatusBadGateway, err)
	}
}

// ListStreams handles GET /streams. author selects one author's streams;
// lat and lng (with optional radius in metres) select streams nearby;
// otherwise the most recent streams are returned.
func (h *Handler) ListStreams(w http.ResponseWriter, r *http.Request) {
	if h.catalog == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	until, err := parseUntil(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	q := r.URL.Query()

	var page api.Page[models.Stream]
	switch {
	case q.Get("author") != "":
		page, err = h.catalog.ByAuthor(r.Context(), q.Get("author"), until)
	case q.Get("lat") != "" || q.Get("lng") != "":
		var c models.Coordinate
		var radius float64
		c.Latitude, err = strconv.ParseFloat(q.Get("lat"), 64)
		if err == nil {
			c.Longitude, err = strconv.ParseFloat(q.Get("lng"), 64)
		}
		if err == nil && q.Get("radius") != "" {
			radius, err = strconv.ParseFloat(q.Get("radius"), 64)
		}
		if err == nil && (!c.Valid() || radius < 0) {
			err = fmt.Errorf("invalid area %s radius %g", c, radius)
		}
		if err != nil {
			h.writeError(w, http.StatusBadRequest, err)
			return
		}
		page, err = h.catalog.Near(r.Context(), c, radius, until)
	default:
		page, err = h.catalog.Recent(r.Context(), until)
	}
	if err != nil {
		h.catalogError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, page)
}

// ListViewers handles GET /streams/{stream_id}/viewers.
func (h *Handler) ListViewers(w http.ResponseWriter, r *http.Request) {
	if h.catalog == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	until, err := parseUntil(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	page, err := h.catalog.Viewers(r.Context(), chi.URLParam(r, "stream_id"), until)
	if err != nil {
		h.catalogError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, page)
}

// RemoveStream handles DELETE /streams/{stream_id}.
func (h *Handler) RemoveStream(w http.ResponseWriter, r *http.Request) {
	if h.catalog == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err := h.catalog.Remove(r.Context(), chi.URLParam(r, "stream_id")); err != nil {
		h.catalogError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Playback handles GET /streams/{stream_id}/playback.
func (h *Handler) Playback(w http.ResponseWriter, r *http.Request) {
	if h.catalog == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	u := h.catalog.PlaybackURL(chi.URLParam(r, "stream_id"))
	if u == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"url": u})
}

// GetPlaylist handles GET /broadcasts/{stream_id}/playlist.m3u8: the
// delivered contiguous part of a broadcast, optionally limited by ?window=.
func (h *Handler) GetPlaylist(w http.ResponseWriter, r *http.Request) {
	if h.ledger == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	window := 0
	if v := r.URL.Query().Get("window"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			h.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid window %q", v))
			return
		}
		window = n
	}

	body, ok := h.ledger.Playlist(chi.URLParam(r, "stream_id"), window)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", playlistContentType)
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, body)
}

// Metrics handles GET /metrics, refreshing the gauges first.
func (h *Handler) Metrics(w http.ResponseWriter, r *http.Request) {
	if h.metrics == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	h.metrics.Handler(func() {
		h.metrics.SetQueueDepth(h.q.Len())
		if h.ledger != nil {
			h.metrics.SetActiveStreams(h.ledger.ActiveStreams())
		}
	}).ServeHTTP(w, r)
}
