package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"broadcast-uploader/internal/models"
)

// fakeServer is an in-memory metadata API and file store.
type fakeServer struct {
	mu      sync.Mutex
	streams map[string]models.Stream
	objects map[string][]byte
	auth    []string
	queries []string
	fail    int // status returned by the next request, if set
	srv     *httptest.Server
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	f := &fakeServer{streams: map[string]models.Stream{}, objects: map[string][]byte{}}

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			f.mu.Lock()
			f.auth = append(f.auth, req.Header.Get("Authorization"))
			code := f.fail
			f.fail = 0
			f.mu.Unlock()
			if code != 0 {
				http.Error(w, "injected", code)
				return
			}
			next.ServeHTTP(w, req)
		})
	})
	r.Post("/apps/register", func(w http.ResponseWriter, req *http.Request) {
		var in map[string]string
		json.NewDecoder(req.Body).Decode(&in)
		if in["secret"] != "s3cret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeJSON(w, map[string]any{
			"token": "api-token",
			"application": models.Application{
				ID:             in["app_id"],
				AuthorID:       "author-1",
				StorageBaseURL: f.srv.URL + "/files/",
				StorageToken:   "store-token",
				PlaybackURL:    "https://cdn.example",
			},
		})
	})
	r.Post("/streams", func(w http.ResponseWriter, req *http.Request) {
		var meta models.StreamMetadata
		if err := json.NewDecoder(req.Body).Decode(&meta); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		s := models.Stream{ID: "st-1", Title: meta.Title, Coordinate: meta.Coordinate, Live: true}
		f.streams[s.ID] = s
		f.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		writeJSON(w, s)
	})
	r.Get("/streams", func(w http.ResponseWriter, req *http.Request) {
		f.mu.Lock()
		f.queries = append(f.queries, req.URL.RawQuery)
		f.mu.Unlock()
		writeJSON(w, Page[models.Stream]{Items: []models.Stream{{ID: "st-1"}}, Total: 41})
	})
	r.Route("/streams/{id}", func(r chi.Router) {
		r.Patch("/", func(w http.ResponseWriter, req *http.Request) {
			var upd models.StreamUpdate
			json.NewDecoder(req.Body).Decode(&upd)
			f.mu.Lock()
			defer f.mu.Unlock()
			s, ok := f.streams[chi.URLParam(req, "id")]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			if upd.Coordinate != nil {
				s.Coordinate = upd.Coordinate
			}
			if upd.PreviewURL != nil {
				s.PreviewURL = *upd.PreviewURL
			}
			f.streams[s.ID] = s
			w.WriteHeader(http.StatusNoContent)
		})
		r.Post("/stop", func(w http.ResponseWriter, req *http.Request) {
			f.mu.Lock()
			defer f.mu.Unlock()
			s := f.streams[chi.URLParam(req, "id")]
			s.Live = false
			f.streams[s.ID] = s
			w.WriteHeader(http.StatusNoContent)
		})
		r.Delete("/", func(w http.ResponseWriter, req *http.Request) {
			f.mu.Lock()
			delete(f.streams, chi.URLParam(req, "id"))
			f.mu.Unlock()
			w.WriteHeader(http.StatusNoContent)
		})
		r.Get("/viewers", func(w http.ResponseWriter, req *http.Request) {
			f.mu.Lock()
			f.queries = append(f.queries, req.URL.RawQuery)
			f.mu.Unlock()
			writeJSON(w, Page[models.Viewer]{Items: []models.Viewer{{ID: "v1"}, {ID: "v2"}}, Total: 2})
		})
	})
	r.Put("/files/*", func(w http.ResponseWriter, req *http.Request) {
		b, _ := io.ReadAll(req.Body)
		f.mu.Lock()
		f.objects[chi.URLParam(req, "*")] = b
		f.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	})

	f.srv = httptest.NewServer(r)
	t.Cleanup(f.srv.Close)
	return f
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, f *fakeServer) *Client {
	t.Helper()
	c, err := New(Config{BaseURL: f.srv.URL})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestNew_rejects_invalid_base_url(t *testing.T) {
	for _, u := range []string{"", "not a url", "/relative"} {
		if _, err := New(Config{BaseURL: u}); err == nil {
			t.Errorf("New(%q): expected error", u)
		}
	}
}

func TestClient_RegisterApp_sets_credentials(t *testing.T) {
	f := newFakeServer(t)
	c := newTestClient(t, f)

	app, err := c.RegisterApp(context.Background(), "app-1", "s3cret")
	if err != nil {
		t.Fatalf("RegisterApp: %v", err)
	}
	if app.AuthorID != "author-1" {
		t.Errorf("expected author-1, got %q", app.AuthorID)
	}
	if got := c.ObjectURL("st-1/0.ts"); got != f.srv.URL+"/files/st-1/0.ts" {
		t.Errorf("unexpected object url %q", got)
	}
	if c.PlaybackBase() != "https://cdn.example" {
		t.Errorf("unexpected playback base %q", c.PlaybackBase())
	}

	if _, err := c.CreateStream(context.Background(), models.StreamMetadata{Title: "t"}); err != nil {
		t.Fatalf("CreateStream: %v", err)
	}
	f.mu.Lock()
	last := f.auth[len(f.auth)-1]
	f.mu.Unlock()
	if last != "Bearer api-token" {
		t.Errorf("expected api token on later calls, got %q", last)
	}
}

func TestClient_RegisterApp_bad_secret(t *testing.T) {
	f := newFakeServer(t)
	c := newTestClient(t, f)

	_, err := c.RegisterApp(context.Background(), "app-1", "wrong")
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 StatusError, got %v", err)
	}
	if se.Temporary() {
		t.Error("401 should not be temporary")
	}
}

func TestClient_stream_lifecycle(t *testing.T) {
	f := newFakeServer(t)
	c := newTestClient(t, f)
	ctx := context.Background()

	s, err := c.CreateStream(ctx, models.StreamMetadata{Title: "walk"})
	if err != nil {
		t.Fatalf("CreateStream: %v", err)
	}
	coord := models.Coordinate{Latitude: 52.5, Longitude: 13.4}
	if err := c.UpdateStream(ctx, s.ID, models.StreamUpdate{Coordinate: &coord}); err != nil {
		t.Fatalf("UpdateStream: %v", err)
	}
	if err := c.StopStream(ctx, s.ID); err != nil {
		t.Fatalf("StopStream: %v", err)
	}

	f.mu.Lock()
	got := f.streams[s.ID]
	f.mu.Unlock()
	if got.Live || got.Coordinate == nil || *got.Coordinate != coord {
		t.Errorf("unexpected stream state %+v", got)
	}

	if err := c.DeleteStream(ctx, s.ID); err != nil {
		t.Fatalf("DeleteStream: %v", err)
	}
	err = c.UpdateStream(ctx, s.ID, models.StreamUpdate{Coordinate: &coord})
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusNotFound {
		t.Errorf("expected 404 after delete, got %v", err)
	}
}

func TestClient_server_error_is_temporary(t *testing.T) {
	f := newFakeServer(t)
	c := newTestClient(t, f)
	f.mu.Lock()
	f.fail = http.StatusServiceUnavailable
	f.mu.Unlock()

	_, err := c.CreateStream(context.Background(), models.StreamMetadata{})
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if !se.Temporary() || se.Op != "create stream" {
		t.Errorf("unexpected error %+v", se)
	}
	if !strings.Contains(se.Error(), "injected") {
		t.Errorf("expected body in error, got %q", se.Error())
	}
}

func TestClient_ListStreams_encodes_query(t *testing.T) {
	f := newFakeServer(t)
	c := newTestClient(t, f)

	until := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	page, err := c.ListStreams(context.Background(), StreamQuery{
		Until:  &until,
		Near:   &models.Coordinate{Latitude: 1.5, Longitude: -2},
		Radius: 500,
		Limit:  30,
	})
	if err != nil {
		t.Fatalf("ListStreams: %v", err)
	}
	if page.Total != 41 || len(page.Items) != 1 {
		t.Errorf("unexpected page %+v", page)
	}

	f.mu.Lock()
	q := f.queries[0]
	f.mu.Unlock()
	for _, want := range []string{"lat=1.5", "lng=-2", "radius=500", "limit=30", "until=2024-05-01T12%3A00%3A00Z"} {
		if !strings.Contains(q, want) {
			t.Errorf("query %q missing %q", q, want)
		}
	}
}

func TestClient_ListStreams_unbounded_radius_omitted(t *testing.T) {
	f := newFakeServer(t)
	c := newTestClient(t, f)

	if _, err := c.ListStreams(context.Background(), StreamQuery{Near: &models.Coordinate{}}); err != nil {
		t.Fatalf("ListStreams: %v", err)
	}
	f.mu.Lock()
	q := f.queries[0]
	f.mu.Unlock()
	if strings.Contains(q, "radius") {
		t.Errorf("radius 0 should be omitted, got %q", q)
	}
}

func TestClient_ListViewers(t *testing.T) {
	f := newFakeServer(t)
	c := newTestClient(t, f)

	page, err := c.ListViewers(context.Background(), "st-1", nil, 30)
	if err != nil {
		t.Fatalf("ListViewers: %v", err)
	}
	if page.Total != 2 || page.Items[1].ID != "v2" {
		t.Errorf("unexpected page %+v", page)
	}
}

func TestClient_UploadObject_requires_registration(t *testing.T) {
	f := newFakeServer(t)
	c := newTestClient(t, f)

	if _, err := c.UploadObject(context.Background(), "a/0.ts", "video/mp2t", []byte("x"), nil); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("expected ErrNotRegistered, got %v", err)
	}
}

func TestClient_UploadObject_reports_progress(t *testing.T) {
	f := newFakeServer(t)
	c := newTestClient(t, f)
	if _, err := c.RegisterApp(context.Background(), "app-1", "s3cret"); err != nil {
		t.Fatalf("RegisterApp: %v", err)
	}

	payload := []byte(strings.Repeat("ts", 4096))
	var sent int64
	url, err := c.UploadObject(context.Background(), "st-1/3.ts", "video/mp2t", payload, func(n int64) { sent += n })
	if err != nil {
		t.Fatalf("UploadObject: %v", err)
	}
	if sent != int64(len(payload)) {
		t.Errorf("expected %d bytes reported, got %d", len(payload), sent)
	}
	if !strings.HasSuffix(url, "/files/st-1/3.ts") {
		t.Errorf("unexpected url %q", url)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if string(f.objects["st-1/3.ts"]) != string(payload) {
		t.Error("stored object differs from payload")
	}
	if f.auth[len(f.auth)-1] != "Bearer store-token" {
		t.Errorf("expected storage token, got %q", f.auth[len(f.auth)-1])
	}
}
