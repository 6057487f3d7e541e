package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func scrape(t *testing.T, m *Metrics, update func()) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler(update).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	return string(body)
}

func TestMetrics_job_counters(t *testing.T) {
	m := New()
	m.JobEnqueued("segment_upload")
	m.JobEnqueued("segment_upload")
	m.JobSucceeded("create_stream")
	m.JobLost("segment_upload")
	m.AddBytesSent(1024)
	m.AddBytesSent(-5)

	out := scrape(t, m, func() {
		m.SetQueueDepth(7)
		m.SetActiveStreams(1)
	})
	for _, want := range []string{
		`broadcaster_jobs_enqueued_total{kind="segment_upload"} 2`,
		`broadcaster_jobs_succeeded_total{kind="create_stream"} 1`,
		`broadcaster_jobs_lost_total{kind="segment_upload"} 1`,
		"broadcaster_bytes_sent_total 1024",
		"broadcaster_queue_depth 7",
		"broadcaster_active_streams 1",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("scrape missing %q", want)
		}
	}
}

func TestMetrics_broadcast_state_gauge(t *testing.T) {
	m := New()
	m.SetBroadcastState("previewing")
	m.SetBroadcastState("broadcasting")

	out := scrape(t, m, nil)
	if !strings.Contains(out, `broadcaster_session_state{state="broadcasting"} 1`) {
		t.Errorf("current state should be 1: %s", out)
	}
	if !strings.Contains(out, `broadcaster_session_state{state="previewing"} 0`) {
		t.Errorf("previous state should be reset to 0: %s", out)
	}
}

func TestMetrics_nil_receiver(t *testing.T) {
	var m *Metrics
	m.IncRequests()
	m.JobFailed("stop_stream")
	m.SetBroadcastState("idle")
}

func TestRequestMiddleware_counts_errors(t *testing.T) {
	m := New()
	h := RequestMiddleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/bad" {
			w.WriteHeader(http.StatusConflict)
		}
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/status", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/bad", nil))

	out := scrape(t, m, nil)
	if !strings.Contains(out, "broadcaster_control_requests_total 2") {
		t.Errorf("expected 2 requests: %s", out)
	}
	if !strings.Contains(out, "broadcaster_control_errors_total 1") {
		t.Errorf("expected 1 error: %s", out)
	}
}
