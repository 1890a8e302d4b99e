package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeStats struct {
	listening   bool
	subscribers int
	pending     int
}

func (f fakeStats) Listening() bool      { return f.listening }
func (f fakeStats) SubscriberCount() int { return f.subscribers }
func (f fakeStats) SummaryPending() int  { return f.pending }

func TestCollector(t *testing.T) {
	t.Run("reads_live_state", func(t *testing.T) {
		reg := prometheus.NewPedanticRegistry()
		reg.MustRegister(NewCollector(fakeStats{listening: true, subscribers: 3, pending: 2}))

		want := `
# HELP livesum_capture_listening 1 while the microphone is open and the recognizer is ready.
# TYPE livesum_capture_listening gauge
livesum_capture_listening 1
# HELP livesum_subscribers_active Current number of live stream subscribers.
# TYPE livesum_subscribers_active gauge
livesum_subscribers_active 3
# HELP livesum_summary_queue_pending Sentences waiting to be summarized.
# TYPE livesum_summary_queue_pending gauge
livesum_summary_queue_pending 2
`
		if err := testutil.GatherAndCompare(reg, strings.NewReader(want)); err != nil {
			t.Error(err)
		}
	})

	t.Run("nil_stats_reports_zero", func(t *testing.T) {
		reg := prometheus.NewPedanticRegistry()
		reg.MustRegister(NewCollector(nil))
		if n, err := testutil.GatherAndCount(reg); err != nil || n != 3 {
			t.Errorf("GatherAndCount = %d, %v; want 3 series", n, err)
		}
	})
}

func TestInstrumentHandler(t *testing.T) {
	r := chi.NewRouter()
	r.Use(InstrumentHandler)
	r.Get("/api/items/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("short and stout"))
	})

	before := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/api/items/{id}", "418"))
	for _, id := range []string{"1", "2"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/api/items/"+id, nil))
	}
	after := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/api/items/{id}", "418"))
	if after-before != 2 {
		t.Errorf("requests counted = %v, want 2 under the route pattern", after-before)
	}
}
