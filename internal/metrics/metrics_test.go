package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsAreSafe(t *testing.T) {
	var s *SessionMetrics
	var st *StreamMetrics
	var b *BatcherMetrics
	var a *AnalysisMetrics
	var ar *ArchiveMetrics
	assert.NotPanics(t, func() {
		s.Attempt("success")
		st.Connected()
		st.Closed("renewal")
		st.Frame()
		st.Record()
		st.ParseError()
		st.ArchiveError()
		b.Buffered(3)
		b.Flushed("size", 3)
		b.Inflight(1)
		a.Call("ok", 0.1)
		a.Finding("IP")
		ar.Written()
		ar.Dropped()
		ar.Failed()
		ar.Queued(2)
	})
}

func TestSessionAttemptCounters(t *testing.T) {
	r := NewRegistry()
	r.Session.Attempt("conflict")
	r.Session.Attempt("conflict")
	r.Session.Attempt("success")

	assert.Equal(t, 2.0, testutil.ToFloat64(r.Session.conflicts))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.Session.created))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.Session.attempts.WithLabelValues("conflict")))
}

func TestHandlerServesMetrics(t *testing.T) {
	r := NewRegistry()
	r.Batcher.Flushed("age", 5)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `edgewatch_batcher_flushes_total{trigger="age"} 1`))
}

func TestArchiveCounters(t *testing.T) {
	r := NewRegistry()
	r.Archive.Written()
	r.Archive.Written()
	r.Archive.Dropped()
	r.Archive.Failed()
	r.Archive.Queued(7)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.Archive.written))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.Archive.dropped))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.Archive.failed))
	assert.Equal(t, 7.0, testutil.ToFloat64(r.Archive.queued))
}
