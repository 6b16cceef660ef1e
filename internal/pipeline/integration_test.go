package pipeline

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crimson-sun/edgewatch/internal/batcher"
	"github.com/crimson-sun/edgewatch/internal/connector"
	"github.com/crimson-sun/edgewatch/internal/model"
	"github.com/crimson-sun/edgewatch/internal/output/async"
	"github.com/crimson-sun/edgewatch/internal/output/file"
	"github.com/crimson-sun/edgewatch/internal/shutdown"

	_ "github.com/crimson-sun/edgewatch/internal/connector/cloudflare"
)

// recordingAnalyzer remembers the size of every batch it was asked to analyze.
type recordingAnalyzer struct {
	mu    sync.Mutex
	sizes []int
}

func (a *recordingAnalyzer) Analyze(_ context.Context, records []model.Record) ([]model.Finding, error) {
	a.mu.Lock()
	a.sizes = append(a.sizes, len(records))
	a.mu.Unlock()
	return nil, nil
}

func (a *recordingAnalyzer) batches() []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]int(nil), a.sizes...)
}

// edgeServers starts a websocket server that sends n records in one frame
// and then idles, plus a control API pointing every session at it.
func edgeServers(t *testing.T, n int) (controlURL string) {
	t.Helper()

	upgrader := websocket.Upgrader{}
	ws := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		lines := make([]string, n)
		for i := range lines {
			lines[i] = fmt.Sprintf(`{"ClientIP":"198.51.100.%d","RayID":"ray-%d","EdgeResponseStatus":200}`, i+1, i+1)
		}
		if err := c.WriteMessage(websocket.TextMessage, []byte(strings.Join(lines, "\n"))); err != nil {
			return
		}
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(ws.Close)

	dest := "ws" + strings.TrimPrefix(ws.URL, "http") + "/instant-logs/ws/sessions/e2e0000000000001"
	control := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"success":true,"errors":[],"messages":[],"result":{"id":7,"destination_conf":"`+dest+`"}}`)
	}))
	t.Cleanup(control.Close)
	return control.URL
}

func TestEndToEndStreamBatchAndShutdown(t *testing.T) {
	controlURL := edgeServers(t, 20)
	archivePath := filepath.Join(t.TempDir(), "records.ndjson")

	fileOut, err := file.New(archivePath, file.WithAutoFlush())
	require.NoError(t, err)
	archive := async.New(fileOut, async.WithLogger(discard()))

	ctor, err := connector.Get("cloudflare")
	require.NoError(t, err)
	conn, err := ctor(connector.ConnectorConfig{
		APIKey:   "tok",
		ZoneID:   "zone-e2e",
		Endpoint: controlURL,
		Fields:   []string{"ClientIP", "RayID", "EdgeResponseStatus"},
	}, connector.Deps{Logger: discard(), Archive: archive})
	require.NoError(t, err)

	an := &recordingAnalyzer{}
	b := batcher.New(
		NewAnalysisDispatcher(an, nil, discard(), nil),
		batcher.WithMaxSize(15),
		batcher.WithMaxAge(time.Hour),
		batcher.WithLogger(discard()),
	)

	sig := shutdown.NewSignal()
	coord := shutdown.New(sig, shutdown.WithGrace(2*time.Second), shutdown.WithLogger(discard()))
	p := New(conn, b, sig, WithReconnectDelay(time.Hour), WithLogger(discard()))

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, p.Run(runCtx))
	}()

	coord.OnFlush("batcher", b.Drain)
	coord.SetTask(cancel, done, conn.Abort)
	coord.OnResidual("batcher", func(ctx context.Context) error {
		_, err := b.Settle(ctx)
		return err
	})
	coord.OnRelease("connector", func(context.Context) error { return conn.Close() })
	coord.OnClose("archive", func(context.Context) error { return archive.Close() })

	require.Eventually(t, func() bool {
		return len(an.batches()) == 1 && b.Len() == 5
	}, 5*time.Second, 10*time.Millisecond, "expected one full batch and five buffered records")

	coord.RequestShutdown()
	require.NoError(t, coord.Wait(context.Background()))

	select {
	case <-done:
	default:
		t.Fatal("pipeline still running after teardown")
	}
	assert.Equal(t, []int{15, 5}, an.batches())
	assert.Zero(t, b.Len())
	assert.EqualValues(t, 1, p.Cycles())

	f, err := os.Open(archivePath)
	require.NoError(t, err)
	defer f.Close()
	var lines int
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines++
		assert.Contains(t, sc.Text(), `"RayID":"ray-`)
	}
	require.NoError(t, sc.Err())
	assert.Equal(t, 20, lines)
}
