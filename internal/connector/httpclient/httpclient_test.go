package httpclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fast() Option { return WithBackoff(time.Millisecond, 5*time.Millisecond) }

func TestPostJSONSendsAuthAndDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/zones/z1/logpush/edge/jobs", r.URL.Path)
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var in map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		assert.Equal(t, "RayID,ClientIP", in["fields"])

		_, _ = io.WriteString(w, `{"success":true,"result":{"id":3}}`)
	}))
	defer srv.Close()

	var out struct {
		Success bool `json:"success"`
		Result  struct {
			ID int `json:"id"`
		} `json:"result"`
	}
	c := New(srv.URL+"/", "tok-1")
	err := c.PostJSON(context.Background(), "/zones/z1/logpush/edge/jobs", map[string]string{"fields": "RayID,ClientIP"}, &out)
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, 3, out.Result.ID)
}

func TestClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"success":false,"errors":[{"code":1303,"message":"session exists"}]}`)
	}))
	defer srv.Close()

	err := New(srv.URL, "tok", fast()).PostJSON(context.Background(), "/", struct{}{}, nil)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.False(t, apiErr.Retryable())
	assert.Contains(t, string(apiErr.Payload), "1303")
	assert.EqualValues(t, 1, calls.Load())
}

func TestErrorBodyExcerptKeepsFullPayload(t *testing.T) {
	long := strings.Repeat("e", 2000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = io.WriteString(w, long)
	}))
	defer srv.Close()

	err := New(srv.URL, "tok").PostJSON(context.Background(), "/", struct{}{}, nil)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Len(t, apiErr.Body, errorExcerptLen)
	assert.Len(t, apiErr.Payload, 2000)
}

func TestServerErrorsRetriedWithSameBody(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"sample":10}`, string(b))
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = io.WriteString(w, `{"ok":true}`)
	}))
	defer srv.Close()

	var out struct {
		OK bool `json:"ok"`
	}
	err := New(srv.URL, "tok", fast()).PostJSON(context.Background(), "/", map[string]int{"sample": 10}, &out)
	require.NoError(t, err)
	assert.True(t, out.OK)
	assert.EqualValues(t, 3, calls.Load())
}

func TestRetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := New(srv.URL, "tok", fast(), WithMaxRetries(2)).PostJSON(context.Background(), "/", struct{}{}, nil)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
	assert.EqualValues(t, 3, calls.Load())
}

func TestRateLimitHonoursRetryAfter(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = io.WriteString(w, `{}`)
	}))
	defer srv.Close()

	// ceiling well above one second so the header wins over the backoff
	c := New(srv.URL, "tok", WithBackoff(time.Millisecond, 5*time.Second))
	start := time.Now()
	require.NoError(t, c.PostJSON(context.Background(), "/", struct{}{}, nil))
	assert.GreaterOrEqual(t, time.Since(start), 900*time.Millisecond)
	assert.EqualValues(t, 2, calls.Load())
}

func TestCancelDuringBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	c := New(srv.URL, "tok", WithBackoff(time.Hour, time.Hour), WithMaxRetries(5))
	err := c.PostJSON(ctx, "/", struct{}{}, nil)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
}

func TestDelay(t *testing.T) {
	c := New("http://x", "tok", WithBackoff(time.Second, 5*time.Second))

	assert.Equal(t, time.Second, c.delay(0, &APIError{StatusCode: 500}))
	assert.Equal(t, 2*time.Second, c.delay(1, &APIError{StatusCode: 500}))
	assert.Equal(t, 5*time.Second, c.delay(4, &APIError{StatusCode: 500}))
	assert.Equal(t, 3*time.Second, c.delay(0, &APIError{StatusCode: 429, RetryAfter: 3 * time.Second}))
	assert.Equal(t, 5*time.Second, c.delay(0, &APIError{StatusCode: 429, RetryAfter: time.Minute}))
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, 7*time.Second, parseRetryAfter("7", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("-3", now))
	assert.Equal(t, 90*time.Second, parseRetryAfter("Wed, 01 May 2024 12:01:30 GMT", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("Wed, 01 May 2024 11:00:00 GMT", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("soon", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("", now))
}
