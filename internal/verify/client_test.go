package verify

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(serverURL string) *Client {
	return NewClient(ClientConfig{
		EndpointTemplate: serverURL + "/item/v1%7C{id}%7C0",
		Token:            "secret-token",
		Headers:          map[string]string{"X-EBAY-C-MARKETPLACE-ID": "EBAY_US"},
		Timeout:          2 * time.Second,
		MaxAttempts:      3,
		Backoff:          time.Millisecond,
		MaxBackoff:       2 * time.Millisecond,
	})
}

func TestClientFetchDetail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret-token", r.Header.Get("Authorization"))
		assert.Equal(t, "EBAY_US", r.Header.Get("X-EBAY-C-MARKETPLACE-ID"))
		assert.True(t, strings.Contains(r.URL.Path, "123456"), "path %q should carry the item id", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"estimatedAvailabilities":[{"estimatedAvailabilityStatus":"IN_STOCK","estimatedAvailableQuantity":3}]}`))
	}))
	defer srv.Close()

	a, err := newTestClient(srv.URL).FetchDetail(context.Background(), "123456")
	require.NoError(t, err)
	assert.Equal(t, "IN_STOCK", a.Status)
	require.NotNil(t, a.Quantities.Available)
	assert.Equal(t, 3, *a.Quantities.Available)
}

func TestClientRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"estimatedAvailabilities":[{"estimatedAvailabilityStatus":"ENDED"}]}`))
	}))
	defer srv.Close()

	a, err := newTestClient(srv.URL).FetchDetail(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, "ENDED", a.Status)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClientRetriesTooManyRequests(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).FetchDetail(context.Background(), "1")
	var te *TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, http.StatusTooManyRequests, te.StatusCode)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClientDoesNotRetryNotFound(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, `{"errors":[{"errorId":11001}]}`, http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).FetchDetail(context.Background(), "1")
	var te *TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, http.StatusNotFound, te.StatusCode)
	assert.False(t, te.Retryable())
	assert.Equal(t, int32(1), calls.Load())
}

func TestClientMalformedPayload(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`<html>not json</html>`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).FetchDetail(context.Background(), "1")
	var pe *ParseError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, StageDecode, pe.Stage)
	assert.Equal(t, int32(1), calls.Load())
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(&TransportError{Err: errors.New("dial tcp: refused")}))
	assert.True(t, IsRetryable(&TransportError{StatusCode: 502, Err: errors.New("bad gateway")}))
	assert.False(t, IsRetryable(&TransportError{StatusCode: 400, Err: errors.New("bad request")}))
	assert.False(t, IsRetryable(&ParseError{Stage: StageRoot}))
}
