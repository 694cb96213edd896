package webhook

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, url string, retries int) *Client {
	t.Helper()
	c, err := NewClient(Config{URL: url, Secret: "test-secret-key", Timeout: 2 * time.Second, MaxRetries: retries},
		zerolog.Nop(), WithRetryWait(time.Millisecond, 5*time.Millisecond))
	require.NoError(t, err)
	return c
}

func TestSignAndVerify(t *testing.T) {
	payload := []byte(`{"meta":{"type":"medical.document-download"}}`)
	sig := SignPayload(payload, "secret")

	assert.Len(t, sig, 64)
	assert.True(t, VerifySignature(payload, "secret", sig))
	assert.True(t, VerifySignature(payload, "secret", "sha256="+sig))
	assert.False(t, VerifySignature(payload, "other", sig))
	assert.False(t, VerifySignature([]byte(`{}`), "secret", sig))
}

func TestNewClient_ValidatesURL(t *testing.T) {
	for _, u := range []string{"", "ftp://example.com/hook", "://bad"} {
		_, err := NewClient(Config{URL: u}, zerolog.Nop())
		assert.Error(t, err, u)
	}
}

func TestDeliver_SignsPayload(t *testing.T) {
	var gotBody []byte
	var gotSig, gotID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get(SignatureHeader)
		gotID = r.Header.Get(IDHeader)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 0)
	attempt, err := c.Deliver(context.Background(), "evt-1", map[string]string{"hello": "world"})
	require.NoError(t, err)

	assert.JSONEq(t, `{"hello":"world"}`, string(gotBody))
	assert.Equal(t, "evt-1", gotID)
	assert.True(t, VerifySignature(gotBody, "test-secret-key", gotSig))
	assert.Equal(t, http.StatusOK, attempt.StatusCode)
	assert.Equal(t, "evt-1", attempt.EventID)
}

func TestDeliver_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 3)
	attempt, err := c.Deliver(context.Background(), "evt-2", map[string]int{"n": 1})
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Equal(t, http.StatusNoContent, attempt.StatusCode)
}

func TestDeliver_ClientErrorNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 3)
	attempt, err := c.Deliver(context.Background(), "evt-3", map[string]int{})
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, attempt.StatusCode)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestDeliver_ExhaustsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 1)
	_, err := c.Deliver(context.Background(), "evt-4", map[string]int{})
	assert.Error(t, err)
}
