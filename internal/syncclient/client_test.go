package syncclient

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/rammingen/internal/protocol"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_GetEntries(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, protocol.PathGetEntries, r.URL.Path)
		require.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))

		var req protocol.GetEntriesRequest
		require.NoError(t, protocol.Decode(r.Body, &req))
		require.Equal(t, int64(5), req.After)

		require.NoError(t, protocol.Encode(w, &protocol.GetEntriesResponse{
			Entries: []protocol.EntryWire{{ID: 1, Path: "enar:/abc"}},
		}))
	})

	c, err := New(Config{BaseURL: srv.URL, AccessToken: "test-token"}, zerolog.Nop())
	require.NoError(t, err)

	resp, err := c.GetEntries(t.Context(), 5, 100)
	require.NoError(t, err)
	require.Len(t, resp.Entries, 1)
	require.Equal(t, "enar:/abc", resp.Entries[0].Path)
}

func TestClient_Call_RetriesTransientErrors(t *testing.T) {
	attempts := 0
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			_ = protocol.Encode(w, &protocol.ErrorResponse{Code: "internal", Message: "transient"})
			return
		}
		require.NoError(t, protocol.Encode(w, &protocol.ContentExistsResponse{Exists: true}))
	})

	c, err := New(Config{BaseURL: srv.URL, AccessToken: "tok", RetryDelay: time.Millisecond}, zerolog.Nop())
	require.NoError(t, err)

	exists, err := c.ContentExists(t.Context(), "deadbeef")
	require.NoError(t, err)
	require.True(t, exists)
	require.Equal(t, 3, attempts)
}

func TestClient_Call_FatalErrorsDoNotRetry(t *testing.T) {
	attempts := 0
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusUnauthorized)
	})

	c, err := New(Config{BaseURL: srv.URL, AccessToken: "bad", RetryDelay: time.Millisecond}, zerolog.Nop())
	require.NoError(t, err)

	_, err = c.ContentExists(t.Context(), "deadbeef")
	require.ErrorIs(t, err, ErrFatal)
	require.Equal(t, 1, attempts)
}

func TestClient_Upload_StreamsBodyAfterEnvelope(t *testing.T) {
	payload := []byte("framed-ciphertext-bytes")
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req protocol.UploadRequest
		require.NoError(t, protocol.Decode(r.Body, &req))
		require.Equal(t, "enar:/docs/hello", req.Path)

		rest, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.Equal(t, payload, rest)

		require.NoError(t, protocol.Encode(w, &protocol.UploadResponse{Entry: protocol.EntryWire{Path: req.Path}}))
	})

	c, err := New(Config{BaseURL: srv.URL, AccessToken: "tok"}, zerolog.Nop())
	require.NoError(t, err)

	resp, err := c.Upload(t.Context(), protocol.UploadRequest{Path: "enar:/docs/hello"}, bytes.NewReader(payload), int64(len(payload)))
	require.NoError(t, err)
	require.Equal(t, "enar:/docs/hello", resp.Entry.Path)
}
