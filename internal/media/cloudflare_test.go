package media

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lenscloud/lenscloud/internal/errors"
	"github.com/lenscloud/lenscloud/internal/logger"
)

func newTestBackend(t *testing.T, handler http.HandlerFunc) *CloudflareBackend {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	b := NewCloudflareBackend("acct-1", "token-1", logger.New(logger.Config{Level: slog.LevelError}))
	b.baseURL = srv.URL
	return b
}

func liveInputJSON(uid string) map[string]interface{} {
	return map[string]interface{}{
		"success": true,
		"result": map[string]interface{}{
			"uid": uid,
			"rtmps": map[string]string{
				"url":       "rtmps://live.cloudflare.com:443/live/",
				"streamKey": "sk-" + uid,
			},
		},
	}
}

func TestAllocateIngest(t *testing.T) {
	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "Bearer token-1", r.Header.Get("Authorization"))
		require.True(t, strings.HasSuffix(r.URL.Path, "/accounts/acct-1/stream/live_inputs"))
		json.NewEncoder(w).Encode(liveInputJSON("uid-1"))
	})

	ingest, err := b.AllocateIngest(context.Background(), "stream-1")
	require.NoError(t, err)
	require.Equal(t, "rtmps://live.cloudflare.com:443/live/sk-uid-1", ingest.CFIngestURL)
	require.Equal(t, "uid-1", ingest.CFLiveInputID)
	require.Contains(t, ingest.AccessURLs["hls"], "uid-1")
}

func TestAllocateIngestRetriesThenFails(t *testing.T) {
	var calls atomic.Int32
	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := b.AllocateIngest(context.Background(), "stream-1")
	require.Error(t, err)
	require.True(t, errors.Is(err, errors.KindTransient))
	require.Equal(t, int32(allocateAttempts), calls.Load())
}

func TestAllocateIngestRecoversAfterRetry(t *testing.T) {
	var calls atomic.Int32
	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(liveInputJSON("uid-2"))
	})

	ingest, err := b.AllocateIngest(context.Background(), "stream-1")
	require.NoError(t, err)
	require.Equal(t, "uid-2", ingest.CFLiveInputID)
}

func TestOutputLifecycle(t *testing.T) {
	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/live_inputs") && r.Method == http.MethodPost:
			json.NewEncoder(w).Encode(liveInputJSON("uid-3"))
		case strings.Contains(r.URL.Path, "/outputs") && r.Method == http.MethodPost:
			require.Contains(t, r.URL.Path, "uid-3")
			json.NewEncoder(w).Encode(map[string]interface{}{
				"success": true,
				"result":  map[string]string{"uid": "out-1"},
			})
		case r.Method == http.MethodDelete:
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	ctx := context.Background()
	_, err := b.AllocateIngest(ctx, "stream-1")
	require.NoError(t, err)

	outputID, err := b.AddRestreamOutput(ctx, "stream-1", "rtmp://x/1", "mirror")
	require.NoError(t, err)
	require.Equal(t, "out-1", outputID)

	require.NoError(t, b.RemoveRestreamOutput(ctx, "stream-1", outputID))
	require.NoError(t, b.ReleaseIngest(ctx, "stream-1"))

	// Released streams are forgotten.
	_, err = b.AddRestreamOutput(ctx, "stream-1", "rtmp://x/2", "")
	require.True(t, errors.Is(err, errors.KindNotFound))
}

func TestReleaseUnknownStreamIsNoop(t *testing.T) {
	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})
	require.NoError(t, b.ReleaseIngest(context.Background(), "never-allocated"))
}
