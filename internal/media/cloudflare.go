package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/lenscloud/lenscloud/internal/errors"
	"github.com/lenscloud/lenscloud/internal/logger"
)

const (
	cloudflareBaseURL = "https://api.cloudflare.com/client/v4"

	// allocateAttempts is how many times ingest allocation is tried before
	// the stream is failed with a terminal error.
	allocateAttempts = 3

	requestTimeout = 15 * time.Second
)

// CloudflareBackend implements Backend against Cloudflare Stream Live
// Inputs. One live input is created per managed stream and torn down on
// release.
type CloudflareBackend struct {
	accountID string
	apiToken  string
	baseURL   string
	client    *http.Client
	log       *logger.Logger

	// liveInputs maps streamID -> Cloudflare live input ID so outputs and
	// release can address the backend without the caller tracking it.
	mu         sync.Mutex
	liveInputs map[string]string
}

// NewCloudflareBackend creates a backend for the given account.
func NewCloudflareBackend(accountID, apiToken string, log *logger.Logger) *CloudflareBackend {
	return &CloudflareBackend{
		accountID:  accountID,
		apiToken:   apiToken,
		baseURL:    cloudflareBaseURL,
		client:     &http.Client{Timeout: requestTimeout},
		log:        log.WithComponent("cloudflare"),
		liveInputs: make(map[string]string),
	}
}

type cfLiveInputResponse struct {
	Success bool `json:"success"`
	Errors  []struct {
		Message string `json:"message"`
	} `json:"errors"`
	Result struct {
		UID   string `json:"uid"`
		RTMPS struct {
			URL       string `json:"url"`
			StreamKey string `json:"streamKey"`
		} `json:"rtmps"`
		WebRTCPlayback struct {
			URL string `json:"url"`
		} `json:"webRTCPlayback"`
	} `json:"result"`
}

type cfOutputResponse struct {
	Success bool `json:"success"`
	Errors  []struct {
		Message string `json:"message"`
	} `json:"errors"`
	Result struct {
		UID string `json:"uid"`
	} `json:"result"`
}

// AllocateIngest creates a live input, retrying transient failures with
// exponential backoff before giving up.
func (b *CloudflareBackend) AllocateIngest(ctx context.Context, streamID string) (*Ingest, error) {
	var lastErr error
	backoff := 500 * time.Millisecond

	for attempt := 1; attempt <= allocateAttempts; attempt++ {
		ingest, err := b.allocateOnce(ctx, streamID)
		if err == nil {
			return ingest, nil
		}
		lastErr = err

		b.log.Warn("ingest allocation failed",
			slog.String("stream_id", streamID),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))

		if attempt < allocateAttempts {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			backoff *= 2
		}
	}

	return nil, errors.Newf(errors.KindTransient, "ingest allocation failed after %d attempts: %v",
		allocateAttempts, lastErr)
}

func (b *CloudflareBackend) allocateOnce(ctx context.Context, streamID string) (*Ingest, error) {
	body := map[string]interface{}{
		"meta": map[string]string{"name": "lenscloud-" + streamID},
		"recording": map[string]interface{}{
			"mode": "off",
		},
	}

	var resp cfLiveInputResponse
	if err := b.do(ctx, http.MethodPost, fmt.Sprintf("/accounts/%s/stream/live_inputs", b.accountID), body, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("cloudflare rejected live input: %s", cfErrorString(resp.Errors))
	}

	uid := resp.Result.UID

	b.mu.Lock()
	b.liveInputs[streamID] = uid
	b.mu.Unlock()

	return &Ingest{
		CFIngestURL:   resp.Result.RTMPS.URL + resp.Result.RTMPS.StreamKey,
		CFLiveInputID: uid,
		AccessURLs: map[string]string{
			"hls":  fmt.Sprintf("https://customer-%s.cloudflarestream.com/%s/manifest/video.m3u8", b.accountID, uid),
			"dash": fmt.Sprintf("https://customer-%s.cloudflarestream.com/%s/manifest/video.mpd", b.accountID, uid),
			"rtmp": resp.Result.RTMPS.URL + resp.Result.RTMPS.StreamKey,
		},
	}, nil
}

// AddRestreamOutput attaches a simulcast output to the stream's live input.
func (b *CloudflareBackend) AddRestreamOutput(ctx context.Context, streamID, url, name string) (string, error) {
	uid, err := b.liveInputFor(streamID)
	if err != nil {
		return "", err
	}

	body := map[string]interface{}{
		"url":     url,
		"enabled": true,
	}

	var resp cfOutputResponse
	if err := b.do(ctx, http.MethodPost,
		fmt.Sprintf("/accounts/%s/stream/live_inputs/%s/outputs", b.accountID, uid), body, &resp); err != nil {
		return "", errors.Newf(errors.KindTransient, "add output: %v", err)
	}
	if !resp.Success {
		return "", errors.Newf(errors.KindTransient, "cloudflare rejected output: %s", cfErrorString(resp.Errors))
	}
	return resp.Result.UID, nil
}

// RemoveRestreamOutput detaches a simulcast output.
func (b *CloudflareBackend) RemoveRestreamOutput(ctx context.Context, streamID, outputID string) error {
	uid, err := b.liveInputFor(streamID)
	if err != nil {
		return err
	}

	if err := b.do(ctx, http.MethodDelete,
		fmt.Sprintf("/accounts/%s/stream/live_inputs/%s/outputs/%s", b.accountID, uid, outputID), nil, nil); err != nil {
		return errors.Newf(errors.KindTransient, "remove output: %v", err)
	}
	return nil
}

// ReleaseIngest deletes the live input. Best effort: an already-deleted
// input is treated as released.
func (b *CloudflareBackend) ReleaseIngest(ctx context.Context, streamID string) error {
	b.mu.Lock()
	uid, ok := b.liveInputs[streamID]
	delete(b.liveInputs, streamID)
	b.mu.Unlock()

	if !ok {
		return nil
	}

	if err := b.do(ctx, http.MethodDelete,
		fmt.Sprintf("/accounts/%s/stream/live_inputs/%s", b.accountID, uid), nil, nil); err != nil {
		b.log.Warn("live input release failed",
			slog.String("stream_id", streamID),
			slog.String("live_input_id", uid),
			slog.String("error", err.Error()))
		return errors.Newf(errors.KindTransient, "release ingest: %v", err)
	}
	return nil
}

func (b *CloudflareBackend) liveInputFor(streamID string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	uid, ok := b.liveInputs[streamID]
	if !ok {
		return "", errors.NotFound("no live input for stream " + streamID)
	}
	return uid, nil
}

func (b *CloudflareBackend) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+b.apiToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound && method == http.MethodDelete {
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("cloudflare %s %s: status %d: %s", method, path, resp.StatusCode, string(data))
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func cfErrorString(errs []struct {
	Message string `json:"message"`
}) string {
	if len(errs) == 0 {
		return "unknown error"
	}
	return errs[0].Message
}
