package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/lenscloud/lenscloud/internal/config"
	"github.com/lenscloud/lenscloud/internal/errors"
	"github.com/lenscloud/lenscloud/internal/logger"
	"github.com/lenscloud/lenscloud/internal/media"
	"github.com/lenscloud/lenscloud/internal/metrics"
	"github.com/lenscloud/lenscloud/internal/protocol"
	"github.com/lenscloud/lenscloud/internal/session"
	"github.com/lenscloud/lenscloud/internal/store"
	"github.com/lenscloud/lenscloud/internal/transport"
)

const testSecret = "test-secret"

func testServer(t *testing.T) (*Server, *session.Registry, *store.FakeStore) {
	t.Helper()

	cfg := config.Default()
	cfg.JWTSecret = testSecret
	cfg.GinMode = "test"

	log := logger.New(logger.Config{Level: slog.LevelError})
	fs := store.NewFakeStore()
	reg := session.NewRegistry(session.Deps{
		Cfg:   cfg,
		Log:   log,
		Store: fs,
		Media: media.NewFakeBackend(),
	})

	promReg := prometheus.NewRegistry()
	srv, err := New(cfg, log, metrics.New(promReg), promReg, reg, fs, nil)
	require.NoError(t, err)
	return srv, reg, fs
}

func signToken(t *testing.T, subject, secret string) string {
	t.Helper()
	claims := &Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func doJSON(t *testing.T, srv *Server, method, path, token string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	var body map[string]interface{}
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	}
	return w, body
}

func TestHealthEndpoint(t *testing.T) {
	srv, reg, _ := testServer(t)
	reg.GetOrCreate("user@example.com")

	w, body := doJSON(t, srv, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "ok", body["status"])
	require.Equal(t, float64(1), body["sessions"])
}

func TestMetricsEndpoint(t *testing.T) {
	srv, reg, _ := testServer(t)
	reg.GetOrCreate("user@example.com")

	// Prometheus text exposition, not JSON.
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "lenscloud_sessions_active")
}

func TestAuthRequired(t *testing.T) {
	srv, _, _ := testServer(t)

	w, _ := doJSON(t, srv, http.MethodGet, "/api/session", "")
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthRejectsBadSignature(t *testing.T) {
	srv, _, _ := testServer(t)

	w, _ := doJSON(t, srv, http.MethodGet, "/api/session", signToken(t, "user@example.com", "other-secret"))
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthRejectsEmptySubject(t *testing.T) {
	srv, _, _ := testServer(t)

	w, _ := doJSON(t, srv, http.MethodGet, "/api/session", signToken(t, "", testSecret))
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthTokenQueryParamFallback(t *testing.T) {
	srv, reg, _ := testServer(t)
	reg.GetOrCreate("user@example.com")

	req := httptest.NewRequest(http.MethodGet, "/api/session?token="+signToken(t, "user@example.com", testSecret), nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestGlassesWSRejectsUnknownAccount(t *testing.T) {
	srv, _, _ := testServer(t)

	w, body := doJSON(t, srv, http.MethodGet, "/glasses-ws", signToken(t, "ghost@example.com", testSecret))
	require.Equal(t, http.StatusForbidden, w.Code)
	require.Equal(t, "unknown account", body["error"])
}

func TestGlassesWSKnownAccountReachesUpgrade(t *testing.T) {
	srv, _, fs := testServer(t)
	fs.AddUser(&store.User{ID: "user@example.com", Email: "user@example.com"})

	// Without WebSocket headers the upgrade itself fails, which means the
	// account check passed.
	req := httptest.NewRequest(http.MethodGet, "/glasses-ws", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "user@example.com", testSecret))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSessionInfo(t *testing.T) {
	srv, reg, _ := testServer(t)
	token := signToken(t, "user@example.com", testSecret)

	w, _ := doJSON(t, srv, http.MethodGet, "/api/session", token)
	require.Equal(t, http.StatusNotFound, w.Code)

	sess := reg.GetOrCreate("user@example.com")
	w, body := doJSON(t, srv, http.MethodGet, "/api/session", token)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, sess.SessionID, body["sessionId"])
	require.Equal(t, "user@example.com", body["userId"])
}

func TestStartAppUnknownPackage(t *testing.T) {
	srv, reg, _ := testServer(t)
	reg.GetOrCreate("user@example.com")

	w, _ := doJSON(t, srv, http.MethodPost, "/api/apps/com.missing/start",
		signToken(t, "user@example.com", testSecret))
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestStartAndStopApp(t *testing.T) {
	srv, reg, fs := testServer(t)
	token := signToken(t, "user@example.com", testSecret)

	webhook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(webhook.Close)
	fs.AddApp(&store.App{PackageName: "com.example.app", WebhookURL: webhook.URL}, "key")
	reg.GetOrCreate("user@example.com")

	w, body := doJSON(t, srv, http.MethodPost, "/api/apps/com.example.app/start", token)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "starting", body["state"])

	w, body = doJSON(t, srv, http.MethodPost, "/api/apps/com.example.app/stop", token)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "stopped", body["state"])
}

func TestTakePhoto(t *testing.T) {
	srv, reg, _ := testServer(t)
	token := signToken(t, "user@example.com", testSecret)

	sess := reg.GetOrCreate("user@example.com")
	sess.AttachGlasses(transport.NewFake(transport.RoleGlasses), &protocol.ConnectionInit{
		Type: protocol.TypeConnectionInit, UserID: "user@example.com",
		Capabilities: protocol.Capabilities{Camera: true},
	})

	w, body := doJSON(t, srv, http.MethodPost, "/api/photo", token)
	require.Equal(t, http.StatusAccepted, w.Code)
	require.NotEmpty(t, body["requestId"])
}

func TestTakePhotoWithoutCamera(t *testing.T) {
	srv, reg, _ := testServer(t)
	token := signToken(t, "user@example.com", testSecret)

	sess := reg.GetOrCreate("user@example.com")
	sess.AttachGlasses(transport.NewFake(transport.RoleGlasses), &protocol.ConnectionInit{
		Type: protocol.TypeConnectionInit, UserID: "user@example.com",
	})

	w, _ := doJSON(t, srv, http.MethodPost, "/api/photo", token)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHTTPStatusFor(t *testing.T) {
	cases := map[int]error{
		http.StatusNotFound:            errors.NotFound("x"),
		http.StatusForbidden:           errors.Auth("x"),
		http.StatusConflict:            errors.Busy("x"),
		http.StatusTooManyRequests:     errors.ResourceExhausted("x"),
		http.StatusBadRequest:          errors.Protocol("x"),
		http.StatusBadGateway:          errors.Timeout("x"),
		http.StatusInternalServerError: errors.New(errors.KindFatal, "x"),
	}
	for want, err := range cases {
		require.Equal(t, want, httpStatusFor(err), err.Error())
	}
}

func TestSplitOrigins(t *testing.T) {
	require.Equal(t, []string{"*"}, splitOrigins(""))
	require.Equal(t, []string{"*"}, splitOrigins("*"))
	require.Equal(t, []string{"https://a.example.com", "https://b.example.com"},
		splitOrigins("https://a.example.com, https://b.example.com"))
}
