package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/lenscloud/lenscloud/internal/cluster"
	"github.com/lenscloud/lenscloud/internal/config"
	"github.com/lenscloud/lenscloud/internal/errors"
	"github.com/lenscloud/lenscloud/internal/logger"
	"github.com/lenscloud/lenscloud/internal/metrics"
	"github.com/lenscloud/lenscloud/internal/photo"
	"github.com/lenscloud/lenscloud/internal/router"
	"github.com/lenscloud/lenscloud/internal/session"
	"github.com/lenscloud/lenscloud/internal/store"
)

// Server is the HTTP surface: the two WebSocket endpoints, the companion
// REST API, health, and metrics.
type Server struct {
	cfg     *config.Config
	log     *logger.Logger
	met     *metrics.Metrics
	reg     *session.Registry
	st      store.Store
	cluster *cluster.DisposeService
	promReg *prometheus.Registry

	upgrader websocket.Upgrader
	engine   *gin.Engine
	handler  http.Handler
}

// New builds the server and its routes. disposeSvc may be nil when NATS is
// not configured.
func New(cfg *config.Config, log *logger.Logger, met *metrics.Metrics, promReg *prometheus.Registry, reg *session.Registry, st store.Store, disposeSvc *cluster.DisposeService) (*Server, error) {
	auth, err := NewAuthMiddleware(cfg.JWTSecret, log)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:     cfg,
		log:     log.WithComponent("server"),
		met:     met,
		reg:     reg,
		st:      st,
		cluster: disposeSvc,
		promReg: promReg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin enforcement happens in the CORS layer; glasses and
			// App SDKs are not browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	gin.SetMode(cfg.GinMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/health", s.handleHealth)
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})))

	// App sockets authenticate in-band via tpa_connection_init.
	engine.GET("/app-ws", s.handleAppWS)

	// Glasses and companion clients carry a JWT.
	authed := engine.Group("/", auth.RequireAuth())
	{
		authed.GET("/glasses-ws", s.handleGlassesWS)

		api := authed.Group("/api")
		{
			api.GET("/session", s.handleSessionInfo)
			api.POST("/apps/:packageName/start", s.handleStartApp)
			api.POST("/apps/:packageName/stop", s.handleStopApp)
			api.POST("/photo", s.handleTakePhoto)
		}
	}

	s.engine = engine

	c := cors.New(cors.Options{
		AllowedOrigins:   splitOrigins(cfg.CORSAllowedOrigins),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Origin", "Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	s.handler = c.Handler(engine)
	return s, nil
}

// Handler returns the full middleware chain for http.Server.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"instance_id": logger.GetInstanceID(),
		"sessions":    s.reg.Count(),
	})
}

// handleGlassesWS upgrades an authenticated glasses connection. If another
// instance owns a session for this user it is asked to release it first, so
// the one-session-per-user invariant holds cluster-wide.
func (s *Server) handleGlassesWS(c *gin.Context) {
	userID := UserID(c)

	// The JWT proves possession; the account still has to exist. A store
	// outage is not a reason to refuse the device, only an unknown user is.
	if _, err := s.st.GetUser(c.Request.Context(), userID); err != nil {
		if errors.Is(err, errors.KindNotFound) {
			c.JSON(http.StatusForbidden, gin.H{"error": "unknown account"})
			return
		}
		s.log.Warn("user lookup failed", "user_id", userID, "error", err.Error())
	}

	if s.cluster != nil {
		if _, ok := s.reg.Get(userID); !ok {
			resp, err := s.cluster.RequestDispose(c.Request.Context(), userID, "reconnect")
			if err != nil {
				s.log.Warn("cluster dispose request failed", "user_id", userID, "error", err.Error())
			} else if resp.Found {
				s.log.Info("remote session released", "user_id", userID, "owner", resp.InstanceID)
			}
		}
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("glasses upgrade failed", "error", err.Error())
		return
	}

	router.NewGlassesRouter(s.reg, s.log, s.met, userID).Attach(conn)
}

// handleAppWS upgrades an App connection; authentication happens on the
// first frame.
func (s *Server) handleAppWS(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("app upgrade failed", "error", err.Error())
		return
	}

	router.NewAppRouter(s.reg, s.st, s.log, s.met).Attach(conn)
}

func (s *Server) handleSessionInfo(c *gin.Context) {
	sess, ok := s.reg.Get(UserID(c))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active session"})
		return
	}
	c.JSON(http.StatusOK, sess.Snapshot())
}

func (s *Server) handleStartApp(c *gin.Context) {
	sess, ok := s.reg.Get(UserID(c))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active session"})
		return
	}

	packageName := c.Param("packageName")
	if err := sess.Apps.StartApp(c.Request.Context(), packageName); err != nil {
		c.JSON(httpStatusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"packageName": packageName, "state": string(sess.Apps.StateOf(packageName))})
}

func (s *Server) handleStopApp(c *gin.Context) {
	sess, ok := s.reg.Get(UserID(c))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active session"})
		return
	}

	packageName := c.Param("packageName")
	sess.Apps.StopApp(packageName)
	c.JSON(http.StatusOK, gin.H{"packageName": packageName, "state": string(sess.Apps.StateOf(packageName))})
}

func (s *Server) handleTakePhoto(c *gin.Context) {
	sess, ok := s.reg.Get(UserID(c))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active session"})
		return
	}

	var body struct {
		SaveToGallery bool `json:"saveToGallery"`
	}
	_ = c.ShouldBindJSON(&body)

	requestID, err := sess.RequestPhoto(photo.OriginSystem, "", body.SaveToGallery)
	if err != nil {
		c.JSON(httpStatusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"requestId": requestID})
}

// httpStatusFor maps broker error kinds onto HTTP statuses for the REST
// surface.
func httpStatusFor(err error) int {
	switch errors.KindOf(err) {
	case errors.KindNotFound:
		return http.StatusNotFound
	case errors.KindAuth:
		return http.StatusForbidden
	case errors.KindBusy:
		return http.StatusConflict
	case errors.KindResourceExhausted:
		return http.StatusTooManyRequests
	case errors.KindProtocol:
		return http.StatusBadRequest
	case errors.KindTimeout, errors.KindTransient:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func splitOrigins(origins string) []string {
	if origins == "" || origins == "*" {
		return []string{"*"}
	}
	var out []string
	for _, o := range strings.Split(origins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
