// Package httpapi serves the HTTP surface of the streaming core: HLS
// playlists and segments, live session control, WebRTC signaling relay,
// MSE WebSocket fanout and the monitor trigger endpoints.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/zmgate/streaming-server/internal/config"
	"github.com/zmgate/streaming-server/internal/hlsstore"
	"github.com/zmgate/streaming-server/internal/livesession"
	"github.com/zmgate/streaming-server/internal/logger"
	"github.com/zmgate/streaming-server/internal/metrics"
	"github.com/zmgate/streaming-server/internal/monshm"
	"github.com/zmgate/streaming-server/internal/plugin"
	"github.com/zmgate/streaming-server/pkg/types"
)

// Server binds the HTTP handlers to the streaming subsystems.
type Server struct {
	cfg       config.Config
	store     *hlsstore.Store
	live      *livesession.Manager
	signaling *plugin.SignalingClient
	metrics   *metrics.Metrics

	upgrader websocket.Upgrader
	httpSrv  *http.Server

	// shared-memory handles, mapped on first access and held until
	// shutdown
	shmMu sync.Mutex
	shm   map[int]*monshm.Monitor
}

// New builds the API server. The signaling client may be nil when the
// WebRTC plugin is not configured; its routes then answer 503.
func New(cfg config.Config, store *hlsstore.Store, live *livesession.Manager, signaling *plugin.SignalingClient, m *metrics.Metrics) *Server {
	return &Server{
		cfg:       cfg,
		store:     store,
		live:      live,
		signaling: signaling,
		metrics:   m,
		shm:       make(map[int]*monshm.Monitor),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Router builds the gin engine with all routes attached.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", s.handleHealth)
	r.GET("/stats", s.handleStats)

	hls := r.Group("/hls/:monitor")
	{
		hls.GET("/master.m3u8", s.handleMasterPlaylist)
		hls.GET("/stream.m3u8", s.handleMediaPlaylist)
		hls.GET("/init.mp4", s.handleInitSegment)
		hls.GET("/:segment", s.handleSegment)
	}

	live := r.Group("/live/:monitor")
	{
		live.POST("/start", s.handleLiveStart)
		live.POST("/stop", s.handleLiveStop)
		live.GET("/stats", s.handleLiveStats)
	}

	r.GET("/ws/mse/:monitor", s.handleMSEWebSocket)

	rtc := r.Group("/webrtc")
	{
		rtc.POST("/offer", s.handleOffer)
		rtc.POST("/answer/:viewer", s.handleAnswer)
		rtc.POST("/ice/:viewer", s.handleICECandidate)
		rtc.DELETE("/viewer/:viewer", s.handleDropViewer)
		rtc.GET("/stats/:viewer", s.handleViewerStats)
		rtc.GET("/sessions", s.handleSessions)
	}

	mon := r.Group("/monitors/:monitor")
	{
		mon.GET("", s.handleMonitorStatus)
		mon.GET("/alive", s.handleMonitorAlive)
		mon.POST("/trigger", s.handleTrigger)
		mon.DELETE("/trigger", s.handleTriggerCancel)
		mon.POST("/trigger/disable", s.handleTriggerDisable)
	}

	return r
}

// Run serves HTTP until the context is cancelled, then shuts down with
// a five second drain.
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:    s.cfg.HTTPAddr,
		Handler: s.Router(),
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP", "Listening on %s", s.cfg.HTTPAddr)
		errCh <- s.httpSrv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.httpSrv.Shutdown(shutdownCtx)
	s.closeMonitors()
	return err
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"store":    s.store.GetStats(),
		"sessions": s.live.List(),
	})
}

// monitorParam parses the :monitor path segment. A non-numeric value
// answers 400 and returns ok=false.
func monitorParam(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("monitor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "monitor id must be numeric", "kind": "invalid_request"})
		return 0, false
	}
	return id, true
}

// statusFor maps subsystem errors onto HTTP status codes.
func statusFor(err error) int {
	var pe *types.PluginError
	switch {
	case errors.As(err, &pe):
		if pe.Rejected() {
			return http.StatusBadRequest
		}
		return http.StatusServiceUnavailable
	case errors.Is(err, types.ErrPluginUnreachable),
		errors.Is(err, types.ErrUnexpectedResponse):
		return http.StatusServiceUnavailable
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrBadSegmentName),
		errors.Is(err, types.ErrStringTooLong):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrInvalid),
		errors.Is(err, types.ErrSizeMismatch):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error(), "kind": types.ErrorKind(err)})
}
