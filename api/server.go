// Package api serves the pull surface of strategylab over HTTP: session
// CRUD and lifecycle calls, positions, trades and metrics, catalogues,
// stateless backtests and the websocket subscribe endpoints.
//
// Every read goes straight to the session registry, the same state the hub
// pushes from, so a client that loses its websocket can poll and see the
// same values.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rustyeddy/strategylab/backtest"
	"github.com/rustyeddy/strategylab/broker"
	"github.com/rustyeddy/strategylab/errs"
	"github.com/rustyeddy/strategylab/hub"
	"github.com/rustyeddy/strategylab/session"
	"github.com/rustyeddy/strategylab/telemetry"
)

const requestIDHeader = "X-Request-ID"

type Options struct {
	Sessions  *session.Registry
	Broker    broker.Broker
	Backtests *backtest.Service
	Hub       *hub.Hub
	Logger    *slog.Logger
}

type Server struct {
	sessions  *session.Registry
	broker    broker.Broker
	backtests *backtest.Service
	hub       *hub.Hub
	log       *slog.Logger
	router    *gin.Engine
}

func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		sessions:  opts.Sessions,
		broker:    opts.Broker,
		backtests: opts.Backtests,
		hub:       opts.Hub,
		log:       opts.Logger,
		router:    gin.New(),
	}
	s.router.Use(gin.Recovery(), s.requestLogger())
	s.routes()
	return s
}

// Handler returns the root handler for an http.Server.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() {
	r := s.router
	r.GET("/healthz", s.health)
	r.GET("/metrics", gin.WrapH(telemetry.Handler()))

	api := r.Group("/api")
	{
		api.GET("/accounts", s.listAccounts)
		api.GET("/accounts/:id", s.getAccount)
		api.GET("/strategies", s.listStrategies)
		api.GET("/instruments", s.listInstruments)
		api.GET("/granularities", s.listGranularities)

		api.POST("/sessions", s.createSession)
		api.GET("/sessions", s.listSessions)
		api.GET("/sessions/:id", s.getSession)
		api.PATCH("/sessions/:id", s.updateSession)
		api.DELETE("/sessions/:id", s.deleteSession)
		api.POST("/sessions/:id/start", s.lifecycle(s.sessions.Start))
		api.POST("/sessions/:id/stop", s.lifecycle(s.sessions.Stop))
		api.POST("/sessions/:id/pause", s.lifecycle(s.sessions.Pause))
		api.POST("/sessions/:id/resume", s.lifecycle(s.sessions.Resume))
		api.GET("/sessions/:id/positions", s.getPositions)
		api.GET("/sessions/:id/trades", s.getTrades)
		api.GET("/sessions/:id/metrics", s.getMetrics)
		api.POST("/sessions/:id/close-position/:instrument", s.closePosition)

		api.POST("/backtest", s.runBacktest)
	}

	r.GET("/ws/sessions", s.subscribe)
	r.GET("/ws/sessions/:id", s.subscribe)
}

// requestLogger tags each request with an id and logs it at Debug, or at
// Warn for server errors.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(requestIDHeader)
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Header(requestIDHeader, rid)

		start := time.Now()
		c.Next()

		level := slog.LevelDebug
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		s.log.Log(c.Request.Context(), level, "http request",
			"request_id", rid,
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"elapsed", time.Since(start),
		)
	}
}

// ErrorBody is the JSON shape of every failed request.
type ErrorBody struct {
	Error     string    `json:"error"`
	Kind      errs.Kind `json:"kind"`
	Retryable bool      `json:"retryable"`
}

func (s *Server) fail(c *gin.Context, err error) {
	status := errs.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "path", c.FullPath(), "err", err)
	}
	c.AbortWithStatusJSON(status, ErrorBody{
		Error:     err.Error(),
		Kind:      errs.KindOf(err),
		Retryable: errs.Retryable(err),
	})
}

// bind decodes a JSON body; malformed input is a validation error.
func bind(c *gin.Context, v any) error {
	if err := c.ShouldBindJSON(v); err != nil {
		return errs.Validationf("invalid request body: %v", err)
	}
	return nil
}
