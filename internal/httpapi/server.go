// Package httpapi serves the worker's operational endpoints.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"horse.fit/newsloom/internal/db"
	"horse.fit/newsloom/internal/jobs"
)

const (
	defaultDueLimit = 50
	maxDueLimit     = 500
	maxRulesBody    = 1 << 20
)

// Backend is the store surface the handlers read and enqueue through.
type Backend interface {
	Ping(ctx context.Context) error
	GetFeedRun(ctx context.Context, feedID int64) (db.FeedRunRow, error)
	GetAccountAIDailyCallCap(ctx context.Context, accountID int64) (int, error)
	ListDueFeeds(ctx context.Context, now time.Time, limit int) ([]db.DueFeed, error)
	JobStatusCounts(ctx context.Context) ([]db.JobStatusCount, error)
	QueryPipelineStats(ctx context.Context, dayStart, dayEnd, now time.Time) (*db.PipelineStats, error)
	EnsureFolder(ctx context.Context, accountID int64, name string) (int64, error)
	ReplaceFilterRules(ctx context.Context, accountID int64, rules []db.FilterRuleParams) (int, error)
	ReplaceFolderKeywordRules(ctx context.Context, accountID int64, rules []db.FolderKeywordRuleParams) (int, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, kind string, payload any, opts jobs.EnqueueOptions) (string, bool, error)
}

type Options struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

type Server struct {
	backend Backend
	queue   Enqueuer
	logger  zerolog.Logger
	opts    Options
}

func (o Options) withDefaults() Options {
	if strings.TrimSpace(o.Host) == "" {
		o.Host = "0.0.0.0"
	}
	if o.Port <= 0 {
		o.Port = 8090
	}
	for _, d := range []struct {
		field *time.Duration
		value time.Duration
	}{
		{&o.ReadTimeout, 10 * time.Second},
		{&o.WriteTimeout, 30 * time.Second},
		{&o.ShutdownTimeout, 10 * time.Second},
	} {
		if *d.field <= 0 {
			*d.field = d.value
		}
	}
	return o
}

func NewServer(backend Backend, queue Enqueuer, logger zerolog.Logger, opts Options) *Server {
	return &Server{backend: backend, queue: queue, logger: logger, opts: opts.withDefaults()}
}

// Handler builds the echo instance with middleware and routes.
func (s *Server) Handler() *echo.Echo {
	e := echo.New()
	e.HideBanner, e.HidePort = true, true
	e.HTTPErrorHandler = s.httpErrorHandler

	e.Use(middleware.Recover(), middleware.RequestID(), s.requestLogger())

	v1 := e.Group("/api/v1")
	v1.GET("/health", s.handleHealth)
	v1.GET("/stats", s.handleStats)
	v1.GET("/jobs/stats", s.handleJobStats)
	v1.GET("/feeds/due", s.handleDueFeeds)
	v1.POST("/feeds/:feed_id/poll", s.handlePollFeed)
	v1.POST("/accounts/:account_id/digest", s.handleDigest)
	v1.PUT("/accounts/:account_id/rules", s.handleImportRules)
	return e
}

// requestLogger logs one line per request; client errors at warn, server
// errors at error.
func (s *Server) requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:    true,
		LogURI:       true,
		LogMethod:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			var event *zerolog.Event
			switch {
			case v.Status >= http.StatusInternalServerError:
				event = s.logger.Error().Err(v.Error)
			case v.Status >= http.StatusBadRequest:
				event = s.logger.Warn()
			default:
				event = s.logger.Debug()
			}
			event.Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Str("request_id", v.RequestID).
				Msg("request")
			return nil
		},
	})
}

// Start serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	if s == nil || s.backend == nil {
		return fmt.Errorf("server is not initialized")
	}
	e := s.Handler()

	addr := fmt.Sprintf("%s:%d", s.opts.Host, s.opts.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      e,
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			s.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}()

	s.logger.Info().Str("addr", addr).Msg("newsloom ops server started")
	if err := e.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("start server: %w", err)
	}
	s.logger.Info().Msg("newsloom ops server stopped")
	return nil
}

// httpErrorHandler renders echo errors as jsend; anything that is not an
// *echo.HTTPError is a 500 and its detail stays in the log.
func (s *Server) httpErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", c.Request().URL.Path).Msg("request failed")
		_ = internalError(c, "Internal server error")
		return
	}
	message, _ := he.Message.(string)
	if strings.TrimSpace(message) == "" {
		message = http.StatusText(he.Code)
	}
	_ = fail(c, he.Code, message, nil)
}

func parsePositiveInt(raw string, defaultValue, minValue, maxValue int) (int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return defaultValue, nil
	}
	value, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, fmt.Errorf("must be an integer")
	}
	if value < minValue || value > maxValue {
		return 0, fmt.Errorf("must be between %d and %d", minValue, maxValue)
	}
	return value, nil
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("must be a positive integer")
	}
	return id, nil
}

func parseBool(raw string) (bool, error) {
	if strings.TrimSpace(raw) == "" {
		return false, nil
	}
	return strconv.ParseBool(strings.TrimSpace(raw))
}
