package httpapi

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"horse.fit/newsloom/internal/db"
	"horse.fit/newsloom/internal/globaltime"
	"horse.fit/newsloom/internal/jobs"
	"horse.fit/newsloom/internal/rules"
	"horse.fit/newsloom/internal/worker"
)

type enqueueResponse struct {
	JobID    string `json:"job_id,omitempty"`
	Kind     string `json:"kind"`
	Enqueued bool   `json:"enqueued"`
}

func (s *Server) handleHealth(c echo.Context) error {
	if err := s.backend.Ping(c.Request().Context()); err != nil {
		s.logger.Error().Err(err).Msg("health check failed")
		return errorWithStatus(c, http.StatusServiceUnavailable, "Database unavailable")
	}
	return success(c, map[string]any{
		"service": "newsloom",
		"time":    globaltime.UTC(),
	})
}

func (s *Server) handleStats(c echo.Context) error {
	now := globaltime.UTC()
	dayStart := now.Truncate(24 * time.Hour)
	stats, err := s.backend.QueryPipelineStats(c.Request().Context(), dayStart, dayStart.Add(24*time.Hour), now)
	if err != nil {
		s.logger.Error().Err(err).Msg("query pipeline stats failed")
		return internalError(c, "Failed to load stats")
	}
	return success(c, stats)
}

func (s *Server) handleDueFeeds(c echo.Context) error {
	limit, err := parsePositiveInt(c.QueryParam("limit"), defaultDueLimit, 1, maxDueLimit)
	if err != nil {
		return failValidation(c, map[string]string{"limit": err.Error()})
	}
	items, err := s.backend.ListDueFeeds(c.Request().Context(), globaltime.UTC(), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("list due feeds failed")
		return internalError(c, "Failed to load due feeds")
	}
	return success(c, map[string]any{
		"items": items,
		"limit": limit,
	})
}

func (s *Server) handlePollFeed(c echo.Context) error {
	feedID, err := parseID(c.Param("feed_id"))
	if err != nil {
		return failValidation(c, map[string]string{"feed_id": err.Error()})
	}
	force, err := parseBool(c.QueryParam("force"))
	if err != nil {
		return failValidation(c, map[string]string{"force": "must be a boolean"})
	}

	ctx := c.Request().Context()
	if _, err := s.backend.GetFeedRun(ctx, feedID); err != nil {
		if db.IsNoRows(err) {
			return failNotFound(c, "Feed not found")
		}
		s.logger.Error().Err(err).Int64("feed_id", feedID).Msg("load feed failed")
		return internalError(c, "Failed to load feed")
	}

	jobID, enqueued, err := worker.EnqueueFeed(ctx, s.queue, feedID, force)
	if err != nil {
		s.logger.Error().Err(err).Int64("feed_id", feedID).Msg("enqueue feed poll failed")
		return internalError(c, "Failed to enqueue poll")
	}
	return successWithStatus(c, http.StatusAccepted, enqueueResponse{JobID: jobID, Kind: jobs.KindProcessFeed, Enqueued: enqueued})
}

func (s *Server) handleDigest(c echo.Context) error {
	accountID, err := parseID(c.Param("account_id"))
	if err != nil {
		return failValidation(c, map[string]string{"account_id": err.Error()})
	}
	force, err := parseBool(c.QueryParam("force"))
	if err != nil {
		return failValidation(c, map[string]string{"force": "must be a boolean"})
	}

	ctx := c.Request().Context()
	if _, err := s.backend.GetAccountAIDailyCallCap(ctx, accountID); err != nil {
		if db.IsNoRows(err) {
			return failNotFound(c, "Account not found")
		}
		s.logger.Error().Err(err).Int64("account_id", accountID).Msg("load account failed")
		return internalError(c, "Failed to load account")
	}

	jobID, enqueued, err := s.queue.Enqueue(ctx, jobs.KindDigest, worker.AccountPayload{AccountID: accountID, Force: force}, jobs.EnqueueOptions{
		DedupKey: jobs.KindDigest + ":account:" + strconv.FormatInt(accountID, 10),
	})
	if err != nil {
		s.logger.Error().Err(err).Int64("account_id", accountID).Msg("enqueue digest failed")
		return internalError(c, "Failed to enqueue digest")
	}
	return successWithStatus(c, http.StatusAccepted, enqueueResponse{JobID: jobID, Kind: jobs.KindDigest, Enqueued: enqueued})
}

func (s *Server) handleImportRules(c echo.Context) error {
	accountID, err := parseID(c.Param("account_id"))
	if err != nil {
		return failValidation(c, map[string]string{"account_id": err.Error()})
	}
	raw, err := io.ReadAll(io.LimitReader(c.Request().Body, maxRulesBody+1))
	if err != nil {
		return failValidation(c, map[string]string{"body": "could not be read"})
	}
	if len(raw) > maxRulesBody {
		return fail(c, http.StatusRequestEntityTooLarge, "Rules document too large", nil)
	}

	doc, err := rules.Parse(raw)
	if err != nil {
		return failValidation(c, map[string]string{"body": err.Error()})
	}
	if doc.AccountID != accountID {
		return failValidation(c, map[string]string{"account_id": "does not match the document"})
	}

	summary, err := rules.Import(c.Request().Context(), s.backend, doc)
	if err != nil {
		s.logger.Error().Err(err).Int64("account_id", accountID).Msg("import rules failed")
		return internalError(c, "Failed to import rules")
	}
	return success(c, summary)
}

func (s *Server) handleJobStats(c echo.Context) error {
	counts, err := s.backend.JobStatusCounts(c.Request().Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("query job stats failed")
		return internalError(c, "Failed to load job stats")
	}
	return success(c, map[string]any{
		"items": counts,
	})
}
