package server

import (
	"net/http"
	"strconv"

	"nodepool/pkg/models"
	"nodepool/pkg/registry"

	"github.com/labstack/echo/v4"
)

const defaultPrefixMinSamples = 3

// PoolHealthResponse summarises the pool for GET /pool/health.
type PoolHealthResponse struct {
	PoolHealth  models.PoolHealth     `json:"pool_health"`
	StateCounts models.StateCounts    `json:"state_counts"`
	EpochID     uint64                `json:"epoch_id"`
	Quality     models.NetworkQuality `json:"quality"`
	Mode        string                `json:"mode,omitempty"`
	Paused      bool                  `json:"paused"`
	Connections int                   `json:"connections"`
}

func (s *Server) getPoolHealth(ctx echo.Context) error {
	snapshot := s.router.Monitor().Snapshot()
	resp := PoolHealthResponse{
		PoolHealth:  s.router.PoolHealth(),
		StateCounts: s.router.Registry().StateCounts(),
		EpochID:     snapshot.EpochID,
		Quality:     snapshot.Quality,
		Connections: s.router.Pool().Len(),
	}
	if p := s.router.Profiler(); p != nil {
		status := p.Status()
		resp.Mode = status.Mode.String()
		resp.Paused = status.Paused
	}
	return ctx.JSON(http.StatusOK, resp)
}

func (s *Server) getConnections(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, s.router.Pool().Snapshot())
}

func (s *Server) getPrefixes(ctx echo.Context) error {
	minSamples := defaultPrefixMinSamples
	if raw := ctx.QueryParam("min_samples"); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 1 {
			return errorJSON(ctx, http.StatusBadRequest, "min_samples must be a positive integer")
		}
		minSamples = value
	}

	stats := s.router.Registry().PrefixPerformanceStats(minSamples)
	if stats == nil {
		stats = map[string]registry.PrefixStats{}
	}
	return ctx.JSON(http.StatusOK, stats)
}
