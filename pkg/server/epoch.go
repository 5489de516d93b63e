package server

import (
	"net/http"

	"nodepool/pkg/log"
	"nodepool/pkg/models"

	"github.com/labstack/echo/v4"
)

// EpochRequest is the body of POST /epoch.
type EpochRequest struct {
	Quality string `json:"quality"`
}

// postEpoch reports a network path change, as a platform path monitor would.
func (s *Server) postEpoch(ctx echo.Context) error {
	if s.monitor == nil {
		return errorJSON(ctx, http.StatusNotImplemented, "network monitor is not manually driven")
	}

	var req EpochRequest
	if err := ctx.Bind(&req); err != nil {
		return errorJSON(ctx, http.StatusBadRequest, "invalid request body")
	}
	quality := s.monitor.Snapshot().Quality
	if req.Quality != "" {
		quality = models.ParseNetworkQuality(req.Quality)
		if quality == models.QualityUnknown && req.Quality != models.QualityUnknown.String() {
			return errorJSON(ctx, http.StatusBadRequest, "unknown quality "+req.Quality)
		}
	}

	snapshot := s.monitor.PathChanged(quality)
	log.Info().
		Uint64("epoch_id", snapshot.EpochID).
		Str("quality", snapshot.Quality.String()).
		Msg("Network path change reported")
	return ctx.JSON(http.StatusOK, snapshot)
}
