package server

import (
	"errors"
	"net/http"
	"net/url"
	"sort"

	"nodepool/pkg/log"
	"nodepool/pkg/models"
	"nodepool/pkg/registry"

	"github.com/labstack/echo/v4"
)

// NodeView is a record plus its current routing score.
type NodeView struct {
	models.NodeRecord
	Score           float64 `json:"score"`
	LatencyEstimate float64 `json:"latency_estimate_ms"`
}

// AddNodeRequest is the body of POST /nodes.
type AddNodeRequest struct {
	Endpoint string `json:"endpoint"`
}

func (s *Server) listNodes(ctx echo.Context) error {
	var records []models.NodeRecord
	if name := ctx.QueryParam("state"); name != "" {
		state, ok := models.ParseNodeState(name)
		if !ok {
			return errorJSON(ctx, http.StatusBadRequest, "unknown state "+name)
		}
		records = s.router.Registry().Records(state)
	} else {
		records = s.router.AllRecords()
	}

	views := make([]NodeView, 0, len(records))
	for _, record := range records {
		views = append(views, NodeView{
			NodeRecord:      record,
			Score:           registry.Score(record),
			LatencyEstimate: registry.LatencyEstimate(record),
		})
	}
	sort.Slice(views, func(i, j int) bool {
		return views[i].Endpoint.Key() < views[j].Endpoint.Key()
	})
	return ctx.JSON(http.StatusOK, views)
}

func (s *Server) addNode(ctx echo.Context) error {
	var req AddNodeRequest
	if err := ctx.Bind(&req); err != nil {
		return errorJSON(ctx, http.StatusBadRequest, "invalid request body")
	}
	if req.Endpoint == "" {
		return errorJSON(ctx, http.StatusBadRequest, "endpoint is required")
	}

	endpoint, err := s.router.AddEndpoint(req.Endpoint)
	if err != nil {
		if errors.Is(err, models.ErrInvalidEndpoint) {
			return errorJSON(ctx, http.StatusBadRequest, err.Error())
		}
		log.Error().Err(err).Str("endpoint", req.Endpoint).Msg("Failed to add endpoint")
		return errorJSON(ctx, http.StatusInternalServerError, "failed to add endpoint")
	}

	record, _ := s.router.Registry().Record(endpoint)
	return ctx.JSON(http.StatusCreated, record)
}

func (s *Server) deleteNode(ctx echo.Context) error {
	raw, err := url.PathUnescape(ctx.Param("endpoint"))
	if err != nil {
		return errorJSON(ctx, http.StatusBadRequest, "invalid endpoint")
	}
	endpoint, err := models.ParseEndpoint(raw)
	if err != nil {
		return errorJSON(ctx, http.StatusBadRequest, err.Error())
	}

	if !s.router.RemoveEndpoint(endpoint) {
		return errorJSON(ctx, http.StatusNotFound, "endpoint not found")
	}
	return ctx.NoContent(http.StatusNoContent)
}
