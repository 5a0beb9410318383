package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/cirisai/ciris-engine/pkg/models"
)

// memoryStoreHandler handles POST /api/v1/memory/store. Writes go through
// the Memory Bus so schema validation and managed-attribute protection apply
// exactly as they do for the MEMORIZE action.
func (s *Server) memoryStoreHandler(c *echo.Context) error {
	var req MemoryStoreRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	node := &models.GraphNode{
		Scope:      models.GraphScope(req.Scope),
		Type:       models.NodeType(req.Type),
		ID:         req.ID,
		Attributes: req.Attributes,
	}
	stored, err := s.buses.Memory.Memorize(c.Request().Context(), node)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, stored)
}

// memoryRecallHandler handles GET /api/v1/memory/recall/:scope/:type/:id.
func (s *Server) memoryRecallHandler(c *echo.Context) error {
	key := models.NodeKey{
		Scope: models.GraphScope(c.Param("scope")),
		Type:  models.NodeType(c.Param("type")),
		ID:    c.Param("id"),
	}
	nodes, err := s.buses.Memory.Recall(c.Request().Context(), models.RecallQuery{Key: &key})
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, nodes)
}

// memoryQueryHandler handles POST /api/v1/memory/query.
func (s *Server) memoryQueryHandler(c *echo.Context) error {
	var req MemoryQueryRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	nodes, err := s.buses.Memory.Recall(c.Request().Context(), models.RecallQuery{
		Scope:     models.GraphScope(req.Scope),
		Type:      models.NodeType(req.Type),
		AttrKey:   req.AttrKey,
		AttrValue: req.AttrValue,
		Limit:     req.Limit,
	})
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, nodes)
}
