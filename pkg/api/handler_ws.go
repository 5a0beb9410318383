package api

import (
	"net/http"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"
)

// wsHandler handles GET /api/v1/ws: upgrades to WebSocket and hands the
// connection to the ConnectionManager, which drives subscribe, unsubscribe,
// and audit-chain catch-up.
func (s *Server) wsHandler(c *echo.Context) error {
	if s.connMgr == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "WebSocket not available")
	}

	opts := &websocket.AcceptOptions{}
	if len(s.cfg.AllowedWSOrigins) > 0 {
		opts.OriginPatterns = s.cfg.AllowedWSOrigins
	}
	conn, err := websocket.Accept(c.Response(), c.Request(), opts)
	if err != nil {
		return err
	}

	// HandleConnection blocks until the WebSocket closes.
	s.connMgr.HandleConnection(c.Request().Context(), conn)
	return nil
}
