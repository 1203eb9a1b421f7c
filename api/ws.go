package api

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"boardsync/hub"
)

// WSHandler upgrades authenticated clients onto the board event stream.
type WSHandler struct {
	hub      *hub.Hub
	auth     Authenticator
	presence hub.Presence
	logger   *log.Logger
	upgrader websocket.Upgrader
}

func NewWSHandler(h *hub.Hub, auth Authenticator, presence hub.Presence, logger *log.Logger, checkOrigin func(*http.Request) bool) *WSHandler {
	return &WSHandler{
		hub:      h,
		auth:     auth,
		presence: presence,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
	}
}

// Serve authenticates the upgrade request and runs the connection until it
// drops. Browsers cannot set headers on websocket requests, so the token may
// arrive as a query parameter instead.
func (h *WSHandler) Serve(c echo.Context) error {
	var user, err = h.auth.UserFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
	if err != nil {
		if token := c.QueryParam("token"); token != "" {
			user, err = h.auth.UserFromToken(token)
		}
	}
	if err != nil {
		return c.JSON(http.StatusUnauthorized, errorResponse{Error: "unauthorized", Message: err.Error()})
	}

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade already wrote the failure response.
		h.logger.WithError(err).Warn("websocket upgrade failed")
		return nil
	}

	client := hub.NewClient(h.hub, conn, uuid.NewString(), user, h.presence)
	client.Run(c.Request().Context())
	return nil
}
