package server

import (
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/tillsync/internal/broker"
	"github.com/MarcoPoloResearchLab/tillsync/internal/wire"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const deviceIDQueryParameter = "deviceId"

// handleLive upgrades the request to a live socket. The terminal names its device explicitly
// and the name must match the session.
func (h *httpHandler) handleLive(c *gin.Context) {
	scope, ok := scopeFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, wire.ErrorResponse{Error: "unauthorized"})
		return
	}

	deviceID := strings.TrimSpace(c.Query(deviceIDQueryParameter))
	if deviceID == "" {
		deviceID = strings.TrimSpace(c.GetHeader("X-Device-Id"))
	}
	if deviceID == "" {
		c.JSON(http.StatusBadRequest, wire.ErrorResponse{Error: "missing_device_id"})
		return
	}
	if deviceID != scope.DeviceID {
		h.logger.Warn("live device does not match session", append(scopeFields(scope), zap.String("requested_device_id", deviceID))...)
		c.JSON(http.StatusForbidden, wire.ErrorResponse{Error: "device_mismatch"})
		return
	}

	identity := broker.Identity{
		ClientID: scope.ClientID,
		BranchID: scope.BranchID,
		DeviceID: scope.DeviceID,
		Admin:    scope.IsAdmin(),
	}
	if err := h.broker.ServeConn(c.Writer, c.Request, identity); err != nil {
		// The upgrader has already answered the request.
		h.logger.Info("live upgrade failed", append(scopeFields(scope), zap.Error(err))...)
		return
	}
}
