package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/tillsync/internal/auth"
	"github.com/MarcoPoloResearchLab/tillsync/internal/broker"
	"github.com/MarcoPoloResearchLab/tillsync/internal/devices"
	"github.com/MarcoPoloResearchLab/tillsync/internal/reconcile"
	"github.com/MarcoPoloResearchLab/tillsync/internal/wire"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const scopeContextKey = "tillsync_scope"

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingReconcileService = errors.New("reconcile service dependency required")
	errMissingDeviceRegistry   = errors.New("device registry dependency required")
)

// SessionValidator authenticates terminal requests.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// DeviceRegistry records terminal activity.
type DeviceRegistry interface {
	Touch(ctx context.Context, registration devices.Registration) error
	MarkSynced(ctx context.Context, deviceID string) error
	LastSyncAt(ctx context.Context, deviceID string) (*time.Time, error)
}

// LiveBroker upgrades authenticated requests to live sockets.
type LiveBroker interface {
	ServeConn(w http.ResponseWriter, r *http.Request, identity broker.Identity) error
}

type Dependencies struct {
	Sessions  SessionValidator
	Reconcile *reconcile.Service
	Devices   DeviceRegistry
	// Broker is optional; without it the live endpoint is not mounted.
	Broker         LiveBroker
	AllowedOrigins []string
	Logger         *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sessions == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Reconcile == nil {
		return nil, errMissingReconcileService
	}
	if deps.Devices == nil {
		return nil, errMissingDeviceRegistry
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	handler := &httpHandler{
		sessions:  deps.Sessions,
		reconcile: deps.Reconcile,
		devices:   deps.Devices,
		broker:    deps.Broker,
		logger:    logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/sync/batch-push", handler.handleBatchPush)
	protected.GET("/sync/pull-changes", handler.handlePullChanges)
	protected.POST("/sync/resolve-conflict", handler.handleResolveConflict)
	protected.GET("/sync/stats", handler.handleStats)
	if deps.Broker != nil {
		protected.GET("/ws", handler.handleLive)
	}

	return router, nil
}

func corsMiddleware(origins ...string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Device-Id"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(origins) == 0 {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = origins
	}
	return cors.New(config)
}

type httpHandler struct {
	sessions  SessionValidator
	reconcile *reconcile.Service
	devices   DeviceRegistry
	broker    LiveBroker
	logger    *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) || errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, wire.ErrorResponse{Error: "unauthorized"})
		return
	}

	scope, err := reconcile.NewTenantScope(claims.ClientID, claims.BranchID, claims.DeviceID, reconcile.Role(claims.Role))
	if err != nil {
		h.logger.Warn("session scope rejected", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, wire.ErrorResponse{Error: "unauthorized"})
		return
	}

	err = h.devices.Touch(c.Request.Context(), devices.Registration{
		DeviceID: scope.DeviceID,
		ClientID: scope.ClientID,
		BranchID: scope.BranchID,
		Role:     string(scope.Role),
	})
	switch {
	case errors.Is(err, devices.ErrTenantMismatch):
		h.logger.Warn("device tenant mismatch", scopeFields(scope)...)
		c.AbortWithStatusJSON(http.StatusForbidden, wire.ErrorResponse{Error: "tenant_mismatch"})
		return
	case err != nil:
		h.logger.Error("device registry update failed", append(scopeFields(scope), zap.Error(err))...)
		c.AbortWithStatusJSON(http.StatusInternalServerError, wire.ErrorResponse{Error: "device_registry_failed"})
		return
	}

	c.Set(scopeContextKey, scope)
	c.Next()
}

func scopeFrom(c *gin.Context) (reconcile.TenantScope, bool) {
	value, ok := c.Get(scopeContextKey)
	if !ok {
		return reconcile.TenantScope{}, false
	}
	scope, ok := value.(reconcile.TenantScope)
	return scope, ok
}

func scopeFields(scope reconcile.TenantScope) []zap.Field {
	return []zap.Field{
		zap.String("client_id", scope.ClientID),
		zap.String("branch_id", scope.BranchID),
		zap.String("device_id", scope.DeviceID),
	}
}

func (h *httpHandler) handleBatchPush(c *gin.Context) {
	scope, ok := scopeFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, wire.ErrorResponse{Error: "unauthorized"})
		return
	}

	var request wire.PushRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, wire.ErrorResponse{Error: "invalid_request"})
		return
	}
	if deviceID := strings.TrimSpace(request.DeviceID); deviceID != "" && deviceID != scope.DeviceID {
		h.logger.Warn("push device does not match session", append(scopeFields(scope), zap.String("body_device_id", deviceID))...)
		c.JSON(http.StatusForbidden, wire.ErrorResponse{Error: "device_mismatch"})
		return
	}

	records := make([]reconcile.ChangeRecord, 0, len(request.Records))
	response := wire.PushResponse{
		Success:   true,
		Applied:   []wire.AppliedRecord{},
		Conflicts: []wire.Conflict{},
		Errors:    []wire.RecordError{},
	}
	for _, record := range request.Records {
		operation, err := operationFor(record)
		if err != nil {
			response.Errors = append(response.Errors, wire.RecordError{Table: record.Table, RecordID: record.RecordID, Error: "invalid_operation"})
			continue
		}
		records = append(records, reconcile.ChangeRecord{
			Table:           record.Table,
			RecordID:        record.RecordID,
			Operation:       operation,
			Data:            record.Data,
			ClientTimestamp: record.LocalUpdatedAt,
			IsDeleted:       record.IsDeleted,
			BaseVersion:     record.BaseVersion,
		})
	}

	result, err := h.reconcile.ProcessBatch(c.Request.Context(), scope, records)
	if err != nil {
		if errors.Is(err, reconcile.ErrBatchTooLarge) {
			respondServiceError(c, http.StatusRequestEntityTooLarge, err)
			return
		}
		respondServiceError(c, http.StatusInternalServerError, err)
		return
	}

	response.SyncedCount = result.AppliedCount
	for _, applied := range result.Applied {
		response.Applied = append(response.Applied, appliedToWire(applied))
	}
	for _, conflict := range result.Conflicts {
		response.Conflicts = append(response.Conflicts, wire.Conflict{
			Table:           conflict.Table,
			RecordID:        conflict.RecordID,
			LocalData:       conflict.LocalData,
			ServerData:      conflict.ServerData,
			LocalUpdatedAt:  conflict.LocalUpdatedAt,
			ServerUpdatedAt: conflict.ServerUpdatedAt,
			ServerVersion:   conflict.ServerVersion,
			ServerDeleted:   conflict.ServerDeleted,
		})
	}
	for _, recordErr := range result.Errors {
		response.Errors = append(response.Errors, wire.RecordError{Table: recordErr.Table, RecordID: recordErr.RecordID, Error: recordErr.Reason})
	}

	if err := h.devices.MarkSynced(c.Request.Context(), scope.DeviceID); err != nil {
		h.logger.Warn("failed to record device sync time", append(scopeFields(scope), zap.Error(err))...)
	}
	c.JSON(http.StatusOK, response)
}

// operationFor defaults a missing operation from the delete flag.
func operationFor(record wire.PushRecord) (reconcile.Operation, error) {
	if strings.TrimSpace(record.Operation) == "" {
		if record.IsDeleted {
			return reconcile.OperationDelete, nil
		}
		return reconcile.OperationUpdate, nil
	}
	return reconcile.ParseOperation(record.Operation)
}

func appliedToWire(applied reconcile.AppliedChange) wire.AppliedRecord {
	return wire.AppliedRecord{
		Table:           applied.Table,
		RecordID:        applied.RecordID,
		SyncVersion:     applied.SyncVersion,
		ServerUpdatedAt: applied.ServerUpdatedAt,
		Unchanged:       applied.Unchanged,
	}
}

func (h *httpHandler) handlePullChanges(c *gin.Context) {
	scope, ok := scopeFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, wire.ErrorResponse{Error: "unauthorized"})
		return
	}

	since, err := wire.ParseCursor(strings.TrimSpace(c.Query("since")))
	if err != nil {
		c.JSON(http.StatusBadRequest, wire.ErrorResponse{Error: "invalid_cursor"})
		return
	}
	limit := 0
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			c.JSON(http.StatusBadRequest, wire.ErrorResponse{Error: "invalid_limit"})
			return
		}
	}
	var tables []string
	if raw := strings.TrimSpace(c.Query("tables")); raw != "" {
		tables = strings.Split(raw, ",")
	}

	result, err := h.reconcile.PullChanges(c.Request.Context(), scope, reconcile.PullRequest{
		Since:      since,
		Tables:     tables,
		Limit:      limit,
		TenantWide: strings.EqualFold(c.Query("scope"), "tenant"),
	})
	if err != nil {
		if errors.Is(err, reconcile.ErrForbiddenScope) {
			respondServiceError(c, http.StatusForbidden, err)
			return
		}
		respondServiceError(c, http.StatusInternalServerError, err)
		return
	}

	response := wire.PullResponse{
		Changes:    make([]wire.Change, 0, len(result.Changes)),
		HasMore:    result.HasMore,
		NextCursor: wire.FormatCursor(result.NextCursor),
	}
	for _, change := range result.Changes {
		response.Changes = append(response.Changes, changeToWire(change))
	}
	c.JSON(http.StatusOK, response)
}

func changeToWire(change reconcile.Change) wire.Change {
	return wire.Change{
		Table:           change.Table,
		RecordID:        change.RecordID,
		BranchID:        change.BranchID,
		Data:            change.Data,
		IsDeleted:       change.IsDeleted,
		SyncVersion:     change.SyncVersion,
		ServerUpdatedAt: change.ServerUpdatedAt,
		OriginDeviceID:  change.OriginDeviceID,
	}
}

func (h *httpHandler) handleResolveConflict(c *gin.Context) {
	scope, ok := scopeFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, wire.ErrorResponse{Error: "unauthorized"})
		return
	}

	var request wire.ResolveRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, wire.ErrorResponse{Error: "invalid_request"})
		return
	}
	resolution, err := reconcile.ParseResolution(request.Resolution)
	if err != nil {
		c.JSON(http.StatusBadRequest, wire.ErrorResponse{Error: "invalid_resolution"})
		return
	}

	result, err := h.reconcile.ResolveConflict(c.Request.Context(), scope, reconcile.ResolveRequest{
		Table:      request.Table,
		RecordID:   request.RecordID,
		Resolution: resolution,
		ClientData: request.ClientData,
		IsDeleted:  request.IsDeleted,
	})
	if err != nil {
		switch {
		case errors.Is(err, reconcile.ErrMissingClientData),
			errors.Is(err, reconcile.ErrInvalidRecord),
			errors.Is(err, reconcile.ErrInvalidResolution),
			errors.Is(err, reconcile.ErrUnknownTable):
			respondServiceError(c, http.StatusBadRequest, err)
		default:
			respondServiceError(c, http.StatusInternalServerError, err)
		}
		return
	}

	response := wire.ResolveResponse{Success: true, Message: result.Message}
	if result.Applied != nil {
		applied := appliedToWire(*result.Applied)
		response.Applied = &applied
	}
	if result.Current != nil {
		current := changeToWire(*result.Current)
		response.Current = &current
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleStats(c *gin.Context) {
	scope, ok := scopeFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, wire.ErrorResponse{Error: "unauthorized"})
		return
	}

	stats, err := h.reconcile.Stats(c.Request.Context(), scope)
	if err != nil {
		respondServiceError(c, http.StatusInternalServerError, err)
		return
	}
	lastSync, err := h.devices.LastSyncAt(c.Request.Context(), scope.DeviceID)
	if err != nil && !errors.Is(err, devices.ErrUnknownDevice) {
		h.logger.Error("failed to read device sync time", append(scopeFields(scope), zap.Error(err))...)
		c.JSON(http.StatusInternalServerError, wire.ErrorResponse{Error: "device_registry_failed"})
		return
	}

	response := wire.StatsResponse{
		PendingQueueCount: stats.PendingOutbox,
		LastSyncAt:        lastSync,
		TablesStats:       make([]wire.TableStat, 0, len(stats.Tables)),
	}
	for _, table := range stats.Tables {
		response.TablesStats = append(response.TablesStats, wire.TableStat{Table: table.Table, RecordCount: table.RecordCount})
	}
	c.JSON(http.StatusOK, response)
}

// respondServiceError renders {"error": reason, "code": operation.reason} for service failures.
func respondServiceError(c *gin.Context, status int, err error) {
	var serviceErr *reconcile.ServiceError
	if errors.As(err, &serviceErr) {
		code := serviceErr.Code()
		reason := code
		if index := strings.LastIndex(code, "."); index >= 0 {
			reason = code[index+1:]
		}
		c.JSON(status, wire.ErrorResponse{Error: reason, Code: code})
		return
	}
	c.JSON(status, wire.ErrorResponse{Error: "internal_error"})
}
