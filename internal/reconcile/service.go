package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/tillsync/internal/metrics"
	"github.com/MarcoPoloResearchLab/tillsync/internal/outbox"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrBatchTooLarge indicates that a push exceeded the configured batch size.
	ErrBatchTooLarge = errors.New("reconcile: batch exceeds maximum size")
	// ErrForbiddenScope indicates a tenant-wide request from a non-admin terminal.
	ErrForbiddenScope = errors.New("reconcile: tenant-wide access requires admin role")
	// ErrMissingClientData indicates accept_client without a payload.
	ErrMissingClientData = errors.New("reconcile: accept_client requires client data")
	// ErrUnknownTable indicates a table outside the synchronized set.
	ErrUnknownTable = errors.New("reconcile: table is not synchronized")
	// ErrRecordNotFound indicates that no canonical row exists.
	ErrRecordNotFound = errors.New("reconcile: record not found")

	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// ServiceError carries a stable "operation.reason" code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew      = "reconcile.service.new"
	opProcessBatch    = "reconcile.process_batch"
	opPullChanges     = "reconcile.pull_changes"
	opResolveConflict = "reconcile.resolve_conflict"
	opStats           = "reconcile.stats"
	opFetchRecord     = "reconcile.fetch_record"
)

const (
	defaultPageSize = 500
	maxPageSize     = 5000
	defaultMaxBatch = 500
)

const (
	reasonUnknownTable = "unknown_table"
	reasonApplyFailed  = "apply_failed"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	// Tables restricts the synchronized tables. Empty accepts any table name.
	Tables   []string
	PageSize int
	MaxBatch int
	Logger   *zap.Logger
}

// Service reconciles pushed changes into canonical rows and serves pulls.
type Service struct {
	db       *gorm.DB
	clock    func() time.Time
	tables   map[string]struct{}
	pageSize int
	maxBatch int
	outbox   *outbox.Store
	logger   *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	maxBatch := cfg.MaxBatch
	if maxBatch <= 0 {
		maxBatch = defaultMaxBatch
	}

	var tables map[string]struct{}
	if len(cfg.Tables) > 0 {
		tables = make(map[string]struct{}, len(cfg.Tables))
		for _, table := range cfg.Tables {
			trimmed := strings.TrimSpace(table)
			if trimmed != "" {
				tables[trimmed] = struct{}{}
			}
		}
	}

	store, err := outbox.NewStore(outbox.StoreConfig{Database: cfg.Database, Clock: clock, Logger: logger})
	if err != nil {
		return nil, newServiceError(opServiceNew, "outbox_store_failed", err)
	}

	return &Service{
		db:       cfg.Database,
		clock:    clock,
		tables:   tables,
		pageSize: pageSize,
		maxBatch: maxBatch,
		outbox:   store,
		logger:   logger,
	}, nil
}

// Tables lists the synchronized tables, or nil when any table is accepted.
func (s *Service) Tables() []string {
	if len(s.tables) == 0 {
		return nil
	}
	names := make([]string, 0, len(s.tables))
	for name := range s.tables {
		names = append(names, name)
	}
	return names
}

func (s *Service) tableAllowed(table string) bool {
	if len(s.tables) == 0 {
		return true
	}
	_, ok := s.tables[table]
	return ok
}

type recordOutcome struct {
	applied  *AppliedChange
	conflict *Conflict
}

// ProcessBatch reconciles every record independently. One record failing never rolls back
// another, so the result may mix applied rows, conflicts and errors.
func (s *Service) ProcessBatch(ctx context.Context, scope TenantScope, records []ChangeRecord) (BatchResult, error) {
	if len(records) > s.maxBatch {
		err := fmt.Errorf("%w: %d > %d", ErrBatchTooLarge, len(records), s.maxBatch)
		s.logError(opProcessBatch, "batch_too_large", err, scopeFields(scope)...)
		return BatchResult{}, newServiceError(opProcessBatch, "batch_too_large", err)
	}

	result := BatchResult{
		Applied:   make([]AppliedChange, 0, len(records)),
		Conflicts: []Conflict{},
		Errors:    []RecordError{},
	}
	for _, record := range records {
		if !s.tableAllowed(record.Table) {
			result.Errors = append(result.Errors, RecordError{Table: record.Table, RecordID: record.RecordID, Reason: reasonUnknownTable})
			metrics.PushRecords.WithLabelValues("error").Inc()
			continue
		}
		if err := record.validate(); err != nil {
			result.Errors = append(result.Errors, RecordError{Table: record.Table, RecordID: record.RecordID, Reason: err.Error()})
			metrics.PushRecords.WithLabelValues("error").Inc()
			continue
		}

		outcome, err := s.reconcileRecord(ctx, scope, record)
		if err != nil {
			s.logError(opProcessBatch, reasonApplyFailed, err, append(scopeFields(scope),
				zap.String("table", record.Table),
				zap.String("record_id", record.RecordID))...)
			result.Errors = append(result.Errors, RecordError{Table: record.Table, RecordID: record.RecordID, Reason: reasonApplyFailed})
			metrics.PushRecords.WithLabelValues("error").Inc()
			continue
		}

		switch {
		case outcome.conflict != nil:
			result.Conflicts = append(result.Conflicts, *outcome.conflict)
			metrics.PushRecords.WithLabelValues("conflict").Inc()
		case outcome.applied != nil:
			result.Applied = append(result.Applied, *outcome.applied)
			result.AppliedCount++
			if outcome.applied.Unchanged {
				metrics.PushRecords.WithLabelValues("unchanged").Inc()
			} else {
				metrics.PushRecords.WithLabelValues("applied").Inc()
			}
		}
	}

	return result, nil
}

func (s *Service) reconcileRecord(ctx context.Context, scope TenantScope, record ChangeRecord) (recordOutcome, error) {
	var outcome recordOutcome
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		clock, err := lockTenantClock(tx, scope.ClientID)
		if err != nil {
			return fmt.Errorf("lock tenant clock: %w", err)
		}
		existing, err := lockRecord(tx, scope.ClientID, scope.BranchID, record.Table, record.RecordID)
		if err != nil {
			return err
		}

		switch decide(existing, record) {
		case verdictConflict:
			conflict := conflictFor(existing, record)
			outcome.conflict = &conflict
			return nil
		case verdictUnchanged:
			outcome.applied = &AppliedChange{
				Table:           existing.Table,
				RecordID:        existing.RecordID,
				SyncVersion:     existing.SyncVersion,
				ServerUpdatedAt: existing.ServerUpdatedAt(),
				Unchanged:       true,
			}
			return nil
		}

		applied, err := s.writeRecord(tx, scope, clock, existing, record)
		if err != nil {
			return err
		}
		outcome.applied = &applied
		return nil
	})
	return outcome, err
}

// writeRecord persists the next canonical row, advances the tenant clock and records the
// outbox entry, all inside the caller's transaction.
func (s *Service) writeRecord(tx *gorm.DB, scope TenantScope, clock TenantClock, existing *CanonicalRecord, record ChangeRecord) (AppliedChange, error) {
	stamp := nextStamp(s.clock(), clock.LastStampMicros)
	updated := applyChange(existing, scope, record, stamp)

	if err := tx.Save(&updated).Error; err != nil {
		return AppliedChange{}, fmt.Errorf("save record: %w", err)
	}
	if err := tx.Model(&TenantClock{}).
		Where("client_id = ?", scope.ClientID).
		Update("last_stamp_us", stamp).Error; err != nil {
		return AppliedChange{}, fmt.Errorf("advance tenant clock: %w", err)
	}
	if _, err := outbox.Append(tx, outbox.Entry{
		ClientID:        scope.ClientID,
		BranchID:        scope.BranchID,
		DeviceID:        scope.DeviceID,
		EntityType:      updated.Table,
		EntityID:        updated.RecordID,
		Operation:       string(effectiveOperation(existing, record)),
		CreatedAtMicros: stamp,
	}); err != nil {
		return AppliedChange{}, fmt.Errorf("append outbox: %w", err)
	}

	return AppliedChange{
		Table:           updated.Table,
		RecordID:        updated.RecordID,
		SyncVersion:     updated.SyncVersion,
		ServerUpdatedAt: updated.ServerUpdatedAt(),
	}, nil
}

func effectiveOperation(existing *CanonicalRecord, record ChangeRecord) Operation {
	if record.Deletes() {
		return OperationDelete
	}
	if existing == nil || existing.IsDeleted {
		return OperationCreate
	}
	return OperationUpdate
}

// lockTenantClock serializes writers of one tenant. Holding the clock row until commit
// keeps commit order equal to stamp order, which makes the pull cursor exact.
func lockTenantClock(tx *gorm.DB, clientID string) (TenantClock, error) {
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&TenantClock{ClientID: clientID}).Error; err != nil {
		return TenantClock{}, err
	}
	var clock TenantClock
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("client_id = ?", clientID).
		Take(&clock).Error; err != nil {
		return TenantClock{}, err
	}
	return clock, nil
}

func lockRecord(tx *gorm.DB, clientID, branchID, table, recordID string) (*CanonicalRecord, error) {
	var existing CanonicalRecord
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("client_id = ? AND branch_id = ? AND table_name = ? AND record_id = ?", clientID, branchID, table, recordID).
		Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select record: %w", err)
	}
	return &existing, nil
}

// PullChanges returns canonical rows stamped after req.Since in ascending stamp order.
// Terminals see their own branch; admins may request the whole tenant.
func (s *Service) PullChanges(ctx context.Context, scope TenantScope, req PullRequest) (PullResult, error) {
	if req.TenantWide && !scope.IsAdmin() {
		s.logError(opPullChanges, "forbidden_scope", ErrForbiddenScope, scopeFields(scope)...)
		return PullResult{}, newServiceError(opPullChanges, "forbidden_scope", ErrForbiddenScope)
	}

	limit := req.Limit
	if limit <= 0 {
		limit = s.pageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	query := s.db.WithContext(ctx).Where("client_id = ?", scope.ClientID)
	if !req.TenantWide {
		query = query.Where("branch_id = ?", scope.BranchID)
	}
	if !req.Since.IsZero() {
		query = query.Where("server_updated_at_us > ?", req.Since.UTC().UnixMicro())
	}
	tables := s.filterTables(req.Tables)
	if tables != nil {
		if len(tables) == 0 {
			return PullResult{Changes: []Change{}, NextCursor: req.Since.UTC()}, nil
		}
		query = query.Where("table_name IN ?", tables)
	}

	var rows []CanonicalRecord
	if err := query.
		Order("server_updated_at_us ASC").
		Order("table_name ASC").
		Order("record_id ASC").
		Limit(limit + 1).
		Find(&rows).Error; err != nil {
		s.logError(opPullChanges, "query_failed", err, scopeFields(scope)...)
		return PullResult{}, newServiceError(opPullChanges, "query_failed", err)
	}

	result := PullResult{NextCursor: req.Since.UTC()}
	if len(rows) > limit {
		rows = rows[:limit]
		result.HasMore = true
	}
	result.Changes = make([]Change, 0, len(rows))
	for _, row := range rows {
		result.Changes = append(result.Changes, changeFromRecord(row))
	}
	if len(rows) > 0 {
		result.NextCursor = rows[len(rows)-1].ServerUpdatedAt()
	}
	metrics.PullChanges.Add(float64(len(result.Changes)))
	return result, nil
}

// filterTables returns nil when no table restriction applies.
func (s *Service) filterTables(requested []string) []string {
	if len(requested) == 0 {
		if len(s.tables) == 0 {
			return nil
		}
		return s.Tables()
	}
	filtered := make([]string, 0, len(requested))
	for _, table := range requested {
		trimmed := strings.TrimSpace(table)
		if trimmed != "" && s.tableAllowed(trimmed) {
			filtered = append(filtered, trimmed)
		}
	}
	return filtered
}

// ResolveConflict applies a terminal's answer to a previously reported conflict.
// accept_server is a no-op; accept_client force-applies the payload with a fresh version.
func (s *Service) ResolveConflict(ctx context.Context, scope TenantScope, req ResolveRequest) (ResolveResult, error) {
	if !s.tableAllowed(req.Table) {
		s.logError(opResolveConflict, reasonUnknownTable, ErrUnknownTable, zap.String("table", req.Table))
		return ResolveResult{}, newServiceError(opResolveConflict, reasonUnknownTable, ErrUnknownTable)
	}
	if strings.TrimSpace(req.RecordID) == "" {
		return ResolveResult{}, newServiceError(opResolveConflict, "invalid_record", fmt.Errorf("%w: record id", ErrInvalidRecord))
	}

	switch req.Resolution {
	case ResolutionAcceptServer:
		result := ResolveResult{Message: "server version kept"}
		record, err := s.FetchRecord(ctx, scope.ClientID, scope.BranchID, req.Table, req.RecordID)
		switch {
		case err == nil:
			current := changeFromRecord(record)
			result.Current = &current
		case !errors.Is(err, ErrRecordNotFound):
			return ResolveResult{}, newServiceError(opResolveConflict, "fetch_failed", err)
		}
		metrics.ConflictResolutions.WithLabelValues(string(req.Resolution)).Inc()
		return result, nil
	case ResolutionAcceptClient:
	default:
		err := fmt.Errorf("%w: %q", ErrInvalidResolution, req.Resolution)
		return ResolveResult{}, newServiceError(opResolveConflict, "invalid_resolution", err)
	}

	if len(req.ClientData) == 0 && !req.IsDeleted {
		return ResolveResult{}, newServiceError(opResolveConflict, "missing_client_data", ErrMissingClientData)
	}
	if len(req.ClientData) > 0 && !json.Valid(req.ClientData) {
		return ResolveResult{}, newServiceError(opResolveConflict, "invalid_record", fmt.Errorf("%w: payload", ErrInvalidRecord))
	}

	record := ChangeRecord{
		Table:           req.Table,
		RecordID:        req.RecordID,
		Operation:       OperationUpdate,
		Data:            req.ClientData,
		ClientTimestamp: s.clock().UTC(),
		IsDeleted:       req.IsDeleted,
	}
	if req.IsDeleted {
		record.Operation = OperationDelete
	}

	var applied AppliedChange
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		clock, err := lockTenantClock(tx, scope.ClientID)
		if err != nil {
			return fmt.Errorf("lock tenant clock: %w", err)
		}
		existing, err := lockRecord(tx, scope.ClientID, scope.BranchID, record.Table, record.RecordID)
		if err != nil {
			return err
		}
		applied, err = s.writeRecord(tx, scope, clock, existing, record)
		return err
	})
	if err != nil {
		s.logError(opResolveConflict, reasonApplyFailed, err, append(scopeFields(scope),
			zap.String("table", req.Table),
			zap.String("record_id", req.RecordID))...)
		return ResolveResult{}, newServiceError(opResolveConflict, reasonApplyFailed, err)
	}

	metrics.ConflictResolutions.WithLabelValues(string(req.Resolution)).Inc()
	return ResolveResult{Message: "client version applied", Applied: &applied}, nil
}

type tableCount struct {
	Table       string `gorm:"column:table_name"`
	RecordCount int64  `gorm:"column:record_count"`
}

// Stats reports the branch's pending outbox depth and live row counts per table.
func (s *Service) Stats(ctx context.Context, scope TenantScope) (Stats, error) {
	pending, err := s.outbox.CountPending(ctx, scope.ClientID, scope.BranchID)
	if err != nil {
		s.logError(opStats, "outbox_count_failed", err, scopeFields(scope)...)
		return Stats{}, newServiceError(opStats, "outbox_count_failed", err)
	}

	var counts []tableCount
	if err := s.db.WithContext(ctx).
		Model(&CanonicalRecord{}).
		Select("table_name, COUNT(*) AS record_count").
		Where("client_id = ? AND branch_id = ? AND is_deleted = ?", scope.ClientID, scope.BranchID, false).
		Group("table_name").
		Order("table_name ASC").
		Scan(&counts).Error; err != nil {
		s.logError(opStats, "table_count_failed", err, scopeFields(scope)...)
		return Stats{}, newServiceError(opStats, "table_count_failed", err)
	}

	stats := Stats{PendingOutbox: pending, Tables: make([]TableStat, 0, len(counts))}
	for _, count := range counts {
		stats.Tables = append(stats.Tables, TableStat{Table: count.Table, RecordCount: count.RecordCount})
	}
	return stats, nil
}

// FetchRecord loads one canonical row.
func (s *Service) FetchRecord(ctx context.Context, clientID, branchID, table, recordID string) (CanonicalRecord, error) {
	var record CanonicalRecord
	err := s.db.WithContext(ctx).
		Where("client_id = ? AND branch_id = ? AND table_name = ? AND record_id = ?", clientID, branchID, table, recordID).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return CanonicalRecord{}, newServiceError(opFetchRecord, "not_found", ErrRecordNotFound)
	}
	if err != nil {
		s.logError(opFetchRecord, "query_failed", err,
			zap.String("client_id", clientID),
			zap.String("branch_id", branchID),
			zap.String("table", table),
			zap.String("record_id", recordID))
		return CanonicalRecord{}, newServiceError(opFetchRecord, "query_failed", err)
	}
	return record, nil
}

func scopeFields(scope TenantScope) []zap.Field {
	return []zap.Field{
		zap.String("client_id", scope.ClientID),
		zap.String("branch_id", scope.BranchID),
		zap.String("device_id", scope.DeviceID),
	}
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("reconcile service error", attrs...)
}
