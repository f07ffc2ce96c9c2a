// Package draftstore provides durable, restart-surviving persistence for
// in-progress form snapshots and their local file references. Each record's
// draft is independent; no cross-record atomicity is provided or required.
package draftstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tanktrack/fieldsync/internal/fielddata"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	// ErrDraftNotFound indicates that no draft exists for the requested record.
	ErrDraftNotFound = errors.New("draftstore: draft not found")
	noOpLogger       = zap.NewNop()
)

// StoreError carries a machine-readable code alongside the underlying cause.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

func (e *StoreError) Code() string {
	return e.code
}

const (
	opStoreNew      = "draftstore.new"
	opSaveForm      = "draftstore.save_form"
	opGetForm       = "draftstore.get_form"
	opClearRecord   = "draftstore.clear_record"
	opSaveFileRefs  = "draftstore.save_file_refs"
	opGetFileRefs   = "draftstore.get_file_refs"
	opPendingForms  = "draftstore.pending_forms"
	opStorageStats  = "draftstore.storage_stats"
	opClearAllDrafts = "draftstore.clear_all"
)

func newStoreError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &StoreError{code: code, err: cause}
}

// StoreConfig carries the dependencies for a Store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store is the offline draft store.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// Draft is the retrieval shape for a persisted form snapshot.
type Draft struct {
	RecordID   fielddata.RecordID
	Data       fielddata.FormData
	CapturedAt time.Time
}

// StorageStats summarizes the store contents for diagnostics.
type StorageStats struct {
	DraftCount       int64
	FileRefCount     int64
	OldestDraftAge   time.Duration
	HasPendingDrafts bool
}

// NewStore validates dependencies and returns a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opStoreNew, "missing_database", errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// SaveForm upserts the draft for a record. A second save for the same record
// replaces the previous snapshot.
func (s *Store) SaveForm(ctx context.Context, recordID fielddata.RecordID, data fielddata.FormData) error {
	payload, err := json.Marshal(data)
	if err != nil {
		s.logError(opSaveForm, "marshal_failed", err, zap.String("record_id", recordID.String()))
		return newStoreError(opSaveForm, "marshal_failed", err)
	}

	row := FormDraftRow{
		RecordID:          recordID.String(),
		PayloadJSON:       string(payload),
		CapturedAtSeconds: s.clock().UTC().Unix(),
	}

	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "record_id"}},
			UpdateAll: true,
		}).
		Create(&row).Error
	if err != nil {
		s.logError(opSaveForm, "write_failed", err, zap.String("record_id", recordID.String()))
		return newStoreError(opSaveForm, "write_failed", err)
	}

	s.logger.Debug("draft saved", zap.String("record_id", recordID.String()))
	return nil
}

// GetForm returns the draft for a record, or ErrDraftNotFound.
func (s *Store) GetForm(ctx context.Context, recordID fielddata.RecordID) (Draft, error) {
	var row FormDraftRow
	err := s.db.WithContext(ctx).
		Where("record_id = ?", recordID.String()).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Draft{}, ErrDraftNotFound
	}
	if err != nil {
		s.logError(opGetForm, "query_failed", err, zap.String("record_id", recordID.String()))
		return Draft{}, newStoreError(opGetForm, "query_failed", err)
	}

	return s.draftFromRow(row)
}

// ClearRecord removes the draft and any file references for a record. Called
// after a confirmed successful online sync to avoid stale reappearance.
// Clearing a record that has no stored state is a no-op.
func (s *Store) ClearRecord(ctx context.Context, recordID fielddata.RecordID) error {
	if err := s.db.WithContext(ctx).Where("record_id = ?", recordID.String()).Delete(&FormDraftRow{}).Error; err != nil {
		s.logError(opClearRecord, "draft_delete_failed", err, zap.String("record_id", recordID.String()))
		return newStoreError(opClearRecord, "draft_delete_failed", err)
	}
	if err := s.db.WithContext(ctx).Where("record_id = ?", recordID.String()).Delete(&FileRefRow{}).Error; err != nil {
		s.logError(opClearRecord, "file_refs_delete_failed", err, zap.String("record_id", recordID.String()))
		return newStoreError(opClearRecord, "file_refs_delete_failed", err)
	}
	return nil
}

// SaveFileRefs upserts the local file references for a record.
func (s *Store) SaveFileRefs(ctx context.Context, recordID fielddata.RecordID, refs []string) error {
	payload, err := json.Marshal(refs)
	if err != nil {
		return newStoreError(opSaveFileRefs, "marshal_failed", err)
	}

	row := FileRefRow{
		RecordID:         recordID.String(),
		RefsJSON:         string(payload),
		UpdatedAtSeconds: s.clock().UTC().Unix(),
	}

	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "record_id"}},
			UpdateAll: true,
		}).
		Create(&row).Error
	if err != nil {
		s.logError(opSaveFileRefs, "write_failed", err, zap.String("record_id", recordID.String()))
		return newStoreError(opSaveFileRefs, "write_failed", err)
	}
	return nil
}

// GetFileRefs returns the stored file references for a record. A record with
// no stored references yields an empty slice.
func (s *Store) GetFileRefs(ctx context.Context, recordID fielddata.RecordID) ([]string, error) {
	var row FileRefRow
	err := s.db.WithContext(ctx).
		Where("record_id = ?", recordID.String()).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		s.logError(opGetFileRefs, "query_failed", err, zap.String("record_id", recordID.String()))
		return nil, newStoreError(opGetFileRefs, "query_failed", err)
	}

	var refs []string
	if err := json.Unmarshal([]byte(row.RefsJSON), &refs); err != nil {
		return nil, newStoreError(opGetFileRefs, "unmarshal_failed", err)
	}
	return refs, nil
}

// PendingForms enumerates every undelivered draft, oldest first, for bulk
// reconciliation on app resume.
func (s *Store) PendingForms(ctx context.Context) ([]Draft, error) {
	var rows []FormDraftRow
	if err := s.db.WithContext(ctx).
		Order("captured_at_s ASC").
		Find(&rows).Error; err != nil {
		s.logError(opPendingForms, "query_failed", err)
		return nil, newStoreError(opPendingForms, "query_failed", err)
	}

	drafts := make([]Draft, 0, len(rows))
	for _, row := range rows {
		draft, err := s.draftFromRow(row)
		if err != nil {
			return nil, err
		}
		drafts = append(drafts, draft)
	}
	return drafts, nil
}

// Stats reports draft and file-reference counts for diagnostics.
func (s *Store) Stats(ctx context.Context) (StorageStats, error) {
	var stats StorageStats

	if err := s.db.WithContext(ctx).Model(&FormDraftRow{}).Count(&stats.DraftCount).Error; err != nil {
		return StorageStats{}, newStoreError(opStorageStats, "draft_count_failed", err)
	}
	if err := s.db.WithContext(ctx).Model(&FileRefRow{}).Count(&stats.FileRefCount).Error; err != nil {
		return StorageStats{}, newStoreError(opStorageStats, "file_ref_count_failed", err)
	}

	stats.HasPendingDrafts = stats.DraftCount > 0
	if stats.DraftCount > 0 {
		var oldest FormDraftRow
		if err := s.db.WithContext(ctx).Order("captured_at_s ASC").Take(&oldest).Error; err != nil {
			return StorageStats{}, newStoreError(opStorageStats, "oldest_query_failed", err)
		}
		stats.OldestDraftAge = s.clock().UTC().Sub(time.Unix(oldest.CapturedAtSeconds, 0).UTC())
	}

	return stats, nil
}

// ClearAll removes every draft and file reference. Full-reset operation only.
func (s *Store) ClearAll(ctx context.Context) error {
	if err := s.db.WithContext(ctx).Where("1 = 1").Delete(&FormDraftRow{}).Error; err != nil {
		s.logError(opClearAllDrafts, "draft_delete_failed", err)
		return newStoreError(opClearAllDrafts, "draft_delete_failed", err)
	}
	if err := s.db.WithContext(ctx).Where("1 = 1").Delete(&FileRefRow{}).Error; err != nil {
		s.logError(opClearAllDrafts, "file_refs_delete_failed", err)
		return newStoreError(opClearAllDrafts, "file_refs_delete_failed", err)
	}
	s.logger.Info("offline draft store cleared")
	return nil
}

func (s *Store) draftFromRow(row FormDraftRow) (Draft, error) {
	recordID, err := fielddata.NewRecordID(row.RecordID)
	if err != nil {
		return Draft{}, newStoreError(opGetForm, "invalid_record_id", err)
	}

	var data fielddata.FormData
	if err := json.Unmarshal([]byte(row.PayloadJSON), &data); err != nil {
		return Draft{}, newStoreError(opGetForm, "unmarshal_failed", err)
	}

	return Draft{
		RecordID:   recordID,
		Data:       data,
		CapturedAt: time.Unix(row.CapturedAtSeconds, 0).UTC(),
	}, nil
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("draft store error", attrs...)
}
