// Package mediaqueue implements the durable upload queue for compressed
// photo evidence. Items survive process restarts; a local file is deleted
// only after the server has acknowledged the upload, so a crash between
// steps never loses the only copy of the data.
package mediaqueue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/tanktrack/fieldsync/internal/fielddata"
	"github.com/tanktrack/fieldsync/internal/notify"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingUploader = errors.New("uploader is required")
	noOpLogger         = zap.NewNop()
)

const (
	defaultMaxRetries = 3

	opQueueNew        = "mediaqueue.new"
	opEnqueue         = "mediaqueue.enqueue"
	opProcess         = "mediaqueue.process"
	opQueueStatus     = "mediaqueue.status"
	opClear           = "mediaqueue.clear"
	opUploadImmediate = "mediaqueue.upload_immediate"
)

// QueueError carries a machine-readable code alongside the underlying cause.
type QueueError struct {
	code string
	err  error
}

func (e *QueueError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *QueueError) Unwrap() error {
	return e.err
}

func (e *QueueError) Code() string {
	return e.code
}

func newQueueError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &QueueError{code: code, err: cause}
}

// Uploader delivers one media file to the remote API.
type Uploader interface {
	UploadImage(ctx context.Context, recordID fielddata.RecordID, fieldName fielddata.FieldName, filePath string) error
}

// QueueConfig carries the dependencies for a Queue.
type QueueConfig struct {
	Database   *gorm.DB
	Uploader   Uploader
	Compressor Compressor
	IDProvider IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
	Notifier   notify.Sink
	MaxRetries int
}

// Queue is the durable media upload queue.
type Queue struct {
	db         *gorm.DB
	uploader   Uploader
	compressor Compressor
	idProvider IDProvider
	clock      func() time.Time
	logger     *zap.Logger
	notifier   notify.Sink
	maxRetries int
}

// EnqueueResult reports the created item and the compressed file location.
type EnqueueResult struct {
	Item          Item
	CompressedURI string
}

// DrainReport aggregates the outcome of one Process pass.
type DrainReport struct {
	Processed int
	Failed    int
	Total     int
}

// StatusCounts reports the queue contents per status.
type StatusCounts struct {
	Pending   int64
	Uploading int64
	Failed    int64
	Total     int64
}

// ProgressFunc observes drain progress after each attempted item.
type ProgressFunc func(done, total int)

// NewQueue validates dependencies, resets rows left in flight by a previous
// crash back to pending, and returns a Queue.
func NewQueue(cfg QueueConfig) (*Queue, error) {
	if cfg.Database == nil {
		return nil, newQueueError(opQueueNew, "missing_database", errMissingDatabase)
	}
	if cfg.Uploader == nil {
		return nil, newQueueError(opQueueNew, "missing_uploader", errMissingUploader)
	}

	compressor := cfg.Compressor
	if compressor == nil {
		compressor = NewImageCompressor(ImageCompressorConfig{})
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = notify.NewLogSink(logger)
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}

	queue := &Queue{
		db:         cfg.Database,
		uploader:   cfg.Uploader,
		compressor: compressor,
		idProvider: idProvider,
		clock:      clock,
		logger:     logger,
		notifier:   notifier,
		maxRetries: maxRetries,
	}

	if err := queue.recoverInFlight(); err != nil {
		return nil, err
	}

	return queue, nil
}

// recoverInFlight resets rows stranded in uploading by a crash. Re-uploading
// an already-accepted file is harmless; losing one is not.
func (q *Queue) recoverInFlight() error {
	result := q.db.Model(&ItemRow{}).
		Where("status = ?", string(StatusUploading)).
		Updates(map[string]any{
			"status":       string(StatusPending),
			"updated_at_s": q.clock().UTC().Unix(),
		})
	if result.Error != nil {
		return newQueueError(opQueueNew, "recover_failed", result.Error)
	}
	if result.RowsAffected > 0 {
		q.logger.Info("recovered in-flight uploads from previous run",
			zap.Int64("count", result.RowsAffected))
	}
	return nil
}

// Enqueue compresses the source asset synchronously, then appends a pending
// item to the durable store. Failure at either step leaves no partial state.
func (q *Queue) Enqueue(ctx context.Context, recordID fielddata.RecordID, sourceURI string, fieldName fielddata.FieldName) (EnqueueResult, error) {
	compressedURI, err := q.compressor.Compress(sourceURI)
	if err != nil {
		q.logError(opEnqueue, "compress_failed", err, zap.String("record_id", recordID.String()))
		return EnqueueResult{}, newQueueError(opEnqueue, "compress_failed", err)
	}

	itemID, err := q.idProvider.NewID()
	if err != nil {
		_ = removeFile(compressedURI)
		return EnqueueResult{}, newQueueError(opEnqueue, "id_generation_failed", err)
	}

	now := q.clock().UTC().Unix()
	row := ItemRow{
		ItemID:            itemID,
		RecordID:          recordID.String(),
		LocalURI:          compressedURI,
		FieldName:         fieldName.String(),
		Status:            string(StatusPending),
		Retries:           0,
		EnqueuedAtSeconds: now,
		UpdatedAtSeconds:  now,
	}

	if err := q.db.WithContext(ctx).Create(&row).Error; err != nil {
		if removeErr := removeFile(compressedURI); removeErr != nil {
			q.logger.Warn("failed to remove orphaned compressed file",
				zap.String("path", compressedURI), zap.Error(removeErr))
		}
		q.logError(opEnqueue, "persist_failed", err, zap.String("record_id", recordID.String()))
		return EnqueueResult{}, newQueueError(opEnqueue, "persist_failed", err)
	}

	item, err := itemFromRow(row)
	if err != nil {
		return EnqueueResult{}, newQueueError(opEnqueue, "invalid_row", err)
	}

	q.logger.Debug("media enqueued",
		zap.String("item_id", itemID),
		zap.String("record_id", recordID.String()),
		zap.String("field_name", fieldName.String()))

	return EnqueueResult{Item: item, CompressedURI: compressedURI}, nil
}

// Process drains the backlog sequentially in enqueue order. A failed item is
// skipped forward, never allowed to block later items; a user-visible
// notification is emitted at most once per drain, and only when failures
// occurred. Overlapping Process calls must be serialized by the caller.
func (q *Queue) Process(ctx context.Context, onProgress ProgressFunc) (DrainReport, error) {
	var rows []ItemRow
	err := q.db.WithContext(ctx).
		Where("status = ? OR (status = ? AND retries < ?)",
			string(StatusPending), string(StatusFailed), q.maxRetries).
		Order("enqueued_at_s ASC, item_id ASC").
		Find(&rows).Error
	if err != nil {
		q.logError(opProcess, "select_failed", err)
		return DrainReport{}, newQueueError(opProcess, "select_failed", err)
	}

	report := DrainReport{Total: len(rows)}
	for index, row := range rows {
		if ctx.Err() != nil {
			return report, newQueueError(opProcess, "cancelled", ctx.Err())
		}

		q.attemptUpload(ctx, row, &report)

		if onProgress != nil {
			onProgress(index+1, report.Total)
		}
	}

	if report.Failed > 0 {
		q.notifier.Notify(ctx, notify.Event{
			Severity: notify.SeverityWarning,
			Message:  fmt.Sprintf("%d of %d photo uploads did not complete", report.Failed, report.Total),
		})
	}

	q.logger.Info("upload queue drained",
		zap.Int("processed", report.Processed),
		zap.Int("failed", report.Failed),
		zap.Int("total", report.Total))

	return report, nil
}

func (q *Queue) attemptUpload(ctx context.Context, row ItemRow, report *DrainReport) {
	if err := q.setStatus(ctx, row.ItemID, StatusUploading); err != nil {
		q.logError(opProcess, "mark_uploading_failed", err, zap.String("item_id", row.ItemID))
		report.Failed++
		return
	}

	if _, err := os.Stat(row.LocalURI); err != nil {
		// The only copy is gone; nothing recoverable remains for this item.
		q.logger.Warn("queued file missing, dropping item",
			zap.String("item_id", row.ItemID),
			zap.String("path", row.LocalURI))
		if err := q.deleteRow(ctx, row.ItemID); err != nil {
			q.logError(opProcess, "drop_missing_failed", err, zap.String("item_id", row.ItemID))
		}
		report.Failed++
		return
	}

	recordID, err := fielddata.NewRecordID(row.RecordID)
	if err != nil {
		q.logError(opProcess, "invalid_record_id", err, zap.String("item_id", row.ItemID))
		report.Failed++
		return
	}
	fieldName, err := fielddata.NewFieldName(row.FieldName)
	if err != nil {
		q.logError(opProcess, "invalid_field_name", err, zap.String("item_id", row.ItemID))
		report.Failed++
		return
	}

	uploadErr := q.uploader.UploadImage(ctx, recordID, fieldName, row.LocalURI)
	if uploadErr == nil {
		// Server ack first, local deletion second: the at-least-once core.
		if err := q.deleteRow(ctx, row.ItemID); err != nil {
			q.logError(opProcess, "remove_completed_failed", err, zap.String("item_id", row.ItemID))
			report.Failed++
			return
		}
		if err := removeFile(row.LocalURI); err != nil {
			q.logger.Warn("failed to delete uploaded file",
				zap.String("path", row.LocalURI), zap.Error(err))
		}
		report.Processed++
		return
	}

	retries := row.Retries + 1
	nextStatus := StatusPending
	if retries >= q.maxRetries {
		nextStatus = StatusFailed
	}

	updateErr := q.db.WithContext(ctx).Model(&ItemRow{}).
		Where("item_id = ?", row.ItemID).
		Updates(map[string]any{
			"status":       string(nextStatus),
			"retries":      retries,
			"last_error":   uploadErr.Error(),
			"updated_at_s": q.clock().UTC().Unix(),
		}).Error
	if updateErr != nil {
		q.logError(opProcess, "record_failure_failed", updateErr, zap.String("item_id", row.ItemID))
	}

	q.logger.Warn("media upload attempt failed",
		zap.String("item_id", row.ItemID),
		zap.Int("retries", retries),
		zap.String("next_status", string(nextStatus)),
		zap.Error(uploadErr))
	report.Failed++
}

// Status reports counts per status. Read-only, no side effects.
func (q *Queue) Status(ctx context.Context) (StatusCounts, error) {
	var counts StatusCounts
	statuses := []struct {
		status Status
		target *int64
	}{
		{status: StatusPending, target: &counts.Pending},
		{status: StatusUploading, target: &counts.Uploading},
		{status: StatusFailed, target: &counts.Failed},
	}

	for _, entry := range statuses {
		if err := q.db.WithContext(ctx).Model(&ItemRow{}).
			Where("status = ?", string(entry.status)).
			Count(entry.target).Error; err != nil {
			return StatusCounts{}, newQueueError(opQueueStatus, "count_failed", err)
		}
	}

	counts.Total = counts.Pending + counts.Uploading + counts.Failed
	return counts, nil
}

// Items lists the current queue contents, oldest first.
func (q *Queue) Items(ctx context.Context) ([]Item, error) {
	var rows []ItemRow
	if err := q.db.WithContext(ctx).
		Order("enqueued_at_s ASC, item_id ASC").
		Find(&rows).Error; err != nil {
		return nil, newQueueError(opQueueStatus, "select_failed", err)
	}

	items := make([]Item, 0, len(rows))
	for _, row := range rows {
		item, err := itemFromRow(row)
		if err != nil {
			return nil, newQueueError(opQueueStatus, "invalid_row", err)
		}
		items = append(items, item)
	}
	return items, nil
}

// Clear deletes every referenced local file and empties the store. Explicit
// user-initiated reset only, never called automatically.
func (q *Queue) Clear(ctx context.Context) error {
	var rows []ItemRow
	if err := q.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return newQueueError(opClear, "select_failed", err)
	}

	for _, row := range rows {
		if err := removeFile(row.LocalURI); err != nil {
			q.logger.Warn("failed to delete queued file during clear",
				zap.String("path", row.LocalURI), zap.Error(err))
		}
	}

	if err := q.db.WithContext(ctx).Where("1 = 1").Delete(&ItemRow{}).Error; err != nil {
		q.logError(opClear, "delete_failed", err)
		return newQueueError(opClear, "delete_failed", err)
	}

	q.logger.Info("upload queue cleared", zap.Int("items", len(rows)))
	return nil
}

// UploadImmediate bypasses the durable queue for latency-sensitive single
// shots: compress, upload, delete on success. Nothing is persisted, so a
// crash mid-flight loses the upload; callers choose this path only where
// immediate feedback matters more than durability.
func (q *Queue) UploadImmediate(ctx context.Context, recordID fielddata.RecordID, sourceURI string, fieldName fielddata.FieldName) error {
	compressedURI, err := q.compressor.Compress(sourceURI)
	if err != nil {
		return newQueueError(opUploadImmediate, "compress_failed", err)
	}

	uploadErr := q.uploader.UploadImage(ctx, recordID, fieldName, compressedURI)
	if removeErr := removeFile(compressedURI); removeErr != nil {
		q.logger.Warn("failed to delete immediate-upload artifact",
			zap.String("path", compressedURI), zap.Error(removeErr))
	}
	if uploadErr != nil {
		q.logError(opUploadImmediate, "upload_failed", uploadErr, zap.String("record_id", recordID.String()))
		return newQueueError(opUploadImmediate, "upload_failed", uploadErr)
	}
	return nil
}

func (q *Queue) setStatus(ctx context.Context, itemID string, status Status) error {
	return q.db.WithContext(ctx).Model(&ItemRow{}).
		Where("item_id = ?", itemID).
		Updates(map[string]any{
			"status":       string(status),
			"updated_at_s": q.clock().UTC().Unix(),
		}).Error
}

func (q *Queue) deleteRow(ctx context.Context, itemID string) error {
	return q.db.WithContext(ctx).Where("item_id = ?", itemID).Delete(&ItemRow{}).Error
}

func (q *Queue) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	q.logger.Error("media queue error", attrs...)
}
