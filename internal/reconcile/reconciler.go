// Package reconcile pushes locally accumulated state back to the server once
// connectivity returns: pending form drafts first, then the media backlog.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tanktrack/fieldsync/internal/draftstore"
	"github.com/tanktrack/fieldsync/internal/fielddata"
	"github.com/tanktrack/fieldsync/internal/mediaqueue"
	"github.com/tanktrack/fieldsync/internal/notify"
	"github.com/tanktrack/fieldsync/internal/reachability"
)

var (
	errMissingDrafts = errors.New("draft source is required")
	errMissingRemote = errors.New("remote writer is required")
	errMissingQueue  = errors.New("media drainer is required")
	errMissingProbe  = errors.New("reachability probe is required")
	noOpLogger       = zap.NewNop()
)

const (
	opReconcilerNew = "reconcile.new"
	opRun           = "reconcile.run"
)

// ReconcileError carries a machine-readable code alongside the cause.
type ReconcileError struct {
	code string
	err  error
}

func (e *ReconcileError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ReconcileError) Unwrap() error {
	return e.err
}

func (e *ReconcileError) Code() string {
	return e.code
}

func newReconcileError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ReconcileError{code: code, err: cause}
}

// DraftSource is the slice of the draft store reconciliation needs.
type DraftSource interface {
	PendingForms(ctx context.Context) ([]draftstore.Draft, error)
	ClearRecord(ctx context.Context, recordID fielddata.RecordID) error
}

// RemoteWriter submits a full form payload to the remote API.
type RemoteWriter interface {
	PutForm(ctx context.Context, recordID fielddata.RecordID, payload fielddata.FormData) error
}

// MediaDrainer drains the media upload backlog.
type MediaDrainer interface {
	Process(ctx context.Context, onProgress mediaqueue.ProgressFunc) (mediaqueue.DrainReport, error)
}

// ReconcilerConfig carries the dependencies for a Reconciler.
type ReconcilerConfig struct {
	Drafts        DraftSource
	Remote        RemoteWriter
	Queue         MediaDrainer
	Probe         reachability.Probe
	Notifier      notify.Sink
	BooleanFields []string
	Logger        *zap.Logger
}

// Reconciler replays undelivered local state against the remote API.
type Reconciler struct {
	drafts        DraftSource
	remote        RemoteWriter
	queue         MediaDrainer
	probe         reachability.Probe
	notifier      notify.Sink
	booleanFields []string
	logger        *zap.Logger
}

// Report aggregates the outcome of one reconciliation pass.
type Report struct {
	// Skipped is true when the device was offline and nothing was attempted.
	Skipped        bool
	FormsDelivered int
	FormsRemaining int
	Media          mediaqueue.DrainReport
}

// NewReconciler validates dependencies and returns a Reconciler.
func NewReconciler(cfg ReconcilerConfig) (*Reconciler, error) {
	if cfg.Drafts == nil {
		return nil, newReconcileError(opReconcilerNew, "missing_drafts", errMissingDrafts)
	}
	if cfg.Remote == nil {
		return nil, newReconcileError(opReconcilerNew, "missing_remote", errMissingRemote)
	}
	if cfg.Queue == nil {
		return nil, newReconcileError(opReconcilerNew, "missing_queue", errMissingQueue)
	}
	if cfg.Probe == nil {
		return nil, newReconcileError(opReconcilerNew, "missing_probe", errMissingProbe)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = notify.NewLogSink(logger)
	}

	return &Reconciler{
		drafts:        cfg.Drafts,
		remote:        cfg.Remote,
		queue:         cfg.Queue,
		probe:         cfg.Probe,
		notifier:      notifier,
		booleanFields: cfg.BooleanFields,
		logger:        logger,
	}, nil
}

// Run performs one reconciliation pass. A draft that fails to deliver stays
// in the store for the next pass; failures never block later drafts. Last
// write observed by the server wins; no cross-device merging is attempted.
func (r *Reconciler) Run(ctx context.Context) (Report, error) {
	if !reachability.OnlineOrAssume(ctx, r.probe) {
		r.logger.Debug("reconciliation skipped, device offline")
		return Report{Skipped: true}, nil
	}

	pending, err := r.drafts.PendingForms(ctx)
	if err != nil {
		return Report{}, newReconcileError(opRun, "pending_query_failed", err)
	}

	report := Report{}
	started := time.Now()

	for _, draft := range pending {
		if ctx.Err() != nil {
			return report, newReconcileError(opRun, "cancelled", ctx.Err())
		}

		canonical := fielddata.CanonicalizeBooleans(draft.Data, r.booleanFields)
		if err := r.remote.PutForm(ctx, draft.RecordID, canonical); err != nil {
			r.logger.Warn("draft delivery failed, keeping for next pass",
				zap.String("record_id", draft.RecordID.String()), zap.Error(err))
			report.FormsRemaining++
			continue
		}

		if err := r.drafts.ClearRecord(ctx, draft.RecordID); err != nil {
			r.logger.Warn("failed to clear delivered draft",
				zap.String("record_id", draft.RecordID.String()), zap.Error(err))
		}
		report.FormsDelivered++
	}

	media, err := r.queue.Process(ctx, nil)
	if err != nil {
		return report, newReconcileError(opRun, "queue_drain_failed", err)
	}
	report.Media = media

	if report.FormsRemaining > 0 {
		r.notifier.Notify(ctx, notify.Event{
			Severity: notify.SeverityWarning,
			Message:  fmt.Sprintf("%d saved forms are still waiting to sync", report.FormsRemaining),
		})
	}

	r.logger.Info("reconciliation pass complete",
		zap.Int("forms_delivered", report.FormsDelivered),
		zap.Int("forms_remaining", report.FormsRemaining),
		zap.Int("media_processed", report.Media.Processed),
		zap.Int("media_failed", report.Media.Failed),
		zap.Duration("elapsed", time.Since(started)))

	return report, nil
}
