// Package autosave keeps a remote-or-local copy of in-progress form state
// current without redundant traffic. One Controller is instantiated per
// active form edit session, with lifecycle create, start, stop.
package autosave

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tanktrack/fieldsync/internal/fielddata"
	"github.com/tanktrack/fieldsync/internal/notify"
	"github.com/tanktrack/fieldsync/internal/reachability"
)

var (
	errMissingRemote = errors.New("remote writer is required")
	errMissingDrafts = errors.New("draft writer is required")
	errMissingProbe  = errors.New("reachability probe is required")
	noOpLogger       = zap.NewNop()
)

const (
	defaultInterval = 30 * time.Second

	opControllerNew = "autosave.new"
	opSaveProgress  = "autosave.save_progress"
)

// ControllerError carries a machine-readable code alongside the cause.
type ControllerError struct {
	code string
	err  error
}

func (e *ControllerError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ControllerError) Unwrap() error {
	return e.err
}

func (e *ControllerError) Code() string {
	return e.code
}

func newControllerError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ControllerError{code: code, err: cause}
}

// RemoteWriter submits a full form payload to the remote API.
type RemoteWriter interface {
	PutForm(ctx context.Context, recordID fielddata.RecordID, payload fielddata.FormData) error
}

// DraftWriter is the slice of the draft store the controller needs.
type DraftWriter interface {
	SaveForm(ctx context.Context, recordID fielddata.RecordID, data fielddata.FormData) error
	ClearRecord(ctx context.Context, recordID fielddata.RecordID) error
}

// SaveStatus discriminates the outcome of a save attempt.
type SaveStatus string

const (
	// StatusSaved means the payload was written remotely or to the draft store.
	StatusSaved SaveStatus = "saved"
	// StatusAlreadySaving means a save was already in flight and this attempt
	// was dropped, not queued.
	StatusAlreadySaving SaveStatus = "already_saving"
	// StatusNoChanges means the payload matched the last saved snapshot and
	// no I/O was performed.
	StatusNoChanges SaveStatus = "no_changes"
)

// SaveOutcome is the discriminated result of SaveProgress.
type SaveOutcome struct {
	Status SaveStatus
	// Offline is true when the payload went to the draft store instead of
	// the remote API.
	Offline bool
	// Fallback is true when the draft write happened because a remote
	// attempt failed mid-flight, as opposed to a clean offline probe.
	Fallback bool
}

// SaveOptions modulates a save attempt.
type SaveOptions struct {
	// Silent suppresses notification-sink emissions; used by automatic ticks.
	Silent bool
	// Force bypasses the single-flight guard and the no-change suppression.
	Force bool
}

// ControllerConfig carries the dependencies for a Controller.
type ControllerConfig struct {
	Remote        RemoteWriter
	Drafts        DraftWriter
	Probe         reachability.Probe
	Notifier      notify.Sink
	BooleanFields []string
	Interval      time.Duration
	Logger        *zap.Logger
}

// Controller orchestrates periodic persistence of one form session.
type Controller struct {
	remote        RemoteWriter
	drafts        DraftWriter
	probe         reachability.Probe
	notifier      notify.Sink
	booleanFields []string
	interval      time.Duration
	logger        *zap.Logger

	mu        sync.Mutex
	saving    bool
	lastSaved fielddata.FormData
}

// NewController validates dependencies and returns a Controller.
func NewController(cfg ControllerConfig) (*Controller, error) {
	if cfg.Remote == nil {
		return nil, newControllerError(opControllerNew, "missing_remote", errMissingRemote)
	}
	if cfg.Drafts == nil {
		return nil, newControllerError(opControllerNew, "missing_drafts", errMissingDrafts)
	}
	if cfg.Probe == nil {
		return nil, newControllerError(opControllerNew, "missing_probe", errMissingProbe)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = notify.NewLogSink(logger)
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}

	return &Controller{
		remote:        cfg.Remote,
		drafts:        cfg.Drafts,
		probe:         cfg.Probe,
		notifier:      notifier,
		booleanFields: cfg.BooleanFields,
		interval:      interval,
		logger:        logger,
	}, nil
}

// SaveProgress attempts one save. At most one save proceeds at a time per
// controller; concurrent attempts are dropped rather than queued so a slow
// network cannot build an unbounded backlog.
func (c *Controller) SaveProgress(ctx context.Context, recordID fielddata.RecordID, data fielddata.FormData, opts SaveOptions) (SaveOutcome, error) {
	c.mu.Lock()
	if c.saving && !opts.Force {
		c.mu.Unlock()
		return SaveOutcome{Status: StatusAlreadySaving}, nil
	}
	if !opts.Force && c.lastSaved != nil && c.lastSaved.Equal(data) {
		c.mu.Unlock()
		return SaveOutcome{Status: StatusNoChanges}, nil
	}
	c.saving = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.saving = false
		c.mu.Unlock()
	}()

	snapshot := data.Clone()

	if !reachability.OnlineOrAssume(ctx, c.probe) {
		c.logger.Debug("offline, saving draft locally", zap.String("record_id", recordID.String()))
		return c.saveDraft(ctx, recordID, snapshot, opts, false)
	}

	canonical := fielddata.CanonicalizeBooleans(snapshot, c.booleanFields)
	if err := c.remote.PutForm(ctx, recordID, canonical); err != nil {
		c.logger.Warn("remote save failed, falling back to draft store",
			zap.String("record_id", recordID.String()), zap.Error(err))
		return c.saveDraft(ctx, recordID, snapshot, opts, true)
	}

	c.setLastSaved(snapshot)

	// The authoritative copy is now server-side; a stale draft must not
	// reappear on the next app resume. Failing to delete it is non-fatal.
	if err := c.drafts.ClearRecord(ctx, recordID); err != nil {
		c.logger.Warn("failed to clear delivered draft",
			zap.String("record_id", recordID.String()), zap.Error(err))
	}

	return SaveOutcome{Status: StatusSaved}, nil
}

func (c *Controller) saveDraft(ctx context.Context, recordID fielddata.RecordID, snapshot fielddata.FormData, opts SaveOptions, fallback bool) (SaveOutcome, error) {
	if err := c.drafts.SaveForm(ctx, recordID, snapshot); err != nil {
		c.logError(opSaveProgress, "draft_write_failed", err, zap.String("record_id", recordID.String()))
		if !opts.Silent {
			c.notifier.Notify(ctx, notify.Event{
				Severity: notify.SeverityError,
				Message:  "could not save progress on this device",
			})
		}
		return SaveOutcome{}, newControllerError(opSaveProgress, "draft_write_failed", err)
	}

	c.setLastSaved(snapshot)

	if fallback && !opts.Silent {
		c.notifier.Notify(ctx, notify.Event{
			Severity: notify.SeverityWarning,
			Message:  "couldn't reach the server, progress saved on device",
		})
	}

	return SaveOutcome{Status: StatusSaved, Offline: true, Fallback: fallback}, nil
}

func (c *Controller) setLastSaved(snapshot fielddata.FormData) {
	c.mu.Lock()
	c.lastSaved = snapshot
	c.mu.Unlock()
}

// ForceSave is the explicit user-triggered "save now": never silent, never
// deduplicated, never dropped.
func (c *Controller) ForceSave(ctx context.Context, recordID fielddata.RecordID, data fielddata.FormData) (SaveOutcome, error) {
	return c.SaveProgress(ctx, recordID, data, SaveOptions{Silent: false, Force: true})
}

// Supplier produces the current form payload for an autosave tick.
type Supplier func() fielddata.FormData

// Autosave is the cancellation handle for a running autosave timer.
type Autosave struct {
	stop chan struct{}
	once sync.Once
	done chan struct{}
}

// Stop cancels the periodic timer. Idempotent. An already-dispatched save is
// not interrupted, only prevented from being re-triggered.
func (a *Autosave) Stop() {
	a.once.Do(func() {
		close(a.stop)
	})
	<-a.done
}

// StartAutosave registers a repeating timer that saves the supplier's
// payload silently every interval. Exactly one timer per active form session
// is expected; starting a second without stopping the first is a caller
// error.
func (c *Controller) StartAutosave(ctx context.Context, recordID fielddata.RecordID, supply Supplier) *Autosave {
	handle := &Autosave{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}

	go func() {
		defer close(handle.done)

		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-handle.stop:
				return
			case <-ticker.C:
				outcome, err := c.SaveProgress(ctx, recordID, supply(), SaveOptions{Silent: true})
				if err != nil {
					c.logError(opSaveProgress, "tick_failed", err, zap.String("record_id", recordID.String()))
					continue
				}
				c.logger.Debug("autosave tick",
					zap.String("record_id", recordID.String()),
					zap.String("status", string(outcome.Status)),
					zap.Bool("offline", outcome.Offline))
			}
		}
	}()

	return handle
}

func (c *Controller) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	c.logger.Error("autosave error", attrs...)
}
