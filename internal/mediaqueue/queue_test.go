package mediaqueue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/tanktrack/fieldsync/internal/fielddata"
	"github.com/tanktrack/fieldsync/internal/notify"
)

// copyCompressor stands in for the image pipeline: it copies the source to
// the destination path the real compressor would use.
type copyCompressor struct{}

func (copyCompressor) Compress(sourcePath string) (string, error) {
	source, err := os.Open(sourcePath)
	if err != nil {
		return "", err
	}
	defer source.Close()

	destPath := compressedPath(sourcePath)
	dest, err := os.Create(destPath)
	if err != nil {
		return "", err
	}
	defer dest.Close()

	if _, err := io.Copy(dest, source); err != nil {
		return "", err
	}
	return destPath, nil
}

type failingCompressor struct{}

func (failingCompressor) Compress(sourcePath string) (string, error) {
	return "", errors.New("unsupported format")
}

// scriptedUploader returns the configured error for each uploaded path and
// records call order.
type scriptedUploader struct {
	errsByPath map[string]error
	calls      []string
}

func (u *scriptedUploader) UploadImage(ctx context.Context, recordID fielddata.RecordID, fieldName fielddata.FieldName, filePath string) error {
	u.calls = append(u.calls, filePath)
	return u.errsByPath[filePath]
}

type recordingSink struct {
	events []notify.Event
}

func (s *recordingSink) Notify(ctx context.Context, event notify.Event) {
	s.events = append(s.events, event)
}

type sequentialIDs struct {
	next int
}

func (p *sequentialIDs) NewID() (string, error) {
	p.next++
	return fmt.Sprintf("item-%03d", p.next), nil
}

func openQueueDB(t *testing.T) *gorm.DB {
	t.Helper()
	databasePath := filepath.Join(t.TempDir(), "queue.db")
	db, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&ItemRow{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

type queueFixture struct {
	queue    *Queue
	db       *gorm.DB
	uploader *scriptedUploader
	sink     *recordingSink
	dir      string
}

func newQueueFixture(t *testing.T) *queueFixture {
	t.Helper()

	db := openQueueDB(t)
	uploader := &scriptedUploader{errsByPath: map[string]error{}}
	sink := &recordingSink{}
	current := time.Unix(1700000000, 0)

	queue, err := NewQueue(QueueConfig{
		Database:   db,
		Uploader:   uploader,
		Compressor: copyCompressor{},
		IDProvider: &sequentialIDs{},
		Clock: func() time.Time {
			current = current.Add(time.Second)
			return current
		},
		Notifier: sink,
	})
	if err != nil {
		t.Fatalf("failed to construct queue: %v", err)
	}

	return &queueFixture{queue: queue, db: db, uploader: uploader, sink: sink, dir: t.TempDir()}
}

func (f *queueFixture) capture(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(f.dir, name)
	if err := os.WriteFile(path, []byte("photo:"+name), 0o600); err != nil {
		t.Fatalf("failed to write capture fixture: %v", err)
	}
	return path
}

func (f *queueFixture) enqueue(t *testing.T, record, name, field string) EnqueueResult {
	t.Helper()
	result, err := f.queue.Enqueue(context.Background(),
		mustRecordID(t, record), f.capture(t, name), mustFieldName(t, field))
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	return result
}

func mustRecordID(t *testing.T, value string) fielddata.RecordID {
	t.Helper()
	id, err := fielddata.NewRecordID(value)
	if err != nil {
		t.Fatalf("unexpected record id error: %v", err)
	}
	return id
}

func mustFieldName(t *testing.T, value string) fielddata.FieldName {
	t.Helper()
	name, err := fielddata.NewFieldName(value)
	if err != nil {
		t.Fatalf("unexpected field name error: %v", err)
	}
	return name
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestEnqueueCreatesPendingItem(t *testing.T) {
	fixture := newQueueFixture(t)

	result := fixture.enqueue(t, "V1", "inlet.jpg", "inlet_photo")

	if result.Item.Status != StatusPending {
		t.Fatalf("expected pending status, got %s", result.Item.Status)
	}
	if result.Item.Retries != 0 {
		t.Fatalf("expected zero retries, got %d", result.Item.Retries)
	}
	if !fileExists(result.CompressedURI) {
		t.Fatalf("compressed file should exist at %s", result.CompressedURI)
	}

	counts, err := fixture.queue.Status(context.Background())
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if counts.Pending != 1 || counts.Total != 1 {
		t.Fatalf("unexpected counts %+v", counts)
	}
}

func TestEnqueueCompressionFailureLeavesNoPartialState(t *testing.T) {
	db := openQueueDB(t)
	queue, err := NewQueue(QueueConfig{
		Database:   db,
		Uploader:   &scriptedUploader{},
		Compressor: failingCompressor{},
	})
	if err != nil {
		t.Fatalf("failed to construct queue: %v", err)
	}

	_, err = queue.Enqueue(context.Background(),
		mustRecordID(t, "V1"), filepath.Join(t.TempDir(), "clip.mov"), mustFieldName(t, "site_photo"))
	if err == nil {
		t.Fatalf("expected compression error")
	}

	counts, err := queue.Status(context.Background())
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if counts.Total != 0 {
		t.Fatalf("no queue entry may exist after a failed enqueue, got %+v", counts)
	}
}

func TestProcessDrainsInEnqueueOrderWithPartialFailure(t *testing.T) {
	fixture := newQueueFixture(t)

	first := fixture.enqueue(t, "V1", "one.jpg", "inlet_photo")
	second := fixture.enqueue(t, "V1", "two.jpg", "outlet_photo")
	third := fixture.enqueue(t, "V1", "three.jpg", "lid_photo")

	fixture.uploader.errsByPath[third.CompressedURI] = errors.New("request timed out")

	var progress []int
	report, err := fixture.queue.Process(context.Background(), func(done, total int) {
		progress = append(progress, done)
		if total != 3 {
			t.Fatalf("unexpected progress total %d", total)
		}
	})
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}

	if report.Processed != 2 || report.Failed != 1 || report.Total != 3 {
		t.Fatalf("unexpected report %+v", report)
	}
	if len(progress) != 3 || progress[2] != 3 {
		t.Fatalf("unexpected progress callbacks %v", progress)
	}

	if len(fixture.uploader.calls) != 3 {
		t.Fatalf("expected three upload attempts, got %d", len(fixture.uploader.calls))
	}
	if fixture.uploader.calls[0] != first.CompressedURI || fixture.uploader.calls[1] != second.CompressedURI {
		t.Fatalf("drain must follow enqueue order, got %v", fixture.uploader.calls)
	}

	if fileExists(first.CompressedURI) || fileExists(second.CompressedURI) {
		t.Fatalf("delivered files must be deleted locally")
	}
	if !fileExists(third.CompressedURI) {
		t.Fatalf("failed item's file must remain on disk")
	}

	items, err := fixture.queue.Items(context.Background())
	if err != nil {
		t.Fatalf("items failed: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("completed items must be removed, got %d rows", len(items))
	}
	if items[0].Status != StatusPending || items[0].Retries != 1 {
		t.Fatalf("failed item should be pending with one retry, got %+v", items[0])
	}
	if items[0].LastError == "" {
		t.Fatalf("failure reason should be recorded")
	}

	if len(fixture.sink.events) != 1 {
		t.Fatalf("exactly one failure notification per drain, got %d", len(fixture.sink.events))
	}
}

func TestProcessSuccessIsSilent(t *testing.T) {
	fixture := newQueueFixture(t)
	fixture.enqueue(t, "V1", "one.jpg", "inlet_photo")

	if _, err := fixture.queue.Process(context.Background(), nil); err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if len(fixture.sink.events) != 0 {
		t.Fatalf("successful drains must not notify, got %v", fixture.sink.events)
	}
}

func TestRetriesAreBoundedAtCeiling(t *testing.T) {
	fixture := newQueueFixture(t)
	result := fixture.enqueue(t, "V1", "one.jpg", "inlet_photo")
	fixture.uploader.errsByPath[result.CompressedURI] = errors.New("connection refused")

	for drain := 0; drain < 3; drain++ {
		if _, err := fixture.queue.Process(context.Background(), nil); err != nil {
			t.Fatalf("drain %d failed: %v", drain, err)
		}
	}

	items, err := fixture.queue.Items(context.Background())
	if err != nil {
		t.Fatalf("items failed: %v", err)
	}
	if len(items) != 1 || items[0].Status != StatusFailed || items[0].Retries != 3 {
		t.Fatalf("expected terminally failed item with 3 retries, got %+v", items)
	}

	attemptsBefore := len(fixture.uploader.calls)
	report, err := fixture.queue.Process(context.Background(), nil)
	if err != nil {
		t.Fatalf("post-ceiling drain failed: %v", err)
	}
	if report.Total != 0 {
		t.Fatalf("terminally failed items must be excluded from drains, got %+v", report)
	}
	if len(fixture.uploader.calls) != attemptsBefore {
		t.Fatalf("no further upload attempts expected after the ceiling")
	}
	if !fileExists(result.CompressedURI) {
		t.Fatalf("failed item's file must never be silently deleted")
	}
}

func TestMissingLocalFileDropsItem(t *testing.T) {
	fixture := newQueueFixture(t)
	result := fixture.enqueue(t, "V1", "one.jpg", "inlet_photo")

	if err := os.Remove(result.CompressedURI); err != nil {
		t.Fatalf("failed to remove fixture file: %v", err)
	}

	report, err := fixture.queue.Process(context.Background(), nil)
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if report.Failed != 1 || report.Processed != 0 {
		t.Fatalf("missing file counts as failed, got %+v", report)
	}

	items, err := fixture.queue.Items(context.Background())
	if err != nil {
		t.Fatalf("items failed: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("unrecoverable items must be removed outright, got %+v", items)
	}
	if len(fixture.uploader.calls) != 0 {
		t.Fatalf("no upload may be attempted for a missing file")
	}
}

func TestReopenRecoversInFlightItems(t *testing.T) {
	fixture := newQueueFixture(t)
	result := fixture.enqueue(t, "V1", "one.jpg", "inlet_photo")

	// Simulate a crash after the item was marked uploading but before the
	// drain finished: the row stays uploading and the file stays on disk.
	err := fixture.db.Model(&ItemRow{}).
		Where("item_id = ?", result.Item.ItemID).
		Update("status", string(StatusUploading)).Error
	if err != nil {
		t.Fatalf("failed to strand item: %v", err)
	}

	uploader := &scriptedUploader{errsByPath: map[string]error{}}
	reopened, err := NewQueue(QueueConfig{
		Database:   fixture.db,
		Uploader:   uploader,
		Compressor: copyCompressor{},
	})
	if err != nil {
		t.Fatalf("failed to reopen queue: %v", err)
	}

	counts, err := reopened.Status(context.Background())
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if counts.Pending != 1 || counts.Uploading != 0 {
		t.Fatalf("stranded item should be pending again, got %+v", counts)
	}

	if !fileExists(result.CompressedURI) {
		t.Fatalf("file must survive the simulated crash")
	}

	report, err := reopened.Process(context.Background(), nil)
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if report.Processed != 1 {
		t.Fatalf("recovered item should upload, got %+v", report)
	}
	if fileExists(result.CompressedURI) {
		t.Fatalf("file is deleted only after the server ack")
	}
}

func TestClearDeletesFilesAndRows(t *testing.T) {
	fixture := newQueueFixture(t)
	first := fixture.enqueue(t, "V1", "one.jpg", "inlet_photo")
	second := fixture.enqueue(t, "V2", "two.jpg", "outlet_photo")

	if err := fixture.queue.Clear(context.Background()); err != nil {
		t.Fatalf("clear failed: %v", err)
	}

	if fileExists(first.CompressedURI) || fileExists(second.CompressedURI) {
		t.Fatalf("clear must delete referenced local files")
	}
	counts, err := fixture.queue.Status(context.Background())
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if counts.Total != 0 {
		t.Fatalf("queue should be empty after clear, got %+v", counts)
	}
}

func TestUploadImmediateBypassesQueue(t *testing.T) {
	fixture := newQueueFixture(t)
	source := fixture.capture(t, "quick.jpg")

	err := fixture.queue.UploadImmediate(context.Background(),
		mustRecordID(t, "V1"), source, mustFieldName(t, "site_photo"))
	if err != nil {
		t.Fatalf("immediate upload failed: %v", err)
	}

	counts, err := fixture.queue.Status(context.Background())
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if counts.Total != 0 {
		t.Fatalf("immediate uploads must not persist queue state, got %+v", counts)
	}
	if fileExists(compressedPath(source)) {
		t.Fatalf("compressed artifact should be deleted after the upload")
	}
}

func TestUploadImmediateSurfacesFailure(t *testing.T) {
	fixture := newQueueFixture(t)
	source := fixture.capture(t, "quick.jpg")
	fixture.uploader.errsByPath[compressedPath(source)] = errors.New("gateway timeout")

	err := fixture.queue.UploadImmediate(context.Background(),
		mustRecordID(t, "V1"), source, mustFieldName(t, "site_photo"))
	if err == nil {
		t.Fatalf("expected upload error")
	}

	counts, err := fixture.queue.Status(context.Background())
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if counts.Total != 0 {
		t.Fatalf("failed immediate uploads leave no queue state, got %+v", counts)
	}
}
