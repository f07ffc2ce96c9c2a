package integration_test

import (
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tanktrack/fieldsync/internal/autosave"
	"github.com/tanktrack/fieldsync/internal/database"
	"github.com/tanktrack/fieldsync/internal/draftstore"
	"github.com/tanktrack/fieldsync/internal/fielddata"
	"github.com/tanktrack/fieldsync/internal/mediaqueue"
	"github.com/tanktrack/fieldsync/internal/reconcile"
	"github.com/tanktrack/fieldsync/internal/syncapi"
)

const (
	integrationRecordID  = "maint-2207"
	integrationFieldName = "tank_photo"
	integrationToken     = "integration-token"
)

type fakeRemoteState struct {
	mu      sync.Mutex
	forms   map[string]map[string]any
	uploads []string
}

func newFakeRemote(t *testing.T) (*httptest.Server, *fakeRemoteState) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	state := &fakeRemoteState{forms: make(map[string]map[string]any)}
	router := gin.New()
	router.PUT("/maintenance/:recordId", func(c *gin.Context) {
		if c.GetHeader("Authorization") != "Bearer "+integrationToken {
			c.Status(http.StatusUnauthorized)
			return
		}
		var payload map[string]any
		if err := json.NewDecoder(c.Request.Body).Decode(&payload); err != nil {
			c.Status(http.StatusBadRequest)
			return
		}
		state.mu.Lock()
		state.forms[c.Param("recordId")] = payload
		state.mu.Unlock()
		c.Status(http.StatusOK)
	})
	router.POST("/maintenance/:recordId/upload-image", func(c *gin.Context) {
		fileHeader, err := c.FormFile("file")
		if err != nil {
			c.Status(http.StatusBadRequest)
			return
		}
		state.mu.Lock()
		state.uploads = append(state.uploads, fileHeader.Filename)
		state.mu.Unlock()
		c.Status(http.StatusOK)
	})

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return server, state
}

type switchableProbe struct {
	mu     sync.Mutex
	online bool
}

func (p *switchableProbe) Online(ctx context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online, nil
}

func (p *switchableProbe) set(online bool) {
	p.mu.Lock()
	p.online = online
	p.mu.Unlock()
}

func writeTestJPEG(t *testing.T, path string) {
	t.Helper()
	canvas := image.NewRGBA(image.Rect(0, 0, 32, 24))
	for x := 0; x < 32; x++ {
		for y := 0; y < 24; y++ {
			canvas.Set(x, y, color.RGBA{R: uint8(x * 8), G: uint8(y * 10), B: 90, A: 255})
		}
	}
	file, err := os.Create(path)
	if err != nil {
		t.Fatalf("failed to create image file: %v", err)
	}
	defer file.Close()
	if err := jpeg.Encode(file, canvas, nil); err != nil {
		t.Fatalf("failed to encode image: %v", err)
	}
}

func TestOfflineCaptureThenReconcile(testContext *testing.T) {
	remoteServer, remoteState := newFakeRemote(testContext)
	tempDir := testContext.TempDir()

	db, err := database.OpenSQLite(filepath.Join(tempDir, "fieldsync.db"), zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}

	client, err := syncapi.NewClient(syncapi.ClientConfig{
		BaseURL:   remoteServer.URL,
		AuthToken: integrationToken,
	})
	if err != nil {
		testContext.Fatalf("failed to build sync client: %v", err)
	}

	probe := &switchableProbe{online: false}

	drafts, err := draftstore.NewStore(draftstore.StoreConfig{Database: db})
	if err != nil {
		testContext.Fatalf("failed to build draft store: %v", err)
	}
	queue, err := mediaqueue.NewQueue(mediaqueue.QueueConfig{
		Database: db,
		Uploader: client,
	})
	if err != nil {
		testContext.Fatalf("failed to build media queue: %v", err)
	}
	controller, err := autosave.NewController(autosave.ControllerConfig{
		Remote:        client,
		Drafts:        drafts,
		Probe:         probe,
		BooleanFields: []string{"strong_odors"},
	})
	if err != nil {
		testContext.Fatalf("failed to build controller: %v", err)
	}
	reconciler, err := reconcile.NewReconciler(reconcile.ReconcilerConfig{
		Drafts:        drafts,
		Remote:        client,
		Queue:         queue,
		Probe:         probe,
		BooleanFields: []string{"strong_odors"},
	})
	if err != nil {
		testContext.Fatalf("failed to build reconciler: %v", err)
	}

	ctx := context.Background()
	recordID := fielddata.RecordID(integrationRecordID)
	fieldName := fielddata.FieldName(integrationFieldName)

	// Capture while offline: the form lands in the draft store and the
	// photo joins the durable queue without touching the network.
	outcome, err := controller.SaveProgress(ctx, recordID, fielddata.FormData{
		"tank_depth_cm": 120,
		"strong_odors":  "true",
	}, autosave.SaveOptions{})
	if err != nil {
		testContext.Fatalf("offline save failed: %v", err)
	}
	if !outcome.Offline || outcome.Status != autosave.StatusSaved {
		testContext.Fatalf("expected offline draft save, got %+v", outcome)
	}

	photoPath := filepath.Join(tempDir, "tank.jpg")
	writeTestJPEG(testContext, photoPath)
	enqueued, err := queue.Enqueue(ctx, recordID, photoPath, fieldName)
	if err != nil {
		testContext.Fatalf("enqueue failed: %v", err)
	}
	if _, err := os.Stat(enqueued.CompressedURI); err != nil {
		testContext.Fatalf("expected compressed artifact on disk: %v", err)
	}

	report, err := reconciler.Run(ctx)
	if err != nil {
		testContext.Fatalf("offline reconcile pass failed: %v", err)
	}
	if !report.Skipped {
		testContext.Fatalf("expected reconcile to skip while offline, got %+v", report)
	}
	if len(remoteState.forms) != 0 || len(remoteState.uploads) != 0 {
		testContext.Fatalf("expected no network traffic while offline")
	}

	// Connectivity returns: one pass replays the draft and drains the queue.
	probe.set(true)
	report, err = reconciler.Run(ctx)
	if err != nil {
		testContext.Fatalf("online reconcile pass failed: %v", err)
	}
	if report.FormsDelivered != 1 || report.FormsRemaining != 0 {
		testContext.Fatalf("expected one delivered form, got %+v", report)
	}
	if report.Media.Processed != 1 || report.Media.Failed != 0 {
		testContext.Fatalf("expected one uploaded photo, got %+v", report.Media)
	}

	delivered, ok := remoteState.forms[integrationRecordID]
	if !ok {
		testContext.Fatalf("expected form payload to reach the remote API")
	}
	if delivered["strong_odors"] != true {
		testContext.Fatalf("expected boolean field to arrive canonicalized, got %v", delivered["strong_odors"])
	}
	if len(remoteState.uploads) != 1 {
		testContext.Fatalf("expected one media upload, got %d", len(remoteState.uploads))
	}

	if _, err := drafts.GetForm(ctx, recordID); err == nil {
		testContext.Fatalf("expected draft to be cleared after delivery")
	}
	counts, err := queue.Status(ctx)
	if err != nil {
		testContext.Fatalf("queue status failed: %v", err)
	}
	if counts.Total != 0 {
		testContext.Fatalf("expected queue to be empty after drain, got %+v", counts)
	}
	if _, err := os.Stat(enqueued.CompressedURI); !os.IsNotExist(err) {
		testContext.Fatalf("expected compressed artifact to be removed after acceptance")
	}
}
