package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tanktrack/fieldsync/internal/autosave"
	"github.com/tanktrack/fieldsync/internal/draftstore"
	"github.com/tanktrack/fieldsync/internal/fielddata"
	"github.com/tanktrack/fieldsync/internal/mediaqueue"
	"github.com/tanktrack/fieldsync/internal/reconcile"
)

var (
	errMissingController = errors.New("autosave controller dependency required")
	errMissingQueue      = errors.New("media queue dependency required")
	errMissingDrafts     = errors.New("draft store dependency required")
	errMissingScheduler  = errors.New("reconcile scheduler dependency required")
)

// Dependencies wires the subsystem services into the local UI API.
type Dependencies struct {
	Controller *autosave.Controller
	Queue      *mediaqueue.Queue
	Drafts     *draftstore.Store
	Scheduler  *reconcile.Scheduler
	Logger     *zap.Logger
}

// NewHTTPHandler builds the loopback HTTP surface the field UI talks to.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Controller == nil {
		return nil, errMissingController
	}
	if deps.Queue == nil {
		return nil, errMissingQueue
	}
	if deps.Drafts == nil {
		return nil, errMissingDrafts
	}
	if deps.Scheduler == nil {
		return nil, errMissingScheduler
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		controller: deps.Controller,
		queue:      deps.Queue,
		drafts:     deps.Drafts,
		scheduler:  deps.Scheduler,
		logger:     logger,
	}

	router.POST("/forms/:recordId/save", handler.handleFormSave)
	router.GET("/queue/status", handler.handleQueueStatus)
	router.GET("/queue/items", handler.handleQueueItems)
	router.POST("/queue/images", handler.handleQueueImage)
	router.POST("/queue/immediate", handler.handleImmediateUpload)
	router.POST("/queue/drain", handler.handleQueueDrain)
	router.DELETE("/queue", handler.handleQueueClear)
	router.GET("/drafts/pending", handler.handlePendingDrafts)
	router.GET("/storage/stats", handler.handleStorageStats)

	return router, nil
}

type httpHandler struct {
	controller *autosave.Controller
	queue      *mediaqueue.Queue
	drafts     *draftstore.Store
	scheduler  *reconcile.Scheduler
	logger     *zap.Logger
}

type formSaveRequestPayload struct {
	Data map[string]any `json:"data"`
}

type formSaveResponsePayload struct {
	Status   string `json:"status"`
	Offline  bool   `json:"offline"`
	Fallback bool   `json:"fallback"`
}

func (h *httpHandler) handleFormSave(c *gin.Context) {
	recordID, err := fielddata.NewRecordID(c.Param("recordId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_record_id"})
		return
	}

	var request formSaveRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Data) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	outcome, err := h.controller.ForceSave(c.Request.Context(), recordID, fielddata.FormData(request.Data))
	if err != nil {
		h.logger.Error("form save failed", zap.String("record_id", recordID.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "save_failed"})
		return
	}

	c.JSON(http.StatusOK, formSaveResponsePayload{
		Status:   string(outcome.Status),
		Offline:  outcome.Offline,
		Fallback: outcome.Fallback,
	})
}

type queueStatusPayload struct {
	Pending   int64 `json:"pending"`
	Uploading int64 `json:"uploading"`
	Failed    int64 `json:"failed"`
	Total     int64 `json:"total"`
}

func (h *httpHandler) handleQueueStatus(c *gin.Context) {
	counts, err := h.queue.Status(c.Request.Context())
	if err != nil {
		h.logger.Error("queue status failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "status_failed"})
		return
	}
	c.JSON(http.StatusOK, queueStatusPayload{
		Pending:   counts.Pending,
		Uploading: counts.Uploading,
		Failed:    counts.Failed,
		Total:     counts.Total,
	})
}

type queueItemPayload struct {
	ItemID            string `json:"item_id"`
	RecordID          string `json:"record_id"`
	LocalURI          string `json:"local_uri"`
	FieldName         string `json:"field_name"`
	Status            string `json:"status"`
	Retries           int    `json:"retries"`
	LastError         string `json:"last_error,omitempty"`
	EnqueuedAtSeconds int64  `json:"enqueued_at_s"`
}

func (h *httpHandler) handleQueueItems(c *gin.Context) {
	items, err := h.queue.Items(c.Request.Context())
	if err != nil {
		h.logger.Error("queue listing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "listing_failed"})
		return
	}
	payload := make([]queueItemPayload, 0, len(items))
	for _, item := range items {
		payload = append(payload, queueItemPayload{
			ItemID:            item.ItemID,
			RecordID:          item.RecordID,
			LocalURI:          item.LocalURI,
			FieldName:         item.FieldName,
			Status:            string(item.Status),
			Retries:           item.Retries,
			LastError:         item.LastError,
			EnqueuedAtSeconds: item.EnqueuedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"items": payload})
}

type enqueueRequestPayload struct {
	RecordID  string `json:"record_id"`
	LocalURI  string `json:"local_uri"`
	FieldName string `json:"field_name"`
}

func (h *httpHandler) parseMediaRequest(c *gin.Context) (fielddata.RecordID, string, fielddata.FieldName, bool) {
	var request enqueueRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return "", "", "", false
	}
	recordID, err := fielddata.NewRecordID(request.RecordID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_record_id"})
		return "", "", "", false
	}
	fieldName, err := fielddata.NewFieldName(request.FieldName)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_field_name"})
		return "", "", "", false
	}
	if strings.TrimSpace(request.LocalURI) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_local_uri"})
		return "", "", "", false
	}
	return recordID, request.LocalURI, fieldName, true
}

func (h *httpHandler) handleQueueImage(c *gin.Context) {
	recordID, localURI, fieldName, ok := h.parseMediaRequest(c)
	if !ok {
		return
	}

	result, err := h.queue.Enqueue(c.Request.Context(), recordID, localURI, fieldName)
	if err != nil {
		h.logger.Error("enqueue failed", zap.String("record_id", recordID.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "enqueue_failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"item_id":        result.Item.ItemID,
		"compressed_uri": result.CompressedURI,
	})
}

func (h *httpHandler) handleImmediateUpload(c *gin.Context) {
	recordID, localURI, fieldName, ok := h.parseMediaRequest(c)
	if !ok {
		return
	}

	if err := h.queue.UploadImmediate(c.Request.Context(), recordID, localURI, fieldName); err != nil {
		h.logger.Warn("immediate upload failed", zap.String("record_id", recordID.String()), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "upload_failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"uploaded": true})
}

type drainResponsePayload struct {
	Ran            bool `json:"ran"`
	Skipped        bool `json:"skipped"`
	FormsDelivered int  `json:"forms_delivered"`
	FormsRemaining int  `json:"forms_remaining"`
	MediaProcessed int  `json:"media_processed"`
	MediaFailed    int  `json:"media_failed"`
}

func (h *httpHandler) handleQueueDrain(c *gin.Context) {
	report, ran, err := h.scheduler.RunNow(c.Request.Context())
	if err != nil {
		h.logger.Error("manual drain failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "drain_failed"})
		return
	}

	c.JSON(http.StatusOK, drainResponsePayload{
		Ran:            ran,
		Skipped:        report.Skipped,
		FormsDelivered: report.FormsDelivered,
		FormsRemaining: report.FormsRemaining,
		MediaProcessed: report.Media.Processed,
		MediaFailed:    report.Media.Failed,
	})
}

func (h *httpHandler) handleQueueClear(c *gin.Context) {
	if err := h.queue.Clear(c.Request.Context()); err != nil {
		h.logger.Error("queue clear failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "clear_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cleared": true})
}

type pendingDraftPayload struct {
	RecordID          string         `json:"record_id"`
	Data              map[string]any `json:"data"`
	CapturedAtSeconds int64          `json:"captured_at_s"`
}

func (h *httpHandler) handlePendingDrafts(c *gin.Context) {
	drafts, err := h.drafts.PendingForms(c.Request.Context())
	if err != nil {
		h.logger.Error("pending drafts listing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "listing_failed"})
		return
	}
	payload := make([]pendingDraftPayload, 0, len(drafts))
	for _, draft := range drafts {
		payload = append(payload, pendingDraftPayload{
			RecordID:          draft.RecordID.String(),
			Data:              draft.Data,
			CapturedAtSeconds: draft.CapturedAt.Unix(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"drafts": payload})
}

func (h *httpHandler) handleStorageStats(c *gin.Context) {
	stats, err := h.drafts.Stats(c.Request.Context())
	if err != nil {
		h.logger.Error("storage stats failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stats_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"draft_count":        stats.DraftCount,
		"file_ref_count":     stats.FileRefCount,
		"oldest_draft_age_s": int64(stats.OldestDraftAge.Seconds()),
		"has_pending_drafts": stats.HasPendingDrafts,
	})
}
