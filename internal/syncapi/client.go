// Package syncapi implements the HTTP client for the remote field-operations
// API: form-field upserts and media uploads for maintenance records.
package syncapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tanktrack/fieldsync/internal/fielddata"
)

var (
	errMissingBaseURL = errors.New("base url is required")
	noOpLogger        = zap.NewNop()
)

const (
	defaultFormSaveTimeout = 30 * time.Second
	defaultUploadTimeout   = 60 * time.Second

	opClientNew   = "syncapi.new"
	opPutForm     = "syncapi.put_form"
	opUploadImage = "syncapi.upload_image"
)

// RequestError carries a machine-readable code, the HTTP status when the
// server answered, and the underlying cause. A zero StatusCode means the
// request never completed (transport failure or timeout).
type RequestError struct {
	code       string
	StatusCode int
	err        error
}

func (e *RequestError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *RequestError) Unwrap() error {
	return e.err
}

func (e *RequestError) Code() string {
	return e.code
}

// Transient reports whether the failure is worth retrying: transport
// failures, timeouts, and 5xx responses. A 4xx is a server rejection.
func (e *RequestError) Transient() bool {
	if e.StatusCode == 0 {
		return true
	}
	return e.StatusCode >= 500
}

// IsTransient reports whether err represents a recoverable network failure.
func IsTransient(err error) bool {
	var requestErr *RequestError
	if errors.As(err, &requestErr) {
		return requestErr.Transient()
	}
	return false
}

func newRequestError(operation, reason string, statusCode int, cause error) error {
	return &RequestError{
		code:       fmt.Sprintf("%s.%s", operation, reason),
		StatusCode: statusCode,
		err:        cause,
	}
}

// ClientConfig carries the settings for a Client.
type ClientConfig struct {
	BaseURL         string
	AuthToken       string
	HTTPClient      *http.Client
	FormSaveTimeout time.Duration
	UploadTimeout   time.Duration
	Logger          *zap.Logger
}

// Client talks to the remote sync API.
type Client struct {
	baseURL         string
	authToken       string
	httpClient      *http.Client
	formSaveTimeout time.Duration
	uploadTimeout   time.Duration
	logger          *zap.Logger
}

// NewClient validates the configuration and returns a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, newRequestError(opClientNew, "missing_base_url", 0, errMissingBaseURL)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	formSaveTimeout := cfg.FormSaveTimeout
	if formSaveTimeout <= 0 {
		formSaveTimeout = defaultFormSaveTimeout
	}
	uploadTimeout := cfg.UploadTimeout
	if uploadTimeout <= 0 {
		uploadTimeout = defaultUploadTimeout
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Client{
		baseURL:         baseURL,
		authToken:       cfg.AuthToken,
		httpClient:      httpClient,
		formSaveTimeout: formSaveTimeout,
		uploadTimeout:   uploadTimeout,
		logger:          logger,
	}, nil
}

// PutForm upserts the full canonicalized field mapping for a record.
func (c *Client) PutForm(ctx context.Context, recordID fielddata.RecordID, payload fielddata.FormData) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return newRequestError(opPutForm, "marshal_failed", 0, err)
	}

	requestCtx, cancel := context.WithTimeout(ctx, c.formSaveTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/maintenance/%s", c.baseURL, recordID.String())
	request, err := http.NewRequestWithContext(requestCtx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return newRequestError(opPutForm, "request_build_failed", 0, err)
	}
	request.Header.Set("Content-Type", "application/json")
	c.authorize(request)

	response, err := c.httpClient.Do(request)
	if err != nil {
		c.logger.Warn("form save request failed",
			zap.String("record_id", recordID.String()),
			zap.Error(err))
		return newRequestError(opPutForm, "transport_failed", 0, err)
	}
	defer drainAndClose(response.Body)

	if response.StatusCode < 200 || response.StatusCode > 299 {
		c.logger.Warn("form save rejected",
			zap.String("record_id", recordID.String()),
			zap.Int("status", response.StatusCode))
		return newRequestError(opPutForm, "unexpected_status", response.StatusCode,
			fmt.Errorf("status %d", response.StatusCode))
	}

	return nil
}

// UploadImage posts one compressed media file as a multipart body for the
// record and logical field slot. A 2xx response means durable acceptance.
func (c *Client) UploadImage(ctx context.Context, recordID fielddata.RecordID, fieldName fielddata.FieldName, filePath string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return newRequestError(opUploadImage, "open_failed", 0, err)
	}
	defer file.Close()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filepath.Base(filePath))
	if err != nil {
		return newRequestError(opUploadImage, "multipart_build_failed", 0, err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return newRequestError(opUploadImage, "multipart_copy_failed", 0, err)
	}
	if err := writer.WriteField("fieldName", fieldName.String()); err != nil {
		return newRequestError(opUploadImage, "multipart_build_failed", 0, err)
	}
	if err := writer.Close(); err != nil {
		return newRequestError(opUploadImage, "multipart_build_failed", 0, err)
	}

	requestCtx, cancel := context.WithTimeout(ctx, c.uploadTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/maintenance/%s/upload-image", c.baseURL, recordID.String())
	request, err := http.NewRequestWithContext(requestCtx, http.MethodPost, url, &body)
	if err != nil {
		return newRequestError(opUploadImage, "request_build_failed", 0, err)
	}
	request.Header.Set("Content-Type", writer.FormDataContentType())
	c.authorize(request)

	response, err := c.httpClient.Do(request)
	if err != nil {
		c.logger.Warn("image upload request failed",
			zap.String("record_id", recordID.String()),
			zap.String("field_name", fieldName.String()),
			zap.Error(err))
		return newRequestError(opUploadImage, "transport_failed", 0, err)
	}
	defer drainAndClose(response.Body)

	if response.StatusCode < 200 || response.StatusCode > 299 {
		c.logger.Warn("image upload rejected",
			zap.String("record_id", recordID.String()),
			zap.String("field_name", fieldName.String()),
			zap.Int("status", response.StatusCode))
		return newRequestError(opUploadImage, "unexpected_status", response.StatusCode,
			fmt.Errorf("status %d", response.StatusCode))
	}

	return nil
}

func (c *Client) authorize(request *http.Request) {
	if c.authToken != "" {
		request.Header.Set("Authorization", "Bearer "+c.authToken)
	}
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 4096))
	_ = body.Close()
}
