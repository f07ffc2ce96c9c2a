package mediaqueue

import (
	"errors"
	"fmt"
	"strings"
)

// Status is the closed set of queue item states.
type Status string

const (
	// StatusPending marks an item waiting for its next drain attempt.
	StatusPending Status = "pending"
	// StatusUploading marks an item currently in flight. Rows left in this
	// state by a crash are reset to pending when the queue is reopened.
	StatusUploading Status = "uploading"
	// StatusFailed marks an item whose retries exceeded the ceiling. Terminal
	// until the user clears the queue or recaptures.
	StatusFailed Status = "failed"
)

// ErrInvalidStatus indicates a stored status outside the closed set.
var ErrInvalidStatus = errors.New("mediaqueue: invalid status")

// ParseStatus validates a stored status value.
func ParseStatus(value string) (Status, error) {
	switch Status(strings.TrimSpace(value)) {
	case StatusPending:
		return StatusPending, nil
	case StatusUploading:
		return StatusUploading, nil
	case StatusFailed:
		return StatusFailed, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, value)
	}
}

// ItemRow persists one pending media upload. Completed items are removed
// outright, so the table only ever holds non-terminal or explicitly failed
// rows.
type ItemRow struct {
	ItemID            string `gorm:"column:item_id;primaryKey;size:190;not null"`
	RecordID          string `gorm:"column:record_id;size:190;not null;index:idx_queue_record_enqueued,priority:1"`
	LocalURI          string `gorm:"column:local_uri;type:text;not null"`
	FieldName         string `gorm:"column:field_name;size:190;not null"`
	Status            string `gorm:"column:status;size:32;not null;index"`
	Retries           int    `gorm:"column:retries;not null;default:0"`
	LastError         string `gorm:"column:last_error;type:text;not null;default:''"`
	EnqueuedAtSeconds int64  `gorm:"column:enqueued_at_s;not null;index:idx_queue_record_enqueued,priority:2"`
	UpdatedAtSeconds  int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ItemRow) TableName() string {
	return "upload_queue_items"
}

// Item is the retrieval shape for a queue entry.
type Item struct {
	ItemID     string
	RecordID   string
	LocalURI   string
	FieldName  string
	Status     Status
	Retries    int
	LastError  string
	EnqueuedAt int64
}

func itemFromRow(row ItemRow) (Item, error) {
	status, err := ParseStatus(row.Status)
	if err != nil {
		return Item{}, err
	}
	return Item{
		ItemID:     row.ItemID,
		RecordID:   row.RecordID,
		LocalURI:   row.LocalURI,
		FieldName:  row.FieldName,
		Status:     status,
		Retries:    row.Retries,
		LastError:  row.LastError,
		EnqueuedAt: row.EnqueuedAtSeconds,
	}, nil
}
