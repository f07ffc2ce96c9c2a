package draftstore

// FormDraftRow persists the latest known-good form snapshot for one record.
// At most one row exists per record; saves replace, never append.
type FormDraftRow struct {
	RecordID          string `gorm:"column:record_id;primaryKey;size:190;not null"`
	PayloadJSON       string `gorm:"column:payload_json;type:text;not null"`
	CapturedAtSeconds int64  `gorm:"column:captured_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (FormDraftRow) TableName() string {
	return "form_drafts"
}

// FileRefRow persists auxiliary local-file references for one record. The
// media bytes themselves are tracked by the upload queue, not here.
type FileRefRow struct {
	RecordID         string `gorm:"column:record_id;primaryKey;size:190;not null"`
	RefsJSON         string `gorm:"column:refs_json;type:text;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (FileRefRow) TableName() string {
	return "file_refs"
}
