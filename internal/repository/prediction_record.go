package repository

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/Ashu27-arc/eye-test/internal/interpreter"
)

// Status tracks where a prediction attempt ended up.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

var errFailedWithoutError = errors.New("failed prediction record requires an error message")

// PredictionRecord is one persisted prediction attempt. Records are written
// once and never updated.
type PredictionRecord struct {
	ID               string               `gorm:"primaryKey;size:36" json:"id"`
	ImagePath        string               `gorm:"column:image_path;not null" json:"imagePath"`
	ImageURL         *string              `gorm:"column:image_url" json:"imageUrl"`
	OriginalFilename string               `gorm:"column:original_filename;size:255" json:"originalFilename"`
	FileSize         int64                `gorm:"column:file_size" json:"fileSize"`
	MimeType         string               `gorm:"column:mime_type;size:64" json:"mimeType"`
	DeviceInfo       *string              `gorm:"column:device_info;type:text" json:"deviceInfo"`
	UserID           *string              `gorm:"column:user_id;size:64;index" json:"userId"`
	Prediction       string               `gorm:"column:prediction;type:text;not null" json:"prediction"`
	Confidence       *float64             `gorm:"column:confidence" json:"confidence"`
	Category         interpreter.Category `gorm:"column:category;size:32;not null;index" json:"category"`
	EyeSide          *string              `gorm:"column:eye_side;size:16" json:"eyeSide"`
	Status           Status               `gorm:"column:status;size:16;not null" json:"status"`
	Error            *string              `gorm:"column:error;type:text" json:"error"`
	ProcessingTime   int64                `gorm:"column:processing_time;not null" json:"processingTime"`
	CreatedAt        time.Time            `gorm:"column:created_at;index" json:"createdAt"`
	UpdatedAt        time.Time            `gorm:"column:updated_at" json:"updatedAt"`
}

func (PredictionRecord) TableName() string {
	return "eye_tests"
}

// BeforeCreate assigns the id and enforces the record invariants.
func (r *PredictionRecord) BeforeCreate(*gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Category == "" {
		r.Category = interpreter.CategoryNormal
	}
	if r.Status == "" {
		r.Status = StatusPending
	}
	if r.Status == StatusFailed && r.Error == nil {
		return errFailedWithoutError
	}
	return nil
}

// sortColumns maps accepted sortBy values, json or column spelling, to columns.
var sortColumns = map[string]string{
	"id":                "id",
	"createdAt":         "created_at",
	"created_at":        "created_at",
	"updatedAt":         "updated_at",
	"updated_at":        "updated_at",
	"imagePath":         "image_path",
	"image_path":        "image_path",
	"originalFilename":  "original_filename",
	"original_filename": "original_filename",
	"fileSize":          "file_size",
	"file_size":         "file_size",
	"mimeType":          "mime_type",
	"mime_type":         "mime_type",
	"prediction":        "prediction",
	"confidence":        "confidence",
	"category":          "category",
	"eyeSide":           "eye_side",
	"eye_side":          "eye_side",
	"status":            "status",
	"processingTime":    "processing_time",
	"processing_time":   "processing_time",
}

// SortColumn resolves a sortBy value. Unknown values fall back to created_at.
func SortColumn(sortBy string) string {
	if col, ok := sortColumns[sortBy]; ok {
		return col
	}
	return "created_at"
}
