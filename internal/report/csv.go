package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"time"

	"github.com/jszwec/csvutil"

	"github.com/Ashu27-arc/eye-test/internal/repository"
)

type csvRow struct {
	ID               string    `csv:"id"`
	CreatedAt        time.Time `csv:"createdAt"`
	Category         string    `csv:"category"`
	Confidence       *float64  `csv:"confidence"`
	EyeSide          *string   `csv:"eyeSide"`
	Status           string    `csv:"status"`
	Prediction       string    `csv:"prediction"`
	Error            *string   `csv:"error"`
	ProcessingTimeMs int64     `csv:"processingTimeMs"`
	OriginalFilename string    `csv:"originalFilename"`
	MimeType         string    `csv:"mimeType"`
	FileSize         int64     `csv:"fileSize"`
	UserID           *string   `csv:"userId"`
	ImageURL         *string   `csv:"imageUrl"`
}

// WriteCSV writes one row per record, header included even for an empty list.
func WriteCSV(w io.Writer, records []repository.PredictionRecord) error {
	cw := csv.NewWriter(w)
	enc := csvutil.NewEncoder(cw)

	rows := make([]csvRow, 0, len(records))
	for _, rec := range records {
		rows = append(rows, csvRow{
			ID:               rec.ID,
			CreatedAt:        rec.CreatedAt.UTC(),
			Category:         string(rec.Category),
			Confidence:       rec.Confidence,
			EyeSide:          rec.EyeSide,
			Status:           string(rec.Status),
			Prediction:       rec.Prediction,
			Error:            rec.Error,
			ProcessingTimeMs: rec.ProcessingTime,
			OriginalFilename: rec.OriginalFilename,
			MimeType:         rec.MimeType,
			FileSize:         rec.FileSize,
			UserID:           rec.UserID,
			ImageURL:         rec.ImageURL,
		})
	}

	var err error
	if len(rows) == 0 {
		err = enc.EncodeHeader(csvRow{})
	} else {
		err = enc.Encode(rows)
	}
	if err != nil {
		return fmt.Errorf("encode csv: %w", err)
	}

	cw.Flush()
	return cw.Error()
}
