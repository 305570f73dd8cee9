// Package report renders prediction records as downloadable documents.
package report

import (
	"fmt"
	"strconv"
	"time"

	"github.com/johnfercher/maroto/v2"
	"github.com/johnfercher/maroto/v2/pkg/components/line"
	"github.com/johnfercher/maroto/v2/pkg/components/text"
	"github.com/johnfercher/maroto/v2/pkg/consts/align"
	"github.com/johnfercher/maroto/v2/pkg/consts/fontstyle"
	"github.com/johnfercher/maroto/v2/pkg/props"

	"github.com/Ashu27-arc/eye-test/internal/repository"
)

const notAvailable = "n/a"

var (
	titleStyle = props.Text{Size: 16, Style: fontstyle.Bold, Align: align.Center}
	labelStyle = props.Text{Size: 10, Style: fontstyle.Bold, Top: 1}
	valueStyle = props.Text{Size: 10, Top: 1}
	footStyle  = props.Text{Size: 8, Style: fontstyle.Italic, Align: align.Center, Top: 2}
)

// RenderPDF produces a one page report for a single prediction record.
func RenderPDF(rec *repository.PredictionRecord) ([]byte, error) {
	m := maroto.New()

	m.AddRows(
		text.NewRow(12, "Eye Test Report", titleStyle),
		line.NewRow(4),
	)

	for _, field := range reportFields(rec) {
		m.AddRow(7,
			text.NewCol(4, field[0], labelStyle),
			text.NewCol(8, field[1], valueStyle),
		)
	}

	m.AddRows(
		line.NewRow(4),
		text.NewRow(8, "Screening result only. Consult an eye care professional for diagnosis.", footStyle),
	)

	doc, err := m.Generate()
	if err != nil {
		return nil, fmt.Errorf("generate pdf: %w", err)
	}
	return doc.GetBytes(), nil
}

func reportFields(rec *repository.PredictionRecord) [][2]string {
	confidence := notAvailable
	if rec.Confidence != nil {
		confidence = strconv.FormatFloat(*rec.Confidence, 'f', 1, 64) + "%"
	}

	fields := [][2]string{
		{"Record", rec.ID},
		{"Date", rec.CreatedAt.UTC().Format(time.RFC1123)},
		{"Eye", deref(rec.EyeSide)},
		{"Category", string(rec.Category)},
		{"Confidence", confidence},
		{"Status", string(rec.Status)},
		{"Scorer output", rec.Prediction},
		{"Processing time", fmt.Sprintf("%dms", rec.ProcessingTime)},
		{"Image", rec.OriginalFilename},
	}
	if rec.Error != nil {
		fields = append(fields, [2]string{"Error", *rec.Error})
	}
	return fields
}

func deref(s *string) string {
	if s == nil || *s == "" {
		return notAvailable
	}
	return *s
}
