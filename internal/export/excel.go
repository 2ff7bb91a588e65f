// Package export renders the audit history log into an .xlsx workbook for
// operators.
package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"taskbridge/internal/models"

	"github.com/rs/zerolog"
	"github.com/xuri/excelize/v2"
)

// HistorySource is the slice of the ledger the exporter reads.
type HistorySource interface {
	ListHistory(ctx context.Context, from, to time.Time) ([]models.HistoryEntry, error)
}

type Service struct {
	source HistorySource
	path   string
	logger zerolog.Logger
}

func NewService(source HistorySource, path string, logger *zerolog.Logger) *Service {
	return &Service{
		source: source,
		path:   path,
		logger: logger.With().Str("component", "export").Logger(),
	}
}

// ExportHistory writes the audit entries of a time range to a workbook and
// returns the file path.
func (s *Service) ExportHistory(ctx context.Context, from, to time.Time) (string, error) {
	if err := os.MkdirAll(s.path, 0o755); err != nil {
		return "", fmt.Errorf("error creating export directory: %w", err)
	}

	entries, err := s.source.ListHistory(ctx, from, to)
	if err != nil {
		return "", fmt.Errorf("error reading history: %w", err)
	}

	f := excelize.NewFile()
	defer f.Close()

	const sheetName = "Sync History"
	index, err := f.NewSheet(sheetName)
	if err != nil {
		return "", fmt.Errorf("error creating sheet: %w", err)
	}
	f.SetActiveSheet(index)

	_ = f.SetCellValue(sheetName, "A1", fmt.Sprintf("Period: %s - %s",
		from.Format("2006-01-02"), to.Format("2006-01-02")))

	headers := []string{"Time", "Action", "Notes ID", "Scheduler ID", "Correlation ID", "Error", "Payload"}
	for i, header := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 2)
		_ = f.SetCellValue(sheetName, cell, header)
	}

	for rowIdx, entry := range entries {
		values := []any{
			entry.CreatedAt.Format(time.RFC3339),
			entry.Action,
			entry.NotesID,
			derefOrEmpty(entry.SchedulerID),
			entry.CorrelationID,
			derefOrEmpty(entry.Error),
			entry.Payload,
		}
		for colIdx, value := range values {
			cell, _ := excelize.CoordinatesToCellName(colIdx+1, rowIdx+3)
			_ = f.SetCellValue(sheetName, cell, value)
		}
	}

	_ = f.SetColWidth(sheetName, "A", "A", 22)
	_ = f.SetColWidth(sheetName, "B", "F", 28)
	_ = f.SetColWidth(sheetName, "G", "G", 60)

	style, _ := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
	})
	_ = f.SetCellStyle(sheetName, "A2", "G2", style)

	_ = f.DeleteSheet("Sheet1")

	fileName := fmt.Sprintf("sync_history_%s_to_%s.xlsx",
		from.Format("2006-01-02"), to.Format("2006-01-02"))
	filePath := filepath.Join(s.path, fileName)

	if err := f.SaveAs(filePath); err != nil {
		return "", fmt.Errorf("error saving file: %w", err)
	}

	s.logger.Info().Str("file_path", filePath).Int("entries", len(entries)).Msg("history export created")
	return filePath, nil
}

func derefOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
