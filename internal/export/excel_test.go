package export

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"taskbridge/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

type fakeHistory struct {
	entries []models.HistoryEntry
	err     error

	gotFrom time.Time
	gotTo   time.Time
}

func (f *fakeHistory) ListHistory(_ context.Context, from, to time.Time) ([]models.HistoryEntry, error) {
	f.gotFrom = from
	f.gotTo = to
	return f.entries, f.err
}

func TestExportHistory(t *testing.T) {
	schedulerID := "sched-1"
	errMsg := "timeout talking to scheduler"
	source := &fakeHistory{
		entries: []models.HistoryEntry{
			{
				NotesID:       "n-1",
				SchedulerID:   &schedulerID,
				Action:        models.ActionSchedulerCreate,
				CorrelationID: "corr-1",
				Payload:       `{"title":"write report"}`,
				CreatedAt:     time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
			},
			{
				NotesID:   "n-2",
				Action:    models.ActionSchedulerUpdate,
				Error:     &errMsg,
				CreatedAt: time.Date(2026, 3, 3, 11, 30, 0, 0, time.UTC),
			},
		},
	}

	dir := t.TempDir()
	logger := zerolog.Nop()
	svc := NewService(source, dir, &logger)

	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 3, 7, 0, 0, 0, 0, time.UTC)
	path, err := svc.ExportHistory(context.Background(), from, to)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "sync_history_2026-03-01_to_2026-03-07.xlsx"), path)
	assert.Equal(t, from, source.gotFrom)
	assert.Equal(t, to, source.gotTo)

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()

	header, err := f.GetCellValue("Sync History", "B2")
	require.NoError(t, err)
	assert.Equal(t, "Action", header)

	action, err := f.GetCellValue("Sync History", "B3")
	require.NoError(t, err)
	assert.Equal(t, models.ActionSchedulerCreate, action)

	sched, err := f.GetCellValue("Sync History", "D3")
	require.NoError(t, err)
	assert.Equal(t, "sched-1", sched)

	// Nil scheduler ID renders as an empty cell, not "<nil>".
	sched2, err := f.GetCellValue("Sync History", "D4")
	require.NoError(t, err)
	assert.Empty(t, sched2)

	errCell, err := f.GetCellValue("Sync History", "F4")
	require.NoError(t, err)
	assert.Equal(t, errMsg, errCell)
}

func TestExportHistory_EmptyRange(t *testing.T) {
	dir := t.TempDir()
	logger := zerolog.Nop()
	svc := NewService(&fakeHistory{}, dir, &logger)

	path, err := svc.ExportHistory(context.Background(),
		time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Positive(t, info.Size())
}

func TestExportHistory_SourceError(t *testing.T) {
	dir := t.TempDir()
	logger := zerolog.Nop()
	svc := NewService(&fakeHistory{err: errors.New("db closed")}, dir, &logger)

	_, err := svc.ExportHistory(context.Background(), time.Now().Add(-time.Hour), time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db closed")
}

func TestExportHistory_CreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "exports")
	logger := zerolog.Nop()
	svc := NewService(&fakeHistory{}, dir, &logger)

	path, err := svc.ExportHistory(context.Background(),
		time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	_, err = os.Stat(path)
	require.NoError(t, err)
}
