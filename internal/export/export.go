// Package export renders saved days as an Excel workbook.
package export

import (
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"

	"ndk-tracker-go/internal/types"
)

const (
	SheetEntries      = "Entries"
	SheetConversation = "Conversation"

	ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

var (
	entryHeader        = []any{"date", "session_id", "start_time", "category", "item"}
	conversationHeader = []any{"session_id", "from", "timestamp", "voice_input", "message"}
)

// WriteWorkbook writes one row per structured entry and one row per turn.
func WriteWorkbook(w io.Writer, days []types.DailyRecord) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SheetEntries); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}
	if _, err := f.NewSheet(SheetConversation); err != nil {
		return fmt.Errorf("new sheet: %w", err)
	}

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("header style: %w", err)
	}
	for sheet, header := range map[string][]any{SheetEntries: entryHeader, SheetConversation: conversationHeader} {
		if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
			return fmt.Errorf("%s header: %w", sheet, err)
		}
		end, _ := excelize.CoordinatesToCellName(len(header), 1)
		if err := f.SetCellStyle(sheet, "A1", end, bold); err != nil {
			return fmt.Errorf("%s header style: %w", sheet, err)
		}
	}

	entryRow, turnRow := 2, 2
	for _, d := range days {
		for _, s := range d.Sessions {
			start := ""
			if !s.StartTime.IsZero() {
				start = s.StartTime.Format(time.RFC3339)
			}
			for _, c := range types.AllCategories() {
				for _, item := range s.StructuredData[c] {
					row := []any{d.Date, s.SessionID, start, string(c), item}
					if err := setRow(f, SheetEntries, entryRow, row); err != nil {
						return err
					}
					entryRow++
				}
			}
			for _, t := range s.Conversation {
				row := []any{s.SessionID, string(t.From), t.Timestamp.Format(time.RFC3339), t.VoiceInput, t.Message}
				if err := setRow(f, SheetConversation, turnRow, row); err != nil {
					return err
				}
				turnRow++
			}
		}
	}

	f.SetActiveSheet(0)
	if err := f.Write(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func setRow(f *excelize.File, sheet string, n int, row []any) error {
	cell, err := excelize.CoordinatesToCellName(1, n)
	if err != nil {
		return err
	}
	if err := f.SetSheetRow(sheet, cell, &row); err != nil {
		return fmt.Errorf("%s row %d: %w", sheet, n, err)
	}
	return nil
}
