package medrecord

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"
)

const (
	exportSheet    = "Medical Records"
	exportPageSize = 500
)

var exportHeader = []string{
	"ID", "Patient Name", "Age", "Gender", "Height (cm)", "Weight (kg)", "BMI",
	"Blood Pressure", "Heart Rate", "Temperature", "Symptoms", "Diagnosis",
	"Source", "Created At",
}

var exportColumnWidths = []float64{38, 28, 8, 10, 12, 12, 8, 15, 12, 12, 40, 30, 10, 22}

// Export writes every database record to w as an XLSX workbook, newest
// first, and returns the number of records written.
func (s *Service) Export(ctx context.Context, w io.Writer) (int, error) {
	var all []*MedicalRecord
	for offset := 0; ; offset += exportPageSize {
		page, total, err := s.records.List(ctx, exportPageSize, offset)
		if err != nil {
			return 0, fmt.Errorf("list records for export: %w", err)
		}
		all = append(all, page...)
		if len(page) == 0 || offset+len(page) >= total {
			break
		}
	}
	if err := WriteXLSX(w, all); err != nil {
		return 0, err
	}
	return len(all), nil
}

// WriteXLSX renders records as a single-sheet workbook.
func WriteXLSX(w io.Writer, records []*MedicalRecord) error {
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(exportSheet)
	if err != nil {
		return fmt.Errorf("create sheet: %w", err)
	}
	f.SetActiveSheet(index)
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return fmt.Errorf("delete default sheet: %w", err)
	}

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E6F3FF"}, Pattern: 1},
		Alignment: &excelize.Alignment{
			Horizontal: "center",
			Vertical:   "center",
		},
	})
	if err != nil {
		return fmt.Errorf("create header style: %w", err)
	}

	for col, h := range exportHeader {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(exportSheet, cell, h); err != nil {
			return fmt.Errorf("set header cell %s: %w", cell, err)
		}
		if err := f.SetCellStyle(exportSheet, cell, cell, headerStyle); err != nil {
			return fmt.Errorf("set header style: %w", err)
		}
		name, err := excelize.ColumnNumberToName(col + 1)
		if err != nil {
			return err
		}
		if err := f.SetColWidth(exportSheet, name, name, exportColumnWidths[col]); err != nil {
			return fmt.Errorf("set column width: %w", err)
		}
	}

	for i, r := range records {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(exportSheet, cell, exportRow(r)); err != nil {
			return fmt.Errorf("write row %d: %w", i+2, err)
		}
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func exportRow(r *MedicalRecord) *[]interface{} {
	var heartRate interface{}
	if r.HeartRate != nil {
		heartRate = *r.HeartRate
	}
	row := []interface{}{
		r.ID.String(),
		r.PatientName,
		r.Age,
		string(r.Gender),
		r.Height,
		r.Weight,
		r.View().BMI,
		r.BloodPressure,
		heartRate,
		r.Temperature,
		r.Symptoms,
		r.Diagnosis,
		string(r.Source),
		r.CreatedAt.UTC().Format(time.RFC3339),
	}
	return &row
}
