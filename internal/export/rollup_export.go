package export

import (
	"bytes"
	"fmt"
	"math"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	analytics "stationsync/internal/analytics/application"
	"stationsync/internal/analytics/domain/rollup"
)

// Report is the input of the rollup exports for one station.
type Report struct {
	StationID   string
	Granularity rollup.Granularity
	From        time.Time
	To          time.Time
	Buckets     []rollup.Bucket
	Freshness   analytics.Freshness
	GeneratedAt time.Time
}

// BuildRollupXLSX renders the buckets of a report, one row per bucket metric.
func BuildRollupXLSX(report Report) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()
	summarySheet := "summary"
	bucketsSheet := "buckets"
	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(bucketsSheet); err != nil {
		return nil, err
	}

	_ = f.SetCellValue(summarySheet, "A1", "Rollup Export")
	_ = f.SetCellValue(summarySheet, "A3", "Station")
	_ = f.SetCellValue(summarySheet, "B3", report.StationID)
	_ = f.SetCellValue(summarySheet, "A4", "Granularity")
	_ = f.SetCellValue(summarySheet, "B4", string(report.Granularity))
	_ = f.SetCellValue(summarySheet, "A5", "From")
	_ = f.SetCellValue(summarySheet, "B5", report.From.UTC().Format(time.RFC3339))
	_ = f.SetCellValue(summarySheet, "A6", "To")
	_ = f.SetCellValue(summarySheet, "B6", report.To.UTC().Format(time.RFC3339))
	_ = f.SetCellValue(summarySheet, "A7", "Buckets")
	_ = f.SetCellValue(summarySheet, "B7", len(report.Buckets))
	_ = f.SetCellValue(summarySheet, "A8", "Watermark")
	_ = f.SetCellValue(summarySheet, "B8", formatWatermark(report.Freshness))
	_ = f.SetCellValue(summarySheet, "A9", "Stale")
	_ = f.SetCellValue(summarySheet, "B9", report.Freshness.Stale)

	headers := []string{"Period", "Key", "Metric", "Unit", "Count", "Mean", "Min", "Max", "StdDev"}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(bucketsSheet, cell, h)
	}
	row := 2
	for _, bucket := range report.Buckets {
		tk, _ := rollup.NewTimeKey(bucket.Key.Granularity, bucket.Key.PeriodStart)
		for _, name := range bucket.MetricNames() {
			m := bucket.Metrics[name]
			values := []any{
				bucket.Key.PeriodStart.UTC().Format(time.RFC3339),
				tk.String(),
				name,
				m.Unit,
				m.Count,
				round(m.Mean()),
				m.Min,
				m.Max,
				round(m.StdDev()),
			}
			cell, _ := excelize.CoordinatesToCellName(1, row)
			if err := f.SetSheetRow(bucketsSheet, cell, &values); err != nil {
				return nil, fmt.Errorf("export: row %d: %w", row, err)
			}
			row++
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildFreshnessPDF renders a one-page station summary with per-metric totals.
func BuildFreshnessPDF(report Report) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Station Rollup Summary")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Station: %s", report.StationID))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Granularity: %s", report.Granularity))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Range: %s - %s", report.From.UTC().Format(time.RFC3339), report.To.UTC().Format(time.RFC3339)))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Watermark: %s", formatWatermark(report.Freshness)))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Lag: %s  Stale: %t", report.Freshness.Lag.Round(time.Second), report.Freshness.Stale))
	pdf.Ln(5)
	if a := report.Freshness.LastAttempt; a != nil {
		line := fmt.Sprintf("Last attempt: %s %s", a.At.UTC().Format(time.RFC3339), a.Status)
		if a.Error != "" {
			line += fmt.Sprintf(" (retry %d: %s)", a.RetryCount, a.Error)
		}
		pdf.Cell(0, 6, line)
		pdf.Ln(5)
	}
	pdf.Cell(0, 6, fmt.Sprintf("Generated: %s", report.GeneratedAt.UTC().Format(time.RFC3339)))
	pdf.Ln(8)

	pdf.SetFont("Arial", "B", 10)
	pdf.CellFormat(40, 6, "Metric", "1", 0, "C", false, 0, "")
	pdf.CellFormat(25, 6, "Count", "1", 0, "C", false, 0, "")
	pdf.CellFormat(30, 6, "Mean", "1", 0, "C", false, 0, "")
	pdf.CellFormat(30, 6, "Min", "1", 0, "C", false, 0, "")
	pdf.CellFormat(30, 6, "Max", "1", 0, "C", false, 0, "")
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 10)
	for _, total := range totals(report.Buckets) {
		pdf.CellFormat(40, 6, total.name, "1", 0, "L", false, 0, "")
		pdf.CellFormat(25, 6, fmt.Sprintf("%d", total.Count), "1", 0, "R", false, 0, "")
		pdf.CellFormat(30, 6, fmt.Sprintf("%.3f", total.Mean()), "1", 0, "R", false, 0, "")
		pdf.CellFormat(30, 6, fmt.Sprintf("%.3f", total.Min), "1", 0, "R", false, 0, "")
		pdf.CellFormat(30, 6, fmt.Sprintf("%.3f", total.Max), "1", 0, "R", false, 0, "")
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type metricTotal struct {
	name string
	rollup.Stats
}

// totals merges the buckets of a report per metric, ordered by name.
func totals(buckets []rollup.Bucket) []metricTotal {
	merged := rollup.Bucket{Metrics: make(map[string]rollup.MetricStats)}
	for _, bucket := range buckets {
		for name, m := range bucket.Metrics {
			ms := merged.Metrics[name]
			ms.Merge(m.Stats)
			merged.Metrics[name] = ms
		}
	}
	out := make([]metricTotal, 0, len(merged.Metrics))
	for _, name := range merged.MetricNames() {
		out = append(out, metricTotal{name: name, Stats: merged.Metrics[name].Stats})
	}
	return out
}

func formatWatermark(f analytics.Freshness) string {
	if f.Watermark == nil {
		return "never"
	}
	return f.Watermark.UTC().Format(time.RFC3339)
}

func round(v float64) float64 {
	return math.Round(v*1000) / 1000
}
