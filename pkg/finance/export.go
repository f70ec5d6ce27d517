package finance

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strconv"
	"time"

	"github.com/go-pdf/fpdf"
)

// renderCSV writes the snapshot header followed by the per-property table.
func renderCSV(report Report) ([]byte, error) {
	var buffer bytes.Buffer
	writer := csv.NewWriter(&buffer)
	headerRows := [][]string{
		{"report_type", report.Data.ReportType},
		{"month", report.Data.Month},
		{"generated_at", time.Unix(report.GeneratedUnixUTC, 0).UTC().Format(time.RFC3339)},
		{"notes", report.Data.Notes},
		{"total_invoiced", report.Data.TotalInvoiced.String()},
		{"total_collected", report.Data.TotalCollected.String()},
		{"outstanding", report.Data.Outstanding.String()},
		{"invoice_count", strconv.Itoa(report.Data.InvoiceCount)},
		{"payment_count", strconv.Itoa(report.Data.PaymentCount)},
	}
	for _, row := range headerRows {
		if err := writer.Write(row); err != nil {
			return nil, fmt.Errorf("write csv: %w", err)
		}
	}
	if err := writer.Write([]string{"property_id", "total_invoiced", "total_collected", "outstanding"}); err != nil {
		return nil, fmt.Errorf("write csv: %w", err)
	}
	for _, property := range report.Data.Properties {
		row := []string{
			property.PropertyID,
			property.TotalInvoiced.String(),
			property.TotalCollected.String(),
			property.Outstanding.String(),
		}
		if err := writer.Write(row); err != nil {
			return nil, fmt.Errorf("write csv: %w", err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("flush csv: %w", err)
	}
	return buffer.Bytes(), nil
}

// renderPDF lays the same snapshot out as a one-page table.
func renderPDF(report Report) ([]byte, error) {
	document := fpdf.New("P", "mm", "A4", "")
	document.AddPage()

	document.SetFont("Helvetica", "B", 14)
	document.Cell(0, 10, fmt.Sprintf("Finance report: %s %s", report.Data.ReportType, report.Data.Month))
	document.Ln(12)

	document.SetFont("Helvetica", "", 10)
	document.Cell(0, 6, fmt.Sprintf("Generated %s", time.Unix(report.GeneratedUnixUTC, 0).UTC().Format(time.RFC3339)))
	document.Ln(6)
	if report.Data.Notes != "" {
		document.Cell(0, 6, fmt.Sprintf("Notes: %s", report.Data.Notes))
		document.Ln(6)
	}
	document.Cell(0, 6, fmt.Sprintf("Invoices: %d    Payments: %d", report.Data.InvoiceCount, report.Data.PaymentCount))
	document.Ln(10)

	document.SetFont("Helvetica", "B", 10)
	columnWidths := []float64{60, 40, 40, 40}
	columnTitles := []string{"Property", "Invoiced", "Collected", "Outstanding"}
	for index, title := range columnTitles {
		document.CellFormat(columnWidths[index], 7, title, "1", 0, "L", false, 0, "")
	}
	document.Ln(-1)

	document.SetFont("Helvetica", "", 10)
	for _, property := range report.Data.Properties {
		cells := []string{
			property.PropertyID,
			property.TotalInvoiced.String(),
			property.TotalCollected.String(),
			property.Outstanding.String(),
		}
		for index, cell := range cells {
			document.CellFormat(columnWidths[index], 7, cell, "1", 0, "L", false, 0, "")
		}
		document.Ln(-1)
	}

	document.SetFont("Helvetica", "B", 10)
	totals := []string{
		"Total",
		report.Data.TotalInvoiced.String(),
		report.Data.TotalCollected.String(),
		report.Data.Outstanding.String(),
	}
	for index, cell := range totals {
		document.CellFormat(columnWidths[index], 7, cell, "1", 0, "L", false, 0, "")
	}
	document.Ln(-1)

	var buffer bytes.Buffer
	if err := document.Output(&buffer); err != nil {
		return nil, fmt.Errorf("render pdf: %w", err)
	}
	return buffer.Bytes(), nil
}
