package audit

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"
)

// ErrUnsupportedFormat is returned for an unknown export format
var ErrUnsupportedFormat = fmt.Errorf("unsupported export format")

// ParseExportFormat validates a format name. An empty name means JSON.
func ParseExportFormat(s string) (ExportFormat, error) {
	switch ExportFormat(s) {
	case "", ExportFormatJSON:
		return ExportFormatJSON, nil
	case ExportFormatCSV, ExportFormatNDJSON:
		return ExportFormat(s), nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, s)
}

// ContentType returns the MIME type for the format
func (f ExportFormat) ContentType() string {
	switch f {
	case ExportFormatCSV:
		return "text/csv"
	case ExportFormatNDJSON:
		return "application/x-ndjson"
	}
	return "application/json"
}

// Export writes events to w in the given format
func Export(w io.Writer, events []*AuditEvent, format ExportFormat) error {
	switch format {
	case ExportFormatJSON, "":
		return exportJSON(w, events)
	case ExportFormatNDJSON:
		return exportNDJSON(w, events)
	case ExportFormatCSV:
		return exportCSV(w, events)
	}
	return fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
}

// exportJSON exports audit events as JSON array
func exportJSON(w io.Writer, events []*AuditEvent) error {
	if events == nil {
		events = []*AuditEvent{}
	}
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(events)
}

// exportNDJSON exports audit events as newline-delimited JSON
func exportNDJSON(w io.Writer, events []*AuditEvent) error {
	encoder := json.NewEncoder(w)
	for _, event := range events {
		if err := encoder.Encode(event); err != nil {
			return fmt.Errorf("failed to encode event: %w", err)
		}
	}
	return nil
}

var csvHeader = []string{
	"ID",
	"Timestamp",
	"EventType",
	"Status",
	"UserID",
	"OrganizationID",
	"ResourceType",
	"ResourceID",
	"Action",
	"Reason",
	"RequestID",
	"IPAddress",
	"Method",
	"Path",
	"Message",
}

// exportCSV exports audit events as CSV
func exportCSV(w io.Writer, events []*AuditEvent) error {
	writer := csv.NewWriter(w)

	if err := writer.Write(csvHeader); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, event := range events {
		row := []string{
			strconv.FormatInt(event.ID, 10),
			event.Timestamp.UTC().Format(time.RFC3339),
			string(event.EventType),
			string(event.Status),
			formatInt64Ptr(event.UserID),
			formatInt64Ptr(event.OrganizationID),
			string(event.ResourceType),
			event.ResourceID,
			event.Action,
			event.Reason,
			event.RequestID,
			event.IPAddress,
			event.Method,
			event.Path,
			event.Message,
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("CSV writer error: %w", err)
	}
	return nil
}

// formatInt64Ptr formats an int64 pointer as string, returning empty string for nil
func formatInt64Ptr(val *int64) string {
	if val == nil {
		return ""
	}
	return strconv.FormatInt(*val, 10)
}
