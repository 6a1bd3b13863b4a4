package audit

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/comptaflow/comptaflow/internal/models"
	"github.com/comptaflow/comptaflow/internal/monitoring"
)

var exportHeader = []string{"Timestamp", "Category", "User ID", "Resource", "Action", "Outcome", "IP Address"}

// Export is a rendered CSV file ready to be served as an attachment
type Export struct {
	Filename    string
	Data        []byte
	RecordCount int
}

// ExportCSV renders the newest matching trail rows, up to the export cap.
// Zero matches is an error; no empty file is produced.
func (s *Service) ExportCSV(ctx context.Context, f Filter) (*Export, error) {
	if err := f.Normalize(s.cfg); err != nil {
		return nil, err
	}
	f.Offset = 0
	f.Limit = s.cfg.ExportLimit

	events, err := s.store.QueryTrail(ctx, f)
	if err != nil {
		monitoring.RecordAuditExport("error")
		return nil, err
	}
	if len(events) == 0 {
		monitoring.RecordAuditExport("empty")
		return nil, ErrNoMatchingRecords
	}

	monitoring.RecordAuditExport("success")
	return &Export{
		Filename:    ExportFilename(s.now()),
		Data:        RenderCSV(events),
		RecordCount: len(events),
	}, nil
}

// ExportFilename names an export produced at t
func ExportFilename(t time.Time) string {
	return fmt.Sprintf("audit_trail_%s.csv", t.UTC().Format(time.RFC3339))
}

// RenderCSV writes the header and one line per event with every field quoted
func RenderCSV(events []models.AuditEvent) []byte {
	var buf bytes.Buffer
	writeRecord(&buf, exportHeader)
	for i := range events {
		e := &events[i]
		var userID, ip string
		if e.UserID != nil {
			userID = e.UserID.String()
		}
		if e.IPAddress != nil {
			ip = *e.IPAddress
		}
		writeRecord(&buf, []string{
			e.CreatedAt.UTC().Format(time.RFC3339),
			string(e.Category),
			userID,
			e.Resource,
			e.Action,
			e.Outcome,
			ip,
		})
	}
	return buf.Bytes()
}

// writeRecord quotes unconditionally; encoding/csv only quotes when needed
func writeRecord(buf *bytes.Buffer, fields []string) {
	for i, f := range fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteByte('"')
		buf.WriteString(strings.ReplaceAll(f, `"`, `""`))
		buf.WriteByte('"')
	}
	buf.WriteString("\r\n")
}
