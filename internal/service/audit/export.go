package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/davidleathers/secure-transfer-gateway/internal/domain/audit"
	"github.com/davidleathers/secure-transfer-gateway/internal/domain/errors"
)

// ExportFormat represents the supported export formats
type ExportFormat string

const (
	ExportFormatJSON    ExportFormat = "json"
	ExportFormatTabular ExportFormat = "tabular"
)

// tabularColumns is the fixed column order of the tabular format.
var tabularColumns = []string{
	"id", "timestamp", "eventType", "severity", "userId",
	"ipAddress", "resource", "action", "outcome", "details",
}

// Exporter renders filtered slices of the audit store for an external
// durable-storage drain process.
type Exporter struct {
	store  *Store
	logger *zap.Logger
}

// NewExporter creates an exporter over a store.
func NewExporter(store *Store, logger *zap.Logger) *Exporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{store: store, logger: logger}
}

// Export renders every entry matching the filter. A zero filter limit means
// the full filtered set rather than the default query page.
func (x *Exporter) Export(ctx context.Context, filter Filter, format ExportFormat) (string, error) {
	exportID := uuid.New().String()

	if filter.Limit <= 0 {
		filter.Limit = x.store.Capacity()
	}
	entries := x.store.Query(filter)

	var out string
	var err error
	switch format {
	case ExportFormatJSON:
		out, err = exportJSON(entries)
	case ExportFormatTabular:
		out, err = exportTabular(entries)
	default:
		return "", errors.NewValidationError("UNSUPPORTED_EXPORT_FORMAT",
			fmt.Sprintf("format must be %q or %q", ExportFormatJSON, ExportFormatTabular))
	}
	if err != nil {
		return "", err
	}

	x.logger.Info("audit export completed",
		zap.String("export_id", exportID),
		zap.String("format", string(format)),
		zap.Int("entries", len(entries)))

	if record, buildErr := audit.NewEntry(audit.EventLogExported, "export_audit_log"); buildErr == nil {
		record.Details["export_id"] = exportID
		record.Details["format"] = string(format)
		record.Details["entries"] = len(entries)
		if _, appendErr := x.store.Append(ctx, record); appendErr != nil {
			x.logger.Warn("failed to audit export", zap.Error(appendErr))
		}
	}

	return out, nil
}

func exportJSON(entries []*audit.Entry) (string, error) {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return "", errors.NewInternalError("failed to marshal export").WithCause(err)
	}
	return string(data), nil
}

func exportTabular(entries []*audit.Entry) (string, error) {
	var b strings.Builder
	b.WriteString(strings.Join(tabularColumns, "\t"))
	b.WriteByte('\n')

	for _, e := range entries {
		details, err := json.Marshal(e.Details)
		if err != nil {
			return "", errors.NewInternalError("failed to marshal entry details").WithCause(err)
		}
		row := []string{
			e.ID,
			e.Timestamp.UTC().Format(time.RFC3339),
			string(e.Type),
			string(e.Severity),
			e.Actor.UserID,
			e.Actor.IP,
			e.Resource,
			e.Action,
			string(e.Outcome),
			string(details),
		}
		b.WriteString(strings.Join(row, "\t"))
		b.WriteByte('\n')
	}
	return b.String(), nil
}
