package usage

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/crestline-ai/usage-console/internal/timeutil"
)

// ExportFormat names a supported export encoding.
type ExportFormat string

const (
	FormatJSON ExportFormat = "json"
	FormatCSV  ExportFormat = "csv"
)

var csvHeader = []string{
	"User ID", "Username", "Email", "Role",
	"Requests", "Total Tokens", "Prompt Tokens", "Completion Tokens", "Cost",
}

// jsonExport is the JSON export envelope: every breakdown dimension over the
// requested period in one document.
type jsonExport struct {
	Period     Period                 `json:"period"`
	Users      []UserBreakdownRow     `json:"users"`
	Models     []ModelBreakdownRow    `json:"models"`
	Providers  []ProviderBreakdownRow `json:"providers"`
	ExportedAt time.Time              `json:"exported_at"`
}

// ExportUsageData serializes the filtered range. JSON carries all three
// breakdown dimensions; CSV is the per-user table with a header row.
func (e *Engine) ExportUsageData(ctx context.Context, f Filters, format ExportFormat) (*Export, error) {
	if e == nil || e.fetcher == nil {
		return nil, fmt.Errorf("usage engine not initialized")
	}
	switch format {
	case FormatJSON:
		return e.exportJSON(ctx, f)
	case FormatCSV:
		return e.exportCSV(ctx, f)
	default:
		return nil, fmt.Errorf("unsupported export format %q", format)
	}
}

func (e *Engine) exportJSON(ctx context.Context, f Filters) (*Export, error) {
	users, err := e.GetUserBreakdown(ctx, f)
	if err != nil {
		return nil, err
	}
	models, err := e.GetModelBreakdown(ctx, f)
	if err != nil {
		return nil, err
	}
	// Provider rows cannot be scoped by user or key; a scoped export omits
	// them instead of failing the whole document.
	var providers []ProviderBreakdownRow
	if len(f.UserIDs) == 0 && len(f.APIKeyIDs) == 0 {
		providers, err = e.GetProviderBreakdown(ctx, f)
		if err != nil {
			return nil, err
		}
	}

	start, end, err := e.validateRange(f.StartDate, f.EndDate)
	if err != nil {
		return nil, err
	}
	doc := jsonExport{
		Period: Period{
			StartDate: timeutil.FormatDateKey(start),
			EndDate:   timeutil.FormatDateKey(end),
			Days:      timeutil.DaysBetween(start, end),
		},
		Users:      users,
		Models:     models,
		Providers:  providers,
		ExportedAt: time.Now().UTC(),
	}
	payload, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode usage export: %w", err)
	}
	return &Export{ContentType: "application/json", Data: payload}, nil
}

func (e *Engine) exportCSV(ctx context.Context, f Filters) (*Export, error) {
	users, err := e.GetUserBreakdown(ctx, f)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)
	if err := writer.Write(csvHeader); err != nil {
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	for _, row := range users {
		record := []string{
			row.UserID,
			row.Username,
			row.Email,
			row.Role,
			strconv.FormatInt(row.Requests, 10),
			strconv.FormatInt(row.Tokens.Total, 10),
			strconv.FormatInt(row.Tokens.Prompt, 10),
			strconv.FormatInt(row.Tokens.Completion, 10),
			strconv.FormatFloat(row.Cost, 'f', 6, 64),
		}
		if err := writer.Write(record); err != nil {
			return nil, fmt.Errorf("write csv row: %w", err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("flush csv export: %w", err)
	}
	return &Export{ContentType: "text/csv", Data: buf.Bytes()}, nil
}
