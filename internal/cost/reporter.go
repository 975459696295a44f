package cost

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/johnplanow/substrate-sub006/internal/common/errors"
	"github.com/johnplanow/substrate-sub006/internal/store"
)

// Report groupings.
const (
	GroupByTask    = "task"
	GroupByAgent   = "agent"
	GroupByBilling = "billing"
)

// Report output formats.
const (
	FormatTable = "table"
	FormatJSON  = "json"
	FormatCSV   = "csv"
)

// ReportOptions selects what a cost report covers and how it renders.
type ReportOptions struct {
	SessionID string
	// GroupBy is task, agent or billing; defaults to task.
	GroupBy string
	// IncludePlanning folds planning-category entries into the report.
	IncludePlanning bool
	// Format is table, json or csv; defaults to table.
	Format string
}

// Reporter renders grouped cost reports for a session.
type Reporter struct {
	store *store.Store
}

func NewReporter(st *store.Store) *Reporter {
	return &Reporter{store: st}
}

// Report writes the session's grouped costs to w in the requested format.
func (r *Reporter) Report(ctx context.Context, w io.Writer, opts ReportOptions) error {
	if opts.GroupBy == "" {
		opts.GroupBy = GroupByTask
	}
	if opts.Format == "" {
		opts.Format = FormatTable
	}
	switch opts.Format {
	case FormatTable, FormatJSON, FormatCSV:
	default:
		return errors.Validationf("unsupported output format: %s", opts.Format)
	}

	rows, err := r.store.AggregateCosts(ctx, opts.SessionID, opts.GroupBy, opts.IncludePlanning)
	if err != nil {
		return err
	}

	switch opts.Format {
	case FormatJSON:
		return writeJSON(w, opts, rows)
	case FormatCSV:
		return writeCSV(w, opts, rows)
	default:
		return writeTable(w, opts, rows)
	}
}

func writeTable(w io.Writer, opts ReportOptions, rows []*store.CostAggregate) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "%s\tENTRIES\tINPUT TOK\tOUTPUT TOK\tESTIMATED\tACTUAL\tSAVINGS\n",
		strings.ToUpper(opts.GroupBy))

	var totals store.CostAggregate
	for _, row := range rows {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t$%.4f\t$%.4f\t$%.4f\n",
			row.Key, row.Entries, row.InputTokens, row.OutputTokens,
			row.EstimatedCost, row.ActualCost, row.Savings)
		totals.Entries += row.Entries
		totals.InputTokens += row.InputTokens
		totals.OutputTokens += row.OutputTokens
		totals.EstimatedCost += row.EstimatedCost
		totals.ActualCost += row.ActualCost
		totals.Savings += row.Savings
	}
	fmt.Fprintf(tw, "TOTAL\t%d\t%d\t%d\t$%.4f\t$%.4f\t$%.4f\n",
		totals.Entries, totals.InputTokens, totals.OutputTokens,
		totals.EstimatedCost, totals.ActualCost, totals.Savings)
	return tw.Flush()
}

type reportRow struct {
	Key           string  `json:"key"`
	Entries       int     `json:"entries"`
	InputTokens   int     `json:"input_tokens"`
	OutputTokens  int     `json:"output_tokens"`
	EstimatedCost float64 `json:"estimated_usd"`
	ActualCost    float64 `json:"actual_usd"`
	Savings       float64 `json:"savings_usd"`
}

type reportDoc struct {
	SessionID       string      `json:"session_id"`
	GroupBy         string      `json:"group_by"`
	IncludePlanning bool        `json:"include_planning"`
	Rows            []reportRow `json:"rows"`
	TotalEstimated  float64     `json:"total_estimated_usd"`
	TotalActual     float64     `json:"total_actual_usd"`
	TotalSavings    float64     `json:"total_savings_usd"`
}

func writeJSON(w io.Writer, opts ReportOptions, rows []*store.CostAggregate) error {
	doc := reportDoc{
		SessionID:       opts.SessionID,
		GroupBy:         opts.GroupBy,
		IncludePlanning: opts.IncludePlanning,
		Rows:            make([]reportRow, 0, len(rows)),
	}
	for _, row := range rows {
		doc.Rows = append(doc.Rows, reportRow{
			Key:           row.Key,
			Entries:       row.Entries,
			InputTokens:   row.InputTokens,
			OutputTokens:  row.OutputTokens,
			EstimatedCost: row.EstimatedCost,
			ActualCost:    row.ActualCost,
			Savings:       row.Savings,
		})
		doc.TotalEstimated += row.EstimatedCost
		doc.TotalActual += row.ActualCost
		doc.TotalSavings += row.Savings
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

func writeCSV(w io.Writer, opts ReportOptions, rows []*store.CostAggregate) error {
	cw := csv.NewWriter(w)
	header := []string{opts.GroupBy, "entries", "input_tokens", "output_tokens",
		"estimated_usd", "actual_usd", "savings_usd"}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			row.Key,
			fmt.Sprintf("%d", row.Entries),
			fmt.Sprintf("%d", row.InputTokens),
			fmt.Sprintf("%d", row.OutputTokens),
			fmt.Sprintf("%.6f", row.EstimatedCost),
			fmt.Sprintf("%.6f", row.ActualCost),
			fmt.Sprintf("%.6f", row.Savings),
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}
