package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/podushkina/taskdispatch/internal/docstore"
	"github.com/podushkina/taskdispatch/internal/provider"
	"github.com/podushkina/taskdispatch/internal/task"
)

const (
	dateLayout    = "2006-01-02"
	maxReportDays = 90
)

type ReportParams struct {
	Metrics []string `json:"metrics"`
	// EndDate defaults to today; Days defaults to a week.
	EndDate string `json:"end_date"`
	Days    int    `json:"days"`
}

func (p ReportParams) window(now time.Time) (time.Time, time.Time, error) {
	days := p.Days
	if days == 0 {
		days = 7
	}
	if days < 0 || days > maxReportDays {
		return time.Time{}, time.Time{}, invalid("days must be between 1 and %d", maxReportDays)
	}
	end := now.UTC().Truncate(24 * time.Hour)
	if p.EndDate != "" {
		t, err := time.Parse(dateLayout, p.EndDate)
		if err != nil {
			return time.Time{}, time.Time{}, invalid("end_date must be YYYY-MM-DD")
		}
		end = t
	}
	return end.AddDate(0, 0, -days), end, nil
}

type ReportResult struct {
	ReportID    string `json:"report_id,omitempty"`
	PeriodStart string `json:"period_start"`
	PeriodEnd   string `json:"period_end"`
	Rows        int    `json:"rows"`
	Summary     string `json:"summary"`
}

// The cost of a report is one item per day in its window.
func weeklyReportJob(deps Deps) Job {
	return Job{
		Kind: task.KindWeeklyReport,
		Estimate: func(raw json.RawMessage) (int, error) {
			var p ReportParams
			if err := decodeParams(raw, &p); err != nil {
				return 0, err
			}
			start, end, err := p.window(deps.Now())
			if err != nil {
				return 0, err
			}
			return int(end.Sub(start).Hours() / 24), nil
		},
		Run: func(ctx context.Context, in Input) (any, error) {
			var p ReportParams
			if err := decodeParams(in.Params, &p); err != nil {
				return nil, err
			}
			start, end, err := p.window(deps.Now())
			if err != nil {
				return nil, err
			}

			params := provider.Params{
				"start_date": start.Format(dateLayout),
				"end_date":   end.Format(dateLayout),
			}
			if len(p.Metrics) > 0 {
				params["metrics"] = p.Metrics
			}
			data, err := deps.Providers.Execute(ctx, "analytics", provider.OpQuery, params, 0)
			if err != nil {
				return nil, err
			}
			rows, err := decodeRows(data)
			if err != nil {
				return nil, err
			}

			encoded, err := json.Marshal(rows)
			if err != nil {
				return nil, fmt.Errorf("encode rows: %w", err)
			}
			summary, err := deps.Providers.Execute(ctx, "content", provider.OpGenerate, provider.Params{
				"system": "You are a marketing analyst writing short weekly performance reports.",
				"prompt": fmt.Sprintf("Summarise performance from %s to %s in at most five sentences and suggest one improvement.\nDaily metrics (JSON): %s",
					start.Format(dateLayout), end.Format(dateLayout), encoded),
				"max_tokens":  400,
				"temperature": 0.3,
			}, 0)
			if err != nil {
				return nil, err
			}
			text, _ := summary["text"].(string)

			res := ReportResult{
				PeriodStart: start.Format(dateLayout),
				PeriodEnd:   end.Format(dateLayout),
				Rows:        len(rows),
				Summary:     text,
			}
			if deps.Docs != nil && in.Owner != "" {
				doc := &docstore.Report{
					Owner:       in.Owner,
					TaskID:      in.TaskID,
					PeriodStart: start,
					PeriodEnd:   end,
					Metrics:     rows,
					Summary:     text,
					CreatedAt:   deps.Now().UTC(),
				}
				if err := deps.Docs.SaveReport(ctx, doc); err != nil {
					return nil, fmt.Errorf("save report: %w", err)
				}
				res.ReportID = doc.ID
			}
			return res, nil
		},
	}
}

// decodeRows accepts rows as typed maps or as decoded JSON.
func decodeRows(data provider.Result) ([]map[string]any, error) {
	raw, ok := data["rows"]
	if !ok || raw == nil {
		return nil, nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, &provider.ProviderError{Provider: "analytics", Message: fmt.Sprintf("encode rows: %v", err)}
	}
	var rows []map[string]any
	if err := json.Unmarshal(b, &rows); err != nil {
		return nil, &provider.ProviderError{Provider: "analytics", Message: "rows must be a list of objects"}
	}
	return rows, nil
}
