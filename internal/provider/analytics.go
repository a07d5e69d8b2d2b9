package provider

import (
	"context"
	"net/http"
)

type AnalyticsConfig struct {
	Endpoint string
	Token    string
	HTTP     *http.Client
}

// AnalyticsAdapter runs read-only metric queries for reporting tasks.
type AnalyticsAdapter struct {
	client *jsonClient
}

func NewAnalyticsAdapter(cfg AnalyticsConfig) *AnalyticsAdapter {
	return &AnalyticsAdapter{client: newJSONClient("analytics", cfg.Endpoint, cfg.Token, cfg.HTTP)}
}

type queryRequest struct {
	Metrics   []string `json:"metrics"`
	StartDate string   `json:"start_date"`
	EndDate   string   `json:"end_date"`
}

type queryResponse struct {
	Rows []map[string]any `json:"rows"`
}

func (a *AnalyticsAdapter) Execute(ctx context.Context, op Operation, params Params) (Result, error) {
	if op != OpQuery {
		return nil, unsupported("analytics", op)
	}
	metrics := params.Strings("metrics")
	if len(metrics) == 0 {
		metrics = []string{"sessions", "conversions", "revenue"}
	}
	var resp queryResponse
	err := a.client.post(ctx, queryRequest{
		Metrics:   metrics,
		StartDate: params.String("start_date"),
		EndDate:   params.String("end_date"),
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Rows == nil {
		resp.Rows = []map[string]any{}
	}
	return Result{"rows": resp.Rows}, nil
}
