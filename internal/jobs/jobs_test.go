package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/podushkina/taskdispatch/internal/docstore"
	"github.com/podushkina/taskdispatch/internal/errs"
	"github.com/podushkina/taskdispatch/internal/logx"
	"github.com/podushkina/taskdispatch/internal/provider"
	"github.com/podushkina/taskdispatch/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakes struct {
	providers *provider.Registry
	generated atomic.Int32
	posted    atomic.Int32
}

func newFakes() *fakes {
	f := &fakes{providers: provider.NewRegistry(time.Second)}
	f.providers.Register("content", provider.AdapterFunc(func(ctx context.Context, op provider.Operation, p provider.Params) (provider.Result, error) {
		n := f.generated.Add(1)
		return provider.Result{"text": fmt.Sprintf("Post %d: are you ready? #mindset #sports", n), "model": "fake"}, nil
	}))
	for _, platform := range provider.Platforms {
		platform := platform
		f.providers.Register(platform, provider.AdapterFunc(func(ctx context.Context, op provider.Operation, p provider.Params) (provider.Result, error) {
			n := f.posted.Add(1)
			return provider.Result{"platform": platform, "platform_post_id": fmt.Sprintf("%s-%d", platform, n)}, nil
		}))
	}
	f.providers.Register("analytics", provider.AdapterFunc(func(ctx context.Context, op provider.Operation, p provider.Params) (provider.Result, error) {
		return provider.Result{"rows": []map[string]any{{"date": p.String("start_date"), "sessions": 10}}}, nil
	}))
	return f
}

func newDocs(t *testing.T) *docstore.Documents {
	s, err := docstore.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	return docstore.NewDocuments(s)
}

func fixedNow() time.Time {
	return time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
}

func TestRegistry_Defaults(t *testing.T) {
	r := Defaults(Deps{Providers: newFakes().providers, Logger: logx.Discard()})

	assert.Equal(t, []task.Kind{task.KindContentBatch, task.KindDailyRun, task.KindSocialPost, task.KindWeeklyReport}, r.Kinds())
	_, ok := r.Lookup("nope")
	assert.False(t, ok)
}

func TestEstimates(t *testing.T) {
	r := Defaults(Deps{Providers: newFakes().providers, Logger: logx.Discard(), Now: fixedNow})

	cases := []struct {
		kind   task.Kind
		params string
		want   int
	}{
		{task.KindContentBatch, `{"count":3}`, 3},
		{task.KindContentBatch, `{"platforms":["twitter","facebook"],"count_per_platform":5}`, 10},
		{task.KindContentBatch, ``, 1},
		{task.KindDailyRun, `{}`, 8},
		{task.KindDailyRun, `{"platforms":["twitter"],"publish":false}`, 1},
		{task.KindWeeklyReport, `{}`, 7},
		{task.KindWeeklyReport, `{"days":3}`, 3},
		{task.KindSocialPost, `{"platform":"twitter","content":"hi"}`, 1},
	}
	for _, tc := range cases {
		j, ok := r.Lookup(tc.kind)
		require.True(t, ok)
		got, err := j.Estimate(json.RawMessage(tc.params))
		require.NoError(t, err, "%s %s", tc.kind, tc.params)
		assert.Equal(t, tc.want, got, "%s %s", tc.kind, tc.params)
	}
}

func TestEstimates_Invalid(t *testing.T) {
	r := Defaults(Deps{Providers: newFakes().providers, Logger: logx.Discard(), Now: fixedNow})

	cases := []struct {
		kind   task.Kind
		params string
	}{
		{task.KindContentBatch, `{"platforms":["myspace"]}`},
		{task.KindContentBatch, `{"count":1000}`},
		{task.KindContentBatch, `not json`},
		{task.KindWeeklyReport, `{"end_date":"yesterday"}`},
		{task.KindSocialPost, `{"platform":"twitter"}`},
	}
	for _, tc := range cases {
		j, _ := r.Lookup(tc.kind)
		_, err := j.Estimate(json.RawMessage(tc.params))
		assert.True(t, errs.IsCode(err, errs.InvalidArgument), "%s %s: %v", tc.kind, tc.params, err)
	}
}

func TestContentBatch_GeneratesAndSaves(t *testing.T) {
	f := newFakes()
	docs := newDocs(t)
	r := Defaults(Deps{Providers: f.providers, Docs: docs, Logger: logx.Discard(), Now: fixedNow})
	j, _ := r.Lookup(task.KindContentBatch)

	out, err := j.Run(context.Background(), Input{TaskID: "t1", Owner: "u1", Params: json.RawMessage(`{"count":6}`)})
	require.NoError(t, err)

	res := out.(BatchResult)
	require.Equal(t, 6, res.Count)
	assert.Equal(t, "twitter", res.Posts[0].Platform)
	assert.Equal(t, "facebook", res.Posts[1].Platform)
	assert.Equal(t, "twitter", res.Posts[4].Platform)
	assert.Equal(t, "general", res.Posts[0].PostType)
	assert.Equal(t, "general", res.Posts[5].PostType)
	assert.Equal(t, []string{"#mindset", "#sports"}, res.Posts[0].Hashtags)
	assert.Equal(t, int32(6), f.generated.Load())

	saved, err := docs.ListPosts(context.Background(), "u1", docstore.PostPendingApproval)
	require.NoError(t, err)
	assert.Len(t, saved, 6)
	assert.Equal(t, "t1", saved[0].TaskID)
}

func TestContentBatch_ProviderErrorFailsBatch(t *testing.T) {
	providers := provider.NewRegistry(time.Second)
	providers.Register("content", provider.AdapterFunc(func(ctx context.Context, op provider.Operation, p provider.Params) (provider.Result, error) {
		return nil, &provider.ProviderError{Provider: "content", Retryable: true, Message: "rate limited", StatusCode: 429}
	}))
	r := Defaults(Deps{Providers: providers, Logger: logx.Discard()})
	j, _ := r.Lookup(task.KindContentBatch)

	_, err := j.Run(context.Background(), Input{Params: json.RawMessage(`{"count":3}`)})

	var perr *provider.ProviderError
	require.ErrorAs(t, err, &perr)
	assert.True(t, perr.Retryable)
}

func TestDailyRun_PublishesAndRecordsFailures(t *testing.T) {
	f := newFakes()
	f.providers.Register("facebook", provider.AdapterFunc(func(ctx context.Context, op provider.Operation, p provider.Params) (provider.Result, error) {
		return nil, &provider.ProviderError{Provider: "facebook", Message: "token expired", StatusCode: 401}
	}))
	docs := newDocs(t)
	r := Defaults(Deps{Providers: f.providers, Docs: docs, Logger: logx.Discard(), Now: fixedNow})
	j, _ := r.Lookup(task.KindDailyRun)

	out, err := j.Run(context.Background(), Input{TaskID: "t2", Owner: "u1", Params: json.RawMessage(`{"platforms":["twitter","facebook"]}`)})
	require.NoError(t, err)

	res := out.(*DailyRunResult)
	assert.Equal(t, 1, res.Published)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, docstore.PostPublished, res.Outcomes[0].Status)
	assert.NotEmpty(t, res.Outcomes[0].PlatformPostID)
	assert.Equal(t, docstore.PostFailed, res.Outcomes[1].Status)
	assert.Contains(t, res.Outcomes[1].Error, "token expired")

	failed, err := docs.ListPosts(context.Background(), "u1", docstore.PostFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "facebook", failed[0].Platform)
}

func TestDailyRun_AllPlatformsFail(t *testing.T) {
	providers := provider.NewRegistry(time.Second)
	r := Defaults(Deps{Providers: providers, Logger: logx.Discard()})
	j, _ := r.Lookup(task.KindDailyRun)

	_, err := j.Run(context.Background(), Input{Params: json.RawMessage(`{"platforms":["twitter"]}`)})

	var perr *provider.ProviderError
	assert.ErrorAs(t, err, &perr)
}

func TestWeeklyReport_AcceptsDecodedJSONRows(t *testing.T) {
	f := newFakes()
	f.providers.Register("analytics", provider.AdapterFunc(func(ctx context.Context, op provider.Operation, p provider.Params) (provider.Result, error) {
		var res provider.Result
		err := json.Unmarshal([]byte(`{"rows":[{"date":"2026-10-09","sessions":4},{"date":"2026-10-10","sessions":7}]}`), &res)
		return res, err
	}))
	r := Defaults(Deps{Providers: f.providers, Logger: logx.Discard(), Now: fixedNow})
	j, _ := r.Lookup(task.KindWeeklyReport)

	out, err := j.Run(context.Background(), Input{Params: json.RawMessage(`{}`)})
	require.NoError(t, err)
	assert.Equal(t, 2, out.(ReportResult).Rows)
}

func TestWeeklyReport_MalformedRowsFail(t *testing.T) {
	f := newFakes()
	f.providers.Register("analytics", provider.AdapterFunc(func(ctx context.Context, op provider.Operation, p provider.Params) (provider.Result, error) {
		return provider.Result{"rows": "not a list"}, nil
	}))
	r := Defaults(Deps{Providers: f.providers, Logger: logx.Discard(), Now: fixedNow})
	j, _ := r.Lookup(task.KindWeeklyReport)

	_, err := j.Run(context.Background(), Input{Params: json.RawMessage(`{}`)})

	var perr *provider.ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "analytics", perr.Provider)
}

func TestWeeklyReport_QueriesSummarisesAndSaves(t *testing.T) {
	f := newFakes()
	docs := newDocs(t)
	r := Defaults(Deps{Providers: f.providers, Docs: docs, Logger: logx.Discard(), Now: fixedNow})
	j, _ := r.Lookup(task.KindWeeklyReport)

	out, err := j.Run(context.Background(), Input{TaskID: "t3", Owner: "u1", Params: json.RawMessage(`{}`)})
	require.NoError(t, err)

	res := out.(ReportResult)
	assert.Equal(t, "2026-10-09", res.PeriodStart)
	assert.Equal(t, "2026-10-16", res.PeriodEnd)
	assert.Equal(t, 1, res.Rows)
	assert.NotEmpty(t, res.Summary)

	saved, err := docs.GetReport(context.Background(), "u1", res.ReportID)
	require.NoError(t, err)
	assert.Equal(t, res.Summary, saved.Summary)
}

func TestSocialPost_Publishes(t *testing.T) {
	f := newFakes()
	r := Defaults(Deps{Providers: f.providers, Logger: logx.Discard()})
	j, _ := r.Lookup(task.KindSocialPost)

	out, err := j.Run(context.Background(), Input{Params: json.RawMessage(`{"platform":"pinterest","content":"Quote of the day"}`)})
	require.NoError(t, err)

	res := out.(provider.Result)
	assert.Equal(t, "pinterest-1", res["platform_post_id"])
}

func TestEngagementScore(t *testing.T) {
	assert.Equal(t, 5.0, engagementScore(string(make([]byte, 250)), "facebook"))
	assert.InDelta(t, 7.6, engagementScore("Do you train? #a #b", "twitter"), 0.001)
	assert.Equal(t, []string{"grab your copy"}, extractCTA("Grab your copy today"))
}
