package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/podushkina/taskdispatch/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_UnknownProvider(t *testing.T) {
	r := NewRegistry(time.Second)

	_, err := r.Execute(context.Background(), "nope", OpGenerate, nil, 0)

	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "nope", perr.Provider)
	assert.False(t, perr.Retryable)
}

func TestRegistry_TimeoutBecomesTimeoutError(t *testing.T) {
	r := NewRegistry(time.Second)
	r.Register("slow", AdapterFunc(func(ctx context.Context, op Operation, p Params) (Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	_, err := r.Execute(context.Background(), "slow", OpGenerate, nil, 20*time.Millisecond)

	assert.ErrorIs(t, err, errs.ErrTimeout)
}

func TestRegistry_WrapsPlainErrors(t *testing.T) {
	r := NewRegistry(time.Second)
	r.Register("flaky", AdapterFunc(func(ctx context.Context, op Operation, p Params) (Result, error) {
		return nil, errors.New("boom")
	}))

	_, err := r.Execute(context.Background(), "flaky", OpGenerate, nil, 0)

	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "boom", perr.Message)
	assert.Equal(t, []string{"flaky"}, r.Names())
}

func TestSocialAdapter_Post(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		var body postRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "hello #books", body.Text)
		w.Write([]byte(`{"data":{"id":"1234"}}`))
	}))
	defer srv.Close()

	a := NewSocialAdapter(SocialConfig{Platform: "twitter", Endpoint: srv.URL, Token: "tok"})
	res, err := a.Execute(context.Background(), OpPost, Params{"content": "hello #books"})

	require.NoError(t, err)
	assert.Equal(t, "1234", res["platform_post_id"])
}

func TestSocialAdapter_RateLimitIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`slow down`))
	}))
	defer srv.Close()

	a := NewSocialAdapter(SocialConfig{Platform: "facebook", Endpoint: srv.URL})
	_, err := a.Execute(context.Background(), OpPost, Params{"content": "x"})

	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	assert.True(t, perr.Retryable)
	assert.Equal(t, http.StatusTooManyRequests, perr.StatusCode)
}

func TestSocialAdapter_TooLong(t *testing.T) {
	a := NewSocialAdapter(SocialConfig{Platform: "twitter", Endpoint: "http://unused"})
	long := make([]byte, 300)
	for i := range long {
		long[i] = 'a'
	}

	_, err := a.Execute(context.Background(), OpPost, Params{"content": string(long)})

	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	assert.False(t, perr.Retryable)
}

func TestAnalyticsAdapter_Query(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body queryRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, []string{"sessions"}, body.Metrics)
		w.Write([]byte(`{"rows":[{"date":"2026-10-01","sessions":12}]}`))
	}))
	defer srv.Close()

	a := NewAnalyticsAdapter(AnalyticsConfig{Endpoint: srv.URL})
	res, err := a.Execute(context.Background(), OpQuery, Params{"metrics": []any{"sessions"}})

	require.NoError(t, err)
	rows := res["rows"].([]map[string]any)
	require.Len(t, rows, 1)
	assert.Equal(t, float64(12), rows[0]["sessions"])
}

func TestContentAdapter_Generate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "chat/completions")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"c1","object":"chat.completion","created":1,"model":"test-model",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"  Read it today! #books "}}]}`))
	}))
	defer srv.Close()

	a := NewContentAdapter(ContentConfig{APIKey: "k", Model: "test-model", BaseURL: srv.URL + "/"})
	res, err := a.Execute(context.Background(), OpGenerate, Params{"prompt": "write a tweet"})

	require.NoError(t, err)
	assert.Equal(t, "Read it today! #books", res["text"])
}

func TestContentAdapter_ServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":{"message":"overloaded","type":"server_error"}}`))
	}))
	defer srv.Close()

	a := NewContentAdapter(ContentConfig{APIKey: "k", BaseURL: srv.URL + "/"})
	_, err := a.Execute(context.Background(), OpGenerate, Params{"prompt": "x"})

	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	assert.True(t, perr.Retryable)
	assert.Equal(t, http.StatusServiceUnavailable, perr.StatusCode)
}

func TestParams_Accessors(t *testing.T) {
	p := Params{"n": float64(3), "s": " x ", "list": []any{"a", 1, "b"}}

	assert.Equal(t, 3, p.Int("n", 0))
	assert.Equal(t, 7, p.Int("missing", 7))
	assert.Equal(t, "x", p.String("s"))
	assert.Equal(t, []string{"a", "b"}, p.Strings("list"))
}
