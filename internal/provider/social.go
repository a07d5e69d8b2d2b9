package provider

import (
	"context"
	"fmt"
	"net/http"
	"unicode/utf8"
)

// MaxLength holds per-platform post length limits.
var MaxLength = map[string]int{
	"twitter":   280,
	"facebook":  2000,
	"instagram": 2200,
	"pinterest": 500,
}

// Platforms lists the social platforms in a stable order.
var Platforms = []string{"twitter", "facebook", "instagram", "pinterest"}

type SocialConfig struct {
	Platform string
	Endpoint string
	Token    string
	HTTP     *http.Client
}

// SocialAdapter publishes content to one social platform.
type SocialAdapter struct {
	platform  string
	maxLength int
	client    *jsonClient
}

func NewSocialAdapter(cfg SocialConfig) *SocialAdapter {
	return &SocialAdapter{
		platform:  cfg.Platform,
		maxLength: MaxLength[cfg.Platform],
		client:    newJSONClient(cfg.Platform, cfg.Endpoint, cfg.Token, cfg.HTTP),
	}
}

type postRequest struct {
	Text      string   `json:"text"`
	MediaURLs []string `json:"media_urls,omitempty"`
}

type postResponse struct {
	ID   string `json:"id"`
	Data struct {
		ID string `json:"id"`
	} `json:"data"`
}

func (a *SocialAdapter) Execute(ctx context.Context, op Operation, params Params) (Result, error) {
	if op != OpPost {
		return nil, unsupported(a.platform, op)
	}
	content := params.String("content")
	if content == "" {
		return nil, &ProviderError{Provider: a.platform, Message: "content is required"}
	}
	if a.maxLength > 0 && utf8.RuneCountInString(content) > a.maxLength {
		return nil, &ProviderError{
			Provider: a.platform,
			Message:  fmt.Sprintf("content exceeds %d character limit", a.maxLength),
		}
	}

	var resp postResponse
	if err := a.client.post(ctx, postRequest{Text: content, MediaURLs: params.Strings("media_urls")}, &resp); err != nil {
		return nil, err
	}
	id := resp.ID
	if id == "" {
		id = resp.Data.ID
	}
	if id == "" {
		return nil, &ProviderError{Provider: a.platform, Message: "response carried no post id"}
	}
	return Result{"platform": a.platform, "platform_post_id": id}, nil
}
