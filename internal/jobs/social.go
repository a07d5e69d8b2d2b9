package jobs

import (
	"context"
	"encoding/json"
	"unicode/utf8"

	"github.com/podushkina/taskdispatch/internal/docstore"
	"github.com/podushkina/taskdispatch/internal/provider"
	"github.com/podushkina/taskdispatch/internal/task"
)

type SocialPostParams struct {
	Platform  string   `json:"platform"`
	Content   string   `json:"content"`
	MediaURLs []string `json:"media_urls"`
}

func (p SocialPostParams) validate() error {
	if !knownPlatform(p.Platform) {
		return invalid("unknown platform %q", p.Platform)
	}
	if p.Content == "" {
		return invalid("content is required")
	}
	if n := utf8.RuneCountInString(p.Content); n > provider.MaxLength[p.Platform] {
		return invalid("content is %d characters, %s allows %d", n, p.Platform, provider.MaxLength[p.Platform])
	}
	return nil
}

func socialPostJob(deps Deps) Job {
	return Job{
		Kind: task.KindSocialPost,
		Estimate: func(raw json.RawMessage) (int, error) {
			var p SocialPostParams
			if err := decodeParams(raw, &p); err != nil {
				return 0, err
			}
			return 1, p.validate()
		},
		Run: func(ctx context.Context, in Input) (any, error) {
			var p SocialPostParams
			if err := decodeParams(in.Params, &p); err != nil {
				return nil, err
			}
			if err := p.validate(); err != nil {
				return nil, err
			}
			params := provider.Params{"content": p.Content}
			if len(p.MediaURLs) > 0 {
				params["media_urls"] = p.MediaURLs
			}
			res, err := deps.Providers.Execute(ctx, p.Platform, provider.OpPost, params, 0)
			if err != nil {
				return nil, err
			}

			if deps.Docs != nil && in.Owner != "" {
				id, _ := res["platform_post_id"].(string)
				doc := &docstore.Post{
					Owner:          in.Owner,
					TaskID:         in.TaskID,
					Platform:       p.Platform,
					PostType:       "manual",
					Content:        p.Content,
					Hashtags:       extractHashtags(p.Content),
					Status:         docstore.PostPublished,
					PlatformPostID: id,
					CreatedAt:      deps.Now().UTC(),
				}
				if err := deps.Docs.SavePost(ctx, doc); err != nil {
					return nil, err
				}
				res["post_id"] = doc.ID
			}
			return res, nil
		},
	}
}
