package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/podushkina/taskdispatch/internal/docstore"
	"github.com/podushkina/taskdispatch/internal/provider"
	"github.com/podushkina/taskdispatch/internal/task"
)

type DailyRunParams struct {
	BookContext
	Platforms []string `json:"platforms"`
	// Publish defaults to true; false only drafts posts for approval.
	Publish *bool `json:"publish"`
}

func (p DailyRunParams) platforms() ([]string, error) {
	if len(p.Platforms) == 0 {
		return provider.Platforms, nil
	}
	for _, name := range p.Platforms {
		if !knownPlatform(name) {
			return nil, invalid("unknown platform %q", name)
		}
	}
	return p.Platforms, nil
}

func (p DailyRunParams) publish() bool {
	return p.Publish == nil || *p.Publish
}

type PlatformOutcome struct {
	Platform       string `json:"platform"`
	PostID         string `json:"post_id,omitempty"`
	Status         string `json:"status"`
	PlatformPostID string `json:"platform_post_id,omitempty"`
	Error          string `json:"error,omitempty"`
}

type DailyRunResult struct {
	Outcomes  []PlatformOutcome `json:"outcomes"`
	Published int               `json:"published"`
	Failed    int               `json:"failed"`
}

// Each platform costs a generation and a publish call.
func dailyRunJob(deps Deps) Job {
	return Job{
		Kind: task.KindDailyRun,
		Estimate: func(raw json.RawMessage) (int, error) {
			var p DailyRunParams
			if err := decodeParams(raw, &p); err != nil {
				return 0, err
			}
			platforms, err := p.platforms()
			if err != nil {
				return 0, err
			}
			if !p.publish() {
				return len(platforms), nil
			}
			return 2 * len(platforms), nil
		},
		Run: func(ctx context.Context, in Input) (any, error) {
			var p DailyRunParams
			if err := decodeParams(in.Params, &p); err != nil {
				return nil, err
			}
			platforms, err := p.platforms()
			if err != nil {
				return nil, err
			}
			return runDaily(ctx, deps, in, p, platforms)
		},
	}
}

// runDaily works through platforms one by one. A failing platform is recorded
// and the run moves on; the run fails only if every platform failed.
func runDaily(ctx context.Context, deps Deps, in Input, p DailyRunParams, platforms []string) (*DailyRunResult, error) {
	res := &DailyRunResult{}
	var firstErr error

	for i, platform := range platforms {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		outcome, err := dailyPlatform(ctx, deps, in, p, platform, postTypes[i%len(postTypes)])
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if firstErr == nil {
				firstErr = err
			}
			outcome.Status = docstore.PostFailed
			outcome.Error = err.Error()
			res.Failed++
			deps.Logger.Warn("daily run platform failed",
				slog.String("task_id", in.TaskID),
				slog.String("platform", platform),
				slog.Any("error", err))
		} else if outcome.Status == docstore.PostPublished {
			res.Published++
		}
		res.Outcomes = append(res.Outcomes, outcome)
	}

	if res.Failed == len(platforms) && firstErr != nil {
		return nil, firstErr
	}
	return res, nil
}

func dailyPlatform(ctx context.Context, deps Deps, in Input, p DailyRunParams, platform, postType string) (PlatformOutcome, error) {
	out := PlatformOutcome{Platform: platform}

	post, err := generatePost(ctx, deps, p.BookContext, platform, postType)
	if err != nil {
		return out, err
	}

	var doc *docstore.Post
	if deps.Docs != nil && in.Owner != "" {
		doc = &docstore.Post{
			Owner:               in.Owner,
			TaskID:              in.TaskID,
			Platform:            platform,
			PostType:            postType,
			Content:             post.Content,
			Hashtags:            post.Hashtags,
			CallsToAction:       post.CallsToAction,
			EstimatedEngagement: post.EstimatedEngagement,
			Status:              docstore.PostPendingApproval,
			Model:               post.Model,
			CreatedAt:           deps.Now().UTC(),
		}
		if err := deps.Docs.SavePost(ctx, doc); err != nil {
			return out, err
		}
		out.PostID = doc.ID
	}

	if !p.publish() {
		out.Status = docstore.PostPendingApproval
		return out, nil
	}

	posted, postErr := deps.Providers.Execute(ctx, platform, provider.OpPost, provider.Params{"content": post.Content}, 0)
	if postErr == nil {
		out.Status = docstore.PostPublished
		out.PlatformPostID, _ = posted["platform_post_id"].(string)
	}
	if doc != nil {
		doc.Status = docstore.PostPublished
		doc.PlatformPostID = out.PlatformPostID
		if postErr != nil {
			doc.Status = docstore.PostFailed
			doc.FailureReason = postErr.Error()
		}
		if err := deps.Docs.SavePost(ctx, doc); err != nil {
			return out, errors.Join(postErr, err)
		}
	}
	return out, postErr
}
