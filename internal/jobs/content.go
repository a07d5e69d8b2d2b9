package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/podushkina/taskdispatch/internal/docstore"
	"github.com/podushkina/taskdispatch/internal/provider"
	"github.com/podushkina/taskdispatch/internal/task"
	"github.com/sourcegraph/conc/pool"
)

const maxBatchItems = 100

var postTypes = []string{"general", "quote", "tip", "story", "question"}

var platformStyle = map[string]string{
	"twitter":   "concise, impactful, use relevant hashtags",
	"facebook":  "engaging, storytelling, community-focused",
	"instagram": "visual-focused, inspirational, behind-the-scenes",
	"pinterest": "inspirational, actionable, quote-focused",
}

// BookContext describes what the generated copy promotes.
type BookContext struct {
	Title       string `json:"book_title"`
	Author      string `json:"book_author"`
	Audience    string `json:"audience"`
	Guidelines  string `json:"content_guidelines"`
	LandingPage string `json:"landing_page"`
}

type BatchParams struct {
	BookContext
	// Platforms with CountPerPlatform generate a grid; Count alone spreads
	// posts across all platforms in turn.
	Platforms        []string `json:"platforms"`
	CountPerPlatform int      `json:"count_per_platform"`
	Count            int      `json:"count"`
}

type slot struct {
	index    int
	platform string
	postType string
}

func (p BatchParams) slots() ([]slot, error) {
	var out []slot
	if len(p.Platforms) > 0 {
		per := p.CountPerPlatform
		if per <= 0 {
			per = 1
		}
		for _, platform := range p.Platforms {
			if !knownPlatform(platform) {
				return nil, invalid("unknown platform %q", platform)
			}
			for i := 0; i < per; i++ {
				out = append(out, slot{platform: platform})
			}
		}
	} else {
		n := p.Count
		if n <= 0 {
			n = 1
		}
		for i := 0; i < n; i++ {
			out = append(out, slot{platform: provider.Platforms[i%len(provider.Platforms)]})
		}
	}
	if len(out) > maxBatchItems {
		return nil, invalid("batch of %d posts exceeds limit of %d", len(out), maxBatchItems)
	}
	for i := range out {
		out[i].index = i
		out[i].postType = postTypes[i%len(postTypes)]
	}
	return out, nil
}

// GeneratedPost is one item of a batch result.
type GeneratedPost struct {
	ID                  string   `json:"id,omitempty"`
	Platform            string   `json:"platform"`
	PostType            string   `json:"post_type"`
	Content             string   `json:"content"`
	Hashtags            []string `json:"hashtags,omitempty"`
	CallsToAction       []string `json:"calls_to_action,omitempty"`
	EstimatedEngagement float64  `json:"estimated_engagement"`
	Status              string   `json:"status"`
	Model               string   `json:"model,omitempty"`
}

type BatchResult struct {
	Posts []GeneratedPost `json:"posts"`
	Count int             `json:"count"`
}

func contentBatchJob(deps Deps) Job {
	return Job{
		Kind: task.KindContentBatch,
		Estimate: func(raw json.RawMessage) (int, error) {
			var p BatchParams
			if err := decodeParams(raw, &p); err != nil {
				return 0, err
			}
			s, err := p.slots()
			return len(s), err
		},
		Run: func(ctx context.Context, in Input) (any, error) {
			var p BatchParams
			if err := decodeParams(in.Params, &p); err != nil {
				return nil, err
			}
			slots, err := p.slots()
			if err != nil {
				return nil, err
			}

			posts, err := generateAll(ctx, deps, p.BookContext, slots)
			if err != nil {
				return nil, err
			}
			if err := savePosts(ctx, deps, in, posts); err != nil {
				return nil, err
			}
			deps.Logger.Info("content batch generated",
				slog.String("task_id", in.TaskID),
				slog.String("owner", in.Owner),
				slog.Int("count", len(posts)))
			return BatchResult{Posts: posts, Count: len(posts)}, nil
		},
	}
}

// generateAll calls the content provider for every slot in parallel. The first
// failure cancels the rest.
func generateAll(ctx context.Context, deps Deps, book BookContext, slots []slot) ([]GeneratedPost, error) {
	type item struct {
		index int
		post  GeneratedPost
	}

	p := pool.NewWithResults[item]().
		WithContext(ctx).
		WithCancelOnError().
		WithFirstError().
		WithMaxGoroutines(deps.Concurrency)
	for _, s := range slots {
		p.Go(func(ctx context.Context) (item, error) {
			post, err := generatePost(ctx, deps, book, s.platform, s.postType)
			return item{index: s.index, post: post}, err
		})
	}
	items, err := p.Wait()
	if err != nil {
		return nil, err
	}

	sort.Slice(items, func(i, j int) bool { return items[i].index < items[j].index })
	posts := make([]GeneratedPost, len(items))
	for i, it := range items {
		posts[i] = it.post
	}
	return posts, nil
}

func generatePost(ctx context.Context, deps Deps, book BookContext, platform, postType string) (GeneratedPost, error) {
	res, err := deps.Providers.Execute(ctx, "content", provider.OpGenerate, provider.Params{
		"prompt":      buildPrompt(book, platform, postType),
		"max_tokens":  500,
		"temperature": 0.8,
	}, 0)
	if err != nil {
		return GeneratedPost{}, err
	}
	text, _ := res["text"].(string)
	model, _ := res["model"].(string)
	text = fitLength(text, provider.MaxLength[platform])

	return GeneratedPost{
		Platform:            platform,
		PostType:            postType,
		Content:             text,
		Hashtags:            extractHashtags(text),
		CallsToAction:       extractCTA(text),
		EstimatedEngagement: engagementScore(text, platform),
		Status:              docstore.PostPendingApproval,
		Model:               model,
	}, nil
}

func savePosts(ctx context.Context, deps Deps, in Input, posts []GeneratedPost) error {
	if deps.Docs == nil || in.Owner == "" {
		return nil
	}
	for i := range posts {
		doc := &docstore.Post{
			Owner:               in.Owner,
			TaskID:              in.TaskID,
			Platform:            posts[i].Platform,
			PostType:            posts[i].PostType,
			Content:             posts[i].Content,
			Hashtags:            posts[i].Hashtags,
			CallsToAction:       posts[i].CallsToAction,
			EstimatedEngagement: posts[i].EstimatedEngagement,
			Status:              posts[i].Status,
			Model:               posts[i].Model,
			CreatedAt:           deps.Now().UTC(),
		}
		if err := deps.Docs.SavePost(ctx, doc); err != nil {
			return fmt.Errorf("save post: %w", err)
		}
		posts[i].ID = doc.ID
	}
	return nil
}

func buildPrompt(book BookContext, platform, postType string) string {
	title := book.Title
	if title == "" {
		title = "the book"
	}
	author := book.Author
	if author == "" {
		author = "the author"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Create a %s post for %q by %s.\n\n", platform, title, author)
	fmt.Fprintf(&b, "Post type: %s\n", postType)
	fmt.Fprintf(&b, "Max length: %d characters\n", provider.MaxLength[platform])
	fmt.Fprintf(&b, "Style: %s\n", platformStyle[platform])
	if book.Audience != "" {
		fmt.Fprintf(&b, "Target audience: %s\n", book.Audience)
	}
	if book.Guidelines != "" {
		fmt.Fprintf(&b, "Guidelines: %s\n", book.Guidelines)
	}
	if book.LandingPage != "" {
		fmt.Fprintf(&b, "Landing page: %s\n", book.LandingPage)
	}
	b.WriteString("\nStay within the character limit, include a few relevant hashtags and a subtle call to action. ")
	b.WriteString("Return only the post text.")
	return b.String()
}

// fitLength trims text to max runes.
func fitLength(text string, max int) string {
	r := []rune(text)
	if max <= 0 || len(r) <= max {
		return text
	}
	return strings.TrimSpace(string(r[:max]))
}

var hashtagRe = regexp.MustCompile(`#\w+`)

func extractHashtags(text string) []string {
	return hashtagRe.FindAllString(text, -1)
}

var ctaPhrases = []string{
	"buy now", "get the book", "order today", "available now",
	"learn more", "read more", "check it out", "grab your copy",
	"click link", "visit", "download", "purchase",
}

func extractCTA(text string) []string {
	lower := strings.ToLower(text)
	var out []string
	for _, phrase := range ctaPhrases {
		if strings.Contains(lower, phrase) {
			out = append(out, phrase)
		}
	}
	return out
}

// engagementScore is a 0..10 heuristic used to rank posts for approval.
func engagementScore(text, platform string) float64 {
	score := 5.0
	lower := strings.ToLower(text)
	if strings.Contains(text, "?") {
		score += 1.0
	}
	if strings.Contains(lower, "you") {
		score += 0.5
	}
	if n := strings.Count(text, "#"); n > 0 {
		score += min(float64(n)*0.3, 2.0)
	}
	for _, w := range []string{"free", "tip", "secret", "proven"} {
		if strings.Contains(lower, w) {
			score += 0.5
			break
		}
	}
	switch {
	case platform == "instagram" && len(text) > 300:
		score += 0.5
	case platform == "twitter" && len(text) < 200:
		score += 0.5
	}
	return min(score, 10.0)
}
