package docstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"
	"gopkg.in/yaml.v3"
)

const (
	postsPrefix   = "posts"
	reportsPrefix = "reports"
)

const (
	PostPendingApproval = "pending_approval"
	PostPublished       = "published"
	PostFailed          = "failed"
)

// Post is a generated piece of social content awaiting approval or already
// published.
type Post struct {
	ID                  string    `yaml:"id"`
	Owner               string    `yaml:"owner"`
	TaskID              string    `yaml:"task_id,omitempty"`
	Platform            string    `yaml:"platform"`
	PostType            string    `yaml:"post_type"`
	Content             string    `yaml:"content"`
	Hashtags            []string  `yaml:"hashtags,omitempty"`
	CallsToAction       []string  `yaml:"calls_to_action,omitempty"`
	EstimatedEngagement float64   `yaml:"estimated_engagement"`
	Status              string    `yaml:"status"`
	PlatformPostID      string    `yaml:"platform_post_id,omitempty"`
	FailureReason       string    `yaml:"failure_reason,omitempty"`
	Model               string    `yaml:"model,omitempty"`
	CreatedAt           time.Time `yaml:"created_at"`
}

// Report is a periodic performance summary.
type Report struct {
	ID          string           `yaml:"id"`
	Owner       string           `yaml:"owner"`
	TaskID      string           `yaml:"task_id,omitempty"`
	PeriodStart time.Time        `yaml:"period_start"`
	PeriodEnd   time.Time        `yaml:"period_end"`
	Metrics     []map[string]any `yaml:"metrics"`
	Summary     string           `yaml:"summary"`
	CreatedAt   time.Time        `yaml:"created_at"`
}

// Documents persists posts and reports as YAML under per-owner prefixes.
type Documents struct {
	storage Storage
}

func NewDocuments(s Storage) *Documents {
	return &Documents{storage: s}
}

func postPath(owner, id string) string {
	return fmt.Sprintf("%s/%s/%s.yaml", postsPrefix, owner, id)
}

func reportPath(owner, id string) string {
	return fmt.Sprintf("%s/%s/%s.yaml", reportsPrefix, owner, id)
}

// SavePost writes p, assigning an id and creation time when missing.
func (d *Documents) SavePost(ctx context.Context, p *Post) error {
	if p.Owner == "" {
		return errors.New("post owner is required")
	}
	if p.ID == "" {
		p.ID = ulid.Make().String()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	if p.Status == "" {
		p.Status = PostPendingApproval
	}
	return d.write(ctx, postPath(p.Owner, p.ID), p)
}

func (d *Documents) GetPost(ctx context.Context, owner, id string) (*Post, error) {
	var p Post
	if err := d.read(ctx, postPath(owner, id), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// ListPosts returns the owner's posts, newest first. status filters when set.
func (d *Documents) ListPosts(ctx context.Context, owner, status string) ([]*Post, error) {
	paths, err := d.storage.List(ctx, postsPrefix+"/"+owner)
	if err != nil {
		return nil, err
	}
	posts := make([]*Post, 0, len(paths))
	for _, path := range paths {
		var p Post
		if err := d.read(ctx, path, &p); err != nil {
			continue
		}
		if status != "" && p.Status != status {
			continue
		}
		posts = append(posts, &p)
	}
	// ulids sort by creation time.
	sort.Slice(posts, func(i, j int) bool { return posts[i].ID > posts[j].ID })
	return posts, nil
}

func (d *Documents) SaveReport(ctx context.Context, r *Report) error {
	if r.Owner == "" {
		return errors.New("report owner is required")
	}
	if r.ID == "" {
		r.ID = ulid.Make().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	return d.write(ctx, reportPath(r.Owner, r.ID), r)
}

func (d *Documents) GetReport(ctx context.Context, owner, id string) (*Report, error) {
	var r Report
	if err := d.read(ctx, reportPath(owner, id), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (d *Documents) write(ctx context.Context, path string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	return d.storage.Write(ctx, path, data)
}

func (d *Documents) read(ctx context.Context, path string, v any) error {
	data, err := d.storage.Read(ctx, path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", path, err)
	}
	return nil
}
