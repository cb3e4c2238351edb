package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"

	"github.com/packfarm/packfarm/internal/domain"
)

// Builder talks to avalanche instances directly, one endpoint per call.
type Builder struct {
	base *Client
}

func NewBuilder(base *Client) *Builder {
	return &Builder{base: base}
}

// Dispatch hands req to the builder at endpoint. An occupied builder yields
// domain.ErrBusy.
func (b *Builder) Dispatch(ctx context.Context, endpoint string, req domain.BuildRequest) (domain.Build, error) {
	var out domain.Build
	err := b.base.At(endpoint).Do(ctx, "POST", "/builds", req, &out)
	if errors.Is(err, domain.ErrConflict) {
		return domain.Build{}, fmt.Errorf("%w: %v", domain.ErrBusy, err)
	}
	return out, err
}

func (b *Builder) GetBuild(ctx context.Context, endpoint string, jobID string) (domain.Build, error) {
	var out domain.Build
	err := b.base.At(endpoint).Do(ctx, "GET", "/builds/"+url.PathEscape(jobID), nil, &out)
	return out, err
}

func (b *Builder) Cancel(ctx context.Context, endpoint string, jobID string) error {
	return b.base.At(endpoint).Do(ctx, "POST", "/builds/"+url.PathEscape(jobID)+"/cancel", nil, nil)
}

// Coordinator talks to vessel, normally through the gateway.
type Coordinator struct {
	c *Client
}

func NewCoordinator(c *Client) *Coordinator {
	return &Coordinator{c: c}
}

func (v *Coordinator) Report(ctx context.Context, report domain.Report) error {
	return v.c.Do(ctx, "POST", "/jobs/"+url.PathEscape(report.JobID)+"/reports", report, nil)
}

func (v *Coordinator) Register(ctx context.Context, info domain.BuilderInfo) error {
	return v.c.Do(ctx, "POST", "/builders/register", info, nil)
}

// FetchSource streams the cached source with digest d to w.
func (v *Coordinator) FetchSource(ctx context.Context, d digest.Digest, w io.Writer) error {
	return v.FetchSourceFrom(ctx, v.c.BaseURL()+"/sources", d, w)
}

// FetchSourceFrom streams source d from sourcesURL, the collection URL a
// build request names.
func (v *Coordinator) FetchSourceFrom(ctx context.Context, sourcesURL string, d digest.Digest, w io.Writer) error {
	return v.c.At(sourcesURL).Stream(ctx, "/"+url.PathEscape(d.String()), func(r io.Reader) error {
		_, err := io.Copy(w, r)
		return err
	})
}

func (v *Coordinator) ListUnpublished(ctx context.Context, limit int) ([]domain.Job, error) {
	var out struct {
		Jobs []domain.Job `json:"jobs"`
	}
	q := url.Values{"unpublished": {"true"}, "limit": {strconv.Itoa(limit)}}
	if err := v.c.Do(ctx, "GET", "/jobs?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Jobs, nil
}

func (v *Coordinator) AckPublished(ctx context.Context, jobID string, ack domain.PublishAck) error {
	return v.c.Do(ctx, "POST", "/jobs/"+url.PathEscape(jobID)+"/published", ack, nil)
}

// Submit posts a parsed recipe. Retries reuse one idempotency key, so vessel
// creates at most one job per call.
func (v *Coordinator) Submit(ctx context.Context, recipe domain.Recipe) (domain.Job, error) {
	var out domain.Job
	err := v.c.DoIdempotent(ctx, "POST", "/jobs", uuid.NewString(), recipe, &out)
	return out, err
}

func (v *Coordinator) GetJob(ctx context.Context, id string) (domain.Job, error) {
	var out domain.Job
	err := v.c.Do(ctx, "GET", "/jobs/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (v *Coordinator) ListJobs(ctx context.Context, status string, limit int) ([]domain.Job, error) {
	var out struct {
		Jobs []domain.Job `json:"jobs"`
	}
	q := url.Values{"limit": {strconv.Itoa(limit)}}
	if status != "" {
		q.Set("status", status)
	}
	if err := v.c.Do(ctx, "GET", "/jobs?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Jobs, nil
}

func (v *Coordinator) Events(ctx context.Context, id string) ([]domain.JobEvent, error) {
	var out struct {
		Events []domain.JobEvent `json:"events"`
	}
	if err := v.c.Do(ctx, "GET", "/jobs/"+url.PathEscape(id)+"/events", nil, &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}

func (v *Coordinator) Cancel(ctx context.Context, id string) (domain.Job, error) {
	var out domain.Job
	err := v.c.Do(ctx, "POST", "/jobs/"+url.PathEscape(id)+"/cancel", nil, &out)
	return out, err
}

func (v *Coordinator) Import(ctx context.Context, req domain.ImportRequest) (domain.PublishedArtifact, error) {
	var out domain.PublishedArtifact
	err := v.c.DoIdempotent(ctx, "POST", "/imports", uuid.NewString(), req, &out)
	return out, err
}

// Index talks to summit, normally through the gateway.
type Index struct {
	c *Client
}

func NewIndex(c *Client) *Index {
	return &Index{c: c}
}

// PublishResult is the index's answer to a publish call.
type PublishResult struct {
	Artifact domain.PublishedArtifact `json:"artifact"`
	Created  bool                     `json:"created"`
}

func (i *Index) Publish(ctx context.Context, req domain.PublishRequest) (domain.PublishedArtifact, bool, error) {
	var out PublishResult
	if err := i.c.Do(ctx, "POST", "/artifacts", req, &out); err != nil {
		return domain.PublishedArtifact{}, false, err
	}
	return out.Artifact, out.Created, nil
}

type ArtifactQuery struct {
	Name    string
	Version string
	Release int64
	Latest  bool
	Limit   int
}

func (i *Index) List(ctx context.Context, q ArtifactQuery) ([]domain.PublishedArtifact, error) {
	values := url.Values{}
	if q.Name != "" {
		values.Set("name", q.Name)
	}
	if q.Version != "" {
		values.Set("version", q.Version)
	}
	if q.Release > 0 {
		values.Set("release", strconv.FormatInt(q.Release, 10))
	}
	if q.Latest {
		values.Set("latest", "true")
	}
	if q.Limit > 0 {
		values.Set("limit", strconv.Itoa(q.Limit))
	}
	path := "/artifacts"
	if len(values) > 0 {
		path += "?" + values.Encode()
	}
	var out struct {
		Artifacts []domain.PublishedArtifact `json:"artifacts"`
	}
	if err := i.c.Do(ctx, "GET", path, nil, &out); err != nil {
		return nil, err
	}
	return out.Artifacts, nil
}

func (i *Index) Get(ctx context.Context, id string) (domain.PublishedArtifact, error) {
	var out domain.PublishedArtifact
	err := i.c.Do(ctx, "GET", "/artifacts/"+url.PathEscape(id), nil, &out)
	return out, err
}
