package domain

import (
	"time"

	"github.com/opencontainers/go-digest"
)

// SourceRef is one upstream source verified and cached by the coordinator.
type SourceRef struct {
	URI    string        `json:"uri"`
	Digest digest.Digest `json:"digest"`
	Size   int64         `json:"size"`

	// Name is the file name the builder places in its source directory.
	Name string `json:"name"`
}

// Job is one request to turn a Recipe into a published artifact.
type Job struct {
	ID           string        `json:"id"`
	Recipe       Recipe        `json:"recipe"`
	RecipeDigest digest.Digest `json:"recipe_digest"`
	Sources      []SourceRef   `json:"sources"`
	SubmittedBy  string        `json:"submitted_by,omitempty"`

	Status      JobStatus `json:"status"`
	Attempt     int       `json:"attempt"`
	MaxAttempts int       `json:"max_attempts"`
	BuilderID   string    `json:"builder_id,omitempty"`

	// ClaimedBy and ClaimExpiresAt form the dispatch lease. A pending job with
	// an unexpired claim is being dispatched by exactly one coordinator.
	ClaimedBy      string    `json:"claimed_by,omitempty"`
	ClaimExpiresAt time.Time `json:"claim_expires_at,omitempty"`
	NextAttemptAt  time.Time `json:"next_attempt_at,omitempty"`

	CancelRequested bool `json:"cancel_requested,omitempty"`

	Result  *ArtifactRef `json:"result,omitempty"`
	Failure *Failure     `json:"failure,omitempty"`

	PublishedAt         time.Time `json:"published_at,omitempty"`
	PublishedArtifactID string    `json:"published_artifact_id,omitempty"`
	// PublishFailure is set when the index refused the artifact for good, for
	// example another digest already holds the same name-version-release.
	PublishFailure *Failure `json:"publish_failure,omitempty"`

	// Revision increments on every write and is the compare-and-swap token.
	Revision int64 `json:"revision"`

	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at,omitempty"`
}

// Complete reports whether the job needs no further work from the coordinator.
// A success is complete once the index acknowledged it or rejected it.
func (j Job) Complete() bool {
	switch j.Status {
	case JobFailed, JobCancelled:
		return true
	case JobSucceeded:
		return !j.PublishedAt.IsZero() || j.PublishFailure != nil
	default:
		return false
	}
}

// Claimed reports whether a dispatch lease is held at now.
func (j Job) Claimed(now time.Time) bool {
	return j.ClaimedBy != "" && now.Before(j.ClaimExpiresAt)
}

// JobEvent records one status transition. Events for a job are totally ordered by Seq.
type JobEvent struct {
	JobID     string    `json:"job_id"`
	Seq       int64     `json:"seq"`
	Attempt   int       `json:"attempt"`
	From      JobStatus `json:"from,omitempty"`
	To        JobStatus `json:"to"`
	BuilderID string    `json:"builder_id,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// BuilderInfo is the coordinator's view of one registered builder.
type BuilderInfo struct {
	ID         string    `json:"id"`
	Endpoint   string    `json:"endpoint"`
	LastSeenAt time.Time `json:"last_seen_at"`
	Busy       bool      `json:"busy"`
}

// AwaitingPublish reports a success the index has neither acknowledged nor rejected.
func (j Job) AwaitingPublish() bool {
	return j.Status == JobSucceeded && j.PublishedAt.IsZero() && j.PublishFailure == nil
}

// PublishRequest renders the index request for a succeeded job.
func (j Job) PublishRequest() PublishRequest {
	req := PublishRequest{
		JobID:        j.ID,
		Name:         j.Recipe.Name,
		Version:      j.Recipe.Version,
		Release:      j.Recipe.Release,
		RecipeDigest: j.RecipeDigest,
	}
	if j.Result != nil {
		req.ContentDigest = j.Result.Digest
		req.Size = j.Result.Size
		req.URI = j.Result.URI
		req.Collectables = j.Result.Collectables
	}
	return req
}
