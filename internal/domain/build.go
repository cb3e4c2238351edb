package domain

import "time"

// BuildRequest is what the coordinator sends a builder for one attempt.
type BuildRequest struct {
	JobID   string      `json:"job_id"`
	Attempt int         `json:"attempt"`
	Recipe  Recipe      `json:"recipe"`
	Sources []SourceRef `json:"sources"`

	// SourcesURL is the base URL sources are fetched from, by digest.
	SourcesURL string   `json:"sources_url"`
	Remotes    []Remote `json:"remotes,omitempty"`
}

// Build is the builder's durable record of one (job, attempt).
type Build struct {
	JobID           string        `json:"job_id"`
	Attempt         int           `json:"attempt"`
	Request         BuildRequest  `json:"request"`
	Status          BuildStatus   `json:"status"`
	Stage           string        `json:"stage,omitempty"`
	Result          *ArtifactRef  `json:"result,omitempty"`
	Failure         *Failure      `json:"failure,omitempty"`
	Collectables    []Collectable `json:"collectables,omitempty"`
	CancelRequested bool          `json:"cancel_requested,omitempty"`

	// Reported is set once the terminal status reached the coordinator.
	Reported   bool      `json:"reported,omitempty"`
	AcceptedAt time.Time `json:"accepted_at"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// Report is a builder-originated status update for one attempt.
type Report struct {
	JobID     string       `json:"job_id"`
	Attempt   int          `json:"attempt"`
	BuilderID string       `json:"builder_id"`
	Status    BuildStatus  `json:"status"`
	Stage     string       `json:"stage,omitempty"`
	Result    *ArtifactRef `json:"result,omitempty"`
	Failure   *Failure     `json:"failure,omitempty"`
	At        time.Time    `json:"at"`
}

// Report renders the build's current state for the coordinator.
func (b Build) Report(builderID string, at time.Time) Report {
	return Report{
		JobID:     b.JobID,
		Attempt:   b.Attempt,
		BuilderID: builderID,
		Status:    b.Status,
		Stage:     b.Stage,
		Result:    b.Result,
		Failure:   b.Failure,
		At:        at,
	}
}
