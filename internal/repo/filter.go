package repo

import (
	"sort"

	"github.com/packfarm/packfarm/internal/domain"
)

// Match reports whether job passes filter. Stores that cannot push a filter
// down to their engine use it after loading.
func (f JobFilter) Match(job domain.Job) bool {
	if f.Status != "" && job.Status != f.Status {
		return false
	}
	if f.Name != "" && job.Recipe.Name != f.Name {
		return false
	}
	if f.Unpublished && !job.AwaitingPublish() {
		return false
	}
	if f.Active && job.Complete() {
		return false
	}
	return true
}

func (f ArtifactFilter) Match(a domain.PublishedArtifact) bool {
	if f.Name != "" && a.Name != f.Name {
		return false
	}
	if f.Version != "" && a.Version != f.Version {
		return false
	}
	if f.Release > 0 && a.Release != f.Release {
		return false
	}
	return true
}

// LatestByName keeps the highest release of each name. Input order is kept
// for the survivors.
func LatestByName(in []domain.PublishedArtifact) []domain.PublishedArtifact {
	best := map[string]domain.PublishedArtifact{}
	for _, a := range in {
		cur, ok := best[a.Name]
		if !ok || a.Release > cur.Release || (a.Release == cur.Release && a.PublishedAt.After(cur.PublishedAt)) {
			best[a.Name] = a
		}
	}
	out := make([]domain.PublishedArtifact, 0, len(best))
	for _, a := range in {
		if b := best[a.Name]; b.ID == a.ID {
			out = append(out, a)
		}
	}
	return out
}

// SortJobs orders jobs oldest first, ties by id.
func SortJobs(jobs []domain.Job) {
	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
		}
		return jobs[i].ID < jobs[j].ID
	})
}

// SortArtifacts orders artifacts newest first, ties by id.
func SortArtifacts(in []domain.PublishedArtifact) {
	sort.Slice(in, func(i, j int) bool {
		if !in[i].PublishedAt.Equal(in[j].PublishedAt) {
			return in[i].PublishedAt.After(in[j].PublishedAt)
		}
		return in[i].ID < in[j].ID
	})
}
