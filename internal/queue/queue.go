// Package queue implements a priority job queue with FIFO ordering
// inside each tier.
//
// Each job gets a score of weight*tierBand - enqueueSeconds: a higher
// tier always outranks a lower one, and within a tier an earlier enqueue
// time yields a higher score. Dequeue pops the highest score.
package queue

import (
	"context"
	"errors"
	"time"
)

var ErrUnknownTier = errors.New("unknown tier")

// Tier is a job priority level.
type Tier string

const (
	TierCritical Tier = "critical" // admin operations, refunds
	TierHigh     Tier = "high"     // paid jobs
	TierNormal   Tier = "normal"   // free tier
	TierLow      Tier = "low"      // batch operations
)

// Tiers lists all tiers from highest to lowest priority.
var Tiers = []Tier{TierCritical, TierHigh, TierNormal, TierLow}

var tierWeights = map[Tier]float64{
	TierCritical: 4,
	TierHigh:     3,
	TierNormal:   2,
	TierLow:      1,
}

// tierBand is the width of one tier's score band, in seconds. Bands are
// contiguous, and the age component of a score is an absolute epoch
// timestamp, so the band must be wider than any timestamp the service
// will ever see: 25 billion seconds keeps scores inside their band until
// roughly the 28th century.
const tierBand = 25e9

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	_, ok := tierWeights[t]
	return ok
}

// Score computes the sorted-set score for a job enqueued at the given time.
func Score(t Tier, at time.Time) float64 {
	return tierWeights[t]*tierBand - float64(at.UnixNano())/1e9
}

// tierBounds returns the score band [min, max] holding every job of tier t.
func tierBounds(t Tier) (float64, float64) {
	max := tierWeights[t] * tierBand
	return max - tierBand, max
}

// Job is a queued unit of work. Metadata travels with the job and expires
// with it.
type Job struct {
	ID       string
	Tier     Tier
	Metadata map[string]string
}

// Queue orders jobs by tier, FIFO within a tier.
//
// Implementations must make Dequeue atomic: two concurrent callers can
// never receive the same job.
type Queue interface {
	// Enqueue adds a job. Re-enqueueing an ID updates its position.
	Enqueue(ctx context.Context, job Job) error

	// Dequeue removes and returns the highest-priority job ID.
	// The second return is false when the queue is empty.
	Dequeue(ctx context.Context) (string, bool, error)

	// Peek returns up to n job IDs in dequeue order without removing them.
	Peek(ctx context.Context, n int) ([]string, error)

	// Remove deletes a job and its metadata. Returns whether it was queued.
	Remove(ctx context.Context, jobID string) (bool, error)

	// Position returns a job's 0-indexed dequeue position.
	Position(ctx context.Context, jobID string) (int64, bool, error)

	// Metadata returns the metadata stored with a queued job, or nil.
	Metadata(ctx context.Context, jobID string) (map[string]string, error)

	// Len returns the total number of queued jobs.
	Len(ctx context.Context) (int64, error)

	// LenByTier returns per-tier queue depths.
	LenByTier(ctx context.Context) (map[Tier]int64, error)

	// Clear drops every queued job.
	Clear(ctx context.Context) error
}

// DetermineTier maps job context to a priority tier.
func DetermineTier(jobType string, paid, admin bool) Tier {
	switch {
	case admin:
		return TierCritical
	case paid:
		return TierHigh
	case jobType == "batch":
		return TierLow
	default:
		return TierNormal
	}
}
