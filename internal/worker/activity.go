package worker

import (
	"context"
	"errors"
	"fmt"

	"transcription-service/internal/models"
	"transcription-service/internal/store"
)

// Activity adapts the processor to an external workflow runtime that
// wants to drive execution job-by-job instead of via the polling pool.
//
// The runtime's own retry policy layers outside the in-process one: it
// must be configured for a single delivery per retry cycle, because each
// ClaimAndRun call that ends in a transient failure already consumes one
// unit of the job's retry budget.
type Activity struct {
	proc *Processor
}

func NewActivity(proc *Processor) *Activity {
	return &Activity{proc: proc}
}

// ClaimAndRun leases the specific job, runs one execution attempt, and
// returns the job's resulting status. A job that is not currently
// eligible (already leased, terminal, or backing off) returns an error
// without touching it.
func (a *Activity) ClaimAndRun(ctx context.Context, jobID string) (string, error) {
	workerID := a.proc.workerID + "-activity"
	job, err := a.proc.store.ClaimByID(ctx, workerID, jobID, a.proc.cfg.LeaseDuration)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return "", fmt.Errorf("job %s not eligible for claim: %w", jobID, err)
		}
		return "", err
	}

	status := a.proc.processClaimed(ctx, workerID, job)
	if status == models.StatusPending {
		// Requeued for an in-process retry; report the intermediate
		// state and let the next delivery pick it up after backoff.
		return models.StatusPending, nil
	}
	return status, nil
}
