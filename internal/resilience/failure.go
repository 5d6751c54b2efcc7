package resilience

import (
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/sells-group/metagame-cli/internal/model"
)

// FetchFailure records a tournament whose detail fetch gave up this run.
// A retryable failure leaves the key missing, so the next run tries it
// again. A permanent one takes the key out of future runs.
type FetchFailure struct {
	ID       string    `json:"id"`
	Key      model.Key `json:"key"`
	Kind     Kind      `json:"kind"`
	Error    string    `json:"error"`
	Attempts int       `json:"attempts"`
	FailedAt time.Time `json:"failed_at"`
}

// NewFetchFailure builds a failure record for key.
func NewFetchFailure(key model.Key, err error, attempts int, now time.Time) FetchFailure {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return FetchFailure{
		ID:       uuid.New().String(),
		Key:      key,
		Kind:     KindOf(err),
		Error:    msg,
		Attempts: attempts,
		FailedAt: now.UTC(),
	}
}

// PermanentKinds are the failure kinds a later run cannot fix.
func PermanentKinds() []Kind {
	return []Kind{KindNotFound, KindStructural}
}

// Retryable reports whether a later run may succeed.
func (f FetchFailure) Retryable() bool {
	return !slices.Contains(PermanentKinds(), f.Kind)
}
