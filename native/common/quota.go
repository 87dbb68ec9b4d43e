package common

import (
	"errors"
	"math"
	"time"
)

var (
	ErrQuotaSubmissionsExceeded = errors.New("quota submissions exceeded")
	ErrQuotaRecipientsExceeded  = errors.New("quota recipients exceeded")
	ErrQuotaBatchTooLarge       = errors.New("batch larger than the recipient quota of an epoch")
	ErrQuotaCounterOverflow     = errors.New("quota counter overflow")
)

// SubmissionUsage is what one client has submitted within an epoch.
type SubmissionUsage struct {
	Epoch       uint64
	Submissions uint32
	Recipients  uint64
}

// Quota bounds distribution submissions per client and epoch. A zero limit
// is unlimited.
type Quota struct {
	MaxSubmissionsPerEpoch uint32
	MaxRecipientsPerEpoch  uint64
	EpochSeconds           uint32
}

// EpochAt maps now onto the quota epoch.
func (q Quota) EpochAt(now time.Time) uint64 {
	unix := now.Unix()
	if q.EpochSeconds == 0 || unix <= 0 {
		return 0
	}
	return uint64(unix) / uint64(q.EpochSeconds)
}

// RetryAfter is the time left in the epoch containing now, which is when a
// throttled client's counters reset.
func (q Quota) RetryAfter(now time.Time) time.Duration {
	if q.EpochSeconds == 0 {
		return 0
	}
	window := int64(q.EpochSeconds)
	end := (now.Unix()/window + 1) * window
	return time.Unix(end, 0).Sub(now)
}

// Admit charges one submission carrying recipients against prev. A batch
// that could never fit in an epoch fails with ErrQuotaBatchTooLarge so the
// client splits it instead of retrying. prev is returned unchanged on error.
func (q Quota) Admit(prev SubmissionUsage, epoch uint64, recipients uint64) (SubmissionUsage, error) {
	if q.MaxRecipientsPerEpoch > 0 && recipients > q.MaxRecipientsPerEpoch {
		return prev, ErrQuotaBatchTooLarge
	}
	next := prev
	if prev.Epoch != epoch {
		next = SubmissionUsage{Epoch: epoch}
	}

	if next.Submissions == math.MaxUint32 {
		return prev, ErrQuotaCounterOverflow
	}
	next.Submissions++
	if q.MaxSubmissionsPerEpoch > 0 && next.Submissions > q.MaxSubmissionsPerEpoch {
		return prev, ErrQuotaSubmissionsExceeded
	}

	if next.Recipients > math.MaxUint64-recipients {
		return prev, ErrQuotaCounterOverflow
	}
	next.Recipients += recipients
	if q.MaxRecipientsPerEpoch > 0 && next.Recipients > q.MaxRecipientsPerEpoch {
		return prev, ErrQuotaRecipientsExceeded
	}
	return next, nil
}
