package common

import (
	"errors"
	"math"
)

var (
	ErrQuotaRequestsExceeded = errors.New("quota requests exceeded")
	ErrQuotaWorthCapExceeded = errors.New("quota worth cap exceeded")
	ErrQuotaCounterOverflow  = errors.New("quota counter overflow")
)

// QuotaNow captures the current quota usage counters for an account.
type QuotaNow struct {
	ReqCount  uint32
	WorthUsed uint64
	EpochID   uint64
}

// Quota defines the per-account limits enforced for a module interaction.
// WorthUsed counts whole stable tokens, not base units.
type Quota struct {
	MaxRequestsPerMin uint32
	MaxWorthPerEpoch  uint64
	EpochSeconds      uint32
}

// CheckQuota verifies whether the additional request and worth usage fit
// within the configured quota. The returned QuotaNow reflects the updated
// counters when the quota is not exceeded; on denial the previous counters
// are returned untouched.
func CheckQuota(q Quota, nowEpoch uint64, prev QuotaNow, addReq uint32, addWorth uint64) (QuotaNow, error) {
	next := prev
	if prev.EpochID != nowEpoch {
		next = QuotaNow{EpochID: nowEpoch}
	}

	if addReq > 0 {
		if next.ReqCount > math.MaxUint32-addReq {
			return prev, ErrQuotaCounterOverflow
		}
		next.ReqCount += addReq
	}
	if q.MaxRequestsPerMin > 0 && next.ReqCount > q.MaxRequestsPerMin {
		return prev, ErrQuotaRequestsExceeded
	}

	if addWorth > 0 {
		if next.WorthUsed > math.MaxUint64-addWorth {
			return prev, ErrQuotaCounterOverflow
		}
		next.WorthUsed += addWorth
	}
	if q.MaxWorthPerEpoch > 0 && next.WorthUsed > q.MaxWorthPerEpoch {
		return prev, ErrQuotaWorthCapExceeded
	}

	return next, nil
}
