package validate

import (
	"errors"
	"fmt"
)

// Reason classifies why a command was not executed.
type Reason string

const (
	ReasonMalformed      Reason = "malformed"
	ReasonUnsigned       Reason = "unsigned"
	ReasonUnknownKey     Reason = "unknown_key"
	ReasonKeyRevoked     Reason = "key_revoked"
	ReasonKeyExpired     Reason = "key_expired"
	ReasonAlgorithm      Reason = "alg_mismatch"
	ReasonBadSignature   Reason = "bad_signature"
	ReasonNotAuthorized  Reason = "not_authorized"
	ReasonStale          Reason = "stale"
	ReasonFuture         Reason = "future"
	ReasonReplay         Reason = "replay"
	ReasonUnknownCommand Reason = "unknown_command"
	ReasonBadPayload     Reason = "bad_payload"
	ReasonSafeState      Reason = "safe_state"
	ReasonRateLimited    Reason = "rate_limited"
	ReasonInterlock      Reason = "interlock"
	ReasonQueueFull      Reason = "queue_full"
)

// AuthFailure reports whether the reason indicates a command that failed
// authentication, as opposed to a well-authenticated command that was refused.
func (r Reason) AuthFailure() bool {
	switch r {
	case ReasonUnsigned, ReasonUnknownKey, ReasonKeyRevoked, ReasonKeyExpired,
		ReasonAlgorithm, ReasonBadSignature, ReasonReplay:
		return true
	}
	return false
}

// Rejection is the error returned for a command that must be discarded.
type Rejection struct {
	Reason Reason
	Err    error
}

// Reject wraps err with a reason.
func Reject(reason Reason, err error) *Rejection {
	return &Rejection{Reason: reason, Err: err}
}

// Rejectf builds a Rejection from a format string.
func Rejectf(reason Reason, format string, args ...any) *Rejection {
	return &Rejection{Reason: reason, Err: fmt.Errorf(format, args...)}
}

func (r *Rejection) Error() string {
	if r.Err == nil {
		return string(r.Reason)
	}
	return string(r.Reason) + ": " + r.Err.Error()
}

func (r *Rejection) Unwrap() error { return r.Err }

// ReasonOf extracts the Reason from err, or "" if err is not a Rejection.
func ReasonOf(err error) Reason {
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej.Reason
	}
	return ""
}
