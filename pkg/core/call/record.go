package call

import (
	"time"

	"github.com/voxwire/voxwire/pkg/core/dialog"
)

// TerminationReason explains why a call ended.
type TerminationReason int

const (
	// ReasonCompleted means the dialog reached a terminal node.
	ReasonCompleted TerminationReason = iota
	// ReasonCallerHangup means the caller or carrier ended the call.
	ReasonCallerHangup
	// ReasonSilence means the silence monitor exhausted its check-ins.
	ReasonSilence
	// ReasonMaxDuration means the absolute call duration limit was hit.
	ReasonMaxDuration
	// ReasonError means an unrecoverable provider failure ended the call
	// after the apology line.
	ReasonError
)

// String returns a stable identifier for storage and logs.
func (r TerminationReason) String() string {
	switch r {
	case ReasonCompleted:
		return "completed"
	case ReasonCallerHangup:
		return "caller_hangup"
	case ReasonSilence:
		return "silence"
	case ReasonMaxDuration:
		return "max_duration"
	case ReasonError:
		return "error"
	default:
		return "unknown"
	}
}

// Record is the per-call analytics event emitted exactly once at
// termination, on every termination path. Downstream CRM and QC systems
// consume it; this system only produces it.
type Record struct {
	CallID       string
	StartedAt    time.Time
	EndedAt      time.Time
	Transcript   []dialog.Turn
	NodePath     []string
	Variables    map[string]string
	Reason       TerminationReason
	CheckinCount int
}
