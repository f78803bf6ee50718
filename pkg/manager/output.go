package manager

import (
	"fmt"

	"github.com/MrWong99/segstream/pkg/pipeline"
)

// Kind tells what an [Output] carries.
type Kind int

const (
	// KindSegment carries one segment: Text in [ModeText], Stream in
	// [ModeStream].
	KindSegment Kind = iota

	// KindEnd is the last output of a session that received EndSession. Err
	// is set when the session failed.
	KindEnd

	// KindStalled ends a session whose pipeline produced nothing within
	// MaxStreamTime.
	KindStalled

	// KindAbandoned ends a session that was never ended before Close, or
	// that was cancelled.
	KindAbandoned
)

func (k Kind) String() string {
	switch k {
	case KindSegment:
		return "segment"
	case KindEnd:
		return "end"
	case KindStalled:
		return "stalled"
	case KindAbandoned:
		return "abandoned"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Output is one egress entry. Entries of one session arrive in emission
// order and the session's last entry has a terminal Kind.
type Output struct {
	SessionID string
	Kind      Kind
	Text      string
	Stream    *pipeline.SegmentStream
	Err       error
}

// Terminal reports whether o is the last entry of its session.
func (o Output) Terminal() bool { return o.Kind != KindSegment }
