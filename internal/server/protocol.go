package server

import "github.com/MrWong99/segstream/pkg/manager"

// Server frame types.
const (
	FrameSession    = "session"
	FrameSegment    = "segment"
	FrameDelta      = "delta"
	FrameSegmentEnd = "segment_end"
	FrameEnd        = "end"
	FrameStalled    = "stalled"
	FrameAbandoned  = "abandoned"
	FrameError      = "error"
)

// ClientFrame is a message from the client. Text is appended to the
// session; End closes it. Both may be set in one frame.
type ClientFrame struct {
	Text string `json:"text,omitempty"`
	End  bool   `json:"end,omitempty"`
}

// ServerFrame is a message to the client. The first frame of every
// connection is a [FrameSession] carrying the session id.
type ServerFrame struct {
	Type    string `json:"type"`
	Session string `json:"session,omitempty"`
	Text    string `json:"text,omitempty"`
	Error   string `json:"error,omitempty"`
}

func terminalFrame(k manager.Kind) string {
	switch k {
	case manager.KindStalled:
		return FrameStalled
	case manager.KindAbandoned:
		return FrameAbandoned
	default:
		return FrameEnd
	}
}
