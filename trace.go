package demreader

// Parse tracing. When enabled with WithTrace, the session records the bit
// span of every top-level message and each sub-protocol message inside it.
// Intended for debugging malformed demos; costs nothing when disabled.

type traceInfo struct {
	enabled bool
	frames  []*TraceFrame
	current *TraceFrame
}

// TraceFrame is the recorded span of one top-level demo message.
type TraceFrame struct {
	Type     string
	Tick     int
	BitStart uint
	BitStop  uint
	Messages []TraceMessage
}

// TraceMessage is the recorded span of one sub-protocol message, tag
// included.
type TraceMessage struct {
	Type     string
	BitStart uint
	BitStop  uint
}

// WithTrace enables parse tracing for the session.
func WithTrace() Option {
	return func(s *Session) { s.trace.enabled = true }
}

// Trace returns the recorded frames, nil unless tracing was enabled.
func (s *Session) Trace() []*TraceFrame {
	return s.trace.frames
}

func (s *Session) traceFrameStart(t demType, startBit uint) {
	if !s.trace.enabled {
		return
	}
	f := &TraceFrame{Type: t.String(), Tick: s.tick, BitStart: startBit}
	s.trace.current = f
	s.trace.frames = append(s.trace.frames, f)
}

func (s *Session) traceFrameStop(stopBit uint) {
	if !s.trace.enabled || s.trace.current == nil {
		return
	}
	s.trace.current.BitStop = stopBit
}

func (s *Session) traceSubMessage(t svcType, startBit, stopBit uint) {
	if !s.trace.enabled || s.trace.current == nil {
		return
	}
	s.trace.current.Messages = append(s.trace.current.Messages, TraceMessage{
		Type:     t.String(),
		BitStart: startBit,
		BitStop:  stopBit,
	})
}
