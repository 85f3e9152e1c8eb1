package bridge

// State is the lifecycle of a Session. It only moves forward:
// Paired -> Relaying -> ShuttingDown -> Closed.
type State int32

const (
	Paired State = iota
	Relaying
	ShuttingDown
	Closed
)

func (s State) String() string {
	switch s {
	case Paired:
		return "paired"
	case Relaying:
		return "relaying"
	case ShuttingDown:
		return "shutting-down"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// Direction names one half of the relay.
type Direction uint8

const (
	DirectionNone Direction = iota
	// Upstream carries bytes from the stream half to the tunnel half.
	Upstream
	// Downstream carries bytes from the tunnel half to the stream half.
	Downstream
)

func (d Direction) String() string {
	switch d {
	case Upstream:
		return "stream->tunnel"
	case Downstream:
		return "tunnel->stream"
	}
	return "none"
}

// Class classifies how a session ended.
type Class uint8

const (
	// ClassNone is a graceful end: one side reached end-of-stream.
	ClassNone Class = iota
	ClassRead
	ClassWrite
	// ClassDial means the outbound half could not be established and no
	// session was created.
	ClassDial
	// ClassInterrupted means the session was cut short from outside, for
	// example by process shutdown.
	ClassInterrupted
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "ok"
	case ClassRead:
		return "read-error"
	case ClassWrite:
		return "write-error"
	case ClassDial:
		return "dial-error"
	case ClassInterrupted:
		return "interrupted"
	}
	return "unknown"
}
