// Package bridge relays one stream connection and one tunnel session into
// each other until either side is done.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// RelayBufferSize is the per-direction copy buffer.
const RelayBufferSize = 32 << 10

var ErrSessionReused = errors.New("bridge: session already run")

var errInvalidWrite = errors.New("invalid write result")

var relayBufferPool = sync.Pool{
	New: func() any {
		buf := make([]byte, RelayBufferSize)
		return &buf
	},
}

type closeWriter interface {
	CloseWrite() error
}

type flusher interface {
	Flush() error
}

// Session pairs exactly one stream half with exactly one tunnel half. Once
// created it owns both: nothing else may read, write or close them.
type Session struct {
	id     string
	stream io.ReadWriteCloser
	tunnel io.ReadWriteCloser
	state  atomic.Int32
	log    *logrus.Entry
}

func NewSession(id string, stream, tunnel io.ReadWriteCloser, log *logrus.Entry) *Session {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Session{
		id:     id,
		stream: stream,
		tunnel: tunnel,
		log:    log.WithField("session", id),
	}
	s.state.Store(int32(Paired))
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) advance(from, to State) bool {
	return s.state.CompareAndSwap(int32(from), int32(to))
}

type relayResult struct {
	dir     Direction
	written int64
	class   Class
	err     error
}

// Run relays until the first direction ends, shuts both halves down, waits
// for the other direction to unwind and returns the outcome. Cancelling ctx
// ends the session as interrupted. Run works once per session.
func (s *Session) Run(ctx context.Context) Outcome {
	if !s.advance(Paired, Relaying) {
		return Outcome{SessionID: s.id, Class: ClassInterrupted, Err: ErrSessionReused}
	}
	start := time.Now()
	s.log.Debug("session: relaying")

	results := make(chan relayResult, 2)
	go s.relay(Upstream, s.tunnel, s.stream, results)
	go s.relay(Downstream, s.stream, s.tunnel, results)

	var first relayResult
	pending := 2
	select {
	case first = <-results:
		pending--
	case <-ctx.Done():
		first = relayResult{class: ClassInterrupted, err: ctx.Err()}
	}

	s.advance(Relaying, ShuttingDown)
	s.log.WithField("direction", first.dir.String()).Debug("session: shutting down")
	shutdownErr := s.shutdown()

	var written [3]int64
	written[first.dir] = first.written
	for ; pending > 0; pending-- {
		r := <-results
		written[r.dir] = r.written
	}

	s.advance(ShuttingDown, Closed)
	return Outcome{
		SessionID:   s.id,
		Class:       first.class,
		Direction:   first.dir,
		Err:         first.err,
		Upstream:    written[Upstream],
		Downstream:  written[Downstream],
		ShutdownErr: shutdownErr,
		Duration:    time.Since(start),
	}
}

func (s *Session) relay(dir Direction, dst io.Writer, src io.Reader, results chan<- relayResult) {
	bufp := relayBufferPool.Get().(*[]byte)
	defer relayBufferPool.Put(bufp)
	buf := *bufp

	var written int64
	for {
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			if nw < 0 || nr < nw {
				nw = 0
				if werr == nil {
					werr = errInvalidWrite
				}
			}
			written += int64(nw)
			if werr == nil && nw != nr {
				werr = io.ErrShortWrite
			}
			if werr == nil {
				if f, ok := dst.(flusher); ok {
					werr = f.Flush()
				}
			}
			if werr != nil {
				results <- relayResult{dir: dir, written: written, class: ClassWrite, err: werr}
				return
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				results <- relayResult{dir: dir, written: written, class: ClassNone}
			} else {
				results <- relayResult{dir: dir, written: written, class: ClassRead, err: rerr}
			}
			return
		}
	}
}

// shutdown signals end-of-output on both halves, then closes them. Failures
// are logged and returned joined; they are never fatal.
func (s *Session) shutdown() error {
	var errs []error
	for _, half := range []struct {
		name string
		rwc  io.ReadWriteCloser
	}{
		{"stream", s.stream},
		{"tunnel", s.tunnel},
	} {
		if cw, ok := half.rwc.(closeWriter); ok {
			if err := cw.CloseWrite(); err != nil {
				errs = append(errs, fmt.Errorf("%s close write: %w", half.name, err))
			}
		}
		if err := half.rwc.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s close: %w", half.name, err))
		}
	}
	err := errors.Join(errs...)
	if err != nil {
		s.log.WithError(err).Debug("session: shutdown")
	}
	return err
}
