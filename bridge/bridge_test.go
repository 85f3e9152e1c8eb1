package bridge

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// go test -v ./bridge -timeout 30s

// countingHalf 记录 CloseWrite 和 Close 的调用次数
type countingHalf struct {
	net.Conn
	closeWrites   atomic.Int32
	closes        atomic.Int32
	closeWriteErr error
	closeErr      error
}

func (h *countingHalf) CloseWrite() error {
	h.closeWrites.Add(1)
	return h.closeWriteErr
}

func (h *countingHalf) Close() error {
	h.closes.Add(1)
	h.Conn.Close()
	return h.closeErr
}

// failingHalf fails every read with err and swallows writes.
type failingHalf struct {
	err    error
	closes atomic.Int32
}

func (h *failingHalf) Read([]byte) (int, error)    { return 0, h.err }
func (h *failingHalf) Write(b []byte) (int, error) { return len(b), nil }
func (h *failingHalf) Close() error                { h.closes.Add(1); return nil }

// shortWriter accepts one byte less than asked.
type shortWriter struct {
	net.Conn
}

func (w *shortWriter) Write(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	return len(b) - 1, nil
}

type pairing struct {
	streamPeer net.Conn
	tunnelPeer net.Conn
	stream     *countingHalf
	tunnel     *countingHalf
	session    *Session
}

// newPairing wires: streamPeer <-> stream half | session | tunnel half <-> tunnelPeer
func newPairing(id string) *pairing {
	streamPeer, streamHalf := net.Pipe()
	tunnelHalf, tunnelPeer := net.Pipe()
	p := &pairing{
		streamPeer: streamPeer,
		tunnelPeer: tunnelPeer,
		stream:     &countingHalf{Conn: streamHalf},
		tunnel:     &countingHalf{Conn: tunnelHalf},
	}
	p.session = NewSession(id, p.stream, p.tunnel, nil)
	return p
}

func (p *pairing) closePeers() {
	p.streamPeer.Close()
	p.tunnelPeer.Close()
}

func runAsync(ctx context.Context, s *Session) <-chan Outcome {
	done := make(chan Outcome, 1)
	go func() { done <- s.Run(ctx) }()
	return done
}

func waitOutcome(t *testing.T, done <-chan Outcome) Outcome {
	t.Helper()
	select {
	case o := <-done:
		return o
	case <-time.After(5 * time.Second):
		t.Fatal("session did not finish")
	}
	return Outcome{}
}

func randomPayload(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func TestSessionPassthroughBothDirections(t *testing.T) {
	p := newPairing("passthrough")
	defer p.closePeers()
	done := runAsync(context.Background(), p.session)

	up := randomPayload(t, 1<<20)
	down := randomPayload(t, 300<<10)

	var wg sync.WaitGroup
	var gotUp, gotDown []byte
	wg.Add(4)
	go func() { defer wg.Done(); p.streamPeer.Write(up) }()
	go func() { defer wg.Done(); p.tunnelPeer.Write(down) }()
	go func() {
		defer wg.Done()
		gotUp = make([]byte, len(up))
		io.ReadFull(p.tunnelPeer, gotUp)
	}()
	go func() {
		defer wg.Done()
		gotDown = make([]byte, len(down))
		io.ReadFull(p.streamPeer, gotDown)
	}()
	wg.Wait()

	assert.True(t, bytes.Equal(up, gotUp), "upstream bytes differ")
	assert.True(t, bytes.Equal(down, gotDown), "downstream bytes differ")

	// 流端正常关闭
	p.streamPeer.Close()
	o := waitOutcome(t, done)

	assert.True(t, o.Success(), "outcome: %+v", o)
	assert.Equal(t, Upstream, o.Direction)
	assert.Equal(t, int64(len(up)), o.Upstream)
	assert.Equal(t, int64(len(down)), o.Downstream)
	assert.Equal(t, "passthrough", o.SessionID)
	assert.Equal(t, Closed, p.session.State())
}

func TestSessionTunnelCloseEndsSession(t *testing.T) {
	p := newPairing("tunnel-eof")
	defer p.closePeers()
	done := runAsync(context.Background(), p.session)

	p.tunnelPeer.Close()
	o := waitOutcome(t, done)

	assert.True(t, o.Success())
	assert.Equal(t, Downstream, o.Direction)
	assert.EqualValues(t, 1, p.stream.closeWrites.Load())
	assert.EqualValues(t, 1, p.stream.closes.Load())
	assert.EqualValues(t, 1, p.tunnel.closeWrites.Load())
	assert.EqualValues(t, 1, p.tunnel.closes.Load())
}

func TestSessionStreamEOFWhileTunnelMidWrite(t *testing.T) {
	p := newPairing("mid-write")
	defer p.closePeers()
	done := runAsync(context.Background(), p.session)

	// tunnel 端持续写入，stream 端从不读取，downstream 阻塞在写上
	go func() {
		chunk := bytes.Repeat([]byte("x"), 4096)
		for {
			if _, err := p.tunnelPeer.Write(chunk); err != nil {
				return
			}
		}
	}()
	time.Sleep(50 * time.Millisecond)
	p.streamPeer.Close()

	waitOutcome(t, done)
	assert.EqualValues(t, 1, p.stream.closeWrites.Load())
	assert.EqualValues(t, 1, p.stream.closes.Load())
	assert.EqualValues(t, 1, p.tunnel.closeWrites.Load())
	assert.EqualValues(t, 1, p.tunnel.closes.Load())
	assert.Equal(t, Closed, p.session.State())
}

func TestSessionBothDirectionsFail(t *testing.T) {
	stream := &failingHalf{err: errors.New("stream reset")}
	tunnel := &failingHalf{err: errors.New("tunnel reset")}
	s := NewSession("both-fail", stream, tunnel, nil)

	var reports atomic.Int32
	reporter := ReporterFunc(func(Outcome) { reports.Add(1) })
	o := s.Run(context.Background())
	reporter.Report(o)

	assert.False(t, o.Success())
	assert.Equal(t, ClassRead, o.Class)
	assert.Error(t, o.Err)
	assert.EqualValues(t, 1, reports.Load())
	assert.EqualValues(t, 1, stream.closes.Load())
	assert.EqualValues(t, 1, tunnel.closes.Load())
}

func TestSessionReadErrorDirection(t *testing.T) {
	streamPeer, streamHalf := net.Pipe()
	defer streamPeer.Close()
	boom := errors.New("tunnel exploded")
	tunnel := &failingHalf{err: boom}
	s := NewSession("read-error", streamHalf, tunnel, nil)

	o := s.Run(context.Background())
	assert.Equal(t, ClassRead, o.Class)
	assert.Equal(t, Downstream, o.Direction)
	assert.ErrorIs(t, o.Err, boom)
}

func TestSessionShortWriteIsWriteError(t *testing.T) {
	p := newPairing("short-write")
	defer p.closePeers()
	s := NewSession("short-write", p.stream, &shortWriter{Conn: p.tunnel}, nil)
	done := runAsync(context.Background(), s)

	go p.streamPeer.Write([]byte("hello"))
	go io.Copy(io.Discard, p.tunnelPeer)

	o := waitOutcome(t, done)
	assert.Equal(t, ClassWrite, o.Class)
	assert.Equal(t, Upstream, o.Direction)
	assert.ErrorIs(t, o.Err, io.ErrShortWrite)
	assert.EqualValues(t, 4, o.Upstream)
}

func TestSessionShutdownErrorKeepsClassification(t *testing.T) {
	p := newPairing("shutdown-error")
	defer p.closePeers()
	p.stream.closeWriteErr = errors.New("not connected")
	p.tunnel.closeErr = errors.New("already closed")
	done := runAsync(context.Background(), p.session)

	p.streamPeer.Close()
	o := waitOutcome(t, done)

	assert.True(t, o.Success())
	require.Error(t, o.ShutdownErr)
	assert.Contains(t, o.ShutdownErr.Error(), "not connected")
	assert.Contains(t, o.ShutdownErr.Error(), "already closed")
}

func TestSessionInterrupted(t *testing.T) {
	p := newPairing("interrupted")
	defer p.closePeers()
	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, p.session)

	require.Eventually(t, func() bool { return p.session.State() == Relaying }, time.Second, 5*time.Millisecond)
	cancel()
	o := waitOutcome(t, done)

	assert.Equal(t, ClassInterrupted, o.Class)
	assert.ErrorIs(t, o.Err, context.Canceled)
	assert.EqualValues(t, 1, p.stream.closes.Load())
	assert.EqualValues(t, 1, p.tunnel.closes.Load())
}

func TestSessionStates(t *testing.T) {
	p := newPairing("states")
	defer p.closePeers()
	assert.Equal(t, Paired, p.session.State())

	done := runAsync(context.Background(), p.session)
	require.Eventually(t, func() bool { return p.session.State() == Relaying }, time.Second, 5*time.Millisecond)

	p.tunnelPeer.Close()
	waitOutcome(t, done)
	assert.Equal(t, Closed, p.session.State())

	// 不允许重新进入 Relaying
	o := p.session.Run(context.Background())
	assert.ErrorIs(t, o.Err, ErrSessionReused)
	assert.Equal(t, Closed, p.session.State())
	assert.EqualValues(t, 1, p.stream.closes.Load())
	assert.EqualValues(t, 1, p.tunnel.closes.Load())
}

func TestConcurrentSessionsAreIsolated(t *testing.T) {
	const n = 100
	const failing = 13

	var wg sync.WaitGroup
	outcomes := make([]Outcome, n)
	payloads := make([][]byte, n)
	received := make([][]byte, n)

	for i := 0; i < n; i++ {
		payloads[i] = bytes.Repeat([]byte(fmt.Sprintf("session-%03d|", i)), 200)
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i == failing {
				streamPeer, streamHalf := net.Pipe()
				defer streamPeer.Close()
				s := NewSession(fmt.Sprint(i), streamHalf, &failingHalf{err: errors.New("injected")}, nil)
				outcomes[i] = s.Run(context.Background())
				return
			}
			p := newPairing(fmt.Sprint(i))
			defer p.closePeers()
			done := runAsync(context.Background(), p.session)

			go p.streamPeer.Write(payloads[i])
			got := make([]byte, len(payloads[i]))
			io.ReadFull(p.tunnelPeer, got)
			received[i] = got
			p.streamPeer.Close()
			outcomes[i] = <-done
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if i == failing {
			assert.Equal(t, ClassRead, outcomes[i].Class, "session %d", i)
			continue
		}
		assert.True(t, outcomes[i].Success(), "session %d: %+v", i, outcomes[i])
		assert.Equal(t, fmt.Sprint(i), outcomes[i].SessionID)
		assert.Equal(t, int64(len(payloads[i])), outcomes[i].Upstream, "session %d", i)
		assert.True(t, bytes.Equal(payloads[i], received[i]), "session %d content interleaved", i)
	}
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "paired", Paired.String())
	assert.Equal(t, "relaying", Relaying.String())
	assert.Equal(t, "shutting-down", ShuttingDown.String())
	assert.Equal(t, "closed", Closed.String())
	assert.Equal(t, "stream->tunnel", Upstream.String())
	assert.Equal(t, "tunnel->stream", Downstream.String())
	assert.Equal(t, "dial-error", ClassDial.String())
}

func TestMultiReporterFansOutInOrder(t *testing.T) {
	var order []string
	m := MultiReporter{
		ReporterFunc(func(o Outcome) { order = append(order, "first:"+o.SessionID) }),
		nil,
		ReporterFunc(func(o Outcome) { order = append(order, "second:"+o.SessionID) }),
	}
	m.Report(Outcome{SessionID: "s1"})
	assert.Equal(t, []string{"first:s1", "second:s1"}, order)
}
