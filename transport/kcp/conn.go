package kcp

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	kcpgo "github.com/xtaci/kcp-go/v5"
	"github.com/xtaci/smux"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// ErrLingerTimeout is returned by Close when the peer did not acknowledge
// everything written before Linger ran out.
var ErrLingerTimeout = errors.New("kcp: linger timeout")

const lingerPoll = 10 * time.Millisecond

// Conn is one tunnel session: a single smux stream over one KCP session.
// Read reports io.EOF when the peer closes its side, or once the session has
// been idle in both directions for longer than the configured expiry.
type Conn struct {
	stream *smux.Stream
	mux    *smux.Session
	sess   *kcpgo.UDPSession

	expire     time.Duration
	linger     time.Duration
	lastWrite  atomic.Int64
	peerClosed atomic.Bool

	// socket is set when the session owns its UDP socket (dialed sessions).
	socket    *net.UDPConn
	closeOnce sync.Once
	closeErr  error
}

func newConn(stream *smux.Stream, mux *smux.Session, sess *kcpgo.UDPSession, cfg Config, socket *net.UDPConn) *Conn {
	c := &Conn{
		stream: stream,
		mux:    mux,
		sess:   sess,
		expire: cfg.SessionExpire,
		linger: cfg.Linger,
		socket: socket,
	}
	c.lastWrite.Store(time.Now().UnixNano())
	return c
}

func (c *Conn) Read(b []byte) (int, error) {
	for {
		if c.expire > 0 {
			c.stream.SetReadDeadline(time.Now().Add(c.expire))
		}
		n, err := c.stream.Read(b)
		if errors.Is(err, io.EOF) {
			c.peerClosed.Store(true)
		}
		if err == nil || c.expire <= 0 || !isTimeout(err) {
			return n, err
		}
		if n > 0 {
			return n, nil
		}
		// 写方向仍然活跃时继续等待
		if time.Since(time.Unix(0, c.lastWrite.Load())) < c.expire {
			continue
		}
		return 0, io.EOF
	}
}

func (c *Conn) Write(b []byte) (int, error) {
	n, err := c.stream.Write(b)
	if n > 0 {
		c.lastWrite.Store(time.Now().UnixNano())
	}
	return n, err
}

func (c *Conn) LocalAddr() net.Addr  { return c.sess.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr { return c.sess.RemoteAddr() }

// Close sends FIN on the stream, waits up to Linger for the KCP send queue to
// drain, then tears down the mux, the session and an owned socket.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		var errs []error
		if err := c.stream.Close(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			errs = append(errs, err)
		}
		if err := c.drain(); err != nil {
			errs = append(errs, err)
		}
		// smux 关闭时会一并关闭 KCP 会话
		if err := c.mux.Close(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			errs = append(errs, err)
		}
		if c.socket != nil {
			if err := c.socket.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		c.closeErr = errors.Join(errs...)
	})
	return c.closeErr
}

// drain 等待对端确认所有已发送的数据；对端已关闭时不再等待
func (c *Conn) drain() error {
	if c.linger <= 0 {
		return nil
	}
	deadline := time.Now().Add(c.linger)
	for c.sess.WaitSnd() > 0 {
		if c.peerClosed.Load() || c.mux.IsClosed() {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %d segments unacknowledged", ErrLingerTimeout, c.sess.WaitSnd())
		}
		time.Sleep(lingerPoll)
	}
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, smux.ErrTimeout) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// tuneSocket sets buffer sizes and DSCP marking on a UDP socket.
func tuneSocket(conn *net.UDPConn, cfg Config) error {
	var errs []error
	if cfg.SockBuf > 0 {
		if err := conn.SetReadBuffer(cfg.SockBuf); err != nil {
			errs = append(errs, err)
		}
		if err := conn.SetWriteBuffer(cfg.SockBuf); err != nil {
			errs = append(errs, err)
		}
	}
	if cfg.DSCP > 0 {
		if err := ipv4.NewConn(conn).SetTOS(cfg.DSCP << 2); err != nil {
			if err6 := ipv6.NewConn(conn).SetTrafficClass(cfg.DSCP); err6 != nil {
				errs = append(errs, errors.Join(err, err6))
			}
		}
	}
	return errors.Join(errs...)
}
