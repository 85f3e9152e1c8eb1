// Package forwarder runs the accept loops of both roles: every accepted
// half is paired with a freshly dialed half and bridged.
package forwarder

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"kcpfwd/bridge"
	"kcpfwd/transport"
	"kcpfwd/transport/kcp"
	"kcpfwd/transport/tcp"
)

const DefaultDialTimeout = 10 * time.Second

// accept 临时错误的退避上限
const maxAcceptBackoff = time.Second

type Role string

const (
	// RoleIngress accepts tunnel sessions and dials the upstream stream address.
	RoleIngress Role = "ingress"
	// RoleEgress accepts stream connections and dials the remote tunnel endpoint.
	RoleEgress Role = "egress"
)

// pair sorts the accepted and dialed conns into (stream, tunnel).
func (r Role) pair(accepted, dialed transport.TransportConn) (stream, tunnel transport.TransportConn) {
	if r == RoleIngress {
		return dialed, accepted
	}
	return accepted, dialed
}

type Forwarder struct {
	role        Role
	server      transport.TransportServer
	client      transport.TransportClient
	listenAddr  string
	target      string
	dialTimeout time.Duration
	reporter    bridge.Reporter
	extra       bridge.MultiReporter
	log         *logrus.Entry
	newID       func() string

	wg     sync.WaitGroup
	active atomic.Int64
	closed atomic.Bool
}

type Option func(*Forwarder)

// WithReporter adds r after the log reporter; every outcome is still logged.
func WithReporter(r bridge.Reporter) Option {
	return func(f *Forwarder) {
		if r != nil {
			f.extra = append(f.extra, r)
		}
	}
}

func WithDialTimeout(d time.Duration) Option {
	return func(f *Forwarder) {
		if d > 0 {
			f.dialTimeout = d
		}
	}
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(f *Forwarder) {
		if l != nil {
			f.log = l.WithField("role", string(f.role))
		}
	}
}

func New(role Role, server transport.TransportServer, client transport.TransportClient, listenAddr, target string, opts ...Option) *Forwarder {
	f := &Forwarder{
		role:        role,
		server:      server,
		client:      client,
		listenAddr:  listenAddr,
		target:      target,
		dialTimeout: DefaultDialTimeout,
		log:         log.WithField("role", string(role)),
		newID:       uuid.NewString,
	}
	for _, opt := range opts {
		opt(f)
	}
	f.reporter = append(bridge.MultiReporter{bridge.NewLogReporter(f.log)}, f.extra...)
	return f
}

// NewIngress listens for tunnel sessions on listenAddr and forwards each one
// to upstreamAddr over TCP.
func NewIngress(listenAddr, upstreamAddr string, cfg kcp.Config, opts ...Option) *Forwarder {
	f := New(RoleIngress, nil, tcp.NewTCPClient(), listenAddr, upstreamAddr, opts...)
	f.server = kcp.NewKCPServer(cfg, f.log)
	return f
}

// NewEgress listens for TCP connections on listenAddr and forwards each one
// over a new tunnel session to remoteAddr.
func NewEgress(listenAddr, remoteAddr string, cfg kcp.Config, opts ...Option) *Forwarder {
	f := New(RoleEgress, tcp.NewTCPServer(), nil, listenAddr, remoteAddr, opts...)
	f.client = kcp.NewKCPClient(cfg, f.log)
	return f
}

func (f *Forwarder) Role() Role { return f.role }

// Listen binds the local address. An error here means the role cannot start.
func (f *Forwarder) Listen() error {
	if err := f.server.Listen(f.listenAddr); err != nil {
		return err
	}
	f.log.WithField("addr", addrString(f.server.Addr())).Info("listening")
	return nil
}

func (f *Forwarder) Addr() net.Addr {
	return f.server.Addr()
}

// Active reports the number of in-flight sessions, dialing ones included.
func (f *Forwarder) Active() int {
	return int(f.active.Load())
}

// Serve accepts until ctx is cancelled or the listener fails. Each accepted
// conn is handled on its own goroutine; Serve never waits on a dial or a
// relay, except on exit, when it interrupts and waits for all of them.
func (f *Forwarder) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		f.wg.Wait()
	}()
	go func() {
		<-ctx.Done()
		f.server.Close()
	}()

	f.log.WithFields(logrus.Fields{
		"listen": addrString(f.server.Addr()),
		"target": f.target,
	}).Info("begin forward task")

	var backoff time.Duration
	for {
		conn, err := f.server.Accept()
		if err != nil {
			if ctx.Err() != nil || (f.closed.Load() && errors.Is(err, transport.ErrServerClosed)) {
				return nil
			}
			if errors.Is(err, transport.ErrServerClosed) {
				f.log.WithError(err).Error("accept failed")
				return err
			}
			// 临时错误（如 EMFILE）退避后重试，同 net/http
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else {
				backoff *= 2
			}
			if backoff > maxAcceptBackoff {
				backoff = maxAcceptBackoff
			}
			f.log.WithError(err).WithField("retry", backoff).Warn("accept error")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		backoff = 0
		id := f.newID()
		f.wg.Add(1)
		f.active.Add(1)
		go f.handle(ctx, id, conn)
	}
}

// Close stops the listener; Serve returns once in-flight sessions unwind.
func (f *Forwarder) Close() error {
	f.closed.Store(true)
	return f.server.Close()
}

func (f *Forwarder) handle(ctx context.Context, id string, accepted transport.TransportConn) {
	defer f.wg.Done()
	defer f.active.Add(-1)

	peer := addrString(accepted.RemoteAddr())
	entry := f.log.WithFields(logrus.Fields{"session": id, "peer": peer})
	entry.Info("new connection")

	// 单次尝试，不重试
	dialCtx, cancel := context.WithTimeout(ctx, f.dialTimeout)
	dialed, err := f.client.Dial(dialCtx, f.target)
	cancel()
	if err != nil {
		accepted.Close()
		f.reporter.Report(bridge.Outcome{
			SessionID: id,
			Role:      string(f.role),
			Peer:      peer,
			Target:    f.target,
			Class:     bridge.ClassDial,
			Err:       err,
		})
		return
	}

	stream, tunnel := f.role.pair(accepted, dialed)
	session := bridge.NewSession(id, stream, tunnel, f.log.WithField("peer", peer))
	outcome := session.Run(ctx)
	outcome.Role = string(f.role)
	outcome.Peer = peer
	outcome.Target = f.target
	f.reporter.Report(outcome)
}

func addrString(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}
