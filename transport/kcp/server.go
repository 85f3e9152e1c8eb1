package kcp

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	kcpgo "github.com/xtaci/kcp-go/v5"
	"github.com/xtaci/smux"

	"kcpfwd/transport"
)

// KCPServer 在一个 UDP socket 上接受 KCP 会话
// 每个会话必须在 HandshakeTimeout 内打开一条 smux stream 才会交给 Accept，
// 关闭后残留的报文会让 kcp-go 新建会话，这些会话在这里被丢弃
type KCPServer struct {
	cfg      Config
	log      logrus.FieldLogger
	bind     *net.UDPConn
	listener *kcpgo.Listener

	// 容量即 backlog，队列满时 acceptLoop 阻塞
	connChan chan transport.TransportConn
	ctx      context.Context
	cancel   context.CancelFunc

	mu  sync.Mutex
	err error
}

// NewKCPServer logs through log; nil means the logrus standard logger.
func NewKCPServer(cfg Config, log logrus.FieldLogger) *KCPServer {
	if log == nil {
		log = logrus.StandardLogger()
	}
	backlog := cfg.Backlog
	if backlog < 1 {
		backlog = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &KCPServer{
		cfg:      cfg,
		log:      log,
		connChan: make(chan transport.TransportConn, backlog),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (t *KCPServer) Listen(addr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("kcp listen %q: %w", addr, err)
	}
	bind, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("kcp listen %q: %w", addr, err)
	}
	if err := tuneSocket(bind, t.cfg); err != nil {
		t.log.WithError(err).WithField("addr", addr).Warn("kcp: failed to tune udp socket")
	}
	block, err := t.cfg.blockCrypt()
	if err != nil {
		bind.Close()
		return err
	}
	listener, err := kcpgo.ServeConn(block, 0, 0, bind)
	if err != nil {
		bind.Close()
		return fmt.Errorf("kcp serve %q: %w", addr, err)
	}
	t.bind = bind
	t.listener = listener
	go t.acceptLoop()
	return nil
}

func (t *KCPServer) acceptLoop() {
	for {
		sess, err := t.listener.AcceptKCP()
		if err != nil {
			if t.ctx.Err() == nil {
				t.mu.Lock()
				t.err = err
				t.mu.Unlock()
				t.cancel()
			}
			return
		}
		t.cfg.apply(sess)
		go t.handshake(sess)
	}
}

// handshake 等待对端打开 stream，然后排队等待 Accept（队列满时阻塞）
func (t *KCPServer) handshake(sess *kcpgo.UDPSession) {
	mux, err := smux.Server(sess, t.cfg.muxConfig())
	if err != nil {
		sess.Close()
		t.log.WithError(err).Error("kcp: smux server")
		return
	}
	stop := context.AfterFunc(t.ctx, func() { mux.Close() })
	defer stop()

	mux.SetDeadline(time.Now().Add(t.cfg.HandshakeTimeout))
	stream, err := mux.AcceptStream()
	if err != nil {
		mux.Close()
		t.log.WithError(err).WithField("peer", sess.RemoteAddr().String()).Debug("kcp: session without stream dropped")
		return
	}
	mux.SetDeadline(time.Time{})

	conn := newConn(stream, mux, sess, t.cfg, nil)
	select {
	case t.connChan <- conn:
	case <-t.ctx.Done():
		conn.Close()
	}
}

func (t *KCPServer) Accept() (transport.TransportConn, error) {
	select {
	case conn := <-t.connChan:
		return conn, nil
	case <-t.ctx.Done():
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.err != nil {
			return nil, fmt.Errorf("%w: %v", transport.ErrServerClosed, t.err)
		}
		return nil, transport.ErrServerClosed
	}
}

func (t *KCPServer) Addr() net.Addr {
	if t.bind == nil {
		return nil
	}
	return t.bind.LocalAddr()
}

func (t *KCPServer) Close() error {
	t.cancel()
	if t.listener == nil {
		return nil
	}
	err := t.listener.Close()
	// ServeConn 不拥有 socket，需要自己关闭
	if cerr := t.bind.Close(); err == nil {
		err = cerr
	}
	for {
		select {
		case conn := <-t.connChan:
			conn.Close()
		default:
			return err
		}
	}
}
