package kcp

import (
	"context"
	"fmt"
	"net"

	"github.com/sirupsen/logrus"
	kcpgo "github.com/xtaci/kcp-go/v5"
	"github.com/xtaci/smux"

	"kcpfwd/transport"
)

type KCPClient struct {
	cfg Config
	log logrus.FieldLogger
}

// NewKCPClient logs through log; nil means the logrus standard logger.
func NewKCPClient(cfg Config, log logrus.FieldLogger) *KCPClient {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &KCPClient{cfg: cfg, log: log}
}

// Dial opens a new session on its own UDP socket, so every session gets a
// distinct source port, and opens the one smux stream it carries. KCP has no
// handshake: the only failures here are address, socket and cipher errors.
func (t *KCPClient) Dial(ctx context.Context, endpoint string) (transport.TransportConn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raddr, err := net.ResolveUDPAddr("udp", endpoint)
	if err != nil {
		return nil, fmt.Errorf("kcp dial %q: %w", endpoint, err)
	}
	block, err := t.cfg.blockCrypt()
	if err != nil {
		return nil, err
	}
	// 客户端不需要绑定到特定端口，让系统自动分配可用端口
	socket, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, fmt.Errorf("kcp dial %q: %w", endpoint, err)
	}
	if err := tuneSocket(socket, t.cfg); err != nil {
		t.log.WithError(err).WithField("endpoint", endpoint).Warn("kcp: failed to tune udp socket")
	}
	sess, err := kcpgo.NewConn(raddr.String(), block, 0, 0, socket)
	if err != nil {
		socket.Close()
		return nil, fmt.Errorf("kcp dial %q: %w", endpoint, err)
	}
	t.cfg.apply(sess)

	mux, err := smux.Client(sess, t.cfg.muxConfig())
	if err != nil {
		sess.Close()
		socket.Close()
		return nil, fmt.Errorf("kcp dial %q: %w", endpoint, err)
	}
	stream, err := mux.OpenStream()
	if err != nil {
		mux.Close()
		socket.Close()
		return nil, fmt.Errorf("kcp dial %q: %w", endpoint, err)
	}
	return newConn(stream, mux, sess, t.cfg, socket), nil
}
