package transport

import (
	"context"
	"errors"
	"net"
)

// ErrServerClosed is returned by Accept once the server has been closed or
// its listener failed.
var ErrServerClosed = errors.New("server closed")

type TransportServer interface {
	Listen(addr string) error
	Accept() (TransportConn, error)
	Addr() net.Addr
	Close() error
}

type TransportClient interface {
	Dial(ctx context.Context, endpoint string) (TransportConn, error)
}

type TransportConn interface {
	Read(b []byte) (n int, err error)
	Write(b []byte) (n int, err error)
	Close() error
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

// CloseWriter is implemented by conns that can signal end-of-output while
// still reading, like *net.TCPConn.
type CloseWriter interface {
	CloseWrite() error
}

// one bridged session is made of two layers:
// [stream peer] <-> tcp <-> kcpfwd <-> kcp/udp <-> kcpfwd <-> tcp <-> [stream peer]
//
// for the server side, Listen() binds the local address and Accept() hands out
// every new conn; the accept goroutine runs behind a bounded queue.
// for the client side, Dial() makes one attempt, no retry, bounded by ctx.
