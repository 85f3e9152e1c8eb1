package tcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"kcpfwd/transport"
)

// DefaultBacklog 是未被 Accept 的连接队列长度
const DefaultBacklog = 128

type TCPServer struct {
	listener *net.TCPListener

	connChan chan transport.TransportConn
	// 临时错误交给 Accept 的调用方，由它决定退避
	tempErr chan error
	ctx      context.Context
	cancel   context.CancelFunc

	mu  sync.Mutex
	err error
}

func NewTCPServer() *TCPServer {
	ctx, cancel := context.WithCancel(context.Background())
	return &TCPServer{
		connChan: make(chan transport.TransportConn, DefaultBacklog),
		tempErr:  make(chan error),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (t *TCPServer) Listen(addr string) error {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("tcp listen %q: %w", addr, err)
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("tcp listen %q: %w", addr, err)
	}
	t.listener = listener.(*net.TCPListener)
	go t.acceptLoop()
	return nil
}

func (t *TCPServer) acceptLoop() {
	for {
		conn, err := t.listener.AcceptTCP()
		if err != nil {
			if isTemporary(err) && t.ctx.Err() == nil {
				select {
				case t.tempErr <- err:
					continue
				case <-t.ctx.Done():
					return
				}
			}
			if t.ctx.Err() == nil {
				t.mu.Lock()
				t.err = err
				t.mu.Unlock()
				t.cancel()
			}
			return
		}
		// 关闭Nagle算法，减少延迟
		conn.SetNoDelay(true)
		select {
		case t.connChan <- conn:
		case <-t.ctx.Done():
			conn.Close()
			return
		}
	}
}

func (t *TCPServer) Accept() (transport.TransportConn, error) {
	select {
	case conn := <-t.connChan:
		return conn, nil
	case err := <-t.tempErr:
		return nil, err
	case <-t.ctx.Done():
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.err != nil {
			return nil, fmt.Errorf("%w: %v", transport.ErrServerClosed, t.err)
		}
		return nil, transport.ErrServerClosed
	}
}

func (t *TCPServer) Addr() net.Addr {
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

func (t *TCPServer) Close() error {
	t.cancel()
	if t.listener == nil {
		return nil
	}
	err := t.listener.Close()
	// 丢弃队列中尚未被取走的连接
	for {
		select {
		case conn := <-t.connChan:
			conn.Close()
		default:
			return err
		}
	}
}

// isTemporary 判断 accept 错误是否可重试，例如 EMFILE
func isTemporary(err error) bool {
	var ne interface{ Temporary() bool }
	return errors.As(err, &ne) && ne.Temporary()
}
