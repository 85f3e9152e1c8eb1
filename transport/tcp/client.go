package tcp

import (
	"context"
	"net"

	"kcpfwd/transport"
)

type TCPClient struct {
	dialer net.Dialer
}

func NewTCPClient() *TCPClient {
	return &TCPClient{}
}

// Dial makes a single attempt; the deadline comes from ctx.
func (t *TCPClient) Dial(ctx context.Context, endpoint string) (transport.TransportConn, error) {
	conn, err := t.dialer.DialContext(ctx, "tcp", endpoint)
	if err != nil {
		return nil, err
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true) // 关闭Nagle算法，减少延迟，避免等待ACK
	}
	return conn, nil
}
