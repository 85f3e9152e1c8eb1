package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"kcpfwd/transport"
	"kcpfwd/transport/tcp"
)

var log = logrus.New()

func main() {
	var addr = pflag.StringP("listen-addr", "l", "127.0.0.1:25566", "监听地址")
	var verbose = pflag.BoolP("verbose", "v", false, "输出 debug 日志")
	pflag.Parse()

	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server := tcp.NewTCPServer()
	if err := server.Listen(*addr); err != nil {
		log.WithError(err).Error("listen failed")
		os.Exit(1)
	}
	log.WithField("addr", server.Addr().String()).Info("echo server listening")

	go func() {
		<-ctx.Done()
		server.Close()
	}()
	serve(server)
	log.Info("echo server closed")
}

// serve 对每个连接原样回显，直到 server 关闭
func serve(server transport.TransportServer) {
	for {
		conn, err := server.Accept()
		if err != nil {
			return
		}
		go func() {
			defer conn.Close()
			entry := log.WithField("peer", conn.RemoteAddr().String())
			entry.Debug("new connection")
			n, err := io.Copy(conn, conn)
			if err != nil {
				entry.WithError(err).Warn("echo failed")
				return
			}
			entry.WithField("bytes", n).Debug("connection closed")
		}()
	}
}
