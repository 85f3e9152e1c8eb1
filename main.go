package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"kcpfwd/config"
	"kcpfwd/forwarder"
)

const (
	exitOK    = 0
	exitFatal = 1
	exitUsage = 2
)

func main() {
	// 等待中断信号
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stderr io.Writer) int {
	fs := pflag.NewFlagSet("kcpfwd", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	server := fs.Bool("server", false, "监听 KCP，转发到 TCP 上游 (--proxy-addr)")
	client := fs.Bool("client", false, "监听 TCP，通过 KCP 转发到远端 (--proxy-addr)")
	proxyAddr := fs.StringP("proxy-addr", "p", "", "转发目标地址 host:port")
	listenAddr := fs.StringP("listen-addr", "l", config.DefaultListenAddr, "本地监听地址")
	configPath := fs.StringP("config", "f", "", "配置文件路径 (toml)")
	logLevel := fs.String("log-level", "info", "日志级别: trace, debug, info, warn, error")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "用法: kcpfwd (--server | --client) -p <host:port> [-l <host:port>] [-f <config>]\n\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(stderr, "错误：多余的参数 %v\n", fs.Args())
		fs.Usage()
		return exitUsage
	}

	cfg := config.Default()
	if *configPath != "" {
		parsed, err := config.ParseConfig(*configPath)
		if err != nil {
			fmt.Fprintf(stderr, "解析配置文件失败: %v\n", err)
			return exitFatal
		}
		cfg = parsed
	}

	// 命令行参数覆盖配置文件
	switch {
	case *server && *client:
		fmt.Fprintln(stderr, "错误：--server 和 --client 只能选一个")
		fs.Usage()
		return exitUsage
	case *server:
		cfg.Mode = config.ModeServer
	case *client:
		cfg.Mode = config.ModeClient
	}
	if fs.Changed("proxy-addr") {
		cfg.ProxyAddr = *proxyAddr
	}
	if fs.Changed("listen-addr") || cfg.ListenAddr == "" {
		cfg.ListenAddr = *listenAddr
	}
	if fs.Changed("log-level") || cfg.LogLevel == "" {
		cfg.LogLevel = *logLevel
	}

	if cfg.Mode == "" {
		fmt.Fprintln(stderr, "错误：必须指定 --server 或 --client")
		fs.Usage()
		return exitUsage
	}
	if cfg.ProxyAddr == "" {
		fmt.Fprintln(stderr, "错误：必须指定 --proxy-addr")
		fs.Usage()
		return exitUsage
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "配置无效: %v\n", err)
		return exitFatal
	}

	level, _ := cfg.Level()
	log := forwarder.Logger()
	log.SetOutput(stderr)
	forwarder.SetLogLevel(level)

	fwd, err := config.NewForwarder(cfg, nil)
	if err != nil {
		log.WithError(err).Error("create forwarder")
		return exitFatal
	}
	if err := fwd.Listen(); err != nil {
		log.WithError(err).WithField("addr", cfg.ListenAddr).Error("bind failed")
		return exitFatal
	}
	if err := fwd.Serve(ctx); err != nil {
		log.WithError(err).Error("forwarder stopped")
		return exitFatal
	}
	log.Info("stopped")
	return exitOK
}
