package main

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunUsageErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"no mode", []string{"-p", "127.0.0.1:1"}, "--server 或 --client"},
		{"both modes", []string{"--server", "--client", "-p", "127.0.0.1:1"}, "只能选一个"},
		{"no proxy", []string{"--client"}, "--proxy-addr"},
		{"unknown flag", []string{"--bogus"}, "unknown flag"},
		{"extra args", []string{"--client", "-p", "127.0.0.1:1", "extra"}, "多余的参数"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stderr bytes.Buffer
			code := run(context.Background(), tt.args, &stderr)
			assert.Equal(t, exitUsage, code)
			assert.Contains(t, stderr.String(), tt.want)
		})
	}
}

func TestRunHelp(t *testing.T) {
	var stderr bytes.Buffer
	assert.Equal(t, exitOK, run(context.Background(), []string{"-h"}, &stderr))
	assert.Contains(t, stderr.String(), "--listen-addr")
}

func TestRunBindFailure(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	var stderr bytes.Buffer
	code := run(context.Background(), []string{"--client", "-p", "127.0.0.1:1", "-l", l.Addr().String()}, &stderr)
	assert.Equal(t, exitFatal, code)
	assert.Contains(t, stderr.String(), "bind failed")
}

func TestRunBadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("Mode = "), 0o644))

	var stderr bytes.Buffer
	assert.Equal(t, exitFatal, run(context.Background(), []string{"-f", path}, &stderr))
	assert.Contains(t, stderr.String(), "解析配置文件失败")
}

func TestRunInvalidAddress(t *testing.T) {
	var stderr bytes.Buffer
	code := run(context.Background(), []string{"--server", "-p", "no-port"}, &stderr)
	assert.Equal(t, exitFatal, code)
	assert.Contains(t, stderr.String(), "配置无效")
}

func TestRunGracefulStop(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	var stderr bytes.Buffer
	code := run(ctx, []string{"--server", "-p", "127.0.0.1:1", "-l", "127.0.0.1:0"}, &stderr)
	assert.Equal(t, exitOK, code)
	assert.Contains(t, stderr.String(), "listening")
}

func TestRunFlagsOverrideConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.toml")
	content := "Mode = \"server\"\nProxyAddr = \"127.0.0.1:1\"\nListenAddr = \"256.0.0.1:1\"\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	// 文件中的监听地址无法绑定，命令行覆盖后应正常启动
	var stderr bytes.Buffer
	code := run(ctx, []string{"-f", path, "--client", "-l", "127.0.0.1:0"}, &stderr)
	assert.Equal(t, exitOK, code)
	assert.Contains(t, stderr.String(), "role=egress")
}
