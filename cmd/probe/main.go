package main

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/spf13/pflag"
)

func main() {
	var target = pflag.StringP("addr", "a", "127.0.0.1:25565", "目标地址 host:port")
	var timeout = pflag.DurationP("timeout", "t", 3*time.Second, "连接超时时间")
	var retries = pflag.IntP("retries", "r", 3, "重试次数")
	var payload = pflag.StringP("data", "d", "Hello Server!", "发送的测试数据")
	pflag.Parse()

	fmt.Printf("测试TCP连接到: %s\n", *target)
	fmt.Printf("超时时间: %s, 重试次数: %d\n\n", *timeout, *retries)

	for i := 0; i < *retries; i++ {
		fmt.Printf("尝试连接 %d/%d...\n", i+1, *retries)

		rtt, err := probe(*target, []byte(*payload), *timeout)
		if err != nil {
			fmt.Printf("失败: %v\n", err)
			if i < *retries-1 {
				fmt.Printf("等待2秒后重试...\n\n")
				time.Sleep(2 * time.Second)
			}
			continue
		}
		fmt.Printf("回显正确 (RTT: %v)\n", rtt)
		return
	}

	fmt.Printf("所有重试都失败了\n")
	os.Exit(1)
}

// probe 发送 payload 并等待原样回显，返回往返时间
func probe(target string, payload []byte, timeout time.Duration) (time.Duration, error) {
	start := time.Now()
	conn, err := net.DialTimeout("tcp", target, timeout)
	if err != nil {
		return 0, fmt.Errorf("连接失败: %w", err)
	}
	defer conn.Close()
	fmt.Printf("连接成功! (耗时: %v) %s -> %s\n", time.Since(start), conn.LocalAddr(), conn.RemoteAddr())

	conn.SetDeadline(time.Now().Add(timeout + 2*time.Second))
	start = time.Now()
	if _, err := conn.Write(payload); err != nil {
		return 0, fmt.Errorf("发送数据失败: %w", err)
	}
	echo := make([]byte, len(payload))
	if _, err := io.ReadFull(conn, echo); err != nil {
		return 0, fmt.Errorf("读取响应失败: %w", err)
	}
	rtt := time.Since(start)
	if !bytes.Equal(echo, payload) {
		return rtt, fmt.Errorf("回显不一致: %q", echo)
	}
	return rtt, nil
}
