package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"

	"kcpfwd/forwarder"
	"kcpfwd/transport/kcp"
)

const (
	ModeServer = "server"
	ModeClient = "client"

	DefaultListenAddr = "0.0.0.0:25565"
)

// Config 主配置结构体
type Config struct {
	Mode        string        `toml:"Mode"`
	ProxyAddr   string        `toml:"ProxyAddr"`
	ListenAddr  string        `toml:"ListenAddr"`
	LogLevel    string        `toml:"LogLevel"`
	DialTimeout time.Duration `toml:"DialTimeout"`

	Transport kcp.Config `toml:"Transport"`
}

// Default 返回未指定任何项时使用的配置
func Default() *Config {
	return &Config{
		ListenAddr:  DefaultListenAddr,
		LogLevel:    "info",
		DialTimeout: forwarder.DefaultDialTimeout,
		Transport:   kcp.DefaultConfig(),
	}
}

// ParseConfig 读取 toml 文件，未出现的字段保留默认值
func ParseConfig(path string) (*Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := checkUndecoded(md); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func ParseConfigFromString(s string) (*Config, error) {
	cfg := Default()
	md, err := toml.Decode(s, cfg)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := checkUndecoded(md); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// 拼写错误的键直接报错，不静默忽略
func checkUndecoded(md toml.MetaData) error {
	keys := md.Undecoded()
	if len(keys) == 0 {
		return nil
	}
	names := make([]string, len(keys))
	for i, k := range keys {
		names[i] = k.String()
	}
	return fmt.Errorf("unknown keys: %s", strings.Join(names, ", "))
}

// Role maps the configured mode to the forwarder role.
func (c *Config) Role() (forwarder.Role, error) {
	switch c.Mode {
	case ModeServer:
		return forwarder.RoleIngress, nil
	case ModeClient:
		return forwarder.RoleEgress, nil
	case "":
		return "", errors.New("mode is required: server or client")
	}
	return "", fmt.Errorf("unknown mode %q", c.Mode)
}

func (c *Config) Level() (logrus.Level, error) {
	if c.LogLevel == "" {
		return logrus.InfoLevel, nil
	}
	return logrus.ParseLevel(c.LogLevel)
}

func (c *Config) Validate() error {
	var errs []error
	if _, err := c.Role(); err != nil {
		errs = append(errs, err)
	}
	if c.ProxyAddr == "" {
		errs = append(errs, errors.New("proxy address is required"))
	} else if _, _, err := net.SplitHostPort(c.ProxyAddr); err != nil {
		errs = append(errs, fmt.Errorf("proxy address: %w", err))
	}
	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		errs = append(errs, fmt.Errorf("listen address: %w", err))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	if c.DialTimeout < 0 {
		errs = append(errs, fmt.Errorf("dial timeout must not be negative, got %s", c.DialTimeout))
	}
	if err := c.Transport.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("transport: %w", err))
	}
	return errors.Join(errs...)
}

func (c *Config) TransportConfig() kcp.Config {
	return c.Transport
}
