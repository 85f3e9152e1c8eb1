package config

import (
	"kcpfwd/bridge"
	"kcpfwd/forwarder"
)

// NewForwarder 根据配置构建对应角色的转发器
// server: 监听 KCP，转发到 ProxyAddr 的 TCP 上游
// client: 监听 TCP，通过 KCP 转发到 ProxyAddr
func NewForwarder(cfg *Config, reporter bridge.Reporter) (*forwarder.Forwarder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	role, _ := cfg.Role()

	opts := []forwarder.Option{
		forwarder.WithLogger(forwarder.Logger()),
		forwarder.WithDialTimeout(cfg.DialTimeout),
	}
	if reporter != nil {
		opts = append(opts, forwarder.WithReporter(reporter))
	}

	if role == forwarder.RoleIngress {
		return forwarder.NewIngress(cfg.ListenAddr, cfg.ProxyAddr, cfg.TransportConfig(), opts...), nil
	}
	return forwarder.NewEgress(cfg.ListenAddr, cfg.ProxyAddr, cfg.TransportConfig(), opts...), nil
}
