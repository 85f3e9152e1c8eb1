package kcp

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"time"

	kcpgo "github.com/xtaci/kcp-go/v5"
	"github.com/xtaci/smux"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// mtuLimit is the largest MTU kcp-go accepts.
	mtuLimit = 1500
	mtuFloor = 64

	keySalt       = "kcpfwd"
	keyIterations = 4096
	keyLength     = 32
)

// Config holds the tuning of every tunnel session. It is a plain value:
// build it once at startup and pass copies around, nothing mutates it.
type Config struct {
	MTU        int  `toml:"MTU"`
	StreamMode bool `toml:"StreamMode"`

	// retransmission profile
	NoDelay      bool          `toml:"NoDelay"`
	Interval     time.Duration `toml:"Interval"`
	Resend       int           `toml:"Resend"`
	NoCongestion bool          `toml:"NoCongestion"`

	SndWnd int `toml:"SndWnd"`
	RcvWnd int `toml:"RcvWnd"`

	AckNoDelay bool `toml:"AckNoDelay"`
	WriteDelay bool `toml:"WriteDelay"`

	// SessionExpire closes a session that neither read nor wrote for this
	// long. KCP has no close handshake, so this is how a vanished peer is
	// noticed. Zero disables it.
	SessionExpire time.Duration `toml:"SessionExpire"`

	// Linger bounds how long Close waits for queued data to be
	// acknowledged before the session is torn down. Zero closes at once.
	Linger time.Duration `toml:"Linger"`

	// smux stream carried by every session
	KeepAlive        time.Duration `toml:"KeepAlive"`
	KeepAliveTimeout time.Duration `toml:"KeepAliveTimeout"`
	HandshakeTimeout time.Duration `toml:"HandshakeTimeout"`
	MuxBuffer        int           `toml:"MuxBuffer"`
	StreamBuffer     int           `toml:"StreamBuffer"`

	Backlog int    `toml:"Backlog"`
	DSCP    int    `toml:"DSCP"`
	SockBuf int    `toml:"SockBuf"`
	Key     string `toml:"Key"`
}

// DefaultConfig returns the aggressive low-latency profile.
func DefaultConfig() Config {
	return Config{
		MTU:           1400,
		StreamMode:    true,
		NoDelay:       true,
		Interval:      40 * time.Millisecond,
		Resend:        2,
		NoCongestion:  true,
		SndWnd:        1024,
		RcvWnd:        1024,
		AckNoDelay:    true,
		WriteDelay:    false,
		SessionExpire: 90 * time.Second,
		Linger:        5 * time.Second,

		KeepAlive:        10 * time.Second,
		KeepAliveTimeout: 30 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		MuxBuffer:        4 * 1024 * 1024,
		StreamBuffer:     1 * 1024 * 1024,

		Backlog: 5,
		SockBuf: 4 * 1024 * 1024,
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.MTU < mtuFloor || c.MTU > mtuLimit {
		errs = append(errs, fmt.Errorf("MTU %d out of range [%d, %d]", c.MTU, mtuFloor, mtuLimit))
	}
	if c.Interval <= 0 {
		errs = append(errs, fmt.Errorf("Interval must be positive, got %s", c.Interval))
	}
	if c.Resend < 0 {
		errs = append(errs, fmt.Errorf("Resend must not be negative, got %d", c.Resend))
	}
	if c.SndWnd <= 0 || c.RcvWnd <= 0 {
		errs = append(errs, fmt.Errorf("window sizes must be positive, got snd=%d rcv=%d", c.SndWnd, c.RcvWnd))
	}
	if c.SessionExpire < 0 {
		errs = append(errs, fmt.Errorf("SessionExpire must not be negative, got %s", c.SessionExpire))
	}
	if c.Linger < 0 {
		errs = append(errs, fmt.Errorf("Linger must not be negative, got %s", c.Linger))
	}
	if c.KeepAlive < 0 {
		errs = append(errs, fmt.Errorf("KeepAlive must not be negative, got %s", c.KeepAlive))
	} else if c.KeepAlive > 0 && c.KeepAliveTimeout < c.KeepAlive {
		errs = append(errs, fmt.Errorf("KeepAliveTimeout %s shorter than KeepAlive %s", c.KeepAliveTimeout, c.KeepAlive))
	}
	if c.HandshakeTimeout <= 0 {
		errs = append(errs, fmt.Errorf("HandshakeTimeout must be positive, got %s", c.HandshakeTimeout))
	}
	if c.MuxBuffer <= 0 || c.StreamBuffer <= 0 || c.StreamBuffer > c.MuxBuffer {
		errs = append(errs, fmt.Errorf("mux buffers must be positive with StreamBuffer <= MuxBuffer, got %d/%d", c.StreamBuffer, c.MuxBuffer))
	}
	if c.Backlog < 1 {
		errs = append(errs, fmt.Errorf("Backlog must be at least 1, got %d", c.Backlog))
	}
	if c.DSCP < 0 || c.DSCP > 63 {
		errs = append(errs, fmt.Errorf("DSCP %d out of range [0, 63]", c.DSCP))
	}
	if c.SockBuf < 0 {
		errs = append(errs, fmt.Errorf("SockBuf must not be negative, got %d", c.SockBuf))
	}
	return errors.Join(errs...)
}

func (c Config) apply(sess *kcpgo.UDPSession) {
	sess.SetStreamMode(c.StreamMode)
	sess.SetWindowSize(c.SndWnd, c.RcvWnd)
	sess.SetMtu(c.MTU)
	sess.SetNoDelay(boolToInt(c.NoDelay), int(c.Interval/time.Millisecond), c.Resend, boolToInt(c.NoCongestion))
	sess.SetACKNoDelay(c.AckNoDelay)
	sess.SetWriteDelay(c.WriteDelay)
}

// muxConfig 每个会话上只跑一条 smux stream，用它的 FIN 传递关闭
func (c Config) muxConfig() *smux.Config {
	mc := smux.DefaultConfig()
	mc.MaxReceiveBuffer = c.MuxBuffer
	mc.MaxStreamBuffer = c.StreamBuffer
	if c.KeepAlive > 0 {
		mc.KeepAliveInterval = c.KeepAlive
		mc.KeepAliveTimeout = c.KeepAliveTimeout
	} else {
		mc.KeepAliveDisabled = true
	}
	return mc
}

// blockCrypt 返回 nil 表示不加密
func (c Config) blockCrypt() (kcpgo.BlockCrypt, error) {
	if c.Key == "" {
		return nil, nil
	}
	key := pbkdf2.Key([]byte(c.Key), []byte(keySalt), keyIterations, keyLength, sha1.New)
	block, err := kcpgo.NewAESBlockCrypt(key)
	if err != nil {
		return nil, fmt.Errorf("kcp block crypt: %w", err)
	}
	return block, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
