package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
)

// projectConfig 保存从 setting.json 读取的顶层配置。
type projectConfig struct {
	Log           log               `json:"log"`
	Listen        string            `json:"listen"`
	ProbeInterval uint64            `json:"probe_interval"`
	RemoteDNS     bool              `json:"remote_dns"`
	NParallel     int               `json:"n_parallel"`
	CongLocal     string            `json:"cong_local"`
	Web           string            `json:"web"`
	TestDNS       string            `json:"test_dns"`
	Blacklist     map[string]bool   `json:"blacklist"`
	Upstreams     []*UpstreamConfig `json:"upstreams"`
}

type log struct {
	Level string `json:"level"`
	Path  string `json:"path"`
}

// UpstreamConfig 描述一个上游代理服务器以及它的握手方式。
type UpstreamConfig struct {
	Address             string `json:"address"`
	Protocol            string `json:"protocol"`
	Tag                 string `json:"tag"`
	ScoreBase           int64  `json:"score_base"`
	TestDNS             string `json:"test_dns"`
	FakeHandshake       bool   `json:"fake_handshake"`
	AllowConnectPayload bool   `json:"allow_connect_payload"`
}

// GlobalCfg 指向全局生效的配置对象。
var GlobalCfg *projectConfig

func init() {
	// 支持通过环境变量覆盖配置文件路径
	path := os.Getenv("PRESTO_CONFIG")
	if path == "" {
		path = "config/setting.json"
	}
	if err := Reload(path); err != nil {
		GlobalCfg = defaults()
	}
}

func defaults() *projectConfig {
	return &projectConfig{
		Log:           log{Level: "info"},
		ProbeInterval: 30,
		TestDNS:       "1.1.1.1:53",
	}
}

// Reload 从指定路径重载配置，并执行默认值填充与校验。
func Reload(path string) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	cfg := defaults()
	if err := json.Unmarshal(buf, cfg); err != nil {
		return err
	}
	if err := cfg.verify(); err != nil {
		return err
	}
	GlobalCfg = cfg
	return nil
}

// verify 校验配置并填充每个上游的默认值。
func (c *projectConfig) verify() error {
	if c.Listen == "" {
		return fmt.Errorf("invalid listen address")
	}
	if len(c.Upstreams) == 0 {
		return fmt.Errorf("empty upstream list")
	}
	if c.ProbeInterval == 0 {
		c.ProbeInterval = 30
	}
	if c.NParallel < 0 {
		return fmt.Errorf("n_parallel must not be negative")
	}
	for i, u := range c.Upstreams {
		if err := u.verify(c.TestDNS); err != nil {
			return fmt.Errorf("upstream at pos %d: %w", i, err)
		}
	}
	return nil
}

func (u *UpstreamConfig) verify(defaultTestDNS string) error {
	host, port, err := net.SplitHostPort(u.Address)
	if err != nil || host == "" || port == "" {
		return fmt.Errorf("invalid address %q", u.Address)
	}
	switch u.Protocol {
	case "socks5", "http":
	default:
		return fmt.Errorf("unknown protocol %q", u.Protocol)
	}
	// 空 tag 默认用端口号，与日志和状态页对齐
	if u.Tag == "" {
		u.Tag = port
	}
	if u.TestDNS == "" {
		u.TestDNS = defaultTestDNS
	}
	if _, _, err := net.SplitHostPort(u.TestDNS); err != nil {
		return fmt.Errorf("invalid test_dns %q", u.TestDNS)
	}
	return nil
}
