// Package config assembles the immutable tokenproxy configuration from
// command-line flags, an optional TOML file, and the environment.
//
// Precedence, highest first: an explicitly set flag, the TOML file, the
// environment, the flag default.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/pflag"
	"golang.org/x/net/http/httpproxy"

	"github.com/die-net/tokenproxy/internal/auth"
)

// Environment variables consulted for defaults.
const (
	EnvTargetProxy     = "TARGET_PROXY"
	EnvTargetProxyHost = "TARGET_PROXY_HOST"
	EnvTargetProxyPort = "TARGET_PROXY_PORT"
	EnvBearer          = "PROXY_BEARER"
)

// Config is the validated runtime configuration.
type Config struct {
	HTTPListen   string
	SOCKS5Listen string
	TProxyListen string
	DebugListen  string

	// SOCKS5Username and SOCKS5Password, when the username is set, are
	// required from SOCKS5 clients.
	SOCKS5Username string
	SOCKS5Password string

	// Upstream is the upstream proxy as host:port.
	Upstream string
	// Token is the bearer token with any TokenPrefix removed.
	Token string
	// Basic is the encoded Basic credential from the proxy environment, or
	// empty.
	Basic             string
	SendAuthorization bool

	// UpstreamRate limits new upstream connections per second, with bursts
	// of UpstreamBurst. Zero means unlimited.
	UpstreamRate  float64
	UpstreamBurst int

	DialTimeout        time.Duration
	NegotiationTimeout time.Duration
	IdleTimeout        time.Duration
	MaxHeaderBytes     int
	KeepAlive          net.KeepAliveConfig

	LogLevel  slog.Level
	LogFormat string
	GoLeak    bool
}

// Strategies returns the authentication strategies for c, highest priority
// first.
func (c *Config) Strategies() []auth.Strategy {
	return auth.Strategies(auth.Options{
		Token:             c.Token,
		Basic:             c.Basic,
		SendAuthorization: c.SendAuthorization,
	})
}

// Flags holds the values bound by RegisterFlags.
type Flags struct {
	Config string

	HTTPListen   string
	SOCKS5Listen string
	TProxyListen string
	DebugListen  string

	SOCKS5Username string
	SOCKS5Password string

	Upstream          string
	Token             string
	SendAuthorization bool
	TryBasic          bool
	UpstreamRate      float64
	UpstreamBurst     int

	DialTimeout        time.Duration
	NegotiationTimeout time.Duration
	IdleTimeout        time.Duration
	MaxHeaderBytes     int
	TCPKeepAlive       string

	LogLevel  string
	LogFormat string
	Verbose   bool
	GoLeak    bool
}

// RegisterFlags defines the tokenproxy flags on fs.
func RegisterFlags(fs *pflag.FlagSet) *Flags {
	f := &Flags{}

	fs.StringVar(&f.HTTPListen, "http-listen", "127.0.0.1:8888", "HTTP proxy listen address. Empty disables.")
	fs.StringVar(&f.SOCKS5Listen, "socks5-listen", "", "SOCKS5 proxy listen address (e.g. 127.0.0.1:1080). Empty disables.")
	fs.StringVar(&f.TProxyListen, "tproxy-listen", "", "Transparent proxy listen address (e.g. 127.0.0.1:1234). Empty disables.")
	fs.StringVar(&f.SOCKS5Username, "socks5-username", "", "Require this username from SOCKS5 clients. Empty allows unauthenticated clients.")
	fs.StringVar(&f.SOCKS5Password, "socks5-password", "", "Password for --socks5-username")
	fs.StringVar(&f.DebugListen, "debug-listen", "", "Debug HTTP listen address exposing /debug/pprof and /metrics (e.g. 127.0.0.1:6060). Empty disables.")

	fs.StringVar(&f.Upstream, "upstream", "", "Upstream proxy as host:port or http://host:port (default $"+EnvTargetProxy+" or $"+EnvTargetProxyHost+":$"+EnvTargetProxyPort+")")
	fs.StringVar(&f.Token, "token", "", "Bearer token for the upstream proxy (default $"+EnvBearer+")")
	fs.BoolVar(&f.SendAuthorization, "send-authorization", false, "Also try each credential with a duplicate Authorization header")
	fs.BoolVar(&f.TryBasic, "try-basic", false, "Fall back to Basic credentials taken from $HTTPS_PROXY or $HTTP_PROXY")
	fs.Float64Var(&f.UpstreamRate, "upstream-rate", 0, "Maximum new upstream connections per second. 0 is unlimited.")
	fs.IntVar(&f.UpstreamBurst, "upstream-burst", 8, "Burst size for --upstream-rate")

	fs.DurationVar(&f.DialTimeout, "dial-timeout", 30*time.Second, "Timeout for DNS lookup and TCP connect to the upstream proxy")
	fs.DurationVar(&f.NegotiationTimeout, "negotiation-timeout", 30*time.Second, "Timeout for reading the client request and each upstream handshake")
	fs.DurationVar(&f.IdleTimeout, "idle-timeout", 60*time.Second, "Close a tunnel after no bytes moved in either direction for this long. 0 disables.")
	fs.IntVar(&f.MaxHeaderBytes, "max-header-bytes", 65536, "Maximum size of a request or response header block")
	fs.StringVar(&f.TCPKeepAlive, "tcp-keepalive", "45:45:3", "TCP keepalive: on|off|keepidle:keepintvl:keepcnt")

	fs.StringVarP(&f.Config, "config", "c", "", "Path to a TOML config file")
	fs.StringVar(&f.LogLevel, "log-level", "info", "Log level: debug|info|warn|error")
	fs.StringVar(&f.LogFormat, "log-format", "text", "Log format: text|json")
	fs.BoolVar(&f.Verbose, "verbose", false, "Enable per-connection error logging (same as --log-level=debug)")
	fs.BoolVar(&f.GoLeak, "goleak", false, "Report leaked goroutines on shutdown")

	return f
}

// file mirrors the TOML file. Pointers distinguish unset keys from zero
// values; durations are strings such as "30s".
type file struct {
	HTTPListen   *string `toml:"http_listen"`
	SOCKS5Listen *string `toml:"socks5_listen"`
	TProxyListen *string `toml:"tproxy_listen"`
	DebugListen  *string `toml:"debug_listen"`

	SOCKS5Username *string `toml:"socks5_username"`
	SOCKS5Password *string `toml:"socks5_password"`

	Upstream          *string `toml:"upstream"`
	Token             *string `toml:"token"`
	SendAuthorization *bool   `toml:"send_authorization"`
	TryBasic          *bool   `toml:"try_basic"`

	UpstreamRate  *float64 `toml:"upstream_rate"`
	UpstreamBurst *int     `toml:"upstream_burst"`

	DialTimeout        *string `toml:"dial_timeout"`
	NegotiationTimeout *string `toml:"negotiation_timeout"`
	IdleTimeout        *string `toml:"idle_timeout"`
	MaxHeaderBytes     *int    `toml:"max_header_bytes"`
	TCPKeepAlive       *string `toml:"tcp_keepalive"`

	Log struct {
		Level  *string `toml:"level"`
		Format *string `toml:"format"`
	} `toml:"log"`
}

// Load resolves the final configuration. fs must already be parsed.
func Load(fs *pflag.FlagSet, f *Flags) (*Config, error) {
	v := *f

	// The environment only fills in what the flag defaults leave empty.
	if v.Upstream == "" {
		v.Upstream = upstreamFromEnv()
	}
	if v.Token == "" {
		v.Token = os.Getenv(EnvBearer)
	}

	if f.Config != "" {
		fc, err := readFile(f.Config)
		if err != nil {
			return nil, err
		}
		if err := v.applyFile(fc, fs); err != nil {
			return nil, fmt.Errorf("config: %s: %w", f.Config, err)
		}
	}

	cfg, err := v.resolve()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func readFile(path string) (*file, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var fc file
	d := toml.NewDecoder(bytes.NewReader(data))
	d.DisallowUnknownFields()
	if err := d.Decode(&fc); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &fc, nil
}

// applyFile overlays fc onto v for every flag not set on the command line.
func (v *Flags) applyFile(fc *file, fs *pflag.FlagSet) error {
	setString(fs, "http-listen", &v.HTTPListen, fc.HTTPListen)
	setString(fs, "socks5-listen", &v.SOCKS5Listen, fc.SOCKS5Listen)
	setString(fs, "tproxy-listen", &v.TProxyListen, fc.TProxyListen)
	setString(fs, "debug-listen", &v.DebugListen, fc.DebugListen)
	setString(fs, "socks5-username", &v.SOCKS5Username, fc.SOCKS5Username)
	setString(fs, "socks5-password", &v.SOCKS5Password, fc.SOCKS5Password)
	setString(fs, "upstream", &v.Upstream, fc.Upstream)
	setString(fs, "token", &v.Token, fc.Token)
	setString(fs, "tcp-keepalive", &v.TCPKeepAlive, fc.TCPKeepAlive)
	setString(fs, "log-level", &v.LogLevel, fc.Log.Level)
	setString(fs, "log-format", &v.LogFormat, fc.Log.Format)

	if fc.SendAuthorization != nil && !fs.Changed("send-authorization") {
		v.SendAuthorization = *fc.SendAuthorization
	}
	if fc.TryBasic != nil && !fs.Changed("try-basic") {
		v.TryBasic = *fc.TryBasic
	}
	if fc.MaxHeaderBytes != nil && !fs.Changed("max-header-bytes") {
		v.MaxHeaderBytes = *fc.MaxHeaderBytes
	}
	if fc.UpstreamRate != nil && !fs.Changed("upstream-rate") {
		v.UpstreamRate = *fc.UpstreamRate
	}
	if fc.UpstreamBurst != nil && !fs.Changed("upstream-burst") {
		v.UpstreamBurst = *fc.UpstreamBurst
	}

	for _, d := range []struct {
		flag string
		dst  *time.Duration
		src  *string
	}{
		{"dial-timeout", &v.DialTimeout, fc.DialTimeout},
		{"negotiation-timeout", &v.NegotiationTimeout, fc.NegotiationTimeout},
		{"idle-timeout", &v.IdleTimeout, fc.IdleTimeout},
	} {
		if d.src == nil || fs.Changed(d.flag) {
			continue
		}
		dur, err := time.ParseDuration(*d.src)
		if err != nil {
			return fmt.Errorf("%s: %w", strings.ReplaceAll(d.flag, "-", "_"), err)
		}
		*d.dst = dur
	}
	return nil
}

func setString(fs *pflag.FlagSet, name string, dst, src *string) {
	if src != nil && !fs.Changed(name) {
		*dst = *src
	}
}

func (v *Flags) resolve() (*Config, error) {
	cfg := &Config{
		HTTPListen:         v.HTTPListen,
		SOCKS5Listen:       v.SOCKS5Listen,
		TProxyListen:       v.TProxyListen,
		DebugListen:        v.DebugListen,
		SOCKS5Username:     v.SOCKS5Username,
		SOCKS5Password:     v.SOCKS5Password,
		Token:              auth.NormalizeToken(strings.TrimSpace(v.Token)),
		SendAuthorization:  v.SendAuthorization,
		UpstreamRate:       v.UpstreamRate,
		UpstreamBurst:      v.UpstreamBurst,
		DialTimeout:        v.DialTimeout,
		NegotiationTimeout: v.NegotiationTimeout,
		IdleTimeout:        v.IdleTimeout,
		MaxHeaderBytes:     v.MaxHeaderBytes,
		GoLeak:             v.GoLeak,
	}

	if cfg.HTTPListen == "" && cfg.SOCKS5Listen == "" && cfg.TProxyListen == "" {
		return nil, errors.New("no listeners enabled (set at least one of --http-listen, --socks5-listen, --tproxy-listen)")
	}

	if cfg.SOCKS5Password != "" && cfg.SOCKS5Username == "" {
		return nil, errors.New("--socks5-password requires --socks5-username")
	}

	if v.Upstream == "" {
		return nil, fmt.Errorf("upstream proxy is required (--upstream or $%s)", EnvTargetProxy)
	}
	up, err := ParseUpstream(v.Upstream)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream: %w", err)
	}
	cfg.Upstream = up

	if cfg.Token == "" {
		return nil, fmt.Errorf("bearer token is required (--token or $%s)", EnvBearer)
	}

	if v.TryBasic {
		cfg.Basic = basicFromEnv()
	}

	if cfg.DialTimeout <= 0 || cfg.NegotiationTimeout <= 0 {
		return nil, errors.New("dial and negotiation timeouts must be positive")
	}
	if cfg.IdleTimeout < 0 {
		return nil, errors.New("idle timeout must not be negative")
	}
	if cfg.UpstreamRate < 0 {
		return nil, fmt.Errorf("upstream rate must not be negative; got %v", cfg.UpstreamRate)
	}
	if cfg.UpstreamRate > 0 && cfg.UpstreamBurst < 1 {
		return nil, fmt.Errorf("upstream burst must be at least 1; got %d", cfg.UpstreamBurst)
	}
	if cfg.MaxHeaderBytes <= 0 {
		return nil, fmt.Errorf("max header bytes must be positive; got %d", cfg.MaxHeaderBytes)
	}

	if cfg.KeepAlive, err = ParseTCPKeepAlive(v.TCPKeepAlive); err != nil {
		return nil, fmt.Errorf("invalid tcp keepalive: %w", err)
	}

	if cfg.LogLevel, err = parseLevel(v.LogLevel); err != nil {
		return nil, err
	}
	if v.Verbose {
		cfg.LogLevel = slog.LevelDebug
	}

	switch cfg.LogFormat = strings.ToLower(v.LogFormat); cfg.LogFormat {
	case "text", "json":
	default:
		return nil, fmt.Errorf("log format must be one of: text, json; got %q", v.LogFormat)
	}

	return cfg, nil
}

// ParseUpstream normalizes an upstream proxy given as host:port or
// http://host:port to host:port.
func ParseUpstream(s string) (string, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return "", err
		}
		if u.Scheme != "http" {
			return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
		}
		s = u.Host
	}

	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return "", err
	}
	if host == "" || port == "" {
		return "", fmt.Errorf("%q needs both host and port", s)
	}
	return net.JoinHostPort(host, port), nil
}

func upstreamFromEnv() string {
	if p := os.Getenv(EnvTargetProxy); p != "" {
		return p
	}
	host, port := os.Getenv(EnvTargetProxyHost), os.Getenv(EnvTargetProxyPort)
	if host == "" || port == "" {
		return ""
	}
	return net.JoinHostPort(host, port)
}

// basicFromEnv encodes the userinfo of the HTTPS or HTTP proxy environment,
// in that order. It returns "" when neither carries a username.
func basicFromEnv() string {
	env := httpproxy.FromEnvironment()
	for _, raw := range []string{env.HTTPSProxy, env.HTTPProxy} {
		if raw == "" {
			continue
		}
		if !strings.Contains(raw, "://") {
			raw = "http://" + raw
		}
		u, err := url.Parse(raw)
		if err != nil || u.User == nil || u.User.Username() == "" {
			continue
		}
		pass, _ := u.User.Password()
		return auth.EncodeBasic(u.User.Username(), pass)
	}
	return ""
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("log level must be one of: debug, info, warn, error; got %q", s)
	}
}
