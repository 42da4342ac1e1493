package dialer

import (
	"log/slog"
	"net"
	"time"

	"golang.org/x/time/rate"

	"github.com/die-net/tokenproxy/internal/metrics"
)

type Config struct {
	DialTimeout time.Duration
	// NegotiationTimeout bounds each upstream attempt, from the request
	// write to the end of the reply header block.
	NegotiationTimeout time.Duration
	KeepAlive          net.KeepAliveConfig
	MaxHeaderBytes     int

	// Direct reaches the upstream proxy. Nil means a direct TCP dialer
	// built from this Config.
	Direct Dialer

	// Limiter, when set, paces connections to the upstream proxy. Every
	// strategy attempt waits for one token.
	Limiter *rate.Limiter

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}
