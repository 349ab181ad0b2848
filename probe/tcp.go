package probe

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// dialFn matches net.Dialer.DialContext.
type dialFn func(ctx context.Context, network, address string) (net.Conn, error)

// Dialer probes by completing a TCP handshake against a port on the target
// and closing the connection again. It needs no privileges, which makes it
// the fallback where ICMP sockets are off limits.
type Dialer struct {
	resolver *Resolver
	logger   *slog.Logger

	port    uint16
	timeout time.Duration
	dial    dialFn
}

// NewDialer prepares a TCP prober for the port named in cfg.
func NewDialer(cfg Config, resolver *Resolver, logger *slog.Logger) (*Dialer, error) {
	if cfg.TCPPort == 0 {
		return nil, errors.New("tcp probes need a target port")
	}

	return &Dialer{
		resolver: resolver,
		logger:   logger,
		port:     cfg.TCPPort,
		timeout:  cfg.Timeout,
		dial:     (&net.Dialer{}).DialContext,
	}, nil
}

// Probe resolves the target and dials its first address. The returned
// duration is the time the handshake took.
func (d *Dialer) Probe(ctx context.Context) (time.Duration, error) {
	addrs, err := d.resolver.Addrs(ctx)
	if err != nil {
		return 0, err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	address := net.JoinHostPort(addrs[0].String(), strconv.Itoa(int(d.port)))

	start := time.Now()
	conn, err := d.dial(ctx, "tcp", address)
	if err != nil {
		return 0, errors.Wrapf(err, "dialing %s", address)
	}
	rtt := time.Since(start)

	if err := conn.Close(); err != nil {
		d.logger.Debug("Closing probe connection", "error", err.Error())
	}

	return rtt, nil
}

// Close is a no-op, the dialer holds no sockets between probes.
func (d *Dialer) Close() error {
	return nil
}
