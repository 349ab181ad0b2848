package probe

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"net"
	"os"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// Protocol numbers for icmp.ParseMessage.
const (
	protocolICMP     = 1
	protocolIPv6ICMP = 58
)

// Pinger sends ICMP echo requests to the target and waits for the matching
// reply. It keeps one socket per address family, picking whichever family
// the resolved address belongs to. Probe and Close must not be called
// concurrently.
type Pinger struct {
	conn4, conn6 *icmp.PacketConn
	resolver     *Resolver
	logger       *slog.Logger

	id         int
	seq        uint16
	privileged bool
	payload    []byte
	timeout    time.Duration
}

// NewPinger opens the ICMP sockets described by cfg. An empty bind address
// disables that family; at least one family must remain enabled.
func NewPinger(cfg Config, resolver *Resolver, logger *slog.Logger) (*Pinger, error) {
	net4, net6 := "udp4", "udp6"
	if cfg.Privileged {
		net4, net6 = "ip4:icmp", "ip6:ipv6-icmp"
	}

	conn4, err := connectICMP(net4, cfg.Bind4)
	if err != nil {
		return nil, errors.Wrapf(err, "binding %s socket to %s", net4, cfg.Bind4)
	}
	conn6, err := connectICMP(net6, cfg.Bind6)
	if err != nil {
		if conn4 != nil {
			conn4.Close()
		}
		return nil, errors.Wrapf(err, "binding %s socket to %s", net6, cfg.Bind6)
	}
	if conn4 == nil && conn6 == nil {
		return nil, ErrNotBound
	}

	payload := make([]byte, cfg.PayloadSize)
	for i := range payload {
		payload[i] = byte(rand.IntN(256))
	}

	return &Pinger{
		conn4:      conn4,
		conn6:      conn6,
		resolver:   resolver,
		logger:     logger,
		id:         os.Getpid() & 0xffff,
		privileged: cfg.Privileged,
		payload:    payload,
		timeout:    cfg.Timeout,
	}, nil
}

// connectICMP opens a listening socket on address. An empty address is not
// an error, it reports that family as disabled.
func connectICMP(network, address string) (*icmp.PacketConn, error) {
	if address == "" {
		return nil, nil
	}

	return icmp.ListenPacket(network, address)
}

// Probe resolves the target, sends one echo request to the first usable
// address and blocks until the reply, an ICMP error for our request, or the
// deadline. The returned duration is the round trip time of a successful
// probe.
func (p *Pinger) Probe(ctx context.Context) (time.Duration, error) {
	addrs, err := p.resolver.Addrs(ctx)
	if err != nil {
		return 0, err
	}

	conn, addr, proto, err := p.pick(addrs)
	if err != nil {
		return 0, err
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(p.timeout)
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return 0, errors.Wrap(err, "arming read deadline")
	}

	p.seq++
	seq := p.seq

	var typ icmp.Type = ipv4.ICMPTypeEcho
	if proto == protocolIPv6ICMP {
		typ = ipv6.ICMPTypeEchoRequest
	}
	wire, err := (&icmp.Message{
		Type: typ,
		Body: &icmp.Echo{ID: p.id, Seq: int(seq), Data: p.payload},
	}).Marshal(nil)
	if err != nil {
		return 0, errors.Wrap(err, "marshaling echo request")
	}

	start := time.Now()
	if _, err := conn.WriteTo(wire, p.dest(addr)); err != nil {
		return 0, errors.Wrapf(err, "sending echo request to %s", addr.IP)
	}

	if err := p.await(ctx, conn, proto, seq); err != nil {
		return 0, err
	}

	return time.Since(start), nil
}

// pick returns the socket and address to probe with, preferring the order
// the resolver reported.
func (p *Pinger) pick(addrs []net.IPAddr) (*icmp.PacketConn, net.IPAddr, int, error) {
	for _, addr := range addrs {
		if addr.IP.To4() != nil {
			if p.conn4 != nil {
				return p.conn4, addr, protocolICMP, nil
			}
		} else if p.conn6 != nil {
			return p.conn6, addr, protocolIPv6ICMP, nil
		}
	}

	return nil, net.IPAddr{}, 0, errors.Wrapf(ErrNoSocket, "probe %s", p.resolver.Host())
}

// await reads from conn until the reply matching seq arrives. Unrelated
// traffic on the socket is discarded. A destination unreachable message
// quoting our request ends the probe early.
func (p *Pinger) await(ctx context.Context, conn *icmp.PacketConn, proto int, seq uint16) error {
	buf := make([]byte, 65536)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, peer, err := conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return errors.Wrapf(ErrProbeTimeout, "probe %s", p.resolver.Host())
			}
			return errors.Wrap(err, "reading probe reply")
		}

		msg, err := icmp.ParseMessage(proto, buf[:n])
		if err != nil {
			p.logger.Debug(
				"Discarding unparseable icmp message",
				"peer",
				peer.String(),
				"error",
				err.Error(),
			)
			continue
		}

		switch msg.Type {
		case ipv4.ICMPTypeEchoReply, ipv6.ICMPTypeEchoReply:
			if echo, ok := msg.Body.(*icmp.Echo); ok && p.matches(echo, seq) {
				return nil
			}
		case ipv4.ICMPTypeDestinationUnreachable, ipv6.ICMPTypeDestinationUnreachable:
			body, ok := msg.Body.(*icmp.DstUnreach)
			if !ok {
				continue
			}
			echo, err := quotedEcho(proto, body.Data)
			if err != nil || !p.matches(echo, seq) {
				continue
			}
			return errors.Wrapf(ErrUnreachable, "destination unreachable (code %d) reported by %s", msg.Code, peer)
		}
	}
}

// matches reports whether echo belongs to the probe identified by seq.
func (p *Pinger) matches(echo *icmp.Echo, seq uint16) bool {
	if echo == nil || uint16(echo.Seq) != seq {
		return false
	}

	// Unprivileged datagram sockets rewrite the echo ID in the kernel, so
	// it only identifies us on raw sockets.
	return !p.privileged || echo.ID == p.id
}

// dest converts the resolved address into the form the socket type expects.
func (p *Pinger) dest(addr net.IPAddr) net.Addr {
	if p.privileged {
		return &addr
	}

	return &net.UDPAddr{IP: addr.IP, Zone: addr.Zone}
}

// quotedEcho extracts the echo request quoted inside an ICMP error payload,
// which starts with the IP header of the original datagram.
func quotedEcho(proto int, data []byte) (*icmp.Echo, error) {
	var inner []byte
	switch proto {
	case protocolICMP:
		hdr, err := ipv4.ParseHeader(data)
		if err != nil {
			return nil, errors.Wrap(err, "parsing quoted ipv4 header")
		}
		if len(data) < hdr.Len {
			return nil, errors.New("quoted datagram is truncated")
		}
		inner = data[hdr.Len:]
	case protocolIPv6ICMP:
		if len(data) < ipv6.HeaderLen {
			return nil, errors.New("quoted datagram is truncated")
		}
		inner = data[ipv6.HeaderLen:]
	}

	msg, err := icmp.ParseMessage(proto, inner)
	if err != nil {
		return nil, errors.Wrap(err, "parsing quoted message")
	}
	echo, ok := msg.Body.(*icmp.Echo)
	if !ok {
		return nil, errors.Errorf("quoted message is %v, not an echo request", msg.Type)
	}

	return echo, nil
}

// Close releases the sockets. Any probe blocked in Probe fails once its
// socket goes away.
func (p *Pinger) Close() error {
	var firstErr error
	for _, conn := range []*icmp.PacketConn{p.conn4, p.conn6} {
		if conn == nil {
			continue
		}
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}
