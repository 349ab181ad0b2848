// Package probe issues single connectivity probes against one target host
// and classifies their failures.
package probe

import (
	"context"
	"net"
	"syscall"
	"time"

	"github.com/pkg/errors"
)

// Prober performs one probe against the configured target and returns the
// round trip time. Implementations surface failures through the sentinel
// errors below (or well-known platform errors) so Classify can map them
// onto outcome kinds.
type Prober interface {
	Probe(ctx context.Context) (time.Duration, error)
	Close() error
}

var (
	ErrProbeTimeout = errors.New("timeout waiting for probe target to respond")
	ErrUnreachable  = errors.New("probe target is unreachable")

	ErrNoAddress = errors.New("no addresses found for probe target")
	ErrNotBound  = errors.New("need at least one bind address")
	ErrNoSocket  = errors.New("no socket for address family")
)

// Kind labels the outcome of a single probe.
type Kind uint8

const (
	Success Kind = iota
	Timeout
	Unreachable
	ResolutionFailed
	PermissionDenied
	Other
)

func (k Kind) String() string {
	switch k {
	case Success:
		return "success"
	case Timeout:
		return "timeout"
	case Unreachable:
		return "unreachable"
	case ResolutionFailed:
		return "resolution-failed"
	case PermissionDenied:
		return "permission-denied"
	default:
		return "other"
	}
}

// Outcome is the classified result of one probe. It is produced once per
// tick and consumed immediately by the log sink.
type Outcome struct {
	Kind   Kind
	RTT    time.Duration // round trip time, only meaningful on Success
	Detail string        // failure detail, empty on Success
}

// Classify maps a prober result onto an Outcome. Probe errors never
// propagate past this point as faults; they become data.
func Classify(rtt time.Duration, err error) Outcome {
	if err == nil {
		return Outcome{Kind: Success, RTT: rtt}
	}

	outcome := Outcome{Kind: Other, Detail: err.Error()}

	var dnsError *net.DNSError
	var netError net.Error

	switch {
	case errors.As(err, &dnsError), errors.Is(err, ErrNoAddress):
		// Resolution trouble is reported as such even when the cause
		// was a lookup timeout.
		outcome.Kind = ResolutionFailed
	case errors.Is(err, ErrProbeTimeout), errors.Is(err, context.DeadlineExceeded):
		outcome.Kind = Timeout
	case errors.Is(err, ErrUnreachable),
		errors.Is(err, syscall.ENETDOWN),
		errors.Is(err, syscall.ENETUNREACH),
		errors.Is(err, syscall.EHOSTUNREACH):
		outcome.Kind = Unreachable
	case errors.Is(err, syscall.EPERM), errors.Is(err, syscall.EACCES):
		outcome.Kind = PermissionDenied
	case errors.As(err, &netError) && netError.Timeout():
		outcome.Kind = Timeout
	}

	return outcome
}
