package probe

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// lookupFn matches net.Resolver.LookupIPAddr.
type lookupFn func(ctx context.Context, host string) ([]net.IPAddr, error)

// Resolver turns the configured target into addresses and caches the
// result. Domain names are re-resolved once the configured cadence elapses;
// a due lookup that fails leaves the cadence expired, so the next probe
// retries instead of silently reusing a stale address. Literal addresses
// never consult the platform resolver.
//
// A Resolver is safe for concurrent use. The scheduler resolves from its
// own goroutine, the http prober's transport resolves from request
// goroutines that can outlive a timed out request.
type Resolver struct {
	host    string
	every   time.Duration // 0 resolves once and keeps the result
	literal bool
	lookup  lookupFn

	mu         sync.Mutex
	addrs      []net.IPAddr
	resolvedAt time.Time
}

// NewResolver prepares resolution for host. A re-resolve cadence of zero
// means the first successful lookup is kept for the process lifetime.
func NewResolver(host string, every time.Duration) *Resolver {
	r := &Resolver{
		host:   host,
		every:  every,
		lookup: net.DefaultResolver.LookupIPAddr,
	}

	if ip := net.ParseIP(host); ip != nil {
		r.literal = true
		r.addrs = []net.IPAddr{{IP: ip}}
	}

	return r
}

// Host returns the target as configured, before resolution.
func (r *Resolver) Host() string {
	return r.host
}

// Addrs returns the addresses for the target, consulting the platform
// resolver when the cached result is missing or stale.
func (r *Resolver) Addrs(ctx context.Context) ([]net.IPAddr, error) {
	// Literal addresses are set once at construction and never change.
	if r.literal {
		return r.addrs, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	due := r.addrs == nil || (r.every > 0 && time.Since(r.resolvedAt) >= r.every)
	if !due {
		return r.addrs, nil
	}

	addrs, err := r.lookup(ctx, r.host)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %s", r.host)
	}
	if len(addrs) == 0 {
		return nil, errors.Wrapf(ErrNoAddress, "resolve %s", r.host)
	}

	r.addrs = addrs
	r.resolvedAt = time.Now()

	return r.addrs, nil
}
