package probe

import (
	"time"
)

type Config struct {
	Bind4       string        // bind address for the IPv4 socket, empty disables the family
	Bind6       string        // bind address for the IPv6 socket, empty disables the family
	Privileged  bool          // raw ICMP sockets instead of unprivileged datagram sockets
	PayloadSize uint16        // extra payload bytes carried by each echo request
	Timeout     time.Duration // fallback deadline when the probe context carries none
	TCPPort     uint16        // destination port for the tcp prober
	HTTPURL     string        // probe URL for the http prober, derived from the target when empty
	HTTPMethod  string        // request method for the http prober
}
