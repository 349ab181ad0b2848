package monitor

import (
	"bytes"
	"fmt"
	"strconv"
	"time"

	"github.com/adaricorp/ping-logger/probe"
)

// recordTimeFormat is RFC 3339 with millisecond precision. Records always
// carry UTC timestamps so archives sort the same everywhere.
const recordTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// formatRecord renders one probe outcome as a logfmt line without the
// trailing newline. The rtt field only appears on success, the detail
// field only when a failure carries one.
func formatRecord(at time.Time, target string, o probe.Outcome) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "time=%s target=%s outcome=%s",
		at.UTC().Format(recordTimeFormat), target, o.Kind)
	if o.Kind == probe.Success {
		fmt.Fprintf(&b, " rtt=%s", o.RTT)
	}
	if o.Detail != "" {
		fmt.Fprintf(&b, " detail=%s", strconv.Quote(o.Detail))
	}

	return b.Bytes()
}
