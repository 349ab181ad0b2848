package monitor

import (
	"testing"
	"time"

	"github.com/adaricorp/ping-logger/probe"
	"github.com/stretchr/testify/assert"
)

func TestFormatRecord(t *testing.T) {
	assert := assert.New(t)

	at := time.Date(2026, 3, 4, 5, 6, 7, 890000000, time.UTC)

	line := formatRecord(at, "example.com", probe.Outcome{
		Kind: probe.Success,
		RTT:  12500 * time.Microsecond,
	})
	assert.Equal(
		"time=2026-03-04T05:06:07.890Z target=example.com outcome=success rtt=12.5ms",
		string(line),
	)

	line = formatRecord(at, "example.com", probe.Outcome{
		Kind:   probe.Timeout,
		Detail: "timeout waiting for probe target to respond",
	})
	assert.Equal(
		`time=2026-03-04T05:06:07.890Z target=example.com outcome=timeout`+
			` detail="timeout waiting for probe target to respond"`,
		string(line),
	)
}

func TestFormatRecordNormalizesToUTC(t *testing.T) {
	assert := assert.New(t)

	zone := time.FixedZone("CEST", 2*60*60)
	at := time.Date(2026, 3, 4, 7, 6, 7, 890000000, zone)

	line := formatRecord(at, "example.com", probe.Outcome{Kind: probe.Success})
	assert.Equal(
		"time=2026-03-04T05:06:07.890Z target=example.com outcome=success rtt=0s",
		string(line),
	)
}

func TestFormatRecordQuotesDetail(t *testing.T) {
	assert := assert.New(t)

	at := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)

	line := formatRecord(at, "example.com", probe.Outcome{
		Kind:   probe.ResolutionFailed,
		Detail: `lookup "bad host" failed`,
	})
	assert.Equal(
		`time=2026-03-04T05:06:07.000Z target=example.com outcome=resolution-failed`+
			` detail="lookup \"bad host\" failed"`,
		string(line),
	)
}
