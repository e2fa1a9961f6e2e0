package sip

import (
	"log/slog"
	"time"
)

// Default values for SIP timers as described in RFC 3261.
const (
	// T1 is the message RTT estimate.
	T1 = 500 * time.Millisecond
	// T2 is the maximum retransmit interval for non-INVITE requests and INVITE responses.
	T2 = 4 * time.Second
	// T4 is the maximum duration a message will remain in the network.
	T4 = 5 * time.Second
	// TimeD is the wait duration for response retransmits via unreliable transport.
	TimeD = 32 * time.Second
	// Time100 is the timeout for automatic 100 Trying response on INVITE.
	Time100 = 200 * time.Millisecond
)

// TimingConfig represents SIP timing config.
// Zero value uses default base values [T1], [T2], [T4], [TimeD], [Time100].
// All other timings are calculated from these base values.
// Timers D, I, J and K are zero on reliable transports.
type TimingConfig struct {
	t1, t2, t4,
	timeD,
	time100 time.Duration
}

var defTimingCfg TimingConfig

// NewTimings creates a new SIP timing config with specified base values.
// Non-positive values select the defaults.
func NewTimings(t1, t2, t4, timeD, time100 time.Duration) TimingConfig {
	return TimingConfig{
		t1:      max(t1, 0),
		t2:      max(t2, 0),
		t4:      max(t4, 0),
		timeD:   max(timeD, 0),
		time100: max(time100, 0),
	}
}

// T1 is the message RTT estimate.
func (c TimingConfig) T1() time.Duration { return orDefault(c.t1, T1) }

// T2 is the maximum retransmit interval for non-INVITE requests and INVITE responses.
func (c TimingConfig) T2() time.Duration { return orDefault(c.t2, T2) }

// T4 is the maximum duration a message will remain in the network.
func (c TimingConfig) T4() time.Duration { return orDefault(c.t4, T4) }

// Time100 is the timeout for automatic 100 Trying response on INVITE.
func (c TimingConfig) Time100() time.Duration { return orDefault(c.time100, Time100) }

func orDefault(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

// TimeA returns initial INVITE request retransmit interval for unreliable transport.
func (c TimingConfig) TimeA() time.Duration { return c.T1() }

// TimeB returns INVITE client transaction timeout.
func (c TimingConfig) TimeB() time.Duration { return 64 * c.T1() }

// TimeC returns the INVITE transaction timeout on proxy.
// It bounds the early dialog lifetime when no explicit timeout is configured.
func (c TimingConfig) TimeC() time.Duration { return 600 * c.T1() }

// TimeD is the wait duration for response retransmits.
func (c TimingConfig) TimeD(reliable bool) time.Duration {
	if reliable {
		return 0
	}
	return orDefault(c.timeD, TimeD)
}

// TimeE returns initial non-INVITE request retransmit interval for unreliable transport.
func (c TimingConfig) TimeE() time.Duration { return c.T1() }

// TimeF returns non-INVITE client transaction timeout.
func (c TimingConfig) TimeF() time.Duration { return 64 * c.T1() }

// TimeG returns initial INVITE response retransmit interval.
func (c TimingConfig) TimeG() time.Duration { return c.T1() }

// TimeH returns timeout for ACK request receipt.
func (c TimingConfig) TimeH() time.Duration { return 64 * c.T1() }

// TimeI returns wait duration for ACK request retransmits.
func (c TimingConfig) TimeI(reliable bool) time.Duration {
	if reliable {
		return 0
	}
	return c.T4()
}

// TimeJ returns wait duration for non-INVITE request retransmits.
func (c TimingConfig) TimeJ(reliable bool) time.Duration {
	if reliable {
		return 0
	}
	return 64 * c.T1()
}

// TimeK returns wait duration for response retransmits.
func (c TimingConfig) TimeK(reliable bool) time.Duration {
	if reliable {
		return 0
	}
	return c.T4()
}

// TimeL returns the wait duration for accepted INVITE request retransmits.
func (c TimingConfig) TimeL() time.Duration { return 64 * c.T1() }

// TimeM returns the wait duration for retransmission of 2xx to INVITE or
// additional 2xx from other branches of a forked INVITE.
func (c TimingConfig) TimeM() time.Duration { return 64 * c.T1() }

func (c TimingConfig) IsZero() bool {
	return c.t1 == 0 && c.t2 == 0 && c.t4 == 0 && c.timeD == 0 && c.time100 == 0
}

// LogValue implements [slog.LogValuer].
func (c TimingConfig) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Duration("t1", c.T1()),
		slog.Duration("t2", c.T2()),
		slog.Duration("t4", c.T4()),
		slog.Duration("time_d", c.TimeD(false)),
		slog.Duration("time_100", c.Time100()),
	)
}

// nextRetransmit doubles the interval, capped at T2.
func (c TimingConfig) nextRetransmit(cur time.Duration) time.Duration {
	return min(2*cur, c.T2())
}
