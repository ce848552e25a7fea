package keysight

import (
	"time"

	"github.com/RuLzkin/kawanolab-tools/comm"
)

// Switch34980A drives a Keysight 34980A multifunction switch/measure
// unit.  The zero channel numbering is slot-relative, e.g. 1001:1010
// for the first ten channels of slot 1.
type Switch34980A struct {
	*instrument
}

// NewSwitch34980A wraps a 34980A reachable over TCP, addr like
// "192.168.10.201:5025".
func NewSwitch34980A(addr string, opts ...Option) *Switch34980A {
	maker := comm.BackingOffTCPConnMaker(addr, 3*time.Second)
	return NewSwitch34980AFrom(maker, opts...)
}

// NewSwitch34980AFrom wraps a 34980A behind an arbitrary connection
// maker, e.g. a serial bridge.
func NewSwitch34980AFrom(maker comm.CreationFunc, opts ...Option) *Switch34980A {
	return &Switch34980A{newInstrument(maker, "34980A", opts...)}
}

// DisableBeep silences the front panel beeper.  The unit otherwise
// beeps on every relay fault and error queue entry.
func (s *Switch34980A) DisableBeep() error {
	if err := s.s.Write("SYST:BEEP:STAT OFF"); err != nil {
		return err
	}
	return s.failOnQueuedErrors()
}
