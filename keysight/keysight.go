// Package keysight provides wrappers for Keysight scanning
// instruments: the 34980A multifunction switch/measure unit and the
// DAQ970A data acquisition system.  Both speak SCPI over TCP or a
// serial bridge and share the scan list, trigger, and acquisition
// protocol implemented by the scan package.
package keysight

import (
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/RuLzkin/kawanolab-tools/comm"
	"github.com/RuLzkin/kawanolab-tools/probe"
	"github.com/RuLzkin/kawanolab-tools/scan"
	"github.com/RuLzkin/kawanolab-tools/scpi"
)

// Option customizes an instrument wrapper.
type Option func(*options)

type options struct {
	log       *logrus.Entry
	resetWait time.Duration
	engine    []scan.Option
}

// WithLogger routes the wrapper's diagnostics through log.
func WithLogger(log *logrus.Entry) Option {
	return func(o *options) {
		o.log = log
		o.engine = append(o.engine, scan.WithLogger(log))
	}
}

// WithSettle overrides the waits after reset and after slow queries.
// Zero removes them; tests against fake instruments use this.
func WithSettle(d time.Duration) Option {
	return func(o *options) {
		o.resetWait = d
		o.engine = append(o.engine, scan.WithSettle(d))
	}
}

// instrument is the plumbing shared by the SCPI scanning devices: a
// pooled connection, the scan engine over it, and the lifecycle
// operations every wrapper exposes.
type instrument struct {
	s         *scpi.SCPI
	eng       *scan.Engine
	log       *logrus.Entry
	model     string
	resetWait time.Duration
	closed    bool
}

func newInstrument(maker comm.CreationFunc, model string, opts ...Option) *instrument {
	o := options{resetWait: 500 * time.Millisecond}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = logrus.WithField("device", model)
		o.engine = append(o.engine, scan.WithLogger(o.log))
	}
	s := &scpi.SCPI{Pool: comm.NewPool(1, time.Minute, maker)}
	return &instrument{
		s:         s,
		eng:       scan.New(s, o.engine...),
		log:       o.log,
		model:     model,
		resetWait: o.resetWait,
	}
}

// Identification returns the identifying information of the
// instrument, e.g. "Keysight Technologies,34980A,MY00000000,...".
func (i *instrument) Identification() (string, error) {
	return i.s.ReadString("*IDN?")
}

// Verify checks the connected instrument's identity against the
// expected model.  A mismatch is permanent; close the connection
// rather than retry.
func (i *instrument) Verify() error {
	id, err := i.Identification()
	if err != nil {
		return err
	}
	if !strings.Contains(strings.ToUpper(id), i.model) {
		return fmt.Errorf("instrument identifies as %q, want a %s", strings.TrimSpace(id), i.model)
	}
	return nil
}

// Reset returns the instrument to its power-on configuration and
// waits for it to settle.
func (i *instrument) Reset() error {
	if err := i.s.Write("*RST"); err != nil {
		return err
	}
	time.Sleep(i.resetWait)
	return nil
}

// Clear empties the instrument's status registers and error queue.
func (i *instrument) Clear() error {
	return i.s.Write("*CLS")
}

// Configure applies cfg and returns the reconciled instrument state.
func (i *instrument) Configure(cfg scan.Config) (scan.Applied, error) {
	return i.eng.Configure(cfg)
}

// Measure runs one acquisition and reduces it to a mean and a sample
// standard deviation per channel.
func (i *instrument) Measure() (means, stds []float64, err error) {
	return i.eng.Measure()
}

// RawData runs one acquisition and returns each channel's full sample
// vector.
func (i *instrument) RawData() ([][]float64, error) {
	return i.eng.Raw()
}

// OpenAll opens every relay, clearing the active scan list.
func (i *instrument) OpenAll() error {
	return i.eng.OpenAll()
}

// Open opens the relays for the named channels.
func (i *instrument) Open(channels scan.ChannelSpec) error {
	return i.eng.Open(channels)
}

// DrainErrors empties and returns the instrument's error queue.
func (i *instrument) DrainErrors() ([]string, error) {
	return i.eng.DrainErrors()
}

// Raw sends a bare SCPI command, returning the reply if it was a
// query and an empty string otherwise.
func (i *instrument) Raw(cmd string) (string, error) {
	return i.s.Raw(cmd)
}

// Timeout returns the communication timeout in force.
func (i *instrument) Timeout() time.Duration {
	return i.s.Timeout()
}

// SetTimeout sets the communication timeout.
func (i *instrument) SetTimeout(d time.Duration) {
	i.s.SetTimeout(d)
}

// Close resets the instrument on a best effort basis and releases the
// connection pool.  Close is idempotent; calling it again is a no-op.
func (i *instrument) Close() error {
	if i.closed {
		return nil
	}
	i.closed = true
	if err := i.s.Write("*RST"); err != nil {
		i.log.WithError(err).Warn("reset during close failed")
	}
	return i.s.Pool.CloseAll()
}

// failOnQueuedErrors drains the error queue after a mutating command
// sequence and converts any entries into a ConfigurationError.
func (i *instrument) failOnQueuedErrors() error {
	queue, err := i.eng.DrainErrors()
	if err != nil {
		return &scan.ConfigurationError{Step: "SYST:ERR?", Cause: err}
	}
	if len(queue) > 0 {
		return &scan.ConfigurationError{Queue: queue}
	}
	return nil
}

// Discover probes candidate TCP endpoints in order and returns the
// address of the first instrument identifying as model.  timeout
// bounds both the dial and the identity query per candidate.
func Discover(model string, candidates []string, timeout time.Duration) (string, error) {
	m, err := probe.First(candidates, func(addr string) (probe.Target, error) {
		s := &scpi.SCPI{Pool: comm.NewPool(1, timeout, comm.BackingOffTCPConnMaker(addr, timeout))}
		s.SetTimeout(timeout)
		return &probeTarget{s: s}, nil
	}, probe.Model(model))
	if err != nil {
		return "", err
	}
	return m.Addr, nil
}

type probeTarget struct {
	s *scpi.SCPI
}

func (p *probeTarget) ID() (string, error) { return p.s.ReadString("*IDN?") }
func (p *probeTarget) Close() error        { return p.s.Pool.CloseAll() }
