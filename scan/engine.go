// Package scan implements the measurement protocol shared by
// multi-channel scanning instruments such as the Keysight 34980A and
// DAQ970A: scan list setup, trigger pacing, communication timeout
// derivation, acquisition, and per-channel statistics.
//
// The Engine drives a request/response transport (Conn, satisfied by
// *scpi.SCPI) through a fixed configuration sequence, reconciles what
// the hardware actually applied by re-querying it, and reshapes the
// flat payload of a scan into one sample vector per channel.
package scan

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/RuLzkin/kawanolab-tools/mathx"
	"github.com/RuLzkin/kawanolab-tools/util"
)

const (
	// powerLineHz converts NPLC to an integration time in seconds.
	// 50 Hz mains is the conservative choice; 60 Hz integrations
	// finish sooner than the derived timeout allows for.
	powerLineHz = 50

	// timeoutMarginSecs is added to the per-trigger duration when
	// deriving a timeout, covering relay settling and readback.
	timeoutMarginSecs = 3

	// immediateScanEstimate stands in for the scan duration when the
	// trigger source is immediate and no pacing is known.
	immediateScanEstimate = time.Second

	// defaultSettle is the pause after the NPLC readback.  The query
	// is slow on hardware and the next command lands garbled without
	// a wait.
	defaultSettle = 300 * time.Millisecond
)

// Conn is the transport surface the engine drives: blocking writes,
// blocking queries, and a mutable communication timeout.
type Conn interface {
	Write(cmds ...string) error
	ReadString(cmds ...string) (string, error)
	Timeout() time.Duration
	SetTimeout(time.Duration)
}

// ChannelConfig is the reconciled configuration of a single channel.
// Err is set when the instrument's reply entry for the channel could
// not be parsed; the other fields are then zero.
type ChannelConfig struct {
	Channel    int
	Mode       string
	Range      float64
	Resolution float64
	Err        error
}

// Applied is the instrument state reconciled after Configure: what
// the hardware accepted, not what was requested.  Its trigger values
// size the next acquisition.
type Applied struct {
	Channels        []ChannelConfig
	NPLC            []float64
	TriggerSource   string
	TriggerInterval time.Duration
	TriggerCount    int
	Timeout         time.Duration
}

// Engine sequences the scan protocol on one instrument connection.
// It is not safe for concurrent use; the instrument session is
// stateful and exclusive.
type Engine struct {
	conn   Conn
	log    *logrus.Entry
	settle time.Duration
}

// Option customizes an Engine.
type Option func(*Engine)

// WithLogger routes engine diagnostics through log.
func WithLogger(log *logrus.Entry) Option {
	return func(e *Engine) { e.log = log }
}

// WithSettle overrides the pause after slow instrument queries.
// Zero disables the pause; tests use this.
func WithSettle(d time.Duration) Option {
	return func(e *Engine) { e.settle = d }
}

// New returns an Engine driving conn.
func New(conn Conn, opts ...Option) *Engine {
	e := &Engine{
		conn:   conn,
		log:    logrus.NewEntry(logrus.StandardLogger()),
		settle: defaultSettle,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// OpenAll opens every relay on the instrument, clearing the active
// scan list.
func (e *Engine) OpenAll() error {
	return e.conn.Write("ROUT:OPEN:ALL")
}

// Open opens the relays for the named channels.  An empty spec opens
// everything.
func (e *Engine) Open(channels ChannelSpec) error {
	if channels.Empty() {
		return e.OpenAll()
	}
	return e.conn.Write("ROUT:OPEN " + channels.Arg())
}

// Configure applies cfg to the instrument and returns the reconciled
// state.  The sequence is fixed; the instrument latches each setting
// against the state left by the previous one, so steps cannot be
// reordered or batched.  Any entry in the instrument's error queue
// afterwards fails the whole call with a ConfigurationError.
func (e *Engine) Configure(cfg Config) (Applied, error) {
	var app Applied
	if cfg.Trigger.timed && cfg.Trigger.count < 1 {
		return app, &InvalidSpecError{
			Spec:   "trigger count " + strconv.Itoa(cfg.Trigger.count),
			Reason: "timed triggering needs a count of at least 1"}
	}

	// A stale scan list keeps relays closed and shorts the new one.
	if err := e.writeStep("ROUT:OPEN:ALL"); err != nil {
		return app, err
	}
	arg := cfg.Channels.Arg()
	if !cfg.Channels.Empty() {
		if err := e.writeStep("ROUT:SCAN " + arg); err != nil {
			return app, err
		}
	}

	// Integration time.  Always read back what the hardware holds,
	// written or not; the derived timeout needs the applied values.
	if cfg.NPLC > 0 {
		cmd := "VOLT:DC:NPLC " + formatFloat(cfg.NPLC)
		if !cfg.Channels.Empty() {
			cmd += "," + arg
		}
		if err := e.writeStep(cmd); err != nil {
			return app, err
		}
	}
	nplcQ := "VOLT:DC:NPLC?"
	if !cfg.Channels.Empty() {
		nplcQ += " " + arg
	}
	raw, err := e.conn.ReadString(nplcQ)
	if err != nil {
		return app, &ConfigurationError{Step: nplcQ, Cause: err}
	}
	app.NPLC, err = parseCSVFloats(raw)
	if err != nil {
		return app, &ConfigurationError{Step: nplcQ, Cause: err}
	}
	if e.settle > 0 {
		time.Sleep(e.settle)
	}

	confCmd := "CONF:VOLT:DC " + cfg.Range.String() + "," + cfg.Resolution.String()
	if !cfg.Channels.Empty() {
		confCmd += "," + arg
	}
	if err := e.writeStep(confCmd); err != nil {
		return app, err
	}

	// Source, then interval, then count.  The instrument interprets
	// interval and count against the active source, so this order is
	// part of the protocol.
	if cfg.Trigger.timed {
		steps := []string{
			"TRIG:SOUR TIM",
			"TRIG:TIM " + formatFloat(cfg.Trigger.interval.Seconds()),
			"TRIG:COUN " + strconv.Itoa(cfg.Trigger.count),
		}
		for _, cmd := range steps {
			if err := e.writeStep(cmd); err != nil {
				return app, err
			}
		}
	} else {
		if err := e.writeStep("TRIG:SOUR IMM"); err != nil {
			return app, err
		}
	}

	// Reconcile.  The instrument clamps out of range inputs without
	// complaint, so the readback is authoritative, not the request.
	confQ := "CONF?"
	if !cfg.Channels.Empty() {
		confQ += " " + arg
	}
	raw, err = e.conn.ReadString(confQ)
	if err != nil {
		return app, &ConfigurationError{Step: confQ, Cause: err}
	}
	app.Channels = e.parseConfReply(raw, cfg.Channels.Channels())

	src, err := e.conn.ReadString("TRIG:SOUR?")
	if err != nil {
		return app, &ConfigurationError{Step: "TRIG:SOUR?", Cause: err}
	}
	app.TriggerSource = strings.TrimSpace(src)
	interval, err := e.queryFloat("TRIG:TIM?")
	if err != nil {
		return app, &ConfigurationError{Step: "TRIG:TIM?", Cause: err}
	}
	app.TriggerInterval = util.SecsToDuration(interval)
	count, err := e.queryFloat("TRIG:COUN?")
	if err != nil {
		return app, &ConfigurationError{Step: "TRIG:COUN?", Cause: err}
	}
	app.TriggerCount = int(count)

	switch cfg.Timeout.kind {
	case timeoutAuto:
		secs := (app.TriggerInterval.Seconds() +
			mathx.Max(app.NPLC)/powerLineHz +
			timeoutMarginSecs) * float64(app.TriggerCount)
		e.conn.SetTimeout(util.SecsToDuration(secs))
	case timeoutFixed:
		e.conn.SetTimeout(cfg.Timeout.d)
	}
	app.Timeout = e.conn.Timeout()

	// Advisory only.  The margin term usually covers the shortfall
	// and the scan may still finish in time.
	estimate := immediateScanEstimate
	if app.TriggerSource == "TIM" && app.TriggerCount > 0 {
		estimate = time.Duration(app.TriggerCount) * app.TriggerInterval
	}
	if app.Timeout < estimate {
		e.log.Warnf("communication timeout %v is below the estimated scan duration %v; the read may time out before the scan completes",
			app.Timeout, estimate)
	}

	queue, err := e.DrainErrors()
	if err != nil {
		return app, &ConfigurationError{Step: "SYST:ERR?", Cause: err}
	}
	if len(queue) > 0 {
		return app, &ConfigurationError{Queue: queue}
	}
	e.log.Debugf("configured scan: %d channel(s), trigger %s interval %v count %d, timeout %v",
		len(app.Channels), app.TriggerSource, app.TriggerInterval, app.TriggerCount, app.Timeout)
	return app, nil
}

// Measure runs one acquisition and reduces it to a mean and a sample
// standard deviation per channel, in scan list order.  A single
// trigger yields a deviation of zero.
func (e *Engine) Measure() (means, stds []float64, err error) {
	rows, err := e.acquire()
	if err != nil {
		return nil, nil, err
	}
	means = make([]float64, len(rows))
	stds = make([]float64, len(rows))
	for i, row := range rows {
		means[i] = mathx.Mean(row)
		stds[i] = mathx.Std(row)
	}
	return means, stds, nil
}

// Raw runs one acquisition and returns each channel's full sample
// vector, in scan list order.  The slices are fresh copies owned by
// the caller.
func (e *Engine) Raw() ([][]float64, error) {
	return e.acquire()
}

func (e *Engine) acquire() ([][]float64, error) {
	// Size the read from the device, not from cached state; the scan
	// list or trigger count may have been changed behind our back.
	nchan, err := e.querySize("ROUT:SCAN:SIZE?")
	if err != nil {
		return nil, err
	}
	ntrig, err := e.querySize("TRIG:COUN?")
	if err != nil {
		return nil, err
	}

	payload, err := e.conn.ReadString("READ?")
	if err != nil {
		return nil, err
	}
	fields := strings.Split(strings.TrimSpace(payload), ",")
	want := nchan * ntrig
	if len(fields) != want {
		return nil, &AcquisitionError{Expected: want, Got: len(fields)}
	}
	flat := make([]float64, want)
	for i, f := range fields {
		flat[i], err = strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return nil, &AcquisitionError{Expected: want, Got: len(fields), Cause: err}
		}
	}

	// The payload is row major by trigger event: all channels of the
	// first trigger, then all channels of the second.  Transpose so
	// each row holds one channel's samples across triggers.
	out := make([][]float64, nchan)
	for c := 0; c < nchan; c++ {
		row := make([]float64, ntrig)
		for t := 0; t < ntrig; t++ {
			row[t] = flat[t*nchan+c]
		}
		out[c] = row
	}
	return out, nil
}

// DrainErrors empties the instrument error queue, accumulating every
// entry until the "+0" no-error sentinel.  The entries themselves are
// returned, not raised; Configure treats any entry as fatal, while
// manual callers may only want the diagnostics.
func (e *Engine) DrainErrors() ([]string, error) {
	var out []string
	for {
		str, err := e.conn.ReadString("SYST:ERR?")
		if err != nil {
			return out, err
		}
		str = strings.TrimSpace(str)
		if strings.HasPrefix(str, "+0") {
			return out, nil
		}
		out = append(out, str)
	}
}

func (e *Engine) writeStep(cmd string) error {
	if err := e.conn.Write(cmd); err != nil {
		return &ConfigurationError{Step: cmd, Cause: err}
	}
	return nil
}

func (e *Engine) queryFloat(cmd string) (float64, error) {
	str, err := e.conn.ReadString(cmd)
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(strings.TrimSpace(str), 64)
}

// querySize reads a count-valued query.  Replies are float formatted
// ("+1.00000000E+01"), so parse as float and truncate.
func (e *Engine) querySize(cmd string) (int, error) {
	v, err := e.queryFloat(cmd)
	if err != nil {
		if _, ok := err.(*strconv.NumError); ok {
			return 0, &AcquisitionError{Cause: err}
		}
		return 0, err
	}
	n := int(v)
	if n < 1 {
		return 0, &AcquisitionError{Cause: fmt.Errorf("%s reported %d, nothing to scan", cmd, n)}
	}
	return n, nil
}

// parseConfReply splits the per-channel configuration readback.  The
// reply is one quoted entry per channel:
//
//	"VOLT +1.000000E+01,+3.000000E-06","VOLT +1.000000E+01,..."
//
// A malformed entry must not abort the others; its channel gets a
// failure entry and a diagnostic instead.
func (e *Engine) parseConfReply(raw string, channels []int) []ChannelConfig {
	entries := strings.Split(strings.TrimSpace(raw), `","`)
	out := make([]ChannelConfig, 0, len(entries))
	for i, entry := range entries {
		ch := 0
		if i < len(channels) {
			ch = channels[i]
		}
		cc := ChannelConfig{Channel: ch}
		mode, rng, res, err := parseConfEntry(entry)
		if err != nil {
			cc.Err = err
			e.log.Warnf("channel %d: unusable configuration entry %q: %v", ch, entry, err)
		} else {
			cc.Mode, cc.Range, cc.Resolution = mode, rng, res
		}
		out = append(out, cc)
	}
	return out
}

func parseConfEntry(entry string) (mode string, rng, res float64, err error) {
	entry = strings.TrimSpace(strings.ReplaceAll(entry, `"`, ""))
	fields := strings.FieldsFunc(entry, func(r rune) bool {
		return r == ',' || r == ' '
	})
	if len(fields) != 3 {
		return "", 0, 0, &InvalidSpecError{Spec: entry, Reason: "expected mode, range, resolution"}
	}
	rng, err = strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return "", 0, 0, err
	}
	res, err = strconv.ParseFloat(fields[2], 64)
	if err != nil {
		return "", 0, 0, err
	}
	return fields[0], rng, res, nil
}

func parseCSVFloats(s string) ([]float64, error) {
	fields := strings.Split(strings.TrimSpace(s), ",")
	out := make([]float64, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
