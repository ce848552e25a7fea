package keysight

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/RuLzkin/kawanolab-tools/comm"
	"github.com/RuLzkin/kawanolab-tools/mathx"
	"github.com/RuLzkin/kawanolab-tools/scan"
)

// pollEvery paces the reading store polls during a timed scan.
const pollEvery = 10 * time.Millisecond

// ErrScanNotReady reports a scan attempt before the scan list and
// sweep count were configured.
var ErrScanNotReady = errors.New("scan not set up: call ConfigureVoltDC and SetupScan first")

// DAQ970A drives a Keysight DAQ970A data acquisition system.  It
// speaks the same scan protocol as the 34980A and adds a polled
// acquisition path that tags every reading with the instrument's
// timestamp and source channel.
type DAQ970A struct {
	*instrument
	channels []int
	count    int
	ready    bool
}

// NewDAQ970A wraps a DAQ970A reachable over TCP, addr like
// "192.168.10.10:5025".
func NewDAQ970A(addr string, opts ...Option) *DAQ970A {
	maker := comm.BackingOffTCPConnMaker(addr, 3*time.Second)
	return NewDAQ970AFrom(maker, opts...)
}

// NewDAQ970AFrom wraps a DAQ970A behind an arbitrary connection maker.
func NewDAQ970AFrom(maker comm.CreationFunc, opts ...Option) *DAQ970A {
	return &DAQ970A{instrument: newInstrument(maker, "DAQ970A", opts...)}
}

// Initialize clears the status registers and resets the instrument to
// its power-on configuration.
func (d *DAQ970A) Initialize() error {
	if err := d.Clear(); err != nil {
		return err
	}
	return d.Reset()
}

// ConfigureVoltDC sets the named channels to DC voltage measurement
// and makes them the active scan list.
func (d *DAQ970A) ConfigureVoltDC(channels scan.ChannelSpec) error {
	if channels.Empty() {
		return &scan.InvalidSpecError{Spec: "", Reason: "no channels to configure"}
	}
	arg := channels.Arg()
	for _, cmd := range []string{"CONF:VOLT:DC " + arg, "ROUT:SCAN " + arg} {
		if err := d.s.Write(cmd); err != nil {
			return &scan.ConfigurationError{Step: cmd, Cause: err}
		}
	}
	if err := d.failOnQueuedErrors(); err != nil {
		return err
	}
	d.channels = channels.Channels()
	return nil
}

// SetupScan arms a scan of count sweeps over the active scan list and
// turns on channel and timestamp annotation of the readings.  A
// positive interval paces the sweeps with the internal timer; zero
// leaves the trigger source alone.
func (d *DAQ970A) SetupScan(count int, interval time.Duration) error {
	if count < 1 {
		return &scan.InvalidSpecError{
			Spec:   strconv.Itoa(count),
			Reason: "scan count must be at least 1"}
	}
	cmds := []string{"FORM:READ:CHAN ON", "FORM:READ:TIME ON"}
	if interval > 0 {
		cmds = append(cmds,
			"TRIG:SOUR TIM",
			"TRIG:TIM "+strconv.FormatFloat(interval.Seconds(), 'G', -1, 64))
	}
	cmds = append(cmds, "TRIG:COUN "+strconv.Itoa(count))
	for _, cmd := range cmds {
		if err := d.s.Write(cmd); err != nil {
			return &scan.ConfigurationError{Step: cmd, Cause: err}
		}
	}
	if err := d.failOnQueuedErrors(); err != nil {
		return err
	}
	d.count = count
	d.ready = true
	return nil
}

// ScanTimed initiates the armed scan and polls the reading store
// until every expected sample has arrived, then drains the store and
// regroups the readings per configured channel.  progress, when not
// nil, is called with the running and total reading counts as the
// scan fills.  ctx bounds the polling; cancelling it abandons the
// scan mid-flight and the instrument needs reconfiguring before
// reuse.
func (d *DAQ970A) ScanTimed(ctx context.Context, progress func(done, total int)) ([]scan.ChannelSamples, error) {
	if !d.ready {
		return nil, ErrScanNotReady
	}
	start, err := d.s.ReadString("INIT;:SYST:TIME:SCAN?")
	if err != nil {
		return nil, err
	}
	d.log.WithField("start", strings.TrimSpace(start)).Debug("scan initiated")

	nchan, err := d.queryPoints("ROUT:SCAN:SIZE?")
	if err != nil {
		return nil, err
	}
	if nchan < 1 {
		return nil, &scan.AcquisitionError{Cause: errors.New("scan list is empty")}
	}
	total := d.count * nchan

	lim := rate.NewLimiter(rate.Every(pollEvery), 1)
	for done := 0; done < total; {
		if err := lim.Wait(ctx); err != nil {
			return nil, err
		}
		done, err = d.queryPoints("DATA:POINTS?")
		if err != nil {
			return nil, err
		}
		if progress != nil {
			progress(done, total)
		}
	}

	payload, err := d.s.ReadString("DATA:REMOVE? " + strconv.Itoa(total))
	if err != nil {
		return nil, err
	}
	fields := strings.Split(strings.TrimSpace(payload), ",")
	if len(fields) != 3*total {
		return nil, &scan.AcquisitionError{Expected: 3 * total, Got: len(fields)}
	}
	flat := make([]float64, len(fields))
	for i, f := range fields {
		flat[i], err = strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return nil, &scan.AcquisitionError{Expected: 3 * total, Got: len(fields), Cause: err}
		}
	}

	// Readings arrive as value, timestamp, channel triplets in
	// acquisition order; bucket them back onto the configured scan
	// list so callers see one series per channel.
	out := make([]scan.ChannelSamples, len(d.channels))
	byChan := make(map[int]*scan.ChannelSamples, len(d.channels))
	for i, ch := range d.channels {
		out[i] = scan.ChannelSamples{Channel: ch, Samples: make([]scan.TimedSample, 0, d.count)}
		byChan[ch] = &out[i]
	}
	dropped := 0
	for i := 0; i < total; i++ {
		value, tstamp, ch := flat[3*i], flat[3*i+1], int(flat[3*i+2])
		cs, ok := byChan[ch]
		if !ok {
			dropped++
			continue
		}
		cs.Samples = append(cs.Samples, scan.TimedSample{Time: tstamp, Value: value})
	}
	if dropped > 0 {
		d.log.Warnf("discarded %d reading(s) from channels outside the configured scan list", dropped)
	}
	return out, nil
}

// ScanMeanStd runs ScanTimed and reduces each configured channel to a
// mean and a sample standard deviation.
func (d *DAQ970A) ScanMeanStd(ctx context.Context) (means, stds []float64, err error) {
	grouped, err := d.ScanTimed(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	means = make([]float64, len(grouped))
	stds = make([]float64, len(grouped))
	for i, cs := range grouped {
		vals := cs.Values()
		means[i] = mathx.Mean(vals)
		stds[i] = mathx.Std(vals)
	}
	return means, stds, nil
}

// queryPoints reads a count-valued query.  Replies may be float
// formatted, so parse as float and truncate.
func (d *DAQ970A) queryPoints(cmd string) (int, error) {
	str, err := d.s.ReadString(cmd)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(str), 64)
	if err != nil {
		return 0, &scan.AcquisitionError{Cause: err}
	}
	return int(v), nil
}
