// benchscan drives one scanning voltmeter from the command line:
// configure a channel list, run a scan, print per-channel statistics.
// Benches that get re-run live in a YAML job file instead of flags.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/go-yaml/yaml"
	"github.com/pkg/errors"
	"github.com/tarm/serial"
	"github.com/theckman/yacspin"

	"github.com/RuLzkin/kawanolab-tools/comm"
	"github.com/RuLzkin/kawanolab-tools/keysight"
	"github.com/RuLzkin/kawanolab-tools/mathx"
	"github.com/RuLzkin/kawanolab-tools/scan"
	"github.com/RuLzkin/kawanolab-tools/util"
)

// Job mirrors the flags so a bench can be kept in a file.  Flags set
// on the command line override the file's fields.
type Job struct {
	Device   string  `yaml:"device"`
	Addr     string  `yaml:"addr"`
	Serial   bool    `yaml:"serial"`
	Baud     int     `yaml:"baud"`
	Channels string  `yaml:"channels"`
	Range    string  `yaml:"range"`
	Res      string  `yaml:"resolution"`
	NPLC     float64 `yaml:"nplc"`
	Interval float64 `yaml:"interval"`
	Count    int     `yaml:"count"`
	Timeout  string  `yaml:"timeout"`
	Raw      bool    `yaml:"raw"`
}

func main() {
	var (
		device   = flag.String("device", "34980a", "instrument type, 34980a or daq970a")
		addr     = flag.String("addr", "", "instrument address, host:port or a serial device path")
		serialOn = flag.Bool("serial", false, "reach the instrument over RS232 instead of TCP")
		baud     = flag.Int("baud", 115200, "serial line rate")
		channels = flag.String("channels", "", "channel spec, e.g. 101:110 or 101,102,107")
		rng      = flag.String("range", "DEF", "voltage range in volts, or AUTO/MIN/MAX/DEF")
		res      = flag.String("res", "DEF", "resolution in volts, or MIN/MAX/DEF")
		nplc     = flag.Float64("nplc", 0, "integration time in power line cycles, 0 keeps the instrument's")
		interval = flag.Float64("interval", 0, "trigger interval in seconds")
		count    = flag.Int("count", 0, "readings per channel, 0 for one immediate scan")
		timeout  = flag.String("timeout", "auto", "comm timeout: auto, keep, or milliseconds")
		raw      = flag.Bool("raw", false, "print every sample instead of mean and std")
		jobFile  = flag.String("job", "", "YAML job file; explicit flags override its fields")
	)
	flag.Parse()

	job := Job{}
	if *jobFile != "" {
		f, err := os.Open(*jobFile)
		if err != nil {
			die(errors.Wrap(err, "opening job file"))
		}
		err = yaml.NewDecoder(f).Decode(&job)
		f.Close()
		if err != nil {
			die(errors.Wrap(err, "decoding job file"))
		}
	} else {
		job = Job{Device: *device, Addr: *addr, Serial: *serialOn, Baud: *baud,
			Channels: *channels, Range: *rng, Res: *res, NPLC: *nplc,
			Interval: *interval, Count: *count, Timeout: *timeout, Raw: *raw}
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "device":
			job.Device = *device
		case "addr":
			job.Addr = *addr
		case "serial":
			job.Serial = *serialOn
		case "baud":
			job.Baud = *baud
		case "channels":
			job.Channels = *channels
		case "range":
			job.Range = *rng
		case "res":
			job.Res = *res
		case "nplc":
			job.NPLC = *nplc
		case "interval":
			job.Interval = *interval
		case "count":
			job.Count = *count
		case "timeout":
			job.Timeout = *timeout
		case "raw":
			job.Raw = *raw
		}
	})

	if job.Addr == "" {
		die(errors.New("no instrument address; pass -addr or a job file"))
	}
	if job.Channels == "" {
		die(errors.New("no channels; pass -channels or a job file"))
	}

	spec, err := parseChannels(job.Channels)
	if err != nil {
		die(errors.Wrap(err, "parsing channels"))
	}

	var maker comm.CreationFunc
	if job.Serial {
		baud := job.Baud
		if baud == 0 {
			baud = 115200
		}
		maker = comm.SerialConnMaker(&serial.Config{Name: job.Addr, Baud: baud, ReadTimeout: 3 * time.Second})
	} else {
		maker = comm.BackingOffTCPConnMaker(job.Addr, 3*time.Second)
	}

	spinner, err := yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[14],
		Suffix:            " " + job.Addr,
		SuffixAutoColon:   true,
		Message:           "connecting",
		StopCharacter:     "+",
		StopFailCharacter: "x",
		StopColors:        []string{"fgGreen"},
		StopFailColors:    []string{"fgRed"},
	})
	if err != nil {
		die(errors.Wrap(err, "building spinner"))
	}
	spinner.Start()

	switch strings.ToLower(job.Device) {
	case "34980a", "switch":
		runSwitch(spinner, maker, job, spec)
	case "daq970a", "daq":
		runDAQ(spinner, maker, job, spec)
	default:
		fail(spinner, errors.Errorf("device %q not understood", job.Device))
	}
}

func runSwitch(spinner *yacspin.Spinner, maker comm.CreationFunc, job Job, spec scan.ChannelSpec) {
	sw := keysight.NewSwitch34980AFrom(maker)
	defer sw.Close()
	if err := sw.Verify(); err != nil {
		fail(spinner, errors.Wrap(err, "verifying instrument"))
	}

	cfg, err := buildConfig(job, spec)
	if err != nil {
		fail(spinner, err)
	}
	spinner.Message("configuring")
	applied, err := sw.Configure(cfg)
	if err != nil {
		fail(spinner, errors.Wrap(err, "configuring scan"))
	}

	spinner.Message("measuring")
	if job.Raw {
		data, err := sw.RawData()
		if err != nil {
			fail(spinner, errors.Wrap(err, "acquiring"))
		}
		spinner.Stop()
		printVectors(appliedChannels(applied), data)
		return
	}
	means, stds, err := sw.Measure()
	if err != nil {
		fail(spinner, errors.Wrap(err, "acquiring"))
	}
	spinner.Stop()
	printStats(appliedChannels(applied), means, stds)
}

func runDAQ(spinner *yacspin.Spinner, maker comm.CreationFunc, job Job, spec scan.ChannelSpec) {
	daq := keysight.NewDAQ970AFrom(maker)
	defer daq.Close()
	if err := daq.Verify(); err != nil {
		fail(spinner, errors.Wrap(err, "verifying instrument"))
	}
	if ms, ok, err := fixedTimeout(job.Timeout); err != nil {
		fail(spinner, err)
	} else if ok {
		daq.SetTimeout(ms)
	}

	spinner.Message("configuring")
	if err := daq.ConfigureVoltDC(spec); err != nil {
		fail(spinner, errors.Wrap(err, "configuring channels"))
	}
	n := job.Count
	if n == 0 {
		n = 1
	}
	if err := daq.SetupScan(n, util.SecsToDuration(job.Interval)); err != nil {
		fail(spinner, errors.Wrap(err, "arming scan"))
	}

	grouped, err := daq.ScanTimed(context.Background(), func(done, total int) {
		spinner.Message(fmt.Sprintf("%d/%d readings", done, total))
	})
	if err != nil {
		fail(spinner, errors.Wrap(err, "scanning"))
	}
	spinner.Stop()

	if job.Raw {
		printSamples(grouped)
		return
	}
	channels := make([]int, len(grouped))
	means := make([]float64, len(grouped))
	stds := make([]float64, len(grouped))
	for i, cs := range grouped {
		channels[i] = cs.Channel
		vals := cs.Values()
		means[i] = mathx.Mean(vals)
		stds[i] = mathx.Std(vals)
	}
	printStats(channels, means, stds)
}

// buildConfig translates the job fields into a scan configuration.
func buildConfig(job Job, spec scan.ChannelSpec) (scan.Config, error) {
	cfg := scan.Config{Channels: spec, NPLC: job.NPLC}

	switch token := strings.ToUpper(strings.TrimSpace(job.Range)); token {
	case "", "DEF", "DEFAULT":
		cfg.Range = scan.RangeDefault()
	case "AUTO":
		cfg.Range = scan.RangeAuto()
	case "MIN", "MINIMUM":
		cfg.Range = scan.RangeMin()
	case "MAX", "MAXIMUM":
		cfg.Range = scan.RangeMax()
	default:
		v, err := strconv.ParseFloat(token, 64)
		if err != nil {
			return cfg, errors.Errorf("range %q is neither volts nor AUTO/MIN/MAX/DEF", job.Range)
		}
		cfg.Range = scan.Range(v)
	}

	switch token := strings.ToUpper(strings.TrimSpace(job.Res)); token {
	case "", "DEF", "DEFAULT":
		cfg.Resolution = scan.ResolutionDefault()
	case "MIN", "MINIMUM":
		cfg.Resolution = scan.ResolutionMin()
	case "MAX", "MAXIMUM":
		cfg.Resolution = scan.ResolutionMax()
	default:
		v, err := strconv.ParseFloat(token, 64)
		if err != nil {
			return cfg, errors.Errorf("resolution %q is neither volts nor MIN/MAX/DEF", job.Res)
		}
		cfg.Resolution = scan.ResolutionOf(v)
	}

	if job.Count > 0 {
		cfg.Trigger = scan.Timed(util.SecsToDuration(job.Interval), job.Count)
	}

	switch token := strings.ToLower(strings.TrimSpace(job.Timeout)); token {
	case "", "auto":
		cfg.Timeout = scan.TimeoutAuto()
	case "keep":
		cfg.Timeout = scan.TimeoutKeep()
	default:
		ms, err := strconv.ParseFloat(token, 64)
		if err != nil {
			return cfg, errors.Errorf("timeout %q is neither milliseconds nor auto/keep", job.Timeout)
		}
		cfg.Timeout = scan.TimeoutFixed(util.SecsToDuration(ms / 1e3))
	}
	return cfg, nil
}

// fixedTimeout reports the timeout as a duration when it is a plain
// number of milliseconds.
func fixedTimeout(s string) (time.Duration, bool, error) {
	token := strings.ToLower(strings.TrimSpace(s))
	if token == "" || token == "auto" || token == "keep" {
		return 0, false, nil
	}
	ms, err := strconv.ParseFloat(token, 64)
	if err != nil {
		return 0, false, errors.Errorf("timeout %q is neither milliseconds nor auto/keep", s)
	}
	return util.SecsToDuration(ms / 1e3), true, nil
}

// parseChannels accepts the range spec forms plus a comma separated
// list.
func parseChannels(s string) (scan.ChannelSpec, error) {
	if !strings.Contains(s, ",") {
		return scan.ParseChannelSpec(s)
	}
	parts := strings.Split(s, ",")
	list := make([]int, 0, len(parts))
	for _, p := range parts {
		ch, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return scan.ChannelSpec{}, errors.Errorf("channel %q is not a number", p)
		}
		list = append(list, ch)
	}
	return scan.ChannelList(list...)
}

func appliedChannels(a scan.Applied) []int {
	out := make([]int, len(a.Channels))
	for i, ch := range a.Channels {
		out[i] = ch.Channel
	}
	return out
}

func printStats(channels []int, means, stds []float64) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(w, "channel\tmean\tstd\t")
	for i := range means {
		label := "-"
		if i < len(channels) {
			label = strconv.Itoa(channels[i])
		}
		fmt.Fprintf(w, "%s\t%.8g\t%.8g\t\n", label, means[i], stds[i])
	}
	w.Flush()
}

func printVectors(channels []int, data [][]float64) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(w, "channel\tsample\tvalue\t")
	for i, vec := range data {
		label := "-"
		if i < len(channels) {
			label = strconv.Itoa(channels[i])
		}
		for j, v := range vec {
			fmt.Fprintf(w, "%s\t%d\t%.8g\t\n", label, j, v)
		}
	}
	w.Flush()
}

func printSamples(grouped []scan.ChannelSamples) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(w, "channel\ttime\tvalue\t")
	for _, cs := range grouped {
		for _, s := range cs.Samples {
			fmt.Fprintf(w, "%d\t%.6f\t%.8g\t\n", cs.Channel, s.Time, s.Value)
		}
	}
	w.Flush()
}

// fail stops the spinner with the failure glyph before exiting.
func fail(spinner *yacspin.Spinner, err error) {
	spinner.StopFailMessage(err.Error())
	spinner.StopFail()
	os.Exit(1)
}

func die(err error) {
	fmt.Fprintln(os.Stderr, "benchscan:", err)
	os.Exit(1)
}
