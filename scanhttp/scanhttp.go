// Package scanhttp exposes scanning instruments over HTTP.  One
// Adapter wraps one instrument; bind its route table onto a chi
// router, optionally behind the locker middleware, and mount the
// router wherever the node should live.
package scanhttp

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/RuLzkin/kawanolab-tools/scan"
	"github.com/RuLzkin/kawanolab-tools/server"
	"github.com/RuLzkin/kawanolab-tools/util"
)

// Scanner describes a multiplexed scanning voltmeter: the 34980A
// wrapper satisfies it, as does anything else speaking the same scan
// protocol.
type Scanner interface {
	Identification() (string, error)
	Configure(scan.Config) (scan.Applied, error)
	Measure() (means, stds []float64, err error)
	RawData() ([][]float64, error)
	OpenAll() error
	Open(scan.ChannelSpec) error
	DrainErrors() ([]string, error)
	Raw(string) (string, error)
	Timeout() time.Duration
	SetTimeout(time.Duration)
}

// RawCommunicator has a single Raw method, sending one command and
// returning the reply, if any.
type RawCommunicator interface {
	Raw(string) (string, error)
}

// InjectRawComm injects a POST /raw route into a route table.
func InjectRawComm(rt server.RouteTable, rc RawCommunicator) {
	rt[server.Post("/raw")] = func(w http.ResponseWriter, r *http.Request) {
		str := server.StrT{}
		err := json.NewDecoder(r.Body).Decode(&str)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		resp, err := rc.Raw(str.Str)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		server.EncodeAndRespond(w, server.StrT{Str: resp})
	}
}

// IDResponse carries an identification string.
type IDResponse struct {
	IDN string `json:"idn"`
}

// MeasureResponse carries one reduced acquisition, one element per
// scanned channel.  Channels is empty when the scan list was not
// configured through the adapter.
type MeasureResponse struct {
	Channels []int     `json:"channels"`
	Mean     []float64 `json:"mean"`
	Std      []float64 `json:"std"`
}

// DataResponse carries the per-channel sample vectors of one
// acquisition.
type DataResponse struct {
	Channels []int       `json:"channels"`
	Data     [][]float64 `json:"data"`
}

// ErrorsResponse carries the instrument's drained error queue.
type ErrorsResponse struct {
	Errors []string `json:"errors"`
}

// AppliedChannel is the wire form of one reconciled channel entry.
// Error is set when the instrument's reply for the channel could not
// be parsed.
type AppliedChannel struct {
	Channel    int     `json:"channel"`
	Mode       string  `json:"mode,omitempty"`
	Range      float64 `json:"range"`
	Resolution float64 `json:"resolution"`
	Error      string  `json:"error,omitempty"`
}

// AppliedResponse is the wire form of scan.Applied.
type AppliedResponse struct {
	Channels         []AppliedChannel `json:"channels"`
	NPLC             []float64        `json:"nplc"`
	TriggerSource    string           `json:"trigger_source"`
	TriggerIntervalS float64          `json:"trigger_interval_s"`
	TriggerCount     int              `json:"trigger_count"`
	TimeoutMS        float64          `json:"timeout_ms"`
}

func appliedResponse(a scan.Applied) AppliedResponse {
	out := AppliedResponse{
		Channels:         make([]AppliedChannel, len(a.Channels)),
		NPLC:             a.NPLC,
		TriggerSource:    a.TriggerSource,
		TriggerIntervalS: a.TriggerInterval.Seconds(),
		TriggerCount:     a.TriggerCount,
		TimeoutMS:        float64(a.Timeout) / float64(time.Millisecond),
	}
	for i, ch := range a.Channels {
		out.Channels[i] = AppliedChannel{
			Channel:    ch.Channel,
			Mode:       ch.Mode,
			Range:      ch.Range,
			Resolution: ch.Resolution,
		}
		if ch.Err != nil {
			out.Channels[i].Error = ch.Err.Error()
		}
	}
	return out
}

// Adapter translates HTTP requests into Scanner calls.
type Adapter struct {
	// Scanner is the wrapped instrument.
	Scanner Scanner

	mu       sync.Mutex
	channels []int

	rt server.RouteTable
}

// NewAdapter returns an adapter with its route table populated.
func NewAdapter(s Scanner) *Adapter {
	a := &Adapter{Scanner: s}
	a.rt = server.RouteTable{
		server.Get("/idn"):        a.HTTPIdentification,
		server.Post("/configure"): a.HTTPConfigure,
		server.Get("/measure"):    a.HTTPMeasure,
		server.Get("/raw"):        a.HTTPRawData,
		server.Post("/open-all"):  a.HTTPOpenAll,
		server.Post("/open"):      a.HTTPOpen,
		server.Get("/errors"):     a.HTTPErrors,
		server.Get("/timeout"):    a.HTTPGetTimeout,
		server.Post("/timeout"):   a.HTTPSetTimeout,
	}
	InjectRawComm(a.rt, s)
	return a
}

// RT returns the adapter's route table.
func (a *Adapter) RT() server.RouteTable { return a.rt }

func (a *Adapter) remember(channels []scan.ChannelConfig) {
	list := make([]int, len(channels))
	for i, ch := range channels {
		list[i] = ch.Channel
	}
	a.mu.Lock()
	a.channels = list
	a.mu.Unlock()
}

// scanList returns the channel numbers from the most recent
// successful configure, or an empty slice when n does not match.
func (a *Adapter) scanList(n int) []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.channels) != n {
		return []int{}
	}
	return a.channels
}

// HTTPIdentification returns the instrument's *IDN? reply as
// {"idn": string}.
func (a *Adapter) HTTPIdentification(w http.ResponseWriter, r *http.Request) {
	idn, err := a.Scanner.Identification()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	server.EncodeAndRespond(w, IDResponse{IDN: idn})
}

// HTTPConfigure decodes a scan.Config from the body, applies it, and
// returns the reconciled state.  A rejected spec yields 400; a failed
// configuration yields 500.
func (a *Adapter) HTTPConfigure(w http.ResponseWriter, r *http.Request) {
	cfg := scan.Config{}
	err := json.NewDecoder(r.Body).Decode(&cfg)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	applied, err := a.Scanner.Configure(cfg)
	if err != nil {
		http.Error(w, err.Error(), errStatus(err))
		return
	}
	a.remember(applied.Channels)
	server.EncodeAndRespond(w, appliedResponse(applied))
}

// HTTPMeasure runs one acquisition and returns per-channel mean and
// sample standard deviation.
func (a *Adapter) HTTPMeasure(w http.ResponseWriter, r *http.Request) {
	means, stds, err := a.Scanner.Measure()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	server.EncodeAndRespond(w, MeasureResponse{
		Channels: a.scanList(len(means)),
		Mean:     means,
		Std:      stds,
	})
}

// HTTPRawData runs one acquisition and returns the per-channel sample
// vectors.
func (a *Adapter) HTTPRawData(w http.ResponseWriter, r *http.Request) {
	data, err := a.Scanner.RawData()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	server.EncodeAndRespond(w, DataResponse{
		Channels: a.scanList(len(data)),
		Data:     data,
	})
}

// HTTPOpenAll opens every relay, clearing the scan list.
func (a *Adapter) HTTPOpenAll(w http.ResponseWriter, r *http.Request) {
	if err := a.Scanner.OpenAll(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// HTTPOpen opens the relays named by the channel spec in the body,
// either "101:110" or [101, 102].
func (a *Adapter) HTTPOpen(w http.ResponseWriter, r *http.Request) {
	spec := scan.ChannelSpec{}
	err := json.NewDecoder(r.Body).Decode(&spec)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := a.Scanner.Open(spec); err != nil {
		http.Error(w, err.Error(), errStatus(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

// HTTPErrors drains the instrument's error queue and returns the
// entries in order.
func (a *Adapter) HTTPErrors(w http.ResponseWriter, r *http.Request) {
	queue, err := a.Scanner.DrainErrors()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if queue == nil {
		queue = []string{}
	}
	server.EncodeAndRespond(w, ErrorsResponse{Errors: queue})
}

// HTTPGetTimeout returns the communication timeout in milliseconds as
// {"f64": ms}.
func (a *Adapter) HTTPGetTimeout(w http.ResponseWriter, r *http.Request) {
	ms := float64(a.Scanner.Timeout()) / float64(time.Millisecond)
	server.EncodeAndRespond(w, server.FloatT{F64: ms})
}

// HTTPSetTimeout sets the communication timeout from {"f64": ms}.
func (a *Adapter) HTTPSetTimeout(w http.ResponseWriter, r *http.Request) {
	f := server.FloatT{}
	err := json.NewDecoder(r.Body).Decode(&f)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if f.F64 <= 0 {
		http.Error(w, "timeout must be positive", http.StatusBadRequest)
		return
	}
	a.Scanner.SetTimeout(util.SecsToDuration(f.F64 / 1e3))
	w.WriteHeader(http.StatusOK)
}

// errStatus maps a rejected spec to 400 and everything else to 500.
func errStatus(err error) int {
	var ise *scan.InvalidSpecError
	if errors.As(err, &ise) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
