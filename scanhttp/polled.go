package scanhttp

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/RuLzkin/kawanolab-tools/scan"
	"github.com/RuLzkin/kawanolab-tools/server"
	"github.com/RuLzkin/kawanolab-tools/util"
)

// PolledScanner describes a logging multimeter which buffers readings
// internally and is drained by polling; the DAQ970A wrapper satisfies
// it.
type PolledScanner interface {
	Identification() (string, error)
	Initialize() error
	ConfigureVoltDC(scan.ChannelSpec) error
	SetupScan(count int, interval time.Duration) error
	ScanTimed(ctx context.Context, progress func(done, total int)) ([]scan.ChannelSamples, error)
	ScanMeanStd(ctx context.Context) (means, stds []float64, err error)
	Raw(string) (string, error)
}

// ArmRequest arms a polled scan: the channel list, the number of
// readings per channel, and the pacing interval in seconds.  Zero
// interval scans unpaced.
type ArmRequest struct {
	Channels  scan.ChannelSpec `json:"channels"`
	Count     int              `json:"count"`
	IntervalS float64          `json:"interval_s"`
}

// PolledAdapter translates HTTP requests into PolledScanner calls.
type PolledAdapter struct {
	// Scanner is the wrapped instrument.
	Scanner PolledScanner

	mu       sync.Mutex
	channels []int

	rt server.RouteTable
}

// NewPolledAdapter returns an adapter with its route table populated.
func NewPolledAdapter(s PolledScanner) *PolledAdapter {
	a := &PolledAdapter{Scanner: s}
	a.rt = server.RouteTable{
		server.Get("/idn"):         a.HTTPIdentification,
		server.Post("/initialize"): a.HTTPInitialize,
		server.Post("/configure"):  a.HTTPConfigure,
		server.Get("/scan"):        a.HTTPScan,
		server.Get("/measure"):     a.HTTPMeasure,
	}
	InjectRawComm(a.rt, s)
	return a
}

// RT returns the adapter's route table.
func (a *PolledAdapter) RT() server.RouteTable { return a.rt }

// HTTPIdentification returns the instrument's *IDN? reply as
// {"idn": string}.
func (a *PolledAdapter) HTTPIdentification(w http.ResponseWriter, r *http.Request) {
	idn, err := a.Scanner.Identification()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	server.EncodeAndRespond(w, IDResponse{IDN: idn})
}

// HTTPInitialize clears and resets the instrument.
func (a *PolledAdapter) HTTPInitialize(w http.ResponseWriter, r *http.Request) {
	if err := a.Scanner.Initialize(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// HTTPConfigure decodes an ArmRequest and arms the scan.
func (a *PolledAdapter) HTTPConfigure(w http.ResponseWriter, r *http.Request) {
	req := ArmRequest{}
	err := json.NewDecoder(r.Body).Decode(&req)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := a.Scanner.ConfigureVoltDC(req.Channels); err != nil {
		http.Error(w, err.Error(), errStatus(err))
		return
	}
	if err := a.Scanner.SetupScan(req.Count, util.SecsToDuration(req.IntervalS)); err != nil {
		http.Error(w, err.Error(), errStatus(err))
		return
	}
	a.mu.Lock()
	a.channels = req.Channels.Channels()
	a.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

// HTTPScan runs the armed scan to completion and returns the
// timestamped readings grouped per channel.  The request context
// bounds the poll, so a dropped client abandons the scan.
func (a *PolledAdapter) HTTPScan(w http.ResponseWriter, r *http.Request) {
	grouped, err := a.Scanner.ScanTimed(r.Context(), nil)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	server.EncodeAndRespond(w, grouped)
}

// HTTPMeasure runs the armed scan and returns per-channel mean and
// sample standard deviation.
func (a *PolledAdapter) HTTPMeasure(w http.ResponseWriter, r *http.Request) {
	means, stds, err := a.Scanner.ScanMeanStd(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	a.mu.Lock()
	channels := a.channels
	a.mu.Unlock()
	if len(channels) != len(means) {
		channels = []int{}
	}
	server.EncodeAndRespond(w, MeasureResponse{
		Channels: channels,
		Mean:     means,
		Std:      stds,
	})
}
