package scanhttp_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"

	"github.com/go-chi/chi"

	"github.com/RuLzkin/kawanolab-tools/scan"
	"github.com/RuLzkin/kawanolab-tools/scanhttp"
	"github.com/RuLzkin/kawanolab-tools/server"
	"github.com/RuLzkin/kawanolab-tools/server/middleware/locker"
)

type fakeScanner struct {
	idn     string
	idnErr  error
	applied scan.Applied
	confErr error
	means   []float64
	stds    []float64
	data    [][]float64
	queue   []string
	reply   string
	timeout time.Duration

	gotConfig scan.Config
	gotOpen   string
	openedAll bool
	rawCmds   []string
}

func (f *fakeScanner) Identification() (string, error) { return f.idn, f.idnErr }

func (f *fakeScanner) Configure(cfg scan.Config) (scan.Applied, error) {
	f.gotConfig = cfg
	if f.confErr != nil {
		return scan.Applied{}, f.confErr
	}
	return f.applied, nil
}

func (f *fakeScanner) Measure() ([]float64, []float64, error) { return f.means, f.stds, nil }
func (f *fakeScanner) RawData() ([][]float64, error)          { return f.data, nil }
func (f *fakeScanner) OpenAll() error                         { f.openedAll = true; return nil }

func (f *fakeScanner) Open(spec scan.ChannelSpec) error {
	f.gotOpen = spec.Arg()
	return nil
}

func (f *fakeScanner) DrainErrors() ([]string, error) { return f.queue, nil }

func (f *fakeScanner) Raw(cmd string) (string, error) {
	f.rawCmds = append(f.rawCmds, cmd)
	return f.reply, nil
}

func (f *fakeScanner) Timeout() time.Duration     { return f.timeout }
func (f *fakeScanner) SetTimeout(d time.Duration) { f.timeout = d }

func reconciled(channels ...int) scan.Applied {
	a := scan.Applied{
		NPLC:            []float64{1, 1, 1},
		TriggerSource:   "TIM",
		TriggerInterval: 100 * time.Millisecond,
		TriggerCount:    10,
		Timeout:         31200 * time.Millisecond,
	}
	for _, ch := range channels {
		a.Channels = append(a.Channels, scan.ChannelConfig{
			Channel: ch, Mode: "VOLT", Range: 10, Resolution: 1e-3,
		})
	}
	return a
}

// serve binds the adapter's route table onto a chi router and serves
// it from a test server.
func serve(t *testing.T, rt server.RouteTable, mw ...func(http.Handler) http.Handler) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	for _, m := range mw {
		r.Use(m)
	}
	rt.Bind(r)
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url string, v interface{}) *http.Response {
	t.Helper()
	buf, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestAdapterConfigureMeasureRoundTrip(t *testing.T) {
	fake := &fakeScanner{
		applied: reconciled(101, 102, 103),
		means:   []float64{1, 2, 3},
		stds:    []float64{0.1, 0.2, 0.3},
	}
	ad := scanhttp.NewAdapter(fake)
	ts := serve(t, ad.RT())

	body := map[string]interface{}{
		"channels":   "101:103",
		"range":      10,
		"resolution": 0.001,
		"nplc":       1.0,
		"trigger":    map[string]interface{}{"interval_s": 0.1, "count": 10},
		"timeout":    "auto",
	}
	resp := postJSON(t, ts.URL+"/configure", body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("configure status = %d, want 200", resp.StatusCode)
	}
	applied := scanhttp.AppliedResponse{}
	decodeBody(t, resp, &applied)
	if len(applied.Channels) != 3 || applied.Channels[0].Channel != 101 {
		t.Errorf("applied channels = %+v", applied.Channels)
	}
	if applied.TriggerIntervalS != 0.1 || applied.TriggerCount != 10 {
		t.Errorf("applied trigger = %v s x %d", applied.TriggerIntervalS, applied.TriggerCount)
	}
	if applied.TimeoutMS != 31200 {
		t.Errorf("applied timeout = %v ms, want 31200", applied.TimeoutMS)
	}
	if got := fake.gotConfig.Channels.Arg(); got != "(@101:103)" {
		t.Errorf("scanner saw channel arg %q", got)
	}
	if fake.gotConfig.NPLC != 1.0 {
		t.Errorf("scanner saw NPLC %v", fake.gotConfig.NPLC)
	}

	r2, err := http.Get(ts.URL + "/measure")
	if err != nil {
		t.Fatalf("GET /measure: %v", err)
	}
	meas := scanhttp.MeasureResponse{}
	decodeBody(t, r2, &meas)
	want := scanhttp.MeasureResponse{
		Channels: []int{101, 102, 103},
		Mean:     []float64{1, 2, 3},
		Std:      []float64{0.1, 0.2, 0.3},
	}
	if !reflect.DeepEqual(meas, want) {
		t.Errorf("measure = %+v, want %+v", meas, want)
	}
}

func TestAdapterRawData(t *testing.T) {
	fake := &fakeScanner{
		applied: reconciled(201, 202),
		data:    [][]float64{{1, 2}, {3, 4}},
	}
	ad := scanhttp.NewAdapter(fake)
	ts := serve(t, ad.RT())

	resp := postJSON(t, ts.URL+"/configure", map[string]interface{}{
		"channels": "201:202",
		"trigger":  map[string]interface{}{"interval_s": 0.1, "count": 2},
	})
	resp.Body.Close()

	r2, err := http.Get(ts.URL + "/raw")
	if err != nil {
		t.Fatalf("GET /raw: %v", err)
	}
	data := scanhttp.DataResponse{}
	decodeBody(t, r2, &data)
	want := scanhttp.DataResponse{Channels: []int{201, 202}, Data: [][]float64{{1, 2}, {3, 4}}}
	if !reflect.DeepEqual(data, want) {
		t.Errorf("raw data = %+v, want %+v", data, want)
	}
}

func TestAdapterMeasureWithoutConfigureOmitsChannels(t *testing.T) {
	fake := &fakeScanner{means: []float64{5}, stds: []float64{0}}
	ad := scanhttp.NewAdapter(fake)
	ts := serve(t, ad.RT())

	resp, err := http.Get(ts.URL + "/measure")
	if err != nil {
		t.Fatalf("GET /measure: %v", err)
	}
	meas := scanhttp.MeasureResponse{}
	decodeBody(t, resp, &meas)
	if len(meas.Channels) != 0 {
		t.Errorf("channels = %v, want empty", meas.Channels)
	}
	if len(meas.Mean) != 1 || meas.Mean[0] != 5 {
		t.Errorf("mean = %v", meas.Mean)
	}
}

func TestAdapterConfigureRejectsBadSpec(t *testing.T) {
	fake := &fakeScanner{confErr: &scan.InvalidSpecError{Spec: "105:101", Reason: "range end precedes range start"}}
	ad := scanhttp.NewAdapter(fake)
	ts := serve(t, ad.RT())

	resp := postJSON(t, ts.URL+"/configure", map[string]interface{}{"channels": []int{101}})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestAdapterConfigureRejectsMalformedBody(t *testing.T) {
	ad := scanhttp.NewAdapter(&fakeScanner{})
	ts := serve(t, ad.RT())

	resp, err := http.Post(ts.URL+"/configure", "application/json", bytes.NewReader([]byte("{")))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestAdapterConfigureFailureIs500(t *testing.T) {
	fake := &fakeScanner{confErr: &scan.ConfigurationError{Step: "ROUT:SCAN (@101)", Cause: errors.New("broken pipe")}}
	ad := scanhttp.NewAdapter(fake)
	ts := serve(t, ad.RT())

	resp := postJSON(t, ts.URL+"/configure", map[string]interface{}{"channels": "101"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
}

func TestAdapterOpenRoutes(t *testing.T) {
	fake := &fakeScanner{}
	ad := scanhttp.NewAdapter(fake)
	ts := serve(t, ad.RT())

	resp := postJSON(t, ts.URL+"/open-all", struct{}{})
	resp.Body.Close()
	if !fake.openedAll {
		t.Error("open-all route did not reach the scanner")
	}

	resp = postJSON(t, ts.URL+"/open", "101:104")
	resp.Body.Close()
	if fake.gotOpen != "(@101:104)" {
		t.Errorf("open arg = %q, want (@101:104)", fake.gotOpen)
	}

	resp = postJSON(t, ts.URL+"/open", "105:101")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("descending spec status = %d, want 400", resp.StatusCode)
	}
}

func TestAdapterErrorsRoute(t *testing.T) {
	fake := &fakeScanner{queue: []string{`-222,"Data out of range"`, `-113,"Undefined header"`}}
	ad := scanhttp.NewAdapter(fake)
	ts := serve(t, ad.RT())

	resp, err := http.Get(ts.URL + "/errors")
	if err != nil {
		t.Fatalf("GET /errors: %v", err)
	}
	out := scanhttp.ErrorsResponse{}
	decodeBody(t, resp, &out)
	if !reflect.DeepEqual(out.Errors, fake.queue) {
		t.Errorf("errors = %v", out.Errors)
	}

	fake.queue = nil
	resp, err = http.Get(ts.URL + "/errors")
	if err != nil {
		t.Fatalf("GET /errors: %v", err)
	}
	out = scanhttp.ErrorsResponse{}
	decodeBody(t, resp, &out)
	if out.Errors == nil || len(out.Errors) != 0 {
		t.Errorf("empty queue encoded as %v, want []", out.Errors)
	}
}

func TestAdapterTimeoutRoundTrip(t *testing.T) {
	fake := &fakeScanner{timeout: time.Minute}
	ad := scanhttp.NewAdapter(fake)
	ts := serve(t, ad.RT())

	resp, err := http.Get(ts.URL + "/timeout")
	if err != nil {
		t.Fatalf("GET /timeout: %v", err)
	}
	f := server.FloatT{}
	decodeBody(t, resp, &f)
	if f.F64 != 60000 {
		t.Errorf("timeout = %v ms, want 60000", f.F64)
	}

	resp = postJSON(t, ts.URL+"/timeout", server.FloatT{F64: 1500})
	resp.Body.Close()
	if fake.timeout != 1500*time.Millisecond {
		t.Errorf("timeout after set = %v, want 1.5s", fake.timeout)
	}

	resp = postJSON(t, ts.URL+"/timeout", server.FloatT{F64: -1})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("negative timeout status = %d, want 400", resp.StatusCode)
	}
}

func TestAdapterRawPassthrough(t *testing.T) {
	fake := &fakeScanner{reply: "KEYSIGHT TECHNOLOGIES,34980A,MY12345678,1.00"}
	ad := scanhttp.NewAdapter(fake)
	ts := serve(t, ad.RT())

	resp := postJSON(t, ts.URL+"/raw", server.StrT{Str: "*IDN?"})
	out := server.StrT{}
	decodeBody(t, resp, &out)
	if out.Str != fake.reply {
		t.Errorf("raw reply = %q", out.Str)
	}
	if len(fake.rawCmds) != 1 || fake.rawCmds[0] != "*IDN?" {
		t.Errorf("scanner saw raw commands %v", fake.rawCmds)
	}
}

func TestAdapterLockedReturns423(t *testing.T) {
	fake := &fakeScanner{idn: "fake", applied: reconciled(101)}
	ad := scanhttp.NewAdapter(fake)
	lock := locker.New()
	locker.Inject(ad.RT(), lock)
	ts := serve(t, ad.RT(), lock.Check)

	resp := postJSON(t, ts.URL+"/lock", server.BoolT{Bool: true})
	resp.Body.Close()

	resp = postJSON(t, ts.URL+"/configure", map[string]interface{}{"channels": "101"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusLocked {
		t.Errorf("configure while locked = %d, want 423", resp.StatusCode)
	}

	// the lock routes stay reachable so the lock can be released
	resp, err := http.Get(ts.URL + "/lock")
	if err != nil {
		t.Fatalf("GET /lock: %v", err)
	}
	b := server.BoolT{}
	decodeBody(t, resp, &b)
	if !b.Bool {
		t.Error("lock state reads unlocked")
	}

	resp = postJSON(t, ts.URL+"/lock", server.BoolT{Bool: false})
	resp.Body.Close()

	resp = postJSON(t, ts.URL+"/configure", map[string]interface{}{"channels": "101"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("configure after unlock = %d, want 200", resp.StatusCode)
	}
}
