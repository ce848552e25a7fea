package scan_test

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"

	"github.com/RuLzkin/kawanolab-tools/scan"
)

func TestVoltRangeString(t *testing.T) {
	cases := []struct {
		r    scan.VoltRange
		want string
	}{
		{scan.Range(10), "10"},
		{scan.Range(0.1), "0.1"},
		{scan.RangeAuto(), "AUTO"},
		{scan.RangeMin(), "MIN"},
		{scan.RangeMax(), "MAX"},
		{scan.RangeDefault(), "DEF"},
		{scan.VoltRange{}, "DEF"},
	}
	for _, tc := range cases {
		if got := tc.r.String(); got != tc.want {
			t.Errorf("got %q, want %q", got, tc.want)
		}
	}
}

func TestResolutionString(t *testing.T) {
	cases := []struct {
		r    scan.Resolution
		want string
	}{
		{scan.ResolutionOf(0.001), "0.001"},
		{scan.ResolutionOf(1e-5), "1E-05"},
		{scan.ResolutionMin(), "MIN"},
		{scan.ResolutionMax(), "MAX"},
		{scan.Resolution{}, "DEF"},
	}
	for _, tc := range cases {
		if got := tc.r.String(); got != tc.want {
			t.Errorf("got %q, want %q", got, tc.want)
		}
	}
}

func TestVoltRangeJSONRoundTrip(t *testing.T) {
	for _, r := range []scan.VoltRange{
		scan.Range(10),
		scan.RangeAuto(),
		scan.RangeMin(),
		scan.RangeMax(),
		scan.RangeDefault(),
	} {
		b, err := json.Marshal(r)
		if err != nil {
			t.Fatal(err)
		}
		var back scan.VoltRange
		if err := json.Unmarshal(b, &back); err != nil {
			t.Fatal(err)
		}
		if back.String() != r.String() {
			t.Errorf("%s round-tripped to %s", r, back)
		}
	}
	var r scan.VoltRange
	if err := json.Unmarshal([]byte(`"WIDE"`), &r); err == nil {
		t.Error("unknown token should not decode")
	}
}

func TestResolutionJSONRoundTrip(t *testing.T) {
	for _, r := range []scan.Resolution{
		scan.ResolutionOf(1e-5),
		scan.ResolutionMin(),
		scan.ResolutionMax(),
		scan.ResolutionDefault(),
	} {
		b, err := json.Marshal(r)
		if err != nil {
			t.Fatal(err)
		}
		var back scan.Resolution
		if err := json.Unmarshal(b, &back); err != nil {
			t.Fatal(err)
		}
		if back.String() != r.String() {
			t.Errorf("%s round-tripped to %s", r, back)
		}
	}
	var r scan.Resolution
	if err := json.Unmarshal([]byte(`"AUTO"`), &r); err == nil {
		t.Error("AUTO is not a resolution token")
	}
}

func TestTriggerJSON(t *testing.T) {
	b, err := json.Marshal(scan.Immediate())
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "null" {
		t.Errorf("immediate marshaled to %s", b)
	}

	timed := scan.Timed(100*time.Millisecond, 10)
	b, err = json.Marshal(timed)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"interval_s":0.1,"count":10}` {
		t.Errorf("timed marshaled to %s", b)
	}

	var back scan.Trigger
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(back, timed) {
		t.Errorf("round trip changed the trigger: %#v", back)
	}
	if err := json.Unmarshal([]byte("null"), &back); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(back, scan.Immediate()) {
		t.Errorf("null decoded to %#v", back)
	}
}

func TestTimeoutPolicyJSON(t *testing.T) {
	cases := []struct {
		p    scan.TimeoutPolicy
		want string
	}{
		{scan.TimeoutAuto(), `"auto"`},
		{scan.TimeoutKeep(), `"keep"`},
		{scan.TimeoutFixed(1500 * time.Millisecond), "1500"},
	}
	for _, tc := range cases {
		b, err := json.Marshal(tc.p)
		if err != nil {
			t.Fatal(err)
		}
		if string(b) != tc.want {
			t.Errorf("marshaled to %s, want %s", b, tc.want)
		}
		var back scan.TimeoutPolicy
		if err := json.Unmarshal(b, &back); err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(back, tc.p) {
			t.Errorf("%s round-tripped to %#v", tc.want, back)
		}
	}
	var p scan.TimeoutPolicy
	if err := json.Unmarshal([]byte("null"), &p); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(p, scan.TimeoutKeep()) {
		t.Errorf("null decoded to %#v", p)
	}
	if err := json.Unmarshal([]byte(`"slow"`), &p); err == nil {
		t.Error("unknown policy token should not decode")
	}
}

func TestConfigDecode(t *testing.T) {
	payload := `{
		"channels": "101:103",
		"range": 10,
		"resolution": "MIN",
		"nplc": 1,
		"trigger": {"interval_s": 0.1, "count": 10},
		"timeout": "auto"
	}`
	var cfg scan.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.Channels.Arg() != "(@101:103)" {
		t.Errorf("channels decoded to %q", cfg.Channels.Arg())
	}
	if cfg.Range.String() != "10" {
		t.Errorf("range decoded to %q", cfg.Range)
	}
	if cfg.Resolution.String() != "MIN" {
		t.Errorf("resolution decoded to %q", cfg.Resolution)
	}
	if cfg.NPLC != 1 {
		t.Errorf("nplc decoded to %v", cfg.NPLC)
	}
	if !reflect.DeepEqual(cfg.Trigger, scan.Timed(100*time.Millisecond, 10)) {
		t.Errorf("trigger decoded to %#v", cfg.Trigger)
	}
	if !reflect.DeepEqual(cfg.Timeout, scan.TimeoutAuto()) {
		t.Errorf("timeout decoded to %#v", cfg.Timeout)
	}
}

func TestConfigDefaultsDecode(t *testing.T) {
	var cfg scan.Config
	if err := json.Unmarshal([]byte(`{"channels": "101"}`), &cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.Range.String() != "DEF" || cfg.Resolution.String() != "DEF" {
		t.Error("absent range/resolution should default to DEF")
	}
	if !reflect.DeepEqual(cfg.Trigger, scan.Immediate()) {
		t.Error("absent trigger should default to immediate")
	}
	if !reflect.DeepEqual(cfg.Timeout, scan.TimeoutKeep()) {
		t.Error("absent timeout should default to keep")
	}
}
