package scan

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/RuLzkin/kawanolab-tools/util"
)

type paramKind int

const (
	kindDefault paramKind = iota
	kindExplicit
	kindAuto
	kindMin
	kindMax
)

func (k paramKind) token() string {
	switch k {
	case kindAuto:
		return "AUTO"
	case kindMin:
		return "MIN"
	case kindMax:
		return "MAX"
	default:
		return "DEF"
	}
}

func kindFromToken(s string) (paramKind, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "AUTO":
		return kindAuto, true
	case "MIN", "MINIMUM":
		return kindMin, true
	case "MAX", "MAXIMUM":
		return kindMax, true
	case "DEF", "DEFAULT":
		return kindDefault, true
	}
	return kindDefault, false
}

// VoltRange selects the DC voltage measurement range.  The zero value
// is the instrument default.
type VoltRange struct {
	kind paramKind
	val  float64
}

// Range selects an explicit range ceiling in volts.
func Range(v float64) VoltRange { return VoltRange{kind: kindExplicit, val: v} }

// RangeAuto lets the instrument pick the range per reading.
func RangeAuto() VoltRange { return VoltRange{kind: kindAuto} }

// RangeMin selects the smallest range the instrument offers.
func RangeMin() VoltRange { return VoltRange{kind: kindMin} }

// RangeMax selects the largest range the instrument offers.
func RangeMax() VoltRange { return VoltRange{kind: kindMax} }

// RangeDefault selects the instrument default range.
func RangeDefault() VoltRange { return VoltRange{} }

// String renders the SCPI argument form.
func (r VoltRange) String() string {
	if r.kind == kindExplicit {
		return formatFloat(r.val)
	}
	return r.kind.token()
}

// MarshalJSON encodes explicit ranges as numbers and the symbolic
// variants as their SCPI tokens.
func (r VoltRange) MarshalJSON() ([]byte, error) {
	if r.kind == kindExplicit {
		return json.Marshal(r.val)
	}
	return json.Marshal(r.kind.token())
}

// UnmarshalJSON accepts a number or one of AUTO, MIN, MAX, DEF.
func (r *VoltRange) UnmarshalJSON(data []byte) error {
	var v float64
	if err := json.Unmarshal(data, &v); err == nil {
		*r = Range(v)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("range must be a number or one of AUTO, MIN, MAX, DEF")
	}
	k, ok := kindFromToken(s)
	if !ok {
		return fmt.Errorf("unknown range token %q", s)
	}
	*r = VoltRange{kind: k}
	return nil
}

// Resolution selects the measurement resolution.  The zero value is
// the instrument default.
type Resolution struct {
	kind paramKind
	val  float64
}

// ResolutionOf selects an explicit resolution in volts.
func ResolutionOf(v float64) Resolution { return Resolution{kind: kindExplicit, val: v} }

// ResolutionMin selects the finest resolution the instrument offers.
func ResolutionMin() Resolution { return Resolution{kind: kindMin} }

// ResolutionMax selects the coarsest resolution the instrument offers.
func ResolutionMax() Resolution { return Resolution{kind: kindMax} }

// ResolutionDefault selects the instrument default resolution.
func ResolutionDefault() Resolution { return Resolution{} }

// String renders the SCPI argument form.
func (r Resolution) String() string {
	if r.kind == kindExplicit {
		return formatFloat(r.val)
	}
	return r.kind.token()
}

// MarshalJSON encodes explicit resolutions as numbers and the symbolic
// variants as their SCPI tokens.
func (r Resolution) MarshalJSON() ([]byte, error) {
	if r.kind == kindExplicit {
		return json.Marshal(r.val)
	}
	return json.Marshal(r.kind.token())
}

// UnmarshalJSON accepts a number or one of MIN, MAX, DEF.
func (r *Resolution) UnmarshalJSON(data []byte) error {
	var v float64
	if err := json.Unmarshal(data, &v); err == nil {
		*r = ResolutionOf(v)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("resolution must be a number or one of MIN, MAX, DEF")
	}
	k, ok := kindFromToken(s)
	if !ok || k == kindAuto {
		return fmt.Errorf("unknown resolution token %q", s)
	}
	*r = Resolution{kind: k}
	return nil
}

// Trigger selects the scan trigger source.  The zero value triggers
// immediately.
type Trigger struct {
	timed    bool
	interval time.Duration
	count    int
}

// Immediate triggers the scan as soon as it is initiated.
func Immediate() Trigger { return Trigger{} }

// Timed paces the scan with the instrument's internal timer, count
// sweeps spaced interval apart.
func Timed(interval time.Duration, count int) Trigger {
	return Trigger{timed: true, interval: interval, count: count}
}

type triggerJSON struct {
	IntervalS float64 `json:"interval_s"`
	Count     int     `json:"count"`
}

// MarshalJSON encodes a timed trigger as {"interval_s": ..., "count": ...}
// and an immediate trigger as null.
func (t Trigger) MarshalJSON() ([]byte, error) {
	if !t.timed {
		return []byte("null"), nil
	}
	return json.Marshal(triggerJSON{IntervalS: t.interval.Seconds(), Count: t.count})
}

// UnmarshalJSON accepts null for immediate triggering or an object
// with interval_s and count for timed triggering.
func (t *Trigger) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*t = Immediate()
		return nil
	}
	var tj triggerJSON
	if err := json.Unmarshal(data, &tj); err != nil {
		return err
	}
	*t = Timed(util.SecsToDuration(tj.IntervalS), tj.Count)
	return nil
}

type timeoutKind int

const (
	timeoutKeep timeoutKind = iota
	timeoutAuto
	timeoutFixed
)

// TimeoutPolicy controls the communication timeout after a scan is
// configured.  The zero value keeps the timeout already in force.
type TimeoutPolicy struct {
	kind timeoutKind
	d    time.Duration
}

// TimeoutKeep leaves the communication timeout untouched.
func TimeoutKeep() TimeoutPolicy { return TimeoutPolicy{} }

// TimeoutAuto derives the timeout from the applied scan parameters so
// a full paced scan completes within it.
func TimeoutAuto() TimeoutPolicy { return TimeoutPolicy{kind: timeoutAuto} }

// TimeoutFixed sets the communication timeout to d.
func TimeoutFixed(d time.Duration) TimeoutPolicy {
	return TimeoutPolicy{kind: timeoutFixed, d: d}
}

// MarshalJSON encodes the policy as "keep", "auto", or a millisecond
// count for fixed timeouts.
func (p TimeoutPolicy) MarshalJSON() ([]byte, error) {
	switch p.kind {
	case timeoutAuto:
		return json.Marshal("auto")
	case timeoutFixed:
		return json.Marshal(p.d.Milliseconds())
	default:
		return json.Marshal("keep")
	}
}

// UnmarshalJSON accepts "auto", "keep", null, or a millisecond count.
func (p *TimeoutPolicy) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*p = TimeoutKeep()
		return nil
	}
	var ms float64
	if err := json.Unmarshal(data, &ms); err == nil {
		*p = TimeoutFixed(time.Duration(ms * float64(time.Millisecond)))
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("timeout must be \"auto\", \"keep\", or milliseconds")
	}
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "auto":
		*p = TimeoutAuto()
	case "keep":
		*p = TimeoutKeep()
	default:
		return fmt.Errorf("unknown timeout policy %q", s)
	}
	return nil
}

// Config is one requested scan setup.  Zero valued fields leave the
// corresponding instrument setting at its default: no scan list
// change for empty Channels, default range and resolution, the
// current integration time for zero NPLC, immediate triggering, and
// the current communication timeout.
type Config struct {
	Channels   ChannelSpec   `json:"channels"`
	Range      VoltRange     `json:"range"`
	Resolution Resolution    `json:"resolution"`
	NPLC       float64       `json:"nplc,omitempty"`
	Trigger    Trigger       `json:"trigger"`
	Timeout    TimeoutPolicy `json:"timeout"`
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'G', -1, 64)
}
