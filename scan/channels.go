package scan

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/RuLzkin/kawanolab-tools/util"
)

// ChannelSpec is an ordered, duplicate-free set of channel identifiers
// together with its SCPI channel list rendering.  The zero value is
// empty and leaves the instrument's scan list untouched.
type ChannelSpec struct {
	raw      string
	channels []int
}

// ParseChannels expands a channel specification into the channel
// identifiers it names.  Two forms are accepted: a single channel
// ("101") and an ascending inclusive range ("101:110").
func ParseChannels(spec string) ([]int, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, &InvalidSpecError{Spec: spec, Reason: "empty"}
	}
	parts := strings.Split(spec, ":")
	switch len(parts) {
	case 1:
		ch, err := parseChannel(parts[0])
		if err != nil {
			return nil, &InvalidSpecError{Spec: spec, Reason: err.Error()}
		}
		return []int{ch}, nil
	case 2:
		lo, err := parseChannel(parts[0])
		if err != nil {
			return nil, &InvalidSpecError{Spec: spec, Reason: err.Error()}
		}
		hi, err := parseChannel(parts[1])
		if err != nil {
			return nil, &InvalidSpecError{Spec: spec, Reason: err.Error()}
		}
		if hi < lo {
			return nil, &InvalidSpecError{Spec: spec, Reason: "range end precedes range start"}
		}
		out := make([]int, 0, hi-lo+1)
		for ch := lo; ch <= hi; ch++ {
			out = append(out, ch)
		}
		return out, nil
	default:
		return nil, &InvalidSpecError{Spec: spec, Reason: "expected CHANNEL or START:END"}
	}
}

func parseChannel(s string) (int, error) {
	ch, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%q is not a channel number", s)
	}
	if ch < 1 {
		return 0, fmt.Errorf("channel number %d is not positive", ch)
	}
	return ch, nil
}

// ParseChannelSpec is ParseChannels retaining the original text, so
// the SCPI rendering of a range stays compact, (@101:110) instead of
// ten comma separated channels.
func ParseChannelSpec(spec string) (ChannelSpec, error) {
	channels, err := ParseChannels(spec)
	if err != nil {
		return ChannelSpec{}, err
	}
	return ChannelSpec{raw: strings.TrimSpace(spec), channels: channels}, nil
}

// ChannelList builds a ChannelSpec from explicit channel identifiers.
// The order given is the acquisition order.  Duplicates are rejected;
// the instrument would silently fold them into one relay closure.
func ChannelList(channels ...int) (ChannelSpec, error) {
	if len(channels) == 0 {
		return ChannelSpec{}, &InvalidSpecError{Spec: "()", Reason: "empty"}
	}
	seen := make(map[int]struct{}, len(channels))
	for _, ch := range channels {
		if ch < 1 {
			return ChannelSpec{}, &InvalidSpecError{
				Spec:   util.IntSliceToCSV(channels),
				Reason: fmt.Sprintf("channel number %d is not positive", ch)}
		}
		if _, ok := seen[ch]; ok {
			return ChannelSpec{}, &InvalidSpecError{
				Spec:   util.IntSliceToCSV(channels),
				Reason: fmt.Sprintf("channel %d listed twice", ch)}
		}
		seen[ch] = struct{}{}
	}
	cpy := make([]int, len(channels))
	copy(cpy, channels)
	return ChannelSpec{raw: util.IntSliceToCSV(cpy), channels: cpy}, nil
}

// Channels returns the identifiers in acquisition order.
func (c ChannelSpec) Channels() []int {
	out := make([]int, len(c.channels))
	copy(out, c.channels)
	return out
}

// Count returns the number of channels named.
func (c ChannelSpec) Count() int { return len(c.channels) }

// Empty is true for the zero value.
func (c ChannelSpec) Empty() bool { return len(c.channels) == 0 }

// Arg renders the SCPI channel list argument, e.g. (@101:110).
func (c ChannelSpec) Arg() string { return "(@" + c.raw + ")" }

func (c ChannelSpec) String() string { return c.raw }

// MarshalJSON encodes the spec as its text form; the empty spec
// encodes as null.
func (c ChannelSpec) MarshalJSON() ([]byte, error) {
	if c.Empty() {
		return []byte("null"), nil
	}
	return json.Marshal(c.raw)
}

// UnmarshalJSON accepts the text form ("101:110"), an array of
// channel numbers ([101,102,107]), or null for the empty spec.
func (c *ChannelSpec) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*c = ChannelSpec{}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		spec, err := ParseChannelSpec(s)
		if err != nil {
			return err
		}
		*c = spec
		return nil
	}
	var arr []int
	if err := json.Unmarshal(data, &arr); err != nil {
		return fmt.Errorf("channels must be a spec string or an array of channel numbers")
	}
	spec, err := ChannelList(arr...)
	if err != nil {
		return err
	}
	*c = spec
	return nil
}
