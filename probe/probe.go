// Package probe locates an instrument among candidate endpoints by
// trial connection and identity query.  Detection is a plain function
// over a dial callback, so it can run against a fake transport
// registry as easily as against hardware.
package probe

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/multierr"
)

// ErrNoMatch reports that no candidate endpoint passed the probe.
var ErrNoMatch = errors.New("no candidate endpoint matched")

// Target is one dialed endpoint under probe.
type Target interface {
	// ID asks the endpoint to identify itself, e.g. SCPI *IDN?.
	ID() (string, error)
	Close() error
}

// Dial opens one candidate endpoint.
type Dial func(addr string) (Target, error)

// Match is a successful probe outcome.
type Match struct {
	// Addr is the candidate that answered.
	Addr string
	// ID is its trimmed identity string.
	ID string
}

// First probes candidates in order and returns the first whose
// identity accept approves.  Candidates that fail to dial or to
// answer are skipped.  When nothing matches, the returned error wraps
// ErrNoMatch together with every per-candidate failure.
func First(candidates []string, dial Dial, accept func(id string) bool) (Match, error) {
	var errs error
	for _, addr := range candidates {
		m, ok, err := probeOne(addr, dial, accept)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if ok {
			return m, nil
		}
	}
	if errs == nil {
		return Match{}, ErrNoMatch
	}
	return Match{}, fmt.Errorf("%w: %v", ErrNoMatch, errs)
}

func probeOne(addr string, dial Dial, accept func(string) bool) (Match, bool, error) {
	tgt, err := dial(addr)
	if err != nil {
		return Match{}, false, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer tgt.Close()
	id, err := tgt.ID()
	if err != nil {
		return Match{}, false, fmt.Errorf("identify %s: %w", addr, err)
	}
	if !accept(id) {
		return Match{}, false, nil
	}
	return Match{Addr: addr, ID: strings.TrimSpace(id)}, true, nil
}

// Model builds an accept function matching identity strings that
// contain the given model name, case-insensitively.
func Model(name string) func(id string) bool {
	upper := strings.ToUpper(name)
	return func(id string) bool {
		return strings.Contains(strings.ToUpper(id), upper)
	}
}
