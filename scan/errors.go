package scan

import (
	"fmt"
	"strings"
)

// InvalidSpecError indicates a malformed scan specification, a channel
// list or trigger parameter that fails local validation.  It is raised
// before anything is sent to the instrument.
type InvalidSpecError struct {
	Spec   string
	Reason string
}

func (e *InvalidSpecError) Error() string {
	return fmt.Sprintf("invalid spec %q: %s", e.Spec, e.Reason)
}

// ConfigurationError indicates the instrument did not accept a
// configuration sequence: either its error queue held entries after
// the sequence ran, or a step's transport call failed.  The instrument
// state is suspect and must be reconfigured before use.
type ConfigurationError struct {
	// Step names the command that failed, empty for queue errors.
	Step string
	// Queue holds every entry drained from the instrument error queue.
	Queue []string
	// Cause is the underlying transport failure, nil for queue errors.
	Cause error
}

func (e *ConfigurationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("configuration failed at %s: %v", e.Step, e.Cause)
	}
	return fmt.Sprintf("instrument reported %d error(s) after configuration: %s",
		len(e.Queue), strings.Join(e.Queue, "; "))
}

func (e *ConfigurationError) Unwrap() error { return e.Cause }

// AcquisitionError indicates a measurement payload could not be used:
// the reply failed to parse or its element count did not match the
// active scan shape.  The connection stays configured and the caller
// may retry without reconfiguring.
type AcquisitionError struct {
	Expected int
	Got      int
	Cause    error
}

func (e *AcquisitionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("acquisition failed: %v", e.Cause)
	}
	return fmt.Sprintf("acquisition returned %d samples, expected %d", e.Got, e.Expected)
}

func (e *AcquisitionError) Unwrap() error { return e.Cause }
