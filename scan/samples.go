package scan

// TimedSample is one reading paired with the instrument's timestamp,
// in seconds relative to the start of the scan.
type TimedSample struct {
	Time  float64 `json:"time"`
	Value float64 `json:"value"`
}

// ChannelSamples holds one channel's readings from a polled scan, in
// acquisition order.
type ChannelSamples struct {
	Channel int           `json:"channel"`
	Samples []TimedSample `json:"samples"`
}

// Values extracts the readings without their timestamps.
func (c ChannelSamples) Values() []float64 {
	out := make([]float64, len(c.Samples))
	for i, s := range c.Samples {
		out[i] = s.Value
	}
	return out
}
