package stt

import "time"

// Transcript is one recognition result.
type Transcript struct {
	// Text is the recognised speech.
	Text string

	// IsFinal reports whether the provider has committed to Text.
	IsFinal bool

	// Confidence is in [0, 1]. Zero when the provider does not report it.
	Confidence float64

	// Words holds per-word timing when the provider supplies it.
	Words []WordDetail

	// Timestamp is the segment start relative to the session start.
	Timestamp time.Duration

	// Duration is the segment length.
	Duration time.Duration
}

// WordDetail holds per-word metadata.
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

// KeywordBoost raises the recognition probability of a word.
type KeywordBoost struct {
	Keyword string

	// Boost is the intensity, on a provider-specific scale.
	Boost float64
}
