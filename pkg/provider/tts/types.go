package tts

// VoiceProfile selects a voice and the output encoding.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier, e.g. "en-IN-alia".
	ID string

	// Name is the human-readable voice name.
	Name string

	// Locale is the voice's language tag when the provider reports one.
	Locale string

	// SpeedFactor adjusts speaking rate (0.5–2.0, 1.0 = default).
	SpeedFactor float64

	// Format is the requested container, e.g. "WAV" or "MP3".
	Format string

	// SampleRate is the requested output rate in Hz.
	SampleRate int
}
