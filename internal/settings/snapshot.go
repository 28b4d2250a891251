// Package settings holds the user-tunable options of the assistant.
//
// A [Snapshot] is an immutable value. The [Store] replaces its current
// snapshot on every update and never mutates one in place, so a turn that
// captured a snapshot at its start keeps seeing the same values until it
// finishes.
package settings

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrInvalid is returned when a patch or a loaded file fails validation.
var ErrInvalid = errors.New("settings: invalid")

// Conversation types accepted in [Snapshot.ConversationType].
const (
	ConversationCasual    = "casual"
	ConversationFormal    = "formal"
	ConversationTechnical = "technical"
)

// Audio qualities accepted in [Snapshot.AudioQuality].
const (
	QualityLow    = "low"
	QualityMedium = "medium"
	QualityHigh   = "high"
)

// Snapshot is one immutable set of settings. The JSON names match what the
// browser client sends and expects.
type Snapshot struct {
	VoiceID              string  `json:"voiceId"              validate:"required,max=64"`
	PlaybackSpeed        float64 `json:"playbackSpeed"        validate:"gte=0.5,lte=2"`
	ConversationType     string  `json:"conversationType"     validate:"oneof=casual formal technical"`
	MicSensitivity       int     `json:"micSensitivity"       validate:"gte=0,lte=100"`
	AudioQuality         string  `json:"audioQuality"         validate:"oneof=low medium high"`
	AutoSaveHistory      bool    `json:"autoSaveHistory"`
	IncludeKnowledgeBase bool    `json:"includeKnowledgeBase"`
	EnableSearch         bool    `json:"enableSearch"`
	MaxSearchResults     int     `json:"maxSearchResults"     validate:"gte=1,lte=10"`
	EnableSound          bool    `json:"enableSound"`
	NotificationDuration int     `json:"notificationDuration" validate:"gte=1,lte=60"`
	Theme                string  `json:"theme"                validate:"oneof=dark light"`
	AccentColor          string  `json:"accentColor"          validate:"required,max=32"`
}

// Defaults returns the factory settings.
func Defaults() Snapshot {
	return Snapshot{
		VoiceID:              "en-IN-alia",
		PlaybackSpeed:        1.0,
		ConversationType:     ConversationCasual,
		MicSensitivity:       50,
		AudioQuality:         QualityMedium,
		AutoSaveHistory:      true,
		IncludeKnowledgeBase: true,
		EnableSearch:         true,
		MaxSearchResults:     3,
		EnableSound:          true,
		NotificationDuration: 4,
		Theme:                "dark",
		AccentColor:          "orange",
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate reports every field of s that is out of range.
func (s Snapshot) Validate() error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q (got %v)", jsonName(fe.StructField()), fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(msgs, "; "))
}

// Apply returns a copy of s with the keys in patch overwritten. Unknown keys
// and values of the wrong type are rejected, and the result is validated.
// s itself is never modified.
func (s Snapshot) Apply(patch map[string]any) (Snapshot, error) {
	if len(patch) == 0 {
		return s, nil
	}
	raw, err := json.Marshal(patch)
	if err != nil {
		return s, fmt.Errorf("%w: encode patch: %v", ErrInvalid, err)
	}

	next := s
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&next); err != nil {
		return s, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := next.Validate(); err != nil {
		return s, err
	}
	return next, nil
}

// jsonName maps a Go field name to its JSON key for error messages.
func jsonName(field string) string {
	if field == "VoiceID" {
		return "voiceId"
	}
	if field == "" {
		return field
	}
	return strings.ToLower(field[:1]) + field[1:]
}
