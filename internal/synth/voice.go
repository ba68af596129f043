// Package synth turns text into provider audio: it fingerprints requests,
// talks to the provider with rotating credentials and feeds the cache and the
// audio delivery stage.
package synth

import (
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// Voice selects the provider voice.
type Voice struct {
	Code string `json:"code"`
	Sex  string `json:"sex"`
	Name string `json:"variant"`
}

// Variant returns the full provider voice name. A bare name is qualified with
// the locale code.
func (v Voice) Variant() string {
	if strings.Contains(v.Name, "-") {
		return v.Name
	}
	return v.Code + "-" + v.Name
}

// Fingerprint is the cache key for speaking text with voice.
func Fingerprint(voice Voice, text string) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(voice.Variant())
	_, _ = d.WriteString(strings.TrimSpace(text))
	return d.Sum64()
}

// Request is one synthesis job.
type Request struct {
	ID          string
	Voice       Voice
	Text        string
	Fingerprint uint64
	Length      int // bytes of trimmed text
}

// NewRequest trims text and stamps the request with an id and fingerprint.
func NewRequest(voice Voice, text string) Request {
	text = strings.TrimSpace(text)
	return Request{
		ID:          uuid.NewString(),
		Voice:       voice,
		Text:        text,
		Fingerprint: Fingerprint(voice, text),
		Length:      len(text),
	}
}
