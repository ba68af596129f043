package protocol

import "time"

// SpeakRequest asks for text to be spoken in the voice channel.
type SpeakRequest struct {
	Content string `json:"content"`
	Code    string `json:"code"`
	Sex     string `json:"sex"`
	Variant string `json:"variant"`
}

// SpeakReply carries the synthesis status line or the error text.
type SpeakReply struct {
	RequestID string `json:"request_id,omitempty"`
	Status    string `json:"status,omitempty"`
	Error     string `json:"error,omitempty"`
}

// PlaybackDone is published once per played item.
type PlaybackDone struct {
	RequestID   string    `json:"request_id"`
	Fingerprint string    `json:"fingerprint"`
	Source      string    `json:"source"`
	Frames      int       `json:"frames"`
	Failed      int       `json:"failed,omitempty"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// PresenceKick is published when the bot is removed from its channel or server.
type PresenceKick struct {
	Kind      string    `json:"kind"`
	Subject   string    `json:"subject"`
	Invoker   string    `json:"invoker,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectSpeakRequest = "tts.speak.request"
	SubjectPlaybackDone = "tts.playback.done"
	SubjectPresenceKick = "voice.presence.kick"

	// StreamEvents retains notifications on JetStream when available.
	StreamEvents = "LOQA_VOICE_EVENTS"
)
