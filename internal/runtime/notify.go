package runtime

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/presence"
	"github.com/loqalabs/loqa-voice/internal/protocol"
)

// notifier publishes playback and kick notifications on the bus.
type notifier struct {
	bus    *bus.Client
	logger *slog.Logger
	clock  func() time.Time
}

func newNotifier(busClient *bus.Client, logger *slog.Logger) *notifier {
	return &notifier{
		bus:    busClient,
		logger: logger.With(slog.String("component", "notifier")),
		clock:  time.Now,
	}
}

func (n *notifier) PlaybackDone(item audio.Item, result audio.Result) {
	msg := playbackMessage(item, result, n.clock())
	if msg.Error != "" {
		n.logger.Warn("playback failed", slog.String("request_id", item.RequestID), slog.String("error", msg.Error))
	}
	n.publish(protocol.SubjectPlaybackDone, msg)
}

func (n *notifier) Kicked(kind presence.Kick, ev presence.Event) {
	n.publish(protocol.SubjectPresenceKick, protocol.PresenceKick{
		Kind:      kind.String(),
		Subject:   ev.Subject,
		Invoker:   ev.Invoker,
		Timestamp: n.clock().UTC(),
	})
}

func (n *notifier) publish(subject string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		n.logger.Warn("failed to marshal notification", slog.String("subject", subject), slogError(err))
		return
	}
	if err := n.bus.Conn().Publish(subject, data); err != nil {
		n.logger.Warn("failed to publish notification", slog.String("subject", subject), slogError(err))
	}
}

func playbackMessage(item audio.Item, result audio.Result, now time.Time) protocol.PlaybackDone {
	msg := protocol.PlaybackDone{
		RequestID:   item.RequestID,
		Fingerprint: fmt.Sprintf("%016x", item.Fingerprint),
		Frames:      result.Frames,
		Failed:      result.Failed,
		Timestamp:   now.UTC(),
	}
	if item.Source != nil {
		msg.Source = item.Source.Kind().String()
	}
	if result.Err != nil {
		msg.Error = result.Err.Error()
	}
	return msg
}
