// Package voice connects the bot to a Discord voice channel and exposes it as
// an audio transport and a presence session.
package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/loqalabs/loqa-voice/internal/presence"
)

var (
	ErrNotConnected = errors.New("voice connection not established")
	errSendTimeout  = errors.New("voice send timed out")
)

const sendTimeout = time.Second

// Options configures the Discord adapter.
type Options struct {
	Token       string
	GuildID     string
	ChannelID   string
	EventBuffer int
	Logger      *slog.Logger
}

// Discord is a bot session joined to one guild voice channel.
type Discord struct {
	session *discordgo.Session
	opts    Options
	logger  *slog.Logger
	events  chan presence.Event
	detach  []func()

	mu       sync.Mutex
	conn     *discordgo.VoiceConnection
	expected string
}

// Open logs in and joins the configured channel.
func Open(ctx context.Context, opts Options) (*Discord, error) {
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 64
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s, err := discordgo.New("Bot " + opts.Token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildVoiceStates |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsGuildMessages

	d := &Discord{
		session: s,
		opts:    opts,
		logger:  logger.With(slog.String("component", "voice-discord")),
		events:  make(chan presence.Event, opts.EventBuffer),
	}
	d.detach = append(d.detach,
		s.AddHandler(d.onVoiceState),
		s.AddHandler(d.onMemberRemove),
		s.AddHandler(d.onGuildDelete),
		s.AddHandler(d.onMessage),
	)

	if err := s.Open(); err != nil {
		return nil, fmt.Errorf("discord open: %w", err)
	}
	d.mu.Lock()
	d.expected = opts.ChannelID
	d.mu.Unlock()
	conn, err := s.ChannelVoiceJoin(opts.GuildID, opts.ChannelID, false, false)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("join voice channel %s: %w", opts.ChannelID, err)
	}
	if err := ctx.Err(); err != nil {
		_ = conn.Disconnect()
		_ = s.Close()
		return nil, err
	}
	d.mu.Lock()
	d.conn = conn
	d.mu.Unlock()
	d.logger.Info("joined voice channel", slog.String("guild", opts.GuildID), slog.String("channel", opts.ChannelID))
	return d, nil
}

// Events delivers roster and message notifications for the guild.
func (d *Discord) Events() <-chan presence.Event {
	return d.events
}

func (d *Discord) voice() *discordgo.VoiceConnection {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conn
}

// SendFrame queues one Opus frame.
func (d *Discord) SendFrame(ctx context.Context, payload []byte) error {
	conn := d.voice()
	if conn == nil {
		return ErrNotConnected
	}
	timer := time.NewTimer(sendTimeout)
	defer timer.Stop()
	select {
	case conn.OpusSend <- payload:
		return nil
	case <-timer.C:
		return errSendTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetMuted toggles the speaking indicator.
func (d *Discord) SetMuted(_ context.Context, muted bool) error {
	conn := d.voice()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.Speaking(!muted)
}

// SelfIdentity is the bot's user id.
func (d *Discord) SelfIdentity() string {
	if d.session.State == nil || d.session.State.User == nil {
		return ""
	}
	return d.session.State.User.ID
}

// Roster lists the voice states of the guild.
func (d *Discord) Roster(_ context.Context) (presence.Roster, error) {
	guild, err := d.session.State.Guild(d.opts.GuildID)
	if err != nil {
		return presence.Roster{}, fmt.Errorf("guild state: %w", err)
	}
	d.session.State.RLock()
	defer d.session.State.RUnlock()
	return buildRoster(d.SelfIdentity(), guild.VoiceStates), nil
}

// MoveSelf switches the voice connection to channel.
func (d *Discord) MoveSelf(_ context.Context, channel string) error {
	conn := d.voice()
	if conn == nil {
		return ErrNotConnected
	}
	d.mu.Lock()
	d.expected = channel
	d.mu.Unlock()
	return conn.ChangeChannel(channel, false, false)
}

// Close leaves the channel and logs out.
func (d *Discord) Close() error {
	for _, remove := range d.detach {
		remove()
	}
	var errs []error
	if conn := d.voice(); conn != nil {
		if err := conn.Disconnect(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := d.session.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (d *Discord) emit(ev presence.Event) {
	select {
	case d.events <- ev:
	default:
		d.logger.Warn("presence event dropped", slog.String("subject", ev.Subject))
	}
}

func (d *Discord) onVoiceState(_ *discordgo.Session, vs *discordgo.VoiceStateUpdate) {
	d.mu.Lock()
	expected := d.expected
	d.mu.Unlock()
	if ev, ok := voiceStateEvent(d.opts.GuildID, d.SelfIdentity(), expected, vs); ok {
		d.emit(ev)
	}
}

func (d *Discord) onMemberRemove(_ *discordgo.Session, m *discordgo.GuildMemberRemove) {
	if m.Member == nil || m.GuildID != d.opts.GuildID || m.User == nil {
		return
	}
	d.emit(presence.Event{Kind: presence.EventParticipantRemoved, Subject: m.User.ID})
}

func (d *Discord) onGuildDelete(_ *discordgo.Session, g *discordgo.GuildDelete) {
	if ev, ok := guildDeleteEvent(d.opts.GuildID, d.SelfIdentity(), g); ok {
		d.emit(ev)
	}
}

func (d *Discord) onMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Message == nil || m.GuildID != d.opts.GuildID {
		return
	}
	subject := ""
	if m.Author != nil {
		subject = m.Author.ID
	}
	d.emit(presence.Event{Kind: presence.EventMessage, Subject: subject})
}

func buildRoster(self string, states []*discordgo.VoiceState) presence.Roster {
	var roster presence.Roster
	for _, vs := range states {
		if vs == nil {
			continue
		}
		p := presence.Participant{ID: vs.SessionID, Identity: vs.UserID, Channel: vs.ChannelID}
		if vs.UserID == self {
			roster.Self = p
			continue
		}
		roster.Participants = append(roster.Participants, p)
	}
	return roster
}

// voiceStateEvent translates a voice state update. Discord does not say who
// moved the bot, so a move to any channel other than the one the bot asked
// for is attributed to someone else.
func voiceStateEvent(guildID, self, expected string, vs *discordgo.VoiceStateUpdate) (presence.Event, bool) {
	if vs == nil || vs.VoiceState == nil || vs.GuildID != guildID {
		return presence.Event{}, false
	}
	ev := presence.Event{Kind: presence.EventPropertyChanged, Subject: vs.UserID}
	if vs.BeforeUpdate == nil || vs.BeforeUpdate.ChannelID != vs.ChannelID {
		ev.Property = presence.PropertyChannel
	}
	if vs.UserID == self {
		ev.Invoker = presence.InvokerExternal
		if vs.ChannelID == expected {
			ev.Invoker = self
		}
	}
	return ev, true
}

func guildDeleteEvent(guildID, self string, g *discordgo.GuildDelete) (presence.Event, bool) {
	if g == nil || g.Guild == nil || g.ID != guildID || g.Unavailable {
		return presence.Event{}, false
	}
	return presence.Event{Kind: presence.EventParticipantRemoved, Subject: self}, true
}
