package presence

// Participant is one member of the voice roster.
type Participant struct {
	// ID is session scoped and may change when the participant reconnects.
	ID string
	// Identity survives reconnects.
	Identity string
	Channel  string
}

// Roster is a snapshot of the voice session.
type Roster struct {
	Self         Participant
	Participants []Participant
}

func (r Roster) byID(id string) (Participant, bool) {
	for _, p := range r.Participants {
		if p.ID == id {
			return p, true
		}
	}
	return Participant{}, false
}

func (r Roster) byIdentity(identity string) (Participant, bool) {
	for _, p := range r.Participants {
		if p.Identity == identity {
			return p, true
		}
	}
	return Participant{}, false
}

// EventKind classifies session notifications.
type EventKind int

const (
	EventOther EventKind = iota
	EventPropertyChanged
	EventParticipantRemoved
	EventMessage
)

// PropertyChannel names the channel membership property.
const PropertyChannel = "channel"

// Event is a roster or message notification from the voice session.
type Event struct {
	Kind EventKind
	// Subject is the persistent identity the event is about.
	Subject  string
	Property string
	// Invoker is the identity that caused the change, empty when unknown.
	Invoker string
}

// InvokerExternal marks a change made by someone other than the bot when the
// session does not name who.
const InvokerExternal = "external"

// Kick is the disruption an event represents for the bot.
type Kick int

const (
	KickNone Kick = iota
	KickChannel
	KickServer
)

func (k Kick) String() string {
	switch k {
	case KickChannel:
		return "channel"
	case KickServer:
		return "server"
	default:
		return "none"
	}
}

// Classify decides whether ev removed the bot, identified by self, from the
// server or from its channel. A channel change with no invoker is not a kick.
func Classify(self string, ev Event) Kick {
	if ev.Subject != self || self == "" {
		return KickNone
	}
	switch ev.Kind {
	case EventParticipantRemoved:
		return KickServer
	case EventPropertyChanged:
		if ev.Property == PropertyChannel && ev.Invoker != "" && ev.Invoker != self {
			return KickChannel
		}
	}
	return KickNone
}
