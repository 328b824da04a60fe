package domain

// Channel types as reported by the Mattermost API.
const (
	ChannelOpen    = "O"
	ChannelPrivate = "P"
	ChannelGroup   = "G"
	ChannelDirect  = "D"
)

// Channel is a chat channel the bot is a member of.
type Channel struct {
	ID          string
	DisplayName string
	Type        string
}

// IsDirect reports whether every message in the channel is implicitly
// addressed to the bot, so mention filtering is skipped.
func (c Channel) IsDirect() bool { return c.Type == ChannelDirect }

// Post is a single message fetched from a channel.
type Post struct {
	ID       string
	UserID   string
	Message  string
	CreateAt int64 // milliseconds since epoch
}

type User struct {
	ID       string
	Username string
}

// Event is one qualifying post handed from the poller to the reply worker.
// Immutable once enqueued; ownership transfers to the worker at enqueue and
// each event is consumed exactly once.
type Event struct {
	ChannelID string
	UserID    string
	Text      string
	CreateAt  int64 // original post timestamp, milliseconds
}
