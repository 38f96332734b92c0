package events

import "strings"

// Bus channels.
const (
	ChannelMessages      = "chat.messages"
	ChannelConversations = "chat.conversations"
	ChannelUsers         = "users"
	ChannelPresence      = "presence"
	ChannelOrgs          = "orgs"
	ChannelMeetings      = "meetings"
	ChannelFiles         = "files"
	ChannelFeatures      = "features"
	ChannelWebhooks      = "webhooks"
	DefaultChannel       = "events.default"
)

var prefixChannels = map[string]string{
	"message":      ChannelMessages,
	"reaction":     ChannelMessages,
	"conversation": ChannelConversations,
	"user":         ChannelUsers,
	"presence":     ChannelPresence,
	"org":          ChannelOrgs,
	"organization": ChannelOrgs,
	"member":       ChannelOrgs,
	"meeting":      ChannelMeetings,
	"call":         ChannelMeetings,
	"file":         ChannelFiles,
	"feature":      ChannelFeatures,
	"webhook":      ChannelWebhooks,
}

// Prefix returns the namespace of an event name: the text before the first ':' or '.'.
func Prefix(name string) string {
	if i := strings.IndexAny(name, ":."); i >= 0 {
		return name[:i]
	}
	return name
}

// ChannelFor routes an event name to its bus channel.
func ChannelFor(name string) string {
	if ch, ok := prefixChannels[Prefix(name)]; ok {
		return ch
	}
	return DefaultChannel
}

// DefaultChannels lists every channel the bus listens on, default last.
func DefaultChannels() []string {
	return []string{
		ChannelMessages,
		ChannelConversations,
		ChannelUsers,
		ChannelPresence,
		ChannelOrgs,
		ChannelMeetings,
		ChannelFiles,
		ChannelFeatures,
		ChannelWebhooks,
		DefaultChannel,
	}
}
