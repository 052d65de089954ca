package wire

// Channel identifies a logical message channel on a connection.
type Channel string

const (
	ChannelSystem       Channel = "system"
	ChannelConversation Channel = "conversation"
	ChannelAgent        Channel = "agent"
	ChannelDocument     Channel = "document"
	ChannelPrefetch     Channel = "prefetch"
)

// MessageType identifies a frame type within a channel.
type MessageType string

const (
	TypePing                  MessageType = "ping"
	TypePong                  MessageType = "pong"
	TypeSubscribe             MessageType = "subscribe"
	TypeSubscribed            MessageType = "subscribed"
	TypeUnsubscribe           MessageType = "unsubscribe"
	TypeUnsubscribed          MessageType = "unsubscribed"
	TypeAuthenticate          MessageType = "authenticate"
	TypeAuthenticated         MessageType = "authenticated"
	TypeConnectionEstablished MessageType = "connection_established"
	TypeConnectionJoined      MessageType = "connection_joined"
	TypeConnectionLeft        MessageType = "connection_left"
	TypeError                 MessageType = "error"

	TypeUserMessage MessageType = "user_message"
	TypeAIMessage   MessageType = "ai_message"

	TypeAgentPause  MessageType = "agent_pause"
	TypeAgentResume MessageType = "agent_resume"

	TypeDocumentEdit MessageType = "document_edit"

	TypeAnalyzeForPrefetch MessageType = "analyze_for_prefetch"
	TypePrefetchComplete   MessageType = "prefetch_complete"
)

var channelTypes = map[Channel]map[MessageType]struct{}{
	ChannelSystem: {
		TypePing:                  {},
		TypePong:                  {},
		TypeSubscribe:             {},
		TypeSubscribed:            {},
		TypeUnsubscribe:           {},
		TypeUnsubscribed:          {},
		TypeAuthenticate:          {},
		TypeAuthenticated:         {},
		TypeConnectionEstablished: {},
		TypeConnectionJoined:      {},
		TypeConnectionLeft:        {},
		TypeError:                 {},
	},
	ChannelConversation: {
		TypeUserMessage: {},
		TypeAIMessage:   {},
	},
	ChannelAgent: {
		TypeAgentPause:  {},
		TypeAgentResume: {},
	},
	ChannelDocument: {
		TypeDocumentEdit: {},
	},
	ChannelPrefetch: {
		TypeAnalyzeForPrefetch: {},
		TypePrefetchComplete:   {},
	},
}

// ParseChannel validates a raw channel name against the closed channel set.
func ParseChannel(raw string) (Channel, bool) {
	channel := Channel(raw)
	_, ok := channelTypes[channel]
	return channel, ok
}

// Allows reports whether a frame type belongs to this channel.
func (c Channel) Allows(messageType MessageType) bool {
	types, ok := channelTypes[c]
	if !ok {
		return false
	}
	_, ok = types[messageType]
	return ok
}

// Channels returns the closed channel set.
func Channels() []Channel {
	return []Channel{
		ChannelSystem,
		ChannelConversation,
		ChannelAgent,
		ChannelDocument,
		ChannelPrefetch,
	}
}
