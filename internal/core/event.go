package core

import (
	"github.com/vovakirdan/wirechat-engine/internal/callengine"
	"github.com/vovakirdan/wirechat-engine/internal/store"
)

// EventKind is a notification the engine emits to subscribers.
type EventKind int

const (
	// EventConnectionState reports a change of the overall connection state.
	EventConnectionState EventKind = iota
	// EventInitState reports a change of the session init state.
	EventInitState
	// EventChatConnectionState reports a room's chat link state.
	EventChatConnectionState
	// EventRoomUpdated carries new room metadata (title, members, unread count, own privilege).
	EventRoomUpdated
	// EventMessageLoaded delivers one backfilled message. A nil Message ends the batch.
	EventMessageLoaded
	// EventMessageReceived delivers a live message.
	EventMessageReceived
	// EventMessageUpdated reports a status or content change. Err is set
	// when the server rejected the operation.
	EventMessageUpdated
	// EventHistoryReloaded tells subscribers that cached positions are invalid.
	EventHistoryReloaded
	// EventReactionUpdated reports a reaction change on Message.
	EventReactionUpdated
	// EventTyping and EventStopTyping report UserID's typing state.
	EventTyping
	EventStopTyping
	// EventCallUpdated reports a call state change.
	EventCallUpdated
	// EventSessionUpdated reports a call participant change.
	EventSessionUpdated
	// EventNotification asks the application to notify the user.
	EventNotification
	// EventPresenceConfig reports the own presence configuration.
	EventPresenceConfig
	// EventOnlineStatus reports a change of the own displayed status.
	EventOnlineStatus
	// EventPeerPresence reports another user's status.
	EventPeerPresence
)

var eventKindNames = [...]string{
	"connection_state",
	"init_state",
	"chat_connection_state",
	"room_updated",
	"message_loaded",
	"message_received",
	"message_updated",
	"history_reloaded",
	"reaction_updated",
	"typing",
	"stop_typing",
	"call_updated",
	"session_updated",
	"notification",
	"presence_config",
	"online_status",
	"peer_presence",
}

func (k EventKind) String() string {
	if int(k) < len(eventKindNames) {
		return eventKindNames[k]
	}
	return "unknown"
}

// NotificationKind says why the user should be notified.
type NotificationKind string

const (
	NotifyMessage  NotificationKind = "message"
	NotifyCallRing NotificationKind = "call_ring"
)

// Event is delivered to subscribers to describe what happened in the engine.
// Only the fields relevant to Kind are set. Pointers are private copies.
type Event struct {
	Kind   EventKind
	RoomID string
	UserID string

	Room    *store.Room
	Message *store.Message
	Call    *store.Call

	JoinInfo *callengine.JoinInfo // EventCallUpdated once the call can be joined

	ConnState ConnState
	ChatState ChatState
	InitState InitState

	Presence store.PresenceConfig
	Status   store.Presence

	Reaction     string
	Notification NotificationKind

	Err error
}

// IsBatchEnd reports whether ev is the end-of-batch sentinel of a history load.
func (ev Event) IsBatchEnd() bool {
	return ev.Kind == EventMessageLoaded && ev.Message == nil
}
