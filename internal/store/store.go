package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by stores when the requested record does not exist.
var ErrNotFound = errors.New("not found")

// IdxInvalid marks a message that has no position in the history buffer yet.
const IdxInvalid int64 = -1 << 62

// Session is the locally cached login session.
type Session struct {
	ID        string
	UserID    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// RoomType distinguishes one-to-one and group rooms.
type RoomType string

const (
	RoomTypeDirect RoomType = "direct"
	RoomTypeGroup  RoomType = "group"
)

// Priv is a member privilege level inside a room.
type Priv int

const (
	PrivUnknown   Priv = -2
	PrivRemoved   Priv = -1
	PrivReadOnly  Priv = 0
	PrivStandard  Priv = 2
	PrivModerator Priv = 3
)

// Valid reports whether p can be granted to a member.
func (p Priv) Valid() bool {
	return p == PrivReadOnly || p == PrivStandard || p == PrivModerator
}

func (p Priv) String() string {
	switch p {
	case PrivRemoved:
		return "removed"
	case PrivReadOnly:
		return "read-only"
	case PrivStandard:
		return "standard"
	case PrivModerator:
		return "moderator"
	default:
		return "unknown"
	}
}

// Room represents a chat conversation.
type Room struct {
	ID          string
	Type        RoomType
	Title       string
	Members     map[string]Priv // user id -> privilege, excluding the own user
	OwnPriv     Priv
	UnreadCount int
	CreatedAt   time.Time
}

// IsGroup reports whether the room is a group chat.
func (r *Room) IsGroup() bool {
	return r.Type == RoomTypeGroup
}

// Clone returns a deep copy safe to hand to other goroutines.
func (r *Room) Clone() *Room {
	cp := *r
	cp.Members = make(map[string]Priv, len(r.Members))
	for k, v := range r.Members {
		cp.Members[k] = v
	}
	return &cp
}

// MessageStatus is the delivery state of a message.
type MessageStatus int

const (
	StatusSending MessageStatus = iota
	StatusSendingManual
	StatusServerReceived
	StatusServerRejected
	StatusDelivered
	StatusNotSeen
	StatusSeen
)

func (s MessageStatus) String() string {
	switch s {
	case StatusSending:
		return "sending"
	case StatusSendingManual:
		return "sending-manual"
	case StatusServerReceived:
		return "server-received"
	case StatusServerRejected:
		return "rejected"
	case StatusDelivered:
		return "delivered"
	case StatusNotSeen:
		return "not-seen"
	case StatusSeen:
		return "seen"
	default:
		return "unknown"
	}
}

// MessageType distinguishes user content from management messages.
type MessageType int

const (
	MessageTypeNormal MessageType = iota + 1
	MessageTypeAlterParticipants
	MessageTypeTruncate
	MessageTypePrivChange
	MessageTypeChatTitle
	MessageTypeContactAttachment
	MessageTypeNodeAttachment
	MessageTypeRevokeAttachment
)

// IsManagement reports whether the type is generated by the server rather
// than written by a user.
func (t MessageType) IsManagement() bool {
	switch t {
	case MessageTypeAlterParticipants, MessageTypeTruncate, MessageTypePrivChange, MessageTypeChatTitle:
		return true
	}
	return false
}

// Message is a single entry in a room's history.
type Message struct {
	ID        string // definitive id, empty until the server confirms
	TempID    string // client-assigned id, kept until retired
	RoomID    string
	UserID    string
	Idx       int64
	Type      MessageType
	Content   string
	CreatedAt time.Time
	EditedAt  *time.Time
	Status    MessageStatus
	Deleted   bool
	Reactions map[string][]string // reaction -> user ids
	// Set on messages that went through the manual-send list.
	ManualReason int
}

// Key returns the id the message is currently addressable by.
func (m *Message) Key() string {
	if m.ID != "" {
		return m.ID
	}
	return m.TempID
}

// IsSending reports whether the message has not been confirmed yet.
func (m *Message) IsSending() bool {
	return m.ID == ""
}

// Editable reports whether an edit at now would fall inside window.
func (m *Message) Editable(now time.Time, window time.Duration) bool {
	if m.Type.IsManagement() || m.Deleted {
		return false
	}
	return now.Sub(m.CreatedAt) < window
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	cp := *m
	if m.EditedAt != nil {
		t := *m.EditedAt
		cp.EditedAt = &t
	}
	if m.Reactions != nil {
		cp.Reactions = make(map[string][]string, len(m.Reactions))
		for k, v := range m.Reactions {
			cp.Reactions[k] = append([]string(nil), v...)
		}
	}
	return &cp
}

// HistoryInfo summarises the cached history of a room.
type HistoryInfo struct {
	OldestIdx      int64
	NewestIdx      int64
	Count          int
	LastSeenID     string
	LastReceivedID string
	HaveAll        bool
}

// SendOp is the kind of pending outbound message operation.
type SendOp string

const (
	SendOpNew  SendOp = "newmsg"
	SendOpEdit SendOp = "msgupd"
)

// Reasons a message landed on the manual-send list.
const (
	ManualReasonTooOld   = 2 // queued longer than the autosend age
	ManualReasonRejected = 3 // refused by the server
)

// SendingItem is an outbound message operation awaiting server confirmation.
type SendingItem struct {
	RowID     int64
	RoomID    string
	Op        SendOp
	Msg       *Message
	CreatedAt time.Time
	// Non-zero once the item was moved to the manual-send list.
	ManualReason int
}

// CallStatus is the state of a call in a room.
type CallStatus string

const (
	CallStatusNone       CallStatus = "none"
	CallStatusRinging    CallStatus = "ringing"
	CallStatusInProgress CallStatus = "in-progress"
	CallStatusEnded      CallStatus = "ended"
)

// SessionState is the connection state of one call participant.
type SessionState string

const (
	SessionConnecting SessionState = "connecting"
	SessionConnected  SessionState = "connected"
	SessionLeft       SessionState = "left"
)

// CallSession is the media state of one participant in a call.
type CallSession struct {
	UserID string
	Audio  bool
	Video  bool
	State  SessionState
}

// Call represents a voice/video call attached to a room.
type Call struct {
	ID             string
	RoomID         string
	InitiatorID    string
	Status         CallStatus
	Outgoing       bool
	VideoCapable   bool
	Ignored        bool
	LocalAudio     bool
	LocalVideo     bool
	Sessions       map[string]*CallSession
	ExternalRoomID *string
	EndReason      string
	CreatedAt      time.Time
	EndedAt        *time.Time
}

// Clone returns a deep copy of the call.
func (c *Call) Clone() *Call {
	cp := *c
	cp.Sessions = make(map[string]*CallSession, len(c.Sessions))
	for k, v := range c.Sessions {
		s := *v
		cp.Sessions[k] = &s
	}
	if c.ExternalRoomID != nil {
		id := *c.ExternalRoomID
		cp.ExternalRoomID = &id
	}
	if c.EndedAt != nil {
		t := *c.EndedAt
		cp.EndedAt = &t
	}
	return &cp
}

// Presence is an online status.
type Presence int

const (
	PresenceInvalid Presence = 0
	PresenceOffline Presence = 1
	PresenceAway    Presence = 2
	PresenceOnline  Presence = 3
	PresenceBusy    Presence = 4
)

// Valid reports whether p is a status a user can select.
func (p Presence) Valid() bool {
	return p >= PresenceOffline && p <= PresenceBusy
}

func (p Presence) String() string {
	switch p {
	case PresenceOffline:
		return "offline"
	case PresenceAway:
		return "away"
	case PresenceOnline:
		return "online"
	case PresenceBusy:
		return "busy"
	default:
		return "invalid"
	}
}

// PresenceConfig is the own-user presence configuration.
type PresenceConfig struct {
	Status          Presence
	Autoaway        bool
	AutoawayTimeout time.Duration
	Persist         bool
	// Pending is true while the server has not acknowledged the config.
	Pending bool
}

// SessionStore handles the cached login session.
type SessionStore interface {
	// GetSession returns the cached session or ErrNotFound.
	GetSession(ctx context.Context, id string) (*Session, error)

	// SaveSession inserts or updates the session row.
	SaveSession(ctx context.Context, s *Session) error

	// DeleteSession removes the session and all cached data.
	DeleteSession(ctx context.Context, id string) error
}

// RoomStore handles cached room metadata.
type RoomStore interface {
	// SaveRoom inserts or replaces a room with its member list.
	SaveRoom(ctx context.Context, room *Room) error

	// GetRoom retrieves a room by ID.
	GetRoom(ctx context.Context, id string) (*Room, error)

	// ListRooms lists every cached room.
	ListRooms(ctx context.Context) ([]*Room, error)

	// DeleteRoom removes a room together with its history.
	DeleteRoom(ctx context.Context, id string) error
}

// HistoryStore handles the per-room message log.
type HistoryStore interface {
	// AddMessage stores a confirmed message at its buffer index.
	AddMessage(ctx context.Context, msg *Message) error

	// UpdateMessage rewrites content, status and edit fields of a stored message.
	UpdateMessage(ctx context.Context, msg *Message) error

	// GetMessage looks up a stored message by its definitive id.
	GetMessage(ctx context.Context, roomID, msgID string) (*Message, error)

	// FetchHistory returns up to limit messages with Idx < beforeIdx,
	// newest first.
	FetchHistory(ctx context.Context, roomID string, beforeIdx int64, limit int) ([]*Message, error)

	// HistoryInfo summarises what is cached for a room.
	HistoryInfo(ctx context.Context, roomID string) (HistoryInfo, error)

	// SetLastSeen stores the last-seen pointer.
	SetLastSeen(ctx context.Context, roomID, msgID string) error

	// SetLastReceived stores the delivered pointer.
	SetLastReceived(ctx context.Context, roomID, msgID string) error

	// SetHaveAllHistory records that the oldest server message is cached.
	SetHaveAllHistory(ctx context.Context, roomID string, haveAll bool) error

	// CountUnread counts messages not written by userID with Idx > afterIdx.
	CountUnread(ctx context.Context, roomID, userID string, afterIdx int64) (int, error)

	// ClearHistory drops all cached messages and pointers of a room.
	ClearHistory(ctx context.Context, roomID string) error
}

// SendingStore persists outbound operations until the server confirms them.
type SendingStore interface {
	// AddSending stores a new item and sets its RowID.
	AddSending(ctx context.Context, item *SendingItem) error

	// UpdateSending rewrites the payload and manual flag of an item.
	UpdateSending(ctx context.Context, item *SendingItem) error

	// DeleteSending removes an item.
	DeleteSending(ctx context.Context, rowID int64) error

	// ListSending returns the items of a room in insertion order.
	ListSending(ctx context.Context, roomID string) ([]*SendingItem, error)
}

// Store aggregates all storage interfaces.
type Store interface {
	SessionStore
	RoomStore
	HistoryStore
	SendingStore

	// Close closes the underlying database connection.
	Close() error
}
