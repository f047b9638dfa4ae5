package proto

import (
	"encoding/json"
	"fmt"
)

// Frame is the envelope exchanged with the chat and presence servers.
// Requests that carry Req are completed by an ack or error frame with the
// same Req.
type Frame struct {
	Type  string          `json:"type"`
	Req   string          `json:"req,omitempty"`
	Room  string          `json:"room,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *Error          `json:"error,omitempty"`
}

const (
	ProtocolVersion = 2

	// Client -> server.
	TypeHello      = "hello"
	TypeJoin       = "join"
	TypeLeave      = "leave"
	TypeHist       = "hist"
	TypeNewMsg     = "newmsg"
	TypeMsgUpd     = "msgupd"
	TypeSeen       = "seen"
	TypeReceived   = "received"
	TypeTyping     = "typing"
	TypeStopTyping = "stoptyping"
	TypeReaction   = "reaction"
	TypeCreateRoom = "create_room"
	TypeInvite     = "invite"
	TypeRemove     = "remove"
	TypeSetPriv    = "set_priv"
	TypeSetTitle   = "set_title"
	TypeLogout     = "logout"
	TypeCallStart  = "call_start"
	TypeCallAnswer = "call_answer"
	TypeCallEnd    = "call_end"
	TypeCallAV     = "call_av"
	TypePrefs      = "prefs"
	TypeActive     = "active"
	TypeKeepalive  = "keepalive"

	// Server -> client. Types shared with the client direction
	// (newmsg, msgupd, seen, received, typing, stoptyping, reaction,
	// call_av, prefs, keepalive) are reused.
	TypeWelcome         = "welcome"
	TypeJoined          = "joined"
	TypeRoom            = "room"
	TypeOldMsg          = "oldmsg"
	TypeNewMsgID        = "newmsgid"
	TypeReject          = "reject"
	TypeHistDone        = "histdone"
	TypeMember          = "member"
	TypeHistoryReload   = "history_reload"
	TypeAck             = "ack"
	TypeError           = "error"
	TypeCallIncoming    = "call_incoming"
	TypeCallAnswered    = "call_answered"
	TypeCallEnded       = "call_ended"
	TypeCallParticipant = "call_participant"
	TypePeerPresence    = "peer_presence"
)

// NewFrame builds a frame with data encoded as JSON. A nil data leaves
// Data empty.
func NewFrame(typ, room string, data any) (Frame, error) {
	f := Frame{Type: typ, Room: room}
	if data == nil {
		return f, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return f, fmt.Errorf("encode %s: %w", typ, err)
	}
	f.Data = raw
	return f, nil
}

// MustFrame is NewFrame for payloads that cannot fail to encode.
func MustFrame(typ, room string, data any) Frame {
	f, err := NewFrame(typ, room, data)
	if err != nil {
		panic(err)
	}
	return f
}

// Decode unmarshals the frame payload into v.
func (f Frame) Decode(v any) error {
	if len(f.Data) == 0 {
		return fmt.Errorf("decode %s: empty data", f.Type)
	}
	if err := json.Unmarshal(f.Data, v); err != nil {
		return fmt.Errorf("decode %s: %w", f.Type, err)
	}
	return nil
}

// HelloData opens a session on a link.
type HelloData struct {
	SessionID  string `json:"session_id,omitempty"`
	Protocol   int    `json:"protocol"`
	Background bool   `json:"background,omitempty"`
}

// WelcomeData is the server's answer to hello.
type WelcomeData struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
}

// JoinData subscribes the session to a room. Newest is the newest
// message id the client has cached.
type JoinData struct {
	Newest string `json:"newest,omitempty"`
}

// MemberData is one room member and its privilege.
type MemberData struct {
	User string `json:"user"`
	Priv int    `json:"priv"`
}

// RoomData describes a room. Sent on room, joined and in create_room acks.
type RoomData struct {
	ID        string       `json:"id"`
	Group     bool         `json:"group"`
	Title     string       `json:"title,omitempty"`
	Members   []MemberData `json:"members"`
	OwnPriv   int          `json:"own_priv"`
	CreatedAt int64        `json:"created_at"`
	LastSeen  string       `json:"last_seen,omitempty"`
	LastRecv  string       `json:"last_recv,omitempty"`
}

// HistData requests up to Count messages older than Before, the oldest
// message id the client has. An empty Before starts at the newest message.
type HistData struct {
	Count  int    `json:"count"`
	Before string `json:"before,omitempty"`
}

// MessageData carries a message in newmsg, oldmsg and msgupd frames.
type MessageData struct {
	ID      string `json:"id,omitempty"`
	TempID  string `json:"temp_id,omitempty"`
	User    string `json:"user,omitempty"`
	Type    int    `json:"type"`
	Content string `json:"content"`
	TS      int64  `json:"ts"`
	Edited  int64  `json:"edited,omitempty"`
	Deleted bool   `json:"deleted,omitempty"`
}

// NewMsgIDData confirms a sent message.
type NewMsgIDData struct {
	TempID string `json:"temp_id"`
	ID     string `json:"id"`
	TS     int64  `json:"ts,omitempty"`
}

// RejectData refuses a newmsg or msgupd.
type RejectData struct {
	Op     string `json:"op"`
	TempID string `json:"temp_id,omitempty"`
	ID     string `json:"id,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// PointerData moves the seen or received pointer.
type PointerData struct {
	ID string `json:"id"`
}

// TypingData names the user who is or stopped typing.
type TypingData struct {
	User string `json:"user"`
}

// ReactionData adds or removes a reaction on a message.
type ReactionData struct {
	ID       string `json:"id"`
	User     string `json:"user,omitempty"`
	Reaction string `json:"reaction"`
	Add      bool   `json:"add"`
}

// CreateRoomData asks the server for a new room.
type CreateRoomData struct {
	Group   bool         `json:"group"`
	Title   string       `json:"title,omitempty"`
	Members []MemberData `json:"members"`
}

// TitleData changes a group room title.
type TitleData struct {
	Title string `json:"title"`
}

// CallData carries call signaling.
type CallData struct {
	CallID string `json:"call_id"`
	User   string `json:"user,omitempty"`
	Video  bool   `json:"video,omitempty"`
	Audio  bool   `json:"audio,omitempty"`
	State  string `json:"state,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// PrefsData is the presence configuration.
type PrefsData struct {
	Status   int  `json:"status"`
	Autoaway bool `json:"autoaway"`
	Timeout  int  `json:"timeout"`
	Persist  bool `json:"persist"`
}

// ActiveData signals user activity to the presence server.
type ActiveData struct {
	Active bool `json:"active"`
}

// PeerPresenceData is another user's status.
type PeerPresenceData struct {
	User   string `json:"user"`
	Status int    `json:"status"`
}

// Error describes a protocol-level error response.
type Error struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}
