package http

import (
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/vovakirdan/wirechat-engine/internal/callengine"
	"github.com/vovakirdan/wirechat-engine/internal/core"
	"github.com/vovakirdan/wirechat-engine/internal/store"
)

// ErrorResponse represents an error response body.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// statusFor maps an engine error to an HTTP status.
func statusFor(err error) int {
	if errors.Is(err, core.ErrClosed) {
		return http.StatusServiceUnavailable
	}
	switch core.Code(err) {
	case core.ErrCodeAccessDenied:
		return http.StatusForbidden
	case core.ErrCodeNotFound:
		return http.StatusNotFound
	case core.ErrCodeInvalidArgument:
		return http.StatusBadRequest
	case core.ErrCodeTooOld:
		return http.StatusConflict
	case core.ErrCodeRejected:
		return http.StatusUnprocessableEntity
	case core.ErrCodeTransientNetwork:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errorResponse(err error) ErrorResponse {
	code := core.Code(err)
	if code == "" {
		code = core.ErrCodeInternal
	}
	return ErrorResponse{Error: err.Error(), Code: code}
}

// MemberResponse is one room member.
type MemberResponse struct {
	UserID string `json:"user_id"`
	Priv   string `json:"priv"`
}

// RoomResponse represents a room in API responses.
type RoomResponse struct {
	ID          string           `json:"id"`
	Type        string           `json:"type"`
	Title       string           `json:"title,omitempty"`
	Members     []MemberResponse `json:"members"`
	OwnPriv     string           `json:"own_priv"`
	UnreadCount int              `json:"unread_count"`
	CreatedAt   string           `json:"created_at"`
}

func roomResponse(r *store.Room) RoomResponse {
	members := make([]MemberResponse, 0, len(r.Members))
	for id, priv := range r.Members {
		members = append(members, MemberResponse{UserID: id, Priv: priv.String()})
	}
	sort.Slice(members, func(i, j int) bool { return members[i].UserID < members[j].UserID })
	return RoomResponse{
		ID:          r.ID,
		Type:        string(r.Type),
		Title:       r.Title,
		Members:     members,
		OwnPriv:     r.OwnPriv.String(),
		UnreadCount: r.UnreadCount,
		CreatedAt:   formatTime(r.CreatedAt),
	}
}

// MessageResponse represents a message in API responses.
type MessageResponse struct {
	ID           string              `json:"id,omitempty"`
	TempID       string              `json:"temp_id,omitempty"`
	RoomID       string              `json:"room_id"`
	UserID       string              `json:"user_id"`
	Idx          int64               `json:"idx"`
	Type         int                 `json:"type"`
	Content      string              `json:"content"`
	CreatedAt    string              `json:"created_at"`
	EditedAt     string              `json:"edited_at,omitempty"`
	Status       string              `json:"status"`
	Deleted      bool                `json:"deleted,omitempty"`
	Reactions    map[string][]string `json:"reactions,omitempty"`
	ManualReason int                 `json:"manual_reason,omitempty"`
}

func messageResponse(m *store.Message) MessageResponse {
	resp := MessageResponse{
		ID:           m.ID,
		TempID:       m.TempID,
		RoomID:       m.RoomID,
		UserID:       m.UserID,
		Idx:          m.Idx,
		Type:         int(m.Type),
		Content:      m.Content,
		CreatedAt:    formatTime(m.CreatedAt),
		Status:       m.Status.String(),
		Deleted:      m.Deleted,
		Reactions:    m.Reactions,
		ManualReason: m.ManualReason,
	}
	if m.EditedAt != nil {
		resp.EditedAt = formatTime(*m.EditedAt)
	}
	return resp
}

func messageResponses(msgs []*store.Message) []MessageResponse {
	out := make([]MessageResponse, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageResponse(m))
	}
	return out
}

// CallSessionResponse is one call participant.
type CallSessionResponse struct {
	UserID string `json:"user_id"`
	Audio  bool   `json:"audio"`
	Video  bool   `json:"video"`
	State  string `json:"state"`
}

// CallResponse represents a call in API responses.
type CallResponse struct {
	ID          string                `json:"id"`
	RoomID      string                `json:"room_id"`
	InitiatorID string                `json:"initiator_id"`
	Status      string                `json:"status"`
	Outgoing    bool                  `json:"outgoing"`
	Video       bool                  `json:"video_capable"`
	Ignored     bool                  `json:"ignored,omitempty"`
	LocalAudio  bool                  `json:"local_audio"`
	LocalVideo  bool                  `json:"local_video"`
	Sessions    []CallSessionResponse `json:"sessions"`
	EndReason   string                `json:"end_reason,omitempty"`
	CreatedAt   string                `json:"created_at"`
	EndedAt     string                `json:"ended_at,omitempty"`
}

func callResponse(c *store.Call) CallResponse {
	sessions := make([]CallSessionResponse, 0, len(c.Sessions))
	for _, s := range c.Sessions {
		sessions = append(sessions, CallSessionResponse{
			UserID: s.UserID,
			Audio:  s.Audio,
			Video:  s.Video,
			State:  string(s.State),
		})
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].UserID < sessions[j].UserID })

	resp := CallResponse{
		ID:          c.ID,
		RoomID:      c.RoomID,
		InitiatorID: c.InitiatorID,
		Status:      string(c.Status),
		Outgoing:    c.Outgoing,
		Video:       c.VideoCapable,
		Ignored:     c.Ignored,
		LocalAudio:  c.LocalAudio,
		LocalVideo:  c.LocalVideo,
		Sessions:    sessions,
		EndReason:   c.EndReason,
		CreatedAt:   formatTime(c.CreatedAt),
	}
	if c.EndedAt != nil {
		resp.EndedAt = formatTime(*c.EndedAt)
	}
	return resp
}

// PresenceResponse is the own presence configuration.
type PresenceResponse struct {
	Status          string `json:"status"`
	Autoaway        bool   `json:"autoaway"`
	AutoawaySeconds int64  `json:"autoaway_timeout_seconds"`
	Persist         bool   `json:"persist"`
	Pending         bool   `json:"pending"`
}

func presenceResponse(cfg store.PresenceConfig) PresenceResponse {
	return PresenceResponse{
		Status:          cfg.Status.String(),
		Autoaway:        cfg.Autoaway,
		AutoawaySeconds: int64(cfg.AutoawayTimeout / time.Second),
		Persist:         cfg.Persist,
		Pending:         cfg.Pending,
	}
}

// parsePresence maps a status name to a Presence. Unknown names map to
// PresenceInvalid, which the engine rejects.
func parsePresence(name string) store.Presence {
	for p := store.PresenceOffline; p <= store.PresenceBusy; p++ {
		if p.String() == name {
			return p
		}
	}
	return store.PresenceInvalid
}

// parsePriv maps a privilege name to a Priv.
func parsePriv(name string) store.Priv {
	for _, p := range []store.Priv{store.PrivReadOnly, store.PrivStandard, store.PrivModerator} {
		if p.String() == name {
			return p
		}
	}
	return store.PrivUnknown
}

// EventResponse is one event on the control API event stream.
type EventResponse struct {
	Kind         string               `json:"kind"`
	RoomID       string               `json:"room_id,omitempty"`
	UserID       string               `json:"user_id,omitempty"`
	Room         *RoomResponse        `json:"room,omitempty"`
	Message      *MessageResponse     `json:"message,omitempty"`
	BatchEnd     bool                 `json:"batch_end,omitempty"`
	Call         *CallResponse        `json:"call,omitempty"`
	Join         *callengine.JoinInfo `json:"join,omitempty"`
	State        string               `json:"state,omitempty"`
	Presence     *PresenceResponse    `json:"presence,omitempty"`
	Status       string               `json:"status,omitempty"`
	Reaction     string               `json:"reaction,omitempty"`
	Notification string               `json:"notification,omitempty"`
	Error        *ErrorResponse       `json:"error,omitempty"`
}

func eventResponse(ev core.Event) EventResponse {
	out := EventResponse{
		Kind:         ev.Kind.String(),
		RoomID:       ev.RoomID,
		UserID:       ev.UserID,
		Reaction:     ev.Reaction,
		Notification: string(ev.Notification),
		Join:         ev.JoinInfo,
	}
	if ev.Room != nil {
		r := roomResponse(ev.Room)
		out.Room = &r
	}
	if ev.Message != nil {
		m := messageResponse(ev.Message)
		out.Message = &m
	}
	if ev.Call != nil {
		c := callResponse(ev.Call)
		out.Call = &c
	}
	if ev.Err != nil {
		e := errorResponse(ev.Err)
		out.Error = &e
	}

	switch ev.Kind {
	case core.EventMessageLoaded:
		out.BatchEnd = ev.IsBatchEnd()
	case core.EventConnectionState:
		out.State = ev.ConnState.String()
	case core.EventChatConnectionState:
		out.State = ev.ChatState.String()
	case core.EventInitState:
		out.State = ev.InitState.String()
	case core.EventPresenceConfig:
		p := presenceResponse(ev.Presence)
		out.Presence = &p
	case core.EventOnlineStatus, core.EventPeerPresence:
		out.Status = ev.Status.String()
	}
	return out
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
