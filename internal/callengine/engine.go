package callengine

import (
	"context"

	"github.com/vovakirdan/wirechat-engine/internal/store"
)

// JoinInfo contains information needed to join a call's media session.
type JoinInfo struct {
	URL      string `json:"url"`       // WebSocket URL of the media server
	Token    string `json:"token"`     // access token for the media server
	RoomName string `json:"room_name"` // media room name
	Identity string `json:"identity"`  // own identity in the media room
}

// Engine abstracts the media backend for calls. Signaling (ringing,
// answering, hanging up) goes through the chat server; the engine only
// names the media room and issues credentials for it.
type Engine interface {
	// CreateCall names the media room for the call. Both ends of a call
	// must derive the same name from the call and room ids.
	// Returns external room ID to store in Call.ExternalRoomID.
	CreateCall(ctx context.Context, call *store.Call) (externalRoomID string, err error)

	// EndCall releases the media room.
	EndCall(ctx context.Context, call *store.Call) error

	// GenerateJoinInfo creates join credentials for the own user.
	GenerateJoinInfo(ctx context.Context, call *store.Call, userID string) (*JoinInfo, error)
}
