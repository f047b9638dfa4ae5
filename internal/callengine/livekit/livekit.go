package livekit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/livekit/protocol/auth"
	"github.com/vovakirdan/wirechat-engine/internal/callengine"
	"github.com/vovakirdan/wirechat-engine/internal/store"
)

// tokenTTL bounds how long a join token can be used.
const tokenTTL = time.Hour

// LiveKitEngine implements callengine.Engine using LiveKit as the media backend.
type LiveKitEngine struct {
	apiKey    string
	apiSecret string
	wsURL     string
}

// New creates a new LiveKitEngine.
func New(apiKey, apiSecret, wsURL string) *LiveKitEngine {
	return &LiveKitEngine{
		apiKey:    apiKey,
		apiSecret: apiSecret,
		wsURL:     wsURL,
	}
}

// CreateCall derives the LiveKit room name for the call.
// LiveKit creates rooms on demand when the first participant joins.
func (e *LiveKitEngine) CreateCall(_ context.Context, call *store.Call) (string, error) {
	if call.ID == "" || call.RoomID == "" {
		return "", errors.New("call without id or room")
	}
	return fmt.Sprintf("wirechat-%s-%s", call.RoomID, call.ID), nil
}

// EndCall is a no-op: LiveKit rooms expire once empty.
func (e *LiveKitEngine) EndCall(_ context.Context, _ *store.Call) error {
	return nil
}

// GenerateJoinInfo creates credentials for userID to join the call.
func (e *LiveKitEngine) GenerateJoinInfo(_ context.Context, call *store.Call, userID string) (*callengine.JoinInfo, error) {
	if call.ExternalRoomID == nil {
		return nil, fmt.Errorf("call has no external room ID")
	}

	at := auth.NewAccessToken(e.apiKey, e.apiSecret)
	grant := &auth.VideoGrant{
		RoomJoin: true,
		Room:     *call.ExternalRoomID,
	}
	at.SetVideoGrant(grant).
		SetIdentity(userID).
		SetName(userID).
		SetValidFor(tokenTTL)

	token, err := at.ToJWT()
	if err != nil {
		return nil, fmt.Errorf("generate token: %w", err)
	}

	return &callengine.JoinInfo{
		URL:      e.wsURL,
		Token:    token,
		RoomName: *call.ExternalRoomID,
		Identity: userID,
	}, nil
}

// Ensure LiveKitEngine implements callengine.Engine
var _ callengine.Engine = (*LiveKitEngine)(nil)
