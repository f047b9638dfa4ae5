package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/vovakirdan/wirechat-engine/internal/auth"
	transporthttp "github.com/vovakirdan/wirechat-engine/internal/transport/http"
)

func TestHashPasswordCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetArgs([]string{"hash-password"})
	rootCmd.SetIn(strings.NewReader("correct horse\n"))
	rootCmd.SetOut(&out)
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		rootCmd.SetIn(nil)
		rootCmd.SetOut(nil)
	})

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	hash := strings.TrimSpace(out.String())
	if err := auth.ComparePassword(hash, "correct horse"); err != nil {
		t.Fatalf("printed hash does not verify: %v", err)
	}
}

func TestPrintEvent(t *testing.T) {
	tests := []struct {
		name string
		ev   transporthttp.EventResponse
		want string
	}{
		{
			name: "live message",
			ev: transporthttp.EventResponse{Kind: "message_received", Message: &transporthttp.MessageResponse{
				UserID: "bob", Content: "hi", CreatedAt: "2024-05-01T12:00:00Z",
			}},
			want: "[2024-05-01T12:00:00Z] bob: hi\n",
		},
		{
			name: "batch end",
			ev:   transporthttp.EventResponse{Kind: "message_loaded", BatchEnd: true},
			want: "-- end of batch --\n",
		},
		{
			name: "pending update",
			ev: transporthttp.EventResponse{Kind: "message_updated", Message: &transporthttp.MessageResponse{
				TempID: "t1", Status: "rejected", Content: "x",
			}},
			want: "(rejected t1) x\n",
		},
		{
			name: "ignored kind",
			ev:   transporthttp.EventResponse{Kind: "peer_presence"},
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			printEvent(&out, tt.ev)
			if out.String() != tt.want {
				t.Fatalf("got %q, want %q", out.String(), tt.want)
			}
		})
	}
}
