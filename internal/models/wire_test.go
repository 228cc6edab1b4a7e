package models

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestPresenceEvent_JSON(t *testing.T) {
	tests := []struct {
		name     string
		presence Presence
		want     string
	}{
		{"online", Presence{Online: true}, `"online":true`},
		{"offline", Presence{Online: false, LastSeen: 1700000000}, `"online":false`},
		{"never seen", Presence{}, `"online":false`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(PresenceEvent("alice", tt.presence))
			if err != nil {
				t.Fatalf("Marshal failed: %v", err)
			}
			if !strings.Contains(string(data), tt.want) {
				t.Errorf("expected %s in %s", tt.want, data)
			}
			if !strings.Contains(string(data), `"profileId":"alice"`) {
				t.Errorf("expected profileId in %s", data)
			}
		})
	}
}

func TestServerMessage_NoOnlineOutsidePresence(t *testing.T) {
	data, err := json.Marshal(ServerMessage{Type: ServerMessageTypeAck, RequestID: "r1"})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if strings.Contains(string(data), "online") {
		t.Errorf("unexpected online field in %s", data)
	}
}
