package policy

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestParseSpecStrictness(t *testing.T) {
	t.Run("unknown top-level key rejected", func(t *testing.T) {
		_, err := ParseSpec([]byte(`{"version": 2, "ownerz": {}}`))
		if err == nil || !strings.Contains(err.Error(), "ownerz") {
			t.Errorf("expected unknown-key error, got %v", err)
		}
	})

	t.Run("unknown nested key rejected", func(t *testing.T) {
		_, err := ParseSpec([]byte(`{
			"version": 2,
			"channels": {"whatsapp": {"default": {"whenToReply": {"mode": "all", "sender": []}}}}
		}`))
		if err == nil || !strings.Contains(err.Error(), "sender") {
			t.Errorf("expected unknown-key error, got %v", err)
		}
	})

	t.Run("invalid mode rejected", func(t *testing.T) {
		_, err := ParseSpec([]byte(`{
			"version": 2,
			"defaults": {"whenToReply": {"mode": "sometimes"}}
		}`))
		if err == nil || !strings.Contains(err.Error(), "sometimes") {
			t.Errorf("expected invalid-mode error, got %v", err)
		}
	})

	t.Run("wrong version rejected", func(t *testing.T) {
		_, err := ParseSpec([]byte(`{"version": 1}`))
		if err == nil {
			t.Error("expected version error")
		}
	})

	t.Run("comment field allowed", func(t *testing.T) {
		_, err := ParseSpec([]byte(`{
			"version": 2,
			"channels": {"whatsapp": {"chats": {"g@g.us": {"comment": "family group"}}}}
		}`))
		if err != nil {
			t.Errorf("comment should be allowed: %v", err)
		}
	})
}

func TestSpecRoundTrip(t *testing.T) {
	raw := `{
		"version": 2,
		"owners": {"whatsapp": ["5511999999999"], "telegram": ["@admin"]},
		"runtime": {"adminCommandRateLimitPerMinute": 10},
		"defaults": {"whoCanTalk": {"mode": "allowlist", "senders": ["a", "b"]}},
		"channels": {
			"whatsapp": {
				"default": {"whenToReply": {"mode": "mention_only"}},
				"chats": {
					"g@g.us": {
						"personaFile": "personas/family.md",
						"voice": {"output": {"mode": "in_kind", "maxSentences": 3}}
					}
				}
			}
		}
	}`
	spec, err := ParseSpec([]byte(raw))
	if err != nil {
		t.Fatalf("parsing: %v", err)
	}

	serialized, err := spec.Serialize()
	if err != nil {
		t.Fatalf("serializing: %v", err)
	}
	reparsed, err := ParseSpec(serialized)
	if err != nil {
		t.Fatalf("reparsing: %v", err)
	}

	a, _ := json.Marshal(spec)
	b, _ := json.Marshal(reparsed)
	if string(a) != string(b) {
		t.Errorf("round trip mismatch:\n%s\nvs\n%s", a, b)
	}
}

func TestSpecClone(t *testing.T) {
	spec := DefaultSpec()
	clone, err := spec.Clone()
	if err != nil {
		t.Fatalf("clone: %v", err)
	}
	mode := ReplyOff
	updateChatOverride(clone, "whatsapp", "g@g.us", func(ov *ChatOverride) {
		ov.WhenToReply = &WhenToReplyOverride{Mode: &mode}
	})
	if _, ok := spec.Channels["whatsapp"].Chats["g@g.us"]; ok {
		t.Error("mutating the clone must not touch the original")
	}
}
