package bridge

import (
	"encoding/json"
	"strings"
	"testing"
)

func frame(t *testing.T, cmdType string, payload string) []byte {
	t.Helper()
	return []byte(`{"version":2,"type":"` + cmdType + `","token":"secret","requestId":"r1","payload":` + payload + `}`)
}

func TestParseCommandValid(t *testing.T) {
	t.Run("send_text", func(t *testing.T) {
		env, cmd, perr := ParseCommand(frame(t, "send_text",
			`{"to":"5511999@s.whatsapp.net","text":"hi","replyToMessageId":"m1"}`))
		if perr != nil {
			t.Fatalf("unexpected error: %v", perr)
		}
		if env.RequestID != "r1" {
			t.Errorf("request id lost: %q", env.RequestID)
		}
		text, ok := cmd.(SendTextCmd)
		if !ok {
			t.Fatalf("wrong command type %T", cmd)
		}
		if text.To != "5511999@s.whatsapp.net" || text.Text != "hi" || text.ReplyToMessageID != "m1" {
			t.Errorf("fields lost: %+v", text)
		}
	})

	t.Run("send_poll", func(t *testing.T) {
		_, cmd, perr := ParseCommand(frame(t, "send_poll",
			`{"to":"g@g.us","question":"lunch?","options":["pizza","sushi"],"maxSelections":1}`))
		if perr != nil {
			t.Fatalf("unexpected error: %v", perr)
		}
		if _, ok := cmd.(SendPollCmd); !ok {
			t.Errorf("wrong command type %T", cmd)
		}
	})

	t.Run("health with no payload", func(t *testing.T) {
		_, cmd, perr := ParseCommand([]byte(`{"version":2,"type":"health","token":"secret"}`))
		if perr != nil {
			t.Fatalf("unexpected error: %v", perr)
		}
		if _, ok := cmd.(HealthCmd); !ok {
			t.Errorf("wrong command type %T", cmd)
		}
	})
}

func TestParseCommandSchemaErrors(t *testing.T) {
	cases := []struct {
		name    string
		cmdType string
		payload string
	}{
		{"send_text missing to", "send_text", `{"text":"hi"}`},
		{"send_text empty text", "send_text", `{"to":"a","text":"  "}`},
		{"send_media no source", "send_media", `{"to":"a"}`},
		{"send_media two sources", "send_media", `{"to":"a","mediaUrl":"http://x","mediaBase64":"aGk="}`},
		{"send_poll one option", "send_poll", `{"to":"a","question":"q","options":["only"]}`},
		{"send_poll too many options", "send_poll", `{"to":"a","question":"q","options":["1","2","3","4","5","6","7","8","9","10","11","12","13"]}`},
		{"send_poll bad maxSelections", "send_poll", `{"to":"a","question":"q","options":["1","2"],"maxSelections":13}`},
		{"react missing emoji", "react", `{"chatJid":"a","messageId":"m"}`},
		{"presence composing without chat", "presence_update", `{"state":"composing"}`},
		{"presence invalid state", "presence_update", `{"state":"sleeping"}`},
		{"login_start short timeout", "login_start", `{"timeoutMs":500}`},
		{"unknown payload field", "send_text", `{"to":"a","text":"b","extra":true}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, perr := ParseCommand(frame(t, tc.cmdType, tc.payload))
			if perr == nil {
				t.Fatal("expected schema error")
			}
			if perr.Code != ErrSchema {
				t.Errorf("expected %s, got %s", ErrSchema, perr.Code)
			}
			if perr.Retryable {
				t.Error("schema errors are not retryable")
			}
		})
	}
}

func TestParseCommandProtocolVersion(t *testing.T) {
	_, _, perr := ParseCommand([]byte(`{"version":1,"type":"health","token":"s"}`))
	if perr == nil || perr.Code != ErrProtocolVersion {
		t.Errorf("expected %s, got %v", ErrProtocolVersion, perr)
	}
}

func TestParseCommandUnsupported(t *testing.T) {
	_, _, perr := ParseCommand(frame(t, "teleport", `{}`))
	if perr == nil || perr.Code != ErrUnsupported {
		t.Errorf("expected %s, got %v", ErrUnsupported, perr)
	}
}

func TestParseCommandTooLarge(t *testing.T) {
	big := strings.Repeat("x", MaxCommandBytes+1)
	_, _, perr := ParseCommand([]byte(big))
	if perr == nil || perr.Code != ErrPayloadTooLarge {
		t.Errorf("expected %s, got %v", ErrPayloadTooLarge, perr)
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	original := frame(t, "send_text", `{"to":"a@s.whatsapp.net","text":"hello world"}`)
	env, cmd, perr := ParseCommand(original)
	if perr != nil {
		t.Fatal(perr)
	}

	// Re-serialize the parsed command into an envelope and parse again.
	payload, err := json.Marshal(cmd)
	if err != nil {
		t.Fatal(err)
	}
	reencoded, err := json.Marshal(Envelope{
		Version:   ProtocolVersion,
		Type:      cmd.CommandType(),
		Token:     env.Token,
		RequestID: env.RequestID,
		Payload:   payload,
	})
	if err != nil {
		t.Fatal(err)
	}
	env2, cmd2, perr := ParseCommand(reencoded)
	if perr != nil {
		t.Fatalf("reparse: %v", perr)
	}
	if env2.RequestID != env.RequestID || cmd2.(SendTextCmd) != cmd.(SendTextCmd) {
		t.Errorf("round trip mismatch: %+v vs %+v", cmd2, cmd)
	}
}

func TestSanitizeError(t *testing.T) {
	perr := &ProtocolError{
		Code:    ErrInternal,
		Message: "request with token super-secret-token failed: super-secret-token rejected",
	}
	clean := SanitizeError(perr, "super-secret-token")
	if strings.Contains(clean.Message, "super-secret-token") {
		t.Errorf("token leaked: %q", clean.Message)
	}
	if !strings.Contains(clean.Message, "***") {
		t.Errorf("expected *** replacement: %q", clean.Message)
	}
	// Original untouched.
	if !strings.Contains(perr.Message, "super-secret-token") {
		t.Error("sanitize must not mutate the original")
	}
}
