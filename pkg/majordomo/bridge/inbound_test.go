package bridge

import (
	"testing"
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"
)

func newTestSession() (*Session, *[]Event) {
	s := NewSession(SessionConfig{AccountID: "test", ReadReceipts: false}, nil)
	var captured []Event
	s.Broadcast = func(evt Event) { captured = append(captured, evt) }
	return s, &captured
}

func messageEvent(chat, sender types.JID, id string, fromMe bool, msg *waE2E.Message) *events.Message {
	return &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{
				Chat:     chat,
				Sender:   sender,
				IsFromMe: fromMe,
				IsGroup:  chat.Server == types.GroupServer,
			},
			ID:        types.MessageID(id),
			Timestamp: time.Now(),
		},
		Message: msg,
	}
}

func textMessage(text string) *waE2E.Message {
	return &waE2E.Message{Conversation: proto.String(text)}
}

func findMessage(events []Event) *MessagePayload {
	for _, evt := range events {
		if evt.Type == "message" {
			payload := evt.Payload.(MessagePayload)
			return &payload
		}
	}
	return nil
}

func TestProcessInboundParticipantResolution(t *testing.T) {
	t.Run("1:1 uses remote JID even with quoted participant", func(t *testing.T) {
		s, captured := newTestSession()

		chat := types.NewJID("111111111", types.DefaultUserServer)
		// The quoted message's author is a different identity; it must NOT
		// become the resolved participant.
		msg := &waE2E.Message{
			ExtendedTextMessage: &waE2E.ExtendedTextMessage{
				Text: proto.String("replying"),
				ContextInfo: &waE2E.ContextInfo{
					StanzaID:      proto.String("q1"),
					Participant:   proto.String("222222222@lid"),
					QuotedMessage: textMessage("original"),
				},
			},
		}
		s.processInbound(messageEvent(chat, chat, "m1", false, msg))

		payload := findMessage(*captured)
		if payload == nil {
			t.Fatal("expected a message event")
		}
		if payload.ParticipantJID != "111111111@s.whatsapp.net" {
			t.Errorf("participant must be the remote JID, got %q", payload.ParticipantJID)
		}
		if payload.ReplyToParticipant != "222222222@lid" {
			t.Errorf("reply participant should keep the quoted author, got %q", payload.ReplyToParticipant)
		}
		if payload.ReplyToText != "original" {
			t.Errorf("expected quoted text, got %q", payload.ReplyToText)
		}
	})

	t.Run("group uses sender", func(t *testing.T) {
		s, captured := newTestSession()

		chat := types.NewJID("12036300000", types.GroupServer)
		sender := types.NewJID("333444555", types.DefaultUserServer)
		s.processInbound(messageEvent(chat, sender, "m1", false, textMessage("hi")))

		payload := findMessage(*captured)
		if payload == nil {
			t.Fatal("expected a message event")
		}
		if !payload.IsGroup {
			t.Error("expected group detection via @g.us suffix")
		}
		if payload.ParticipantJID != "333444555@s.whatsapp.net" {
			t.Errorf("unexpected participant %q", payload.ParticipantJID)
		}
	})
}

func TestProcessInboundDedup(t *testing.T) {
	s, captured := newTestSession()
	chat := types.NewJID("111111111", types.DefaultUserServer)

	s.processInbound(messageEvent(chat, chat, "m1", false, textMessage("one")))
	s.processInbound(messageEvent(chat, chat, "m1", false, textMessage("one again")))

	count := 0
	for _, evt := range *captured {
		if evt.Type == "message" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("expected one message event, got %d", count)
	}
	if s.droppedDuplicates.Load() != 1 {
		t.Errorf("expected droppedInboundDuplicates=1, got %d", s.droppedDuplicates.Load())
	}
}

func TestProcessInboundFromMeGate(t *testing.T) {
	chat := types.NewJID("111111111", types.DefaultUserServer)

	t.Run("own messages dropped by default", func(t *testing.T) {
		s, captured := newTestSession()
		s.processInbound(messageEvent(chat, chat, "m1", true, textMessage("me")))
		if findMessage(*captured) != nil {
			t.Error("fromMe message must be dropped when acceptFromMe is off")
		}
	})

	t.Run("bridge-sent echoes dropped even with acceptFromMe", func(t *testing.T) {
		s, captured := newTestSession()
		s.cfg.AcceptFromMe = true
		s.recordOutbound("111111111@s.whatsapp.net", "sent1")

		s.processInbound(messageEvent(chat, chat, "sent1", true, textMessage("echo")))
		if findMessage(*captured) != nil {
			t.Error("echo of a bridge-sent message must be dropped")
		}
	})

	t.Run("external own-account messages accepted with acceptFromMe", func(t *testing.T) {
		s, captured := newTestSession()
		s.cfg.AcceptFromMe = true

		s.processInbound(messageEvent(chat, chat, "ext1", true, textMessage("from phone")))
		if findMessage(*captured) == nil {
			t.Error("external own-account message should be accepted")
		}
	})
}

func TestProcessInboundStatusBroadcastDropped(t *testing.T) {
	s, captured := newTestSession()
	chat := types.JID{User: "status", Server: "broadcast"}
	s.processInbound(messageEvent(chat, chat, "m1", false, textMessage("status update")))
	if len(*captured) != 0 {
		t.Error("status broadcast must be dropped")
	}
}

func TestNormalizeJID(t *testing.T) {
	cases := []struct{ in, want string }{
		{"5511999999999:12@s.whatsapp.net", "5511999999999@s.whatsapp.net"},
		{"5511999999999@S.WHATSAPP.NET", "5511999999999@s.whatsapp.net"},
		{"  123@g.us ", "123@g.us"},
		{"bare", "bare"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := normalizeJID(tc.in); got != tc.want {
			t.Errorf("normalizeJID(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestUnwrapMessageDepth(t *testing.T) {
	inner := textMessage("deep")
	wrapped := inner
	for i := 0; i < 3; i++ {
		wrapped = &waE2E.Message{
			EphemeralMessage: &waE2E.FutureProofMessage{Message: wrapped},
		}
	}
	got := unwrapMessage(wrapped, 0)
	if got.GetConversation() != "deep" {
		t.Errorf("expected unwrapped conversation, got %+v", got)
	}

	t.Run("depth cap stops runaway nesting", func(t *testing.T) {
		deep := inner
		for i := 0; i < 10; i++ {
			deep = &waE2E.Message{
				EphemeralMessage: &waE2E.FutureProofMessage{Message: deep},
			}
		}
		got := unwrapMessage(deep, 0)
		if got.GetConversation() == "deep" {
			t.Error("expected depth cap to stop before full unwrap")
		}
	})
}

func TestMentionScan(t *testing.T) {
	s, captured := newTestSession()
	chat := types.NewJID("12036300000", types.GroupServer)
	sender := types.NewJID("333444555", types.DefaultUserServer)

	s.processInbound(messageEvent(chat, sender, "m1", false, textMessage("ping @5511999999999 please")))
	payload := findMessage(*captured)
	if payload == nil {
		t.Fatal("expected message event")
	}
	found := false
	for _, jid := range payload.MentionedJIDs {
		if jid == "5511999999999@s.whatsapp.net" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected digit mention extracted, got %v", payload.MentionedJIDs)
	}
}

func TestQuotedTextPlaceholders(t *testing.T) {
	cases := []struct {
		name string
		msg  *waE2E.Message
		want string
	}{
		{"voice note", &waE2E.Message{AudioMessage: &waE2E.AudioMessage{PTT: proto.Bool(true)}}, "[Voice Message]"},
		{"audio", &waE2E.Message{AudioMessage: &waE2E.AudioMessage{}}, "[Audio]"},
		{"sticker", &waE2E.Message{StickerMessage: &waE2E.StickerMessage{}}, "[Sticker]"},
		{"unknown", &waE2E.Message{}, "[Message]"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := quotedText(tc.msg); got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}
