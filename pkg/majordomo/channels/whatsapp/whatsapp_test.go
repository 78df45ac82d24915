package whatsapp

import (
	"strings"
	"testing"
	"time"

	"github.com/lromao/majordomo/pkg/majordomo/bridge"
	"github.com/lromao/majordomo/pkg/majordomo/channels"
)

func TestMarkdownToWhatsApp(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"bold", "this is **bold** text", "this is *bold* text"},
		{"italic", "an __italic__ word", "an _italic_ word"},
		{"strike", "~~gone~~", "~gone~"},
		{"header stripped", "# Title\nbody", "Title\nbody"},
		{"bullets", "- one\n- two", "• one\n• two"},
		{"link", "see [docs](https://example.com)", "see docs (https://example.com)"},
		{"inline code preserved", "run `ls -la` now", "run `ls -la` now"},
		{"empty", "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := MarkdownToWhatsApp(tc.in); got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}

	t.Run("code block content protected from rewrites", func(t *testing.T) {
		in := "```\n**not bold** - not a bullet\n```"
		got := MarkdownToWhatsApp(in)
		if !strings.Contains(got, "**not bold** - not a bullet") {
			t.Errorf("code block content was rewritten: %q", got)
		}
	})
}

func TestConvertMessage(t *testing.T) {
	t.Run("text message", func(t *testing.T) {
		msg := convertMessage(&bridge.MessagePayload{
			MessageID:      "m1",
			ChatJID:        "g@g.us",
			ParticipantJID: "111@s.whatsapp.net",
			SenderID:       "111@s.whatsapp.net",
			SenderName:     "Ana",
			IsGroup:        true,
			Text:           "hello",
			Timestamp:      1700000000,
			MentionedBot:   true,
		})
		if msg.ID != "m1" || msg.ChatID != "g@g.us" || !msg.IsGroup || !msg.MentionedBot {
			t.Errorf("fields lost: %+v", msg)
		}
		if msg.Text() != "hello" {
			t.Errorf("unexpected text %q", msg.Text())
		}
		if msg.Sender.DisplayName != "Ana" {
			t.Errorf("unexpected sender %+v", msg.Sender)
		}
	})

	t.Run("voice message carries audio block", func(t *testing.T) {
		msg := convertMessage(&bridge.MessagePayload{
			MessageID: "m2",
			ChatJID:   "c@s.whatsapp.net",
			SenderID:  "c@s.whatsapp.net",
			Text:      "[Voice Message]",
			Media:     &bridge.MediaPayload{Kind: "audio", MimeType: "audio/ogg", Path: "/tmp/v.ogg"},
		})
		if !msg.HasVoice() {
			t.Error("expected voice block")
		}
		if msg.Content[0].Path != "/tmp/v.ogg" {
			t.Errorf("media path lost: %+v", msg.Content[0])
		}
	})

	t.Run("reply metadata", func(t *testing.T) {
		msg := convertMessage(&bridge.MessagePayload{
			MessageID:          "m3",
			ChatJID:            "c@s.whatsapp.net",
			SenderID:           "c@s.whatsapp.net",
			Text:               "replying",
			ReplyToMessageID:   "orig",
			ReplyToText:        "original text",
			ReplyToParticipant: "222@s.whatsapp.net",
			ReplyToBot:         true,
		})
		if msg.ReplyTo == nil || msg.ReplyTo.MessageID != "orig" || msg.ReplyTo.Text != "original text" {
			t.Errorf("reply ref lost: %+v", msg.ReplyTo)
		}
		if !msg.ReplyToBot {
			t.Error("reply_to_bot flag lost")
		}
	})
}

func TestDebounceCoalescing(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DebounceMs = 30
	w := New(cfg, nil)

	payload := func(id, text string) *bridge.MessagePayload {
		return &bridge.MessagePayload{
			MessageID: id,
			ChatJID:   "c1",
			SenderID:  "111",
			Text:      text,
			Timestamp: time.Now().Unix(),
		}
	}

	t.Run("rapid messages coalesce into one", func(t *testing.T) {
		w.ingest(payload("m1", "first"))
		w.ingest(payload("m2", "second"))

		select {
		case msg := <-w.Receive():
			if msg.Text() != "first\nsecond" {
				t.Errorf("expected concatenated text, got %q", msg.Text())
			}
			if msg.ID != "m2" {
				t.Errorf("expected last message id, got %s", msg.ID)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for coalesced message")
		}

		select {
		case msg := <-w.Receive():
			t.Errorf("expected a single coalesced message, got extra %+v", msg)
		case <-time.After(100 * time.Millisecond):
		}
	})

	t.Run("slash commands bypass debounce", func(t *testing.T) {
		w.ingest(payload("m3", "/policy help"))
		select {
		case msg := <-w.Receive():
			if msg.Text() != "/policy help" {
				t.Errorf("unexpected text %q", msg.Text())
			}
		case <-time.After(200 * time.Millisecond):
			t.Fatal("command should emit immediately")
		}
	})

	t.Run("mention flags OR across the bucket", func(t *testing.T) {
		first := payload("m4", "plain")
		mentioned := payload("m5", "with mention")
		mentioned.MentionedBot = true
		w.ingest(first)
		w.ingest(mentioned)

		select {
		case msg := <-w.Receive():
			if !msg.MentionedBot {
				t.Error("expected mention flag to survive coalescing")
			}
		case <-time.After(time.Second):
			t.Fatal("timeout")
		}
	})
}

func TestSendWhenDisconnected(t *testing.T) {
	w := New(DefaultConfig(), nil)
	err := w.Send(t.Context(), "c1", &channels.OutgoingMessage{Content: "hi"})
	if err != channels.ErrChannelDisconnected {
		t.Errorf("expected ErrChannelDisconnected, got %v", err)
	}
}

func TestConnectRequiresToken(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BridgeToken = ""
	w := New(cfg, nil)
	if err := w.Connect(t.Context()); err == nil {
		t.Error("expected error without bridge token")
	}
}
