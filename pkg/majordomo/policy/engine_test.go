package policy

import (
	"testing"
)

func specWith(t *testing.T, raw string) *Spec {
	t.Helper()
	spec, err := ParseSpec([]byte(raw))
	if err != nil {
		t.Fatalf("parsing spec: %v", err)
	}
	return spec
}

func TestEvaluateWhoCanTalk(t *testing.T) {
	spec := specWith(t, `{
		"version": 2,
		"owners": {"whatsapp": ["5511999999999"]},
		"channels": {
			"whatsapp": {
				"default": {"whoCanTalk": {"mode": "allowlist", "senders": ["111222333444"]},
				            "whenToReply": {"mode": "all"}}
			}
		}
	}`)
	snap := Compile(spec, nil)

	t.Run("allowlisted sender accepted", func(t *testing.T) {
		dec := snap.Evaluate(Query{Channel: "whatsapp", ChatID: "c1", SenderID: "111222333444@s.whatsapp.net"})
		if !dec.AcceptMessage || !dec.ShouldRespond {
			t.Errorf("expected accept+respond, got %+v", dec)
		}
	})

	t.Run("unknown sender rejected silently", func(t *testing.T) {
		dec := snap.Evaluate(Query{Channel: "whatsapp", ChatID: "c1", SenderID: "999000111222"})
		if dec.AcceptMessage || dec.ShouldRespond {
			t.Errorf("expected rejection, got %+v", dec)
		}
		if dec.Reason != "who_can_talk:allowlist" {
			t.Errorf("unexpected reason %q", dec.Reason)
		}
	})

	t.Run("owner matches with device suffix", func(t *testing.T) {
		spec := specWith(t, `{
			"version": 2,
			"owners": {"whatsapp": ["5511999999999"]},
			"defaults": {"whoCanTalk": {"mode": "owner_only"}}
		}`)
		snap := Compile(spec, nil)
		dec := snap.Evaluate(Query{Channel: "whatsapp", ChatID: "c1", SenderID: "5511999999999:12@s.whatsapp.net"})
		if !dec.AcceptMessage {
			t.Errorf("expected owner accepted, got %+v", dec)
		}
	})
}

func TestEvaluateBlockedSendersPrecedence(t *testing.T) {
	// A blocked sender stays blocked even when the allowlist would accept it.
	spec := specWith(t, `{
		"version": 2,
		"defaults": {
			"whoCanTalk": {"mode": "allowlist", "senders": ["111222333444"]},
			"blockedSenders": {"senders": ["111222333444"]}
		}
	}`)
	snap := Compile(spec, nil)
	dec := snap.Evaluate(Query{Channel: "whatsapp", ChatID: "c1", SenderID: "111222333444"})
	if dec.AcceptMessage || dec.ShouldRespond {
		t.Errorf("blocked sender must not be accepted: %+v", dec)
	}
	if dec.Reason != "blocked_sender" {
		t.Errorf("unexpected reason %q", dec.Reason)
	}
}

func TestEvaluateMentionOnly(t *testing.T) {
	spec := specWith(t, `{
		"version": 2,
		"channels": {
			"whatsapp": {
				"default": {
					"whenToReply": {"mode": "mention_only"},
					"voice": {"input": {"wakePhrases": ["hey nano"]}}
				}
			}
		}
	}`)
	snap := Compile(spec, nil)
	base := Query{Channel: "whatsapp", ChatID: "group@g.us", SenderID: "111", IsGroup: true}

	t.Run("group without mention stays silent", func(t *testing.T) {
		dec := snap.Evaluate(base)
		if dec.ShouldRespond {
			t.Error("expected should_respond=false")
		}
		if !dec.AcceptMessage {
			t.Error("message should still be accepted")
		}
	})

	t.Run("group with mention responds", func(t *testing.T) {
		q := base
		q.MentionedBot = true
		if dec := snap.Evaluate(q); !dec.ShouldRespond {
			t.Error("expected should_respond=true")
		}
	})

	t.Run("group with reply to bot responds", func(t *testing.T) {
		q := base
		q.ReplyToBot = true
		if dec := snap.Evaluate(q); !dec.ShouldRespond {
			t.Error("expected should_respond=true")
		}
	})

	t.Run("DM always responds", func(t *testing.T) {
		q := base
		q.IsGroup = false
		if dec := snap.Evaluate(q); !dec.ShouldRespond {
			t.Error("expected should_respond=true for DM")
		}
	})

	t.Run("voice note wake phrase satisfies mention_only", func(t *testing.T) {
		q := base
		q.VoiceTranscript = "ok... Hey, Nano! what's the weather"
		dec := snap.Evaluate(q)
		if !dec.ShouldRespond {
			t.Error("expected wake phrase to satisfy mention_only")
		}
		if dec.Reason != "who_can_talk:everyone|when_to_reply:wake_phrase" {
			t.Errorf("unexpected reason %q", dec.Reason)
		}
	})

	t.Run("wake phrase must match whole tokens", func(t *testing.T) {
		q := base
		q.VoiceTranscript = "heynano is one word"
		if dec := snap.Evaluate(q); dec.ShouldRespond {
			t.Error("partial token must not match")
		}
	})
}

func TestEvaluateToolGuardrail(t *testing.T) {
	t.Run("spawn denied when exec not allowed", func(t *testing.T) {
		spec := specWith(t, `{
			"version": 2,
			"defaults": {"allowedTools": {"mode": "allowlist", "tools": ["spawn", "read_file"]}}
		}`)
		snap := Compile(spec, nil)
		dec := snap.Evaluate(Query{Channel: "whatsapp", ChatID: "c1", SenderID: "111"})
		if dec.AllowedTools["spawn"] {
			t.Error("spawn must be denied when exec is not allowed")
		}
		if !dec.AllowedTools["read_file"] {
			t.Error("read_file should stay allowed")
		}
	})

	t.Run("deny subtracts from mode=all", func(t *testing.T) {
		spec := specWith(t, `{
			"version": 2,
			"defaults": {"allowedTools": {"mode": "all", "deny": ["exec"]}}
		}`)
		snap := Compile(spec, nil)
		dec := snap.Evaluate(Query{Channel: "whatsapp", ChatID: "c1", SenderID: "111"})
		if dec.AllowedTools["exec"] {
			t.Error("exec must be denied")
		}
		if dec.AllowedTools["spawn"] {
			t.Error("spawn must follow exec")
		}
		if !dec.AllowedTools["web_search"] {
			t.Error("other tools stay allowed")
		}
	})
}

func TestMergePrecedence(t *testing.T) {
	spec := specWith(t, `{
		"version": 2,
		"defaults": {"whenToReply": {"mode": "all"}, "personaFile": "base.md"},
		"channels": {
			"whatsapp": {
				"default": {"whenToReply": {"mode": "mention_only"}},
				"chats": {
					"special@g.us": {"whenToReply": {"mode": "off"}, "personaFile": "special.md"}
				}
			}
		}
	}`)
	snap := Compile(spec, nil)

	t.Run("chat override wins", func(t *testing.T) {
		eff := snap.ResolveEffective("whatsapp", "special@g.us")
		if eff.WhenToReplyMode != ReplyOff {
			t.Errorf("expected off, got %s", eff.WhenToReplyMode)
		}
		if eff.PersonaFile != "special.md" {
			t.Errorf("expected special.md, got %s", eff.PersonaFile)
		}
	})

	t.Run("channel default wins over defaults", func(t *testing.T) {
		eff := snap.ResolveEffective("whatsapp", "other@g.us")
		if eff.WhenToReplyMode != ReplyMentionOnly {
			t.Errorf("expected mention_only, got %s", eff.WhenToReplyMode)
		}
		if eff.PersonaFile != "base.md" {
			t.Errorf("persona should inherit from defaults, got %s", eff.PersonaFile)
		}
	})

	t.Run("unconfigured channel falls back to defaults", func(t *testing.T) {
		// discord has no built-in channel default, unlike whatsapp/telegram.
		eff := snap.ResolveEffective("discord", "c1")
		if eff.WhenToReplyMode != ReplyAll {
			t.Errorf("expected all, got %s", eff.WhenToReplyMode)
		}
	})
}

func TestEvaluateDeterminism(t *testing.T) {
	spec := specWith(t, `{"version": 2}`)
	snap := Compile(spec, nil)
	q := Query{Channel: "whatsapp", ChatID: "c1", SenderID: "111", IsGroup: true, MentionedBot: true}
	first := snap.Evaluate(q)
	for i := 0; i < 10; i++ {
		dec := snap.Evaluate(q)
		if dec.AcceptMessage != first.AcceptMessage ||
			dec.ShouldRespond != first.ShouldRespond ||
			dec.Reason != first.Reason {
			t.Fatalf("evaluation not deterministic: %+v vs %+v", dec, first)
		}
	}
}

func TestEvaluatePolicyNotApplied(t *testing.T) {
	spec := specWith(t, `{"version": 2}`)
	snap := Compile(spec, []string{"whatsapp"})
	dec := snap.Evaluate(Query{Channel: "discord", ChatID: "c1", SenderID: "u1"})
	if !dec.AcceptMessage || !dec.ShouldRespond {
		t.Errorf("non-applied channel must pass through, got %+v", dec)
	}
	if dec.Reason != "policy_not_applied" {
		t.Errorf("unexpected reason %q", dec.Reason)
	}
}

func TestIdentityNormalization(t *testing.T) {
	t.Run("whatsapp variants match", func(t *testing.T) {
		allowed := normalizeSenderSet("whatsapp", []string{"+5511999999999"})
		cases := []string{
			"5511999999999",
			"5511999999999@s.whatsapp.net",
			"5511999999999:3@s.whatsapp.net",
			"+5511999999999",
		}
		for _, c := range cases {
			if !matchSender(senderAliases("whatsapp", c), allowed) {
				t.Errorf("expected %q to match", c)
			}
		}
	})

	t.Run("telegram username case-insensitive", func(t *testing.T) {
		allowed := normalizeSenderSet("telegram", []string{"@SomeUser"})
		if !matchSender(senderAliases("telegram", "someuser"), allowed) {
			t.Error("bare lowercase username should match")
		}
		if !matchSender(senderAliases("telegram", "@SOMEUSER"), allowed) {
			t.Error("prefixed uppercase username should match")
		}
	})

	t.Run("telegram numeric id primary", func(t *testing.T) {
		allowed := normalizeSenderSet("telegram", []string{"123456789"})
		if !matchSender(senderAliases("telegram", "123456789"), allowed) {
			t.Error("numeric id should match")
		}
		if matchSender(senderAliases("telegram", "987654321"), allowed) {
			t.Error("different id must not match")
		}
	})
}
