package policy

import (
	"os"
	"path/filepath"
	"testing"
)

func TestStoreSeedsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.json")
	store, err := NewStore(path, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected policy file seeded: %v", err)
	}
	if store.Current() == nil {
		t.Fatal("expected a compiled snapshot")
	}
	if got := store.Current().Spec().Version; got != SchemaVersion {
		t.Errorf("unexpected version %d", got)
	}
}

func TestReloadIfChanged(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.json")
	store, err := NewStore(path, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	before := store.Current()

	t.Run("unchanged file does not swap", func(t *testing.T) {
		changed, err := store.ReloadIfChanged()
		if err != nil {
			t.Fatal(err)
		}
		if changed {
			t.Error("expected no reload for unchanged file")
		}
		if store.Current() != before {
			t.Error("snapshot pointer must be stable")
		}
	})

	t.Run("valid change swaps atomically", func(t *testing.T) {
		doc := `{"version": 2, "defaults": {"whenToReply": {"mode": "off"}}}`
		if err := WriteFileAtomic(path, []byte(doc), 0o600); err != nil {
			t.Fatal(err)
		}
		changed, err := store.ReloadIfChanged()
		if err != nil {
			t.Fatal(err)
		}
		if !changed {
			t.Fatal("expected reload")
		}
		eff := store.Current().ResolveEffective("discord", "c1")
		if eff.WhenToReplyMode != ReplyOff {
			t.Errorf("new policy not in effect: %s", eff.WhenToReplyMode)
		}
	})

	t.Run("invalid change keeps previous snapshot", func(t *testing.T) {
		good := store.Current()
		if err := WriteFileAtomic(path, []byte(`{"version": 2, "bogus": true}`), 0o600); err != nil {
			t.Fatal(err)
		}
		changed, err := store.ReloadIfChanged()
		if err == nil {
			t.Error("expected validation error")
		}
		if changed {
			t.Error("invalid policy must not swap")
		}
		if store.Current() != good {
			t.Error("previous snapshot must be retained")
		}
	})
}
