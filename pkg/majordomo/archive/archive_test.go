package archive

import (
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "archive.db"), nil)
	if err != nil {
		t.Fatalf("opening archive: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func rec(chat, id, text string) Record {
	return Record{
		Channel:   "whatsapp",
		ChatID:    chat,
		MessageID: id,
		SenderID:  "111@s.whatsapp.net",
		Text:      text,
		Timestamp: time.Now().UTC(),
	}
}

func TestInsertAssignsMonotonicSeq(t *testing.T) {
	store := newTestStore(t)

	var lastSeq int64
	for i := 1; i <= 5; i++ {
		got, err := store.Insert(rec("c1", fmt.Sprintf("m%d", i), "hello"))
		if err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
		if got.Seq <= lastSeq {
			t.Errorf("seq not strictly increasing: %d after %d", got.Seq, lastSeq)
		}
		lastSeq = got.Seq
	}

	// Another chat gets its own partition starting at 1.
	got, err := store.Insert(rec("c2", "m1", "hi"))
	if err != nil {
		t.Fatal(err)
	}
	if got.Seq != 1 {
		t.Errorf("expected seq 1 in fresh partition, got %d", got.Seq)
	}
}

func TestInsertIdempotent(t *testing.T) {
	store := newTestStore(t)

	first, err := store.Insert(rec("c1", "m1", "original"))
	if err != nil {
		t.Fatal(err)
	}
	second, err := store.Insert(rec("c1", "m1", "changed text"))
	if err != nil {
		t.Fatal(err)
	}
	if second.Seq != first.Seq {
		t.Errorf("duplicate insert must return the existing record, got seq %d vs %d", second.Seq, first.Seq)
	}
	if second.Text != "original" {
		t.Errorf("duplicate insert must not modify the stored text, got %q", second.Text)
	}
}

func TestMessagesBefore(t *testing.T) {
	store := newTestStore(t)
	for i := 1; i <= 10; i++ {
		if _, err := store.Insert(rec("c1", fmt.Sprintf("m%d", i), fmt.Sprintf("msg %d", i))); err != nil {
			t.Fatal(err)
		}
	}

	before, err := store.MessagesBefore("whatsapp", "c1", "m8", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(before) != 3 {
		t.Fatalf("expected 3 records, got %d", len(before))
	}
	// Oldest-first: m5, m6, m7.
	want := []string{"m5", "m6", "m7"}
	for i, w := range want {
		if before[i].MessageID != w {
			t.Errorf("position %d: got %s, want %s", i, before[i].MessageID, w)
		}
	}

	t.Run("missing anchor returns nothing", func(t *testing.T) {
		got, err := store.MessagesBefore("whatsapp", "c1", "nope", 3)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 0 {
			t.Errorf("expected empty, got %d", len(got))
		}
	})
}

func TestWalkReplyChain(t *testing.T) {
	store := newTestStore(t)

	insert := func(id, replyTo, text string) {
		r := rec("c1", id, text)
		r.ReplyToMessageID = replyTo
		if _, err := store.Insert(r); err != nil {
			t.Fatal(err)
		}
	}
	insert("m1", "", "root")
	insert("m2", "m1", "first reply")
	insert("m3", "m2", "second reply")

	t.Run("walks backward most-recent-first", func(t *testing.T) {
		chain, err := store.WalkReplyChain("whatsapp", "c1", "m3", 6)
		if err != nil {
			t.Fatal(err)
		}
		want := []string{"m3", "m2", "m1"}
		if len(chain) != len(want) {
			t.Fatalf("expected %d records, got %d", len(want), len(chain))
		}
		for i, w := range want {
			if chain[i].MessageID != w {
				t.Errorf("position %d: got %s, want %s", i, chain[i].MessageID, w)
			}
		}
	})

	t.Run("depth cap", func(t *testing.T) {
		chain, err := store.WalkReplyChain("whatsapp", "c1", "m3", 2)
		if err != nil {
			t.Fatal(err)
		}
		if len(chain) != 2 {
			t.Errorf("expected 2 records at depth cap, got %d", len(chain))
		}
	})

	t.Run("cycles terminate", func(t *testing.T) {
		insert("x1", "x2", "a")
		insert("x2", "x1", "b")
		chain, err := store.WalkReplyChain("whatsapp", "c1", "x1", 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(chain) != 2 {
			t.Errorf("cycle should stop after visiting both, got %d", len(chain))
		}
	})

	t.Run("self-reference terminates", func(t *testing.T) {
		insert("s1", "s1", "loop")
		chain, err := store.WalkReplyChain("whatsapp", "c1", "s1", 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(chain) != 1 {
			t.Errorf("self-reference should yield one record, got %d", len(chain))
		}
	})

	t.Run("missing reference stops the walk", func(t *testing.T) {
		insert("d1", "ghost", "dangling")
		chain, err := store.WalkReplyChain("whatsapp", "c1", "d1", 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(chain) != 1 {
			t.Errorf("expected walk to stop at missing record, got %d", len(chain))
		}
	})
}

func TestDistinctChatsAndHasChat(t *testing.T) {
	store := newTestStore(t)
	store.Insert(rec("c1", "m1", "a"))
	store.Insert(rec("c2", "m1", "b"))

	chats, err := store.DistinctChats("whatsapp", time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if !chats["c1"] || !chats["c2"] || len(chats) != 2 {
		t.Errorf("unexpected chat set: %v", chats)
	}

	known, err := store.HasChat("whatsapp", "c1", "m1")
	if err != nil {
		t.Fatal(err)
	}
	if known {
		t.Error("chat with only the excluded message should read as new")
	}
	store.Insert(rec("c1", "m2", "c"))
	known, _ = store.HasChat("whatsapp", "c1", "m2")
	if !known {
		t.Error("chat with prior rows should read as known")
	}
}

func TestLookupAnyChatPrefersChat(t *testing.T) {
	store := newTestStore(t)
	store.Insert(rec("c1", "shared", "in c1"))
	store.Insert(rec("c2", "shared", "in c2"))

	got, err := store.LookupAnyChat("whatsapp", "shared", "c2")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ChatID != "c2" {
		t.Errorf("expected preferred chat match, got %+v", got)
	}
}

func TestSearch(t *testing.T) {
	store := newTestStore(t)
	store.Insert(rec("c1", "m1", "the quarterly budget review is on friday"))
	store.Insert(rec("c1", "m2", "lunch plans for tomorrow"))
	store.Insert(rec("c2", "m1", "budget overruns in the kitchen remodel"))

	hits, err := store.Search("whatsapp", "budget", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	for _, hit := range hits {
		if !strings.Contains(hit.Text, "budget") {
			t.Errorf("irrelevant hit %q", hit.Text)
		}
	}
}

func TestPurgeOlderThan(t *testing.T) {
	store := newTestStore(t)
	store.Insert(rec("c1", "m1", "old enough"))

	// Nothing is older than an hour yet.
	n, err := store.PurgeOlderThan(time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("expected no purge, got %d", n)
	}

	// Everything is older than -1s (cutoff in the future).
	n, err = store.PurgeOlderThan(-time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 purged row, got %d", n)
	}
}
