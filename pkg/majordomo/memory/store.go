// Package memory implements long-term memory: asynchronous capture of
// durable facts from conversations and hybrid lexical + vector recall.
// Storage is SQLite with FTS5 (BM25) and JSON-encoded float32 embeddings
// searched in process by cosine similarity, which avoids a vector-extension
// dependency while keeping hybrid search.
package memory

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver with FTS5 support.
)

// Kinds of memory entries.
const (
	KindEpisodic   = "episodic"
	KindSemantic   = "semantic"
	KindProcedural = "procedural"
	KindPreference = "preference"
	KindDecision   = "decision"
	KindEmotional  = "emotional"
	KindReflective = "reflective"
)

// Scopes.
const (
	ScopeGlobal = "global"
	ScopeUser   = "user"
	ScopeChat   = "chat"
)

// ScopeForKind maps an entry kind to its default scope.
func ScopeForKind(kind string) string {
	switch kind {
	case KindSemantic, KindProcedural, KindPreference, KindDecision:
		return ScopeUser
	case KindReflective:
		return ScopeGlobal
	default: // episodic, emotional
		return ScopeChat
	}
}

// Entry is one stored memory.
type Entry struct {
	ID              string
	Scope           string
	ScopeKey        string
	Kind            string
	Text            string
	CreatedAt       time.Time
	Salience        float64
	SourceChannel   string
	SourceChat      string
	SourceMessageID string
}

// Hit is one recall result with its score components.
type Hit struct {
	Entry    Entry
	Lexical  float64
	Vector   float64
	Salience float64
	Recency  float64
	Score    float64
}

// Store persists memory entries, the key-value scratch table, and the idea
// backlog. Writes go through a single mutex.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	writeMu      sync.Mutex
	ftsAvailable bool

	// vectorCache keeps all embeddings in memory for cosine search.
	vectorMu    sync.RWMutex
	vectorCache map[string][]float32
}

// Open opens (creating if needed) the memory database.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open memory db: %w", err)
	}
	s := &Store{
		db:          db,
		logger:      logger.With("component", "memory-store"),
		vectorCache: make(map[string][]float32),
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init memory schema: %w", err)
	}
	if err := s.refreshVectorCache(); err != nil {
		s.logger.Warn("loading vector cache failed", "error", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) initSchema() error {
	core := `
		CREATE TABLE IF NOT EXISTS memory_entries (
			id                TEXT PRIMARY KEY,
			scope             TEXT NOT NULL,
			scope_key         TEXT NOT NULL,
			kind              TEXT NOT NULL,
			text              TEXT NOT NULL,
			text_hash         TEXT NOT NULL,
			salience          REAL NOT NULL,
			embedding         TEXT,
			source_channel    TEXT,
			source_chat       TEXT,
			source_message_id TEXT,
			created_at        TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_memory_scope
			ON memory_entries (scope, scope_key, created_at DESC);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_memory_dedupe
			ON memory_entries (scope, scope_key, kind, text_hash);

		CREATE TABLE IF NOT EXISTS memory_kv (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS idea_backlog_items (
			id         TEXT PRIMARY KEY,
			chat       TEXT NOT NULL,
			text       TEXT NOT NULL,
			kind       TEXT NOT NULL,
			created_at TEXT NOT NULL
		);
	`
	if _, err := s.db.Exec(core); err != nil {
		return err
	}

	fts := `
		CREATE VIRTUAL TABLE IF NOT EXISTS memory_entries_fts USING fts5(
			entry_id UNINDEXED,
			text,
			tokenize='porter unicode61'
		);
	`
	if _, err := s.db.Exec(fts); err != nil {
		s.ftsAvailable = false
		s.logger.Warn("FTS5 not available for memory, falling back to LIKE search", "error", err)
	} else {
		s.ftsAvailable = true
	}
	return nil
}

func textHash(text string) string {
	sum := sha256.Sum256([]byte(normalizeForDedupe(text)))
	return hex.EncodeToString(sum[:])
}

var dedupeWsRe = regexp.MustCompile(`\s+`)

func normalizeForDedupe(text string) string {
	return dedupeWsRe.ReplaceAllString(strings.ToLower(strings.TrimSpace(text)), " ")
}

// Insert persists one entry. Duplicate (scope, scope_key, kind, text) tuples
// are ignored and the existing entry id is returned.
func (s *Store) Insert(entry Entry) (string, error) {
	if entry.Text == "" {
		return "", fmt.Errorf("memory insert: empty text")
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	hash := textHash(entry.Text)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var existing string
	err := s.db.QueryRow(
		`SELECT id FROM memory_entries WHERE scope = ? AND scope_key = ? AND kind = ? AND text_hash = ?`,
		entry.Scope, entry.ScopeKey, entry.Kind, hash,
	).Scan(&existing)
	if err == nil {
		return existing, nil
	}
	if err != sql.ErrNoRows {
		return "", err
	}

	_, err = s.db.Exec(`
		INSERT INTO memory_entries
			(id, scope, scope_key, kind, text, text_hash, salience,
			 source_channel, source_chat, source_message_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Scope, entry.ScopeKey, entry.Kind, entry.Text, hash,
		entry.Salience, entry.SourceChannel, entry.SourceChat, entry.SourceMessageID,
		entry.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return "", err
	}
	if s.ftsAvailable {
		if _, err := s.db.Exec(
			`INSERT INTO memory_entries_fts (entry_id, text) VALUES (?, ?)`,
			entry.ID, entry.Text); err != nil {
			s.logger.Warn("memory fts insert failed", "error", err)
		}
	}
	return entry.ID, nil
}

// SetEmbedding stores the embedding for an entry and refreshes the cache
// slot.
func (s *Store) SetEmbedding(entryID string, vec []float32) error {
	data, err := json.Marshal(vec)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	_, err = s.db.Exec(`UPDATE memory_entries SET embedding = ? WHERE id = ?`, string(data), entryID)
	s.writeMu.Unlock()
	if err != nil {
		return err
	}
	s.vectorMu.Lock()
	s.vectorCache[entryID] = vec
	s.vectorMu.Unlock()
	return nil
}

func (s *Store) refreshVectorCache() error {
	rows, err := s.db.Query(`SELECT id, embedding FROM memory_entries WHERE embedding IS NOT NULL`)
	if err != nil {
		return err
	}
	defer rows.Close()

	cache := make(map[string][]float32)
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			continue
		}
		var vec []float32
		if err := json.Unmarshal([]byte(raw), &vec); err == nil && len(vec) > 0 {
			cache[id] = vec
		}
	}
	s.vectorMu.Lock()
	s.vectorCache = cache
	s.vectorMu.Unlock()
	return rows.Err()
}

// MissingEmbeddings returns entries without an embedding yet.
func (s *Store) MissingEmbeddings(limit int) ([]Entry, error) {
	rows, err := s.db.Query(`
		SELECT id, scope, scope_key, kind, text, salience,
		       COALESCE(source_channel,''), COALESCE(source_chat,''),
		       COALESCE(source_message_id,''), created_at
		FROM memory_entries WHERE embedding IS NULL
		ORDER BY created_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var out []Entry
	for rows.Next() {
		var e Entry
		var created string
		err := rows.Scan(&e.ID, &e.Scope, &e.ScopeKey, &e.Kind, &e.Text, &e.Salience,
			&e.SourceChannel, &e.SourceChat, &e.SourceMessageID, &created)
		if err != nil {
			return nil, err
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ScopeFilter restricts recall to entries visible in one query context.
type ScopeFilter struct {
	ChatKey string // chat-scope entries for exactly this chat
	UserKey string // user-scope entries for this sender
}

func (f ScopeFilter) admits(e Entry) bool {
	switch e.Scope {
	case ScopeGlobal:
		return true
	case ScopeChat:
		return f.ChatKey != "" && e.ScopeKey == f.ChatKey
	case ScopeUser:
		return f.UserKey != "" && e.ScopeKey == f.UserKey
	}
	return false
}

// lexicalHits runs the FTS query and returns entry id → normalized score.
func (s *Store) lexicalHits(query string, limit int) (map[string]float64, error) {
	scores := make(map[string]float64)
	terms := ftsQuery(query)
	if terms == "" {
		return scores, nil
	}

	if s.ftsAvailable {
		rows, err := s.db.Query(`
			SELECT entry_id, bm25(memory_entries_fts) AS rank
			FROM memory_entries_fts
			WHERE memory_entries_fts MATCH ?
			ORDER BY rank LIMIT ?`, terms, limit)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		type ranked struct {
			id   string
			rank float64
		}
		var raw []ranked
		best := math.Inf(1)
		for rows.Next() {
			var r ranked
			if err := rows.Scan(&r.id, &r.rank); err != nil {
				continue
			}
			if r.rank < best {
				best = r.rank
			}
			raw = append(raw, r)
		}
		// bm25() is smaller-is-better (and negative in practice).
		// Normalize to (0,1] relative to the best rank in this result set.
		for _, r := range raw {
			switch {
			case best == r.rank:
				scores[r.id] = 1
			case best < 0:
				scores[r.id] = r.rank / best
			case r.rank > 0:
				scores[r.id] = best / r.rank
			default:
				scores[r.id] = 0.5
			}
			if scores[r.id] < 0 {
				scores[r.id] = 0
			}
		}
		return scores, rows.Err()
	}

	for _, term := range strings.Fields(strings.ToLower(query)) {
		rows, err := s.db.Query(
			`SELECT id FROM memory_entries WHERE lower(text) LIKE ? LIMIT ?`,
			"%"+term+"%", limit)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var id string
			if rows.Scan(&id) == nil {
				scores[id] += 0.5
			}
		}
		rows.Close()
	}
	for id, sc := range scores {
		if sc > 1 {
			scores[id] = 1
		}
	}
	return scores, nil
}

func ftsQuery(query string) string {
	fields := regexp.MustCompile(`[a-zA-Z0-9_]{2,}`).FindAllString(strings.ToLower(query), -1)
	seen := map[string]bool{}
	var terms []string
	for _, f := range fields {
		if seen[f] {
			continue
		}
		seen[f] = true
		terms = append(terms, `"`+f+`"`)
		if len(terms) >= 16 {
			break
		}
	}
	return strings.Join(terms, " OR ")
}

// vectorHits returns entry id → cosine similarity against the query vector.
func (s *Store) vectorHits(queryVec []float32, limit int) map[string]float64 {
	if len(queryVec) == 0 {
		return nil
	}
	s.vectorMu.RLock()
	defer s.vectorMu.RUnlock()

	type scored struct {
		id    string
		score float64
	}
	var all []scored
	for id, vec := range s.vectorCache {
		sim := cosine(queryVec, vec)
		if sim > 0 {
			all = append(all, scored{id, sim})
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].score > all[j].score })
	if len(all) > limit {
		all = all[:limit]
	}
	out := make(map[string]float64, len(all))
	for _, sc := range all {
		out[sc.id] = sc.score
	}
	return out
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// entriesByID loads full entries for a set of ids.
func (s *Store) entriesByID(ids []string) (map[string]Entry, error) {
	out := make(map[string]Entry, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	placeholders := strings.TrimRight(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.Query(`
		SELECT id, scope, scope_key, kind, text, salience,
		       COALESCE(source_channel,''), COALESCE(source_chat,''),
		       COALESCE(source_message_id,''), created_at
		FROM memory_entries WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		out[e.ID] = e
	}
	return out, nil
}

// ---------- KV scratch ----------

// KVSet stores one key-value pair.
func (s *Store) KVSet(key, value string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO memory_kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

// KVGet loads one value; found=false when missing.
func (s *Store) KVGet(key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM memory_kv WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	return value, err == nil, err
}

// ---------- Idea backlog ----------

// IdeaItem is one captured idea/backlog entry.
type IdeaItem struct {
	ID        string
	Chat      string
	Text      string
	Kind      string // "idea" or "backlog"
	CreatedAt time.Time
}

// AddIdea appends one idea/backlog item.
func (s *Store) AddIdea(item IdeaItem) (string, error) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO idea_backlog_items (id, chat, text, kind, created_at) VALUES (?, ?, ?, ?, ?)`,
		item.ID, item.Chat, item.Text, item.Kind, item.CreatedAt.Format(time.RFC3339Nano))
	return item.ID, err
}

// ListIdeas returns items for one chat (or all when chat is empty), newest
// first.
func (s *Store) ListIdeas(chat string, limit int) ([]IdeaItem, error) {
	if limit < 1 {
		limit = 50
	}
	query := `SELECT id, chat, text, kind, created_at FROM idea_backlog_items`
	args := []any{}
	if chat != "" {
		query += ` WHERE chat = ?`
		args = append(args, chat)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []IdeaItem
	for rows.Next() {
		var item IdeaItem
		var created string
		if err := rows.Scan(&item.ID, &item.Chat, &item.Text, &item.Kind, &created); err != nil {
			return nil, err
		}
		item.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, item)
	}
	return out, rows.Err()
}

// PurgeOlderThan removes entries past the retention window.
func (s *Store) PurgeOlderThan(d time.Duration) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	cutoff := time.Now().UTC().Add(-d).Format(time.RFC3339Nano)
	res, err := s.db.Exec(`DELETE FROM memory_entries WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}
