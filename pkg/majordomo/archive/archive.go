// Package archive implements the persistent inbound message store used for
// reply-context and ambient-context windows. Backed by SQLite (WAL) with an
// FTS5 index over the text column. Writes are serialized per process; reads
// are concurrent.
package archive

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver with FTS5 support.
)

// DefaultRetentionDays is the default retention window for archived rows.
const DefaultRetentionDays = 30

// Record is one archived inbound message.
type Record struct {
	Channel           string
	ChatID            string
	MessageID         string
	SenderID          string
	SenderDisplayName string
	Text              string
	ReplyToMessageID  string
	Timestamp         time.Time
	Seq               int64
}

// Store is the SQLite-backed inbound archive. A single write mutex keeps
// the per-(channel, chat) seq assignment race-free; SQLite handles
// concurrent readers.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	writeMu sync.Mutex

	ftsAvailable bool
}

// Open opens (creating if needed) the archive database at path.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=1")
	if err != nil {
		return nil, fmt.Errorf("open archive db: %w", err)
	}

	s := &Store{db: db, logger: logger.With("component", "archive")}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init archive schema: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) initSchema() error {
	core := `
		CREATE TABLE IF NOT EXISTS inbound_messages (
			channel             TEXT NOT NULL,
			chat_id             TEXT NOT NULL,
			message_id          TEXT NOT NULL,
			sender_id           TEXT,
			sender_display_name TEXT,
			text                TEXT NOT NULL,
			reply_to_message_id TEXT,
			timestamp           INTEGER,
			seq                 INTEGER NOT NULL,
			created_at          TEXT NOT NULL,
			PRIMARY KEY (channel, chat_id, message_id)
		);

		CREATE INDEX IF NOT EXISTS idx_inbound_chat_seq
			ON inbound_messages (channel, chat_id, seq);

		CREATE INDEX IF NOT EXISTS idx_inbound_created
			ON inbound_messages (created_at);
	`
	if _, err := s.db.Exec(core); err != nil {
		return err
	}

	// FTS5 is optional: some SQLite builds lack it. Search falls back to
	// LIKE when unavailable.
	fts := `
		CREATE VIRTUAL TABLE IF NOT EXISTS inbound_messages_fts USING fts5(
			text,
			content='inbound_messages',
			tokenize='unicode61'
		);

		CREATE TRIGGER IF NOT EXISTS inbound_ai AFTER INSERT ON inbound_messages BEGIN
			INSERT INTO inbound_messages_fts(rowid, text) VALUES (new.rowid, new.text);
		END;

		CREATE TRIGGER IF NOT EXISTS inbound_ad AFTER DELETE ON inbound_messages BEGIN
			INSERT INTO inbound_messages_fts(inbound_messages_fts, rowid, text)
				VALUES('delete', old.rowid, old.text);
		END;
	`
	if _, err := s.db.Exec(fts); err != nil {
		s.ftsAvailable = false
		s.logger.Warn("FTS5 not available for archive, falling back to LIKE search", "error", err)
	} else {
		s.ftsAvailable = true
	}
	return nil
}

// Insert records one inbound message idempotently. A second insert with the
// same (channel, chat_id, message_id) returns the existing record without
// modification. Seq is assigned monotonically per (channel, chat_id)
// partition at insertion time.
func (s *Store) Insert(rec Record) (Record, error) {
	if rec.Channel == "" || rec.ChatID == "" || rec.MessageID == "" {
		return rec, fmt.Errorf("archive insert: channel, chat_id and message_id are required")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if existing, err := s.Lookup(rec.Channel, rec.ChatID, rec.MessageID); err == nil && existing != nil {
		return *existing, nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return rec, err
	}
	defer tx.Rollback()

	var maxSeq sql.NullInt64
	err = tx.QueryRow(
		`SELECT MAX(seq) FROM inbound_messages WHERE channel = ? AND chat_id = ?`,
		rec.Channel, rec.ChatID,
	).Scan(&maxSeq)
	if err != nil {
		return rec, err
	}
	rec.Seq = maxSeq.Int64 + 1

	var ts any
	if !rec.Timestamp.IsZero() {
		ts = rec.Timestamp.UTC().Unix()
	}
	_, err = tx.Exec(`
		INSERT OR IGNORE INTO inbound_messages
			(channel, chat_id, message_id, sender_id, sender_display_name,
			 text, reply_to_message_id, timestamp, seq, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Channel, rec.ChatID, rec.MessageID,
		nullable(rec.SenderID), nullable(rec.SenderDisplayName),
		rec.Text, nullable(rec.ReplyToMessageID), ts, rec.Seq,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return rec, err
	}
	if err := tx.Commit(); err != nil {
		return rec, err
	}
	return rec, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

const recordColumns = `channel, chat_id, message_id,
	COALESCE(sender_id, ''), COALESCE(sender_display_name, ''),
	text, COALESCE(reply_to_message_id, ''), COALESCE(timestamp, 0), seq`

func scanRecord(row interface{ Scan(...any) error }) (*Record, error) {
	var rec Record
	var ts int64
	err := row.Scan(&rec.Channel, &rec.ChatID, &rec.MessageID,
		&rec.SenderID, &rec.SenderDisplayName,
		&rec.Text, &rec.ReplyToMessageID, &ts, &rec.Seq)
	if err != nil {
		return nil, err
	}
	if ts > 0 {
		rec.Timestamp = time.Unix(ts, 0).UTC()
	}
	return &rec, nil
}

// Lookup finds one archived message by its unique key.
func (s *Store) Lookup(channel, chatID, messageID string) (*Record, error) {
	row := s.db.QueryRow(`SELECT `+recordColumns+`
		FROM inbound_messages
		WHERE channel = ? AND chat_id = ? AND message_id = ? LIMIT 1`,
		channel, chatID, messageID)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

// LookupAnyChat finds a message by id within a channel, preferring the
// given chat when the same id exists in several.
func (s *Store) LookupAnyChat(channel, messageID, preferredChatID string) (*Record, error) {
	row := s.db.QueryRow(`SELECT `+recordColumns+`
		FROM inbound_messages
		WHERE channel = ? AND message_id = ?
		ORDER BY CASE WHEN chat_id = ? THEN 0 ELSE 1 END, created_at DESC
		LIMIT 1`,
		channel, messageID, preferredChatID)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

// MessagesBefore returns up to limit records with seq below the anchor
// message's seq, oldest-first.
func (s *Store) MessagesBefore(channel, chatID, anchorMessageID string, limit int) ([]Record, error) {
	if limit < 1 {
		limit = 1
	}
	anchor, err := s.Lookup(channel, chatID, anchorMessageID)
	if err != nil || anchor == nil {
		return nil, err
	}

	rows, err := s.db.Query(`SELECT `+recordColumns+`
		FROM inbound_messages
		WHERE channel = ? AND chat_id = ? AND seq < ?
		ORDER BY seq DESC LIMIT ?`,
		channel, chatID, anchor.Seq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Oldest-first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// WalkReplyChain follows reply_to_message_id backward from the starting
// message, most-recent-first, up to maxDepth hops. Visited ids are tracked
// so self-referential or cyclic chains terminate.
func (s *Store) WalkReplyChain(channel, chatID, startingMessageID string, maxDepth int) ([]Record, error) {
	if maxDepth < 1 {
		maxDepth = 1
	}
	visited := map[string]bool{}
	var out []Record

	current := startingMessageID
	for depth := 0; depth < maxDepth && current != "" && !visited[current]; depth++ {
		visited[current] = true
		rec, err := s.Lookup(channel, chatID, current)
		if err != nil {
			return out, err
		}
		if rec == nil {
			rec, err = s.LookupAnyChat(channel, current, chatID)
			if err != nil || rec == nil {
				break
			}
		}
		out = append(out, *rec)
		current = rec.ReplyToMessageID
	}
	return out, nil
}

// DistinctChats returns the chat ids seen on a channel since the cutoff.
func (s *Store) DistinctChats(channel string, since time.Time) (map[string]bool, error) {
	rows, err := s.db.Query(
		`SELECT DISTINCT chat_id FROM inbound_messages WHERE channel = ? AND created_at >= ?`,
		channel, since.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var chat string
		if err := rows.Scan(&chat); err != nil {
			return nil, err
		}
		out[chat] = true
	}
	return out, rows.Err()
}

// HasChat reports whether the (channel, chat) tuple has any archived row
// other than the given message. Used by the new-chat notifier.
func (s *Store) HasChat(channel, chatID, excludeMessageID string) (bool, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(1) FROM inbound_messages
		 WHERE channel = ? AND chat_id = ? AND message_id != ? LIMIT 1`,
		channel, chatID, excludeMessageID).Scan(&n)
	return n > 0, err
}

// Search runs a full-text query over archived message text, newest first.
func (s *Store) Search(channel, query string, limit int) ([]Record, error) {
	if limit < 1 {
		limit = 10
	}
	if s.ftsAvailable {
		terms := ftsQuery(query)
		if terms == "" {
			return nil, nil
		}
		rows, err := s.db.Query(`
			SELECT `+recordColumns+`
			FROM inbound_messages
			WHERE rowid IN (SELECT rowid FROM inbound_messages_fts WHERE inbound_messages_fts MATCH ?)
			  AND channel = ?
			ORDER BY created_at DESC LIMIT ?`,
			terms, channel, limit)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		return collectRecords(rows)
	}

	rows, err := s.db.Query(`SELECT `+recordColumns+`
		FROM inbound_messages
		WHERE channel = ? AND text LIKE ?
		ORDER BY created_at DESC LIMIT ?`,
		channel, "%"+query+"%", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRecords(rows)
}

func collectRecords(rows *sql.Rows) ([]Record, error) {
	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// ftsQuery turns free text into an OR-joined FTS5 match expression.
func ftsQuery(query string) string {
	fields := strings.Fields(strings.ToLower(query))
	var terms []string
	seen := map[string]bool{}
	for _, f := range fields {
		f = strings.Trim(f, `"'`)
		if len(f) < 2 || seen[f] {
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

// PurgeOlderThan deletes rows older than the retention window and returns
// the number removed.
func (s *Store) PurgeOlderThan(d time.Duration) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cutoff := time.Now().UTC().Add(-d).Format(time.RFC3339Nano)
	res, err := s.db.Exec(`DELETE FROM inbound_messages WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("archive retention purge", "removed", n)
	}
	return n, nil
}
