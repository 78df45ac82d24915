package memory

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/lromao/majordomo/pkg/majordomo/security"
)

// CaptureRequest is one message queued for background capture.
type CaptureRequest struct {
	Channel     string
	ChatID      string
	SenderID    string
	MessageID   string
	Text        string
	IsAssistant bool
	IsOwner     bool

	// Kind forces a manual capture kind ("idea"/"backlog") that bypasses
	// extraction and lands in the idea backlog instead.
	Kind string
}

// Config tunes capture and recall.
type Config struct {
	// CaptureChannels lists channels eligible for capture.
	CaptureChannels []string `json:"capture_channels"`

	// CaptureAssistant enables capture of assistant turns.
	CaptureAssistant bool `json:"capture_assistant"`

	// AllowBlockedSenders lets messages from policy-blocked senders feed
	// background notes capture. Off by default.
	AllowBlockedSenders bool `json:"allow_blocked_senders"`

	// MinConfidence / MinSalience filter extractor candidates.
	MinConfidence float64 `json:"min_confidence"`
	MinSalience   float64 `json:"min_salience"`

	// OwnerOnlyPreference drops non-owner semantic/procedural writes.
	OwnerOnlyPreference bool `json:"owner_only_preference"`

	// Recall ranking weights; they should sum to 1.
	WeightLexical  float64 `json:"w_lex"`
	WeightVector   float64 `json:"w_vec"`
	WeightSalience float64 `json:"w_sal"`
	WeightRecency  float64 `json:"w_rec"`

	// RecencyHalfLifeDays controls the exponential recency decay.
	RecencyHalfLifeDays float64 `json:"recency_half_life_days"`

	// QueueSize bounds the background capture queue.
	QueueSize int `json:"queue_size"`
}

// DefaultConfig returns conservative defaults.
func DefaultConfig() Config {
	return Config{
		CaptureChannels:     []string{"whatsapp", "telegram"},
		CaptureAssistant:    false,
		MinConfidence:       0.6,
		MinSalience:         0.4,
		OwnerOnlyPreference: true,
		WeightLexical:       0.35,
		WeightVector:        0.35,
		WeightSalience:      0.15,
		WeightRecency:       0.15,
		RecencyHalfLifeDays: 30,
		QueueSize:           512,
	}
}

// Service runs memory capture off the pipeline hot path and serves recall.
type Service struct {
	cfg       Config
	store     *Store
	extractor Extractor
	embedder  EmbeddingProvider
	logger    *slog.Logger

	queue    chan CaptureRequest
	channels map[string]bool
}

// NewService wires the capture worker. embedder may be nil (lexical-only
// recall).
func NewService(cfg Config, store *Store, extractor Extractor, embedder EmbeddingProvider, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if extractor == nil {
		extractor = HeuristicExtractor{}
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 512
	}
	channels := make(map[string]bool)
	for _, ch := range cfg.CaptureChannels {
		channels[ch] = true
	}
	return &Service{
		cfg:       cfg,
		store:     store,
		extractor: extractor,
		embedder:  embedder,
		logger:    logger.With("component", "memory"),
		queue:     make(chan CaptureRequest, cfg.QueueSize),
		channels:  channels,
	}
}

// Enqueue queues one capture request; drops (with a log) when the queue is
// full, since capture is best-effort by design.
func (s *Service) Enqueue(req CaptureRequest) {
	select {
	case s.queue <- req:
	default:
		s.logger.Warn("memory capture queue full, dropping",
			"channel", req.Channel, "chat", req.ChatID)
	}
}

// Run processes the capture queue until ctx is cancelled. When a vector
// backend is configured, a periodic backfill embeds entries that were
// persisted while the provider was unavailable.
func (s *Service) Run(ctx context.Context) {
	var backfill <-chan time.Time
	if s.embedder != nil {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		backfill = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-s.queue:
			s.process(ctx, req)
		case <-backfill:
			s.backfillEmbeddings(ctx)
		}
	}
}

// backfillEmbeddings embeds one batch of entries missing vectors.
func (s *Service) backfillEmbeddings(ctx context.Context) {
	entries, err := s.store.MissingEmbeddings(16)
	if err != nil || len(entries) == 0 {
		return
	}
	texts := make([]string, len(entries))
	for i, e := range entries {
		texts[i] = e.Text
	}
	embedCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()
	vecs, err := s.embedder.Embed(embedCtx, texts)
	if err != nil || len(vecs) != len(entries) {
		s.logger.Debug("embedding backfill skipped", "error", err)
		return
	}
	for i, e := range entries {
		if err := s.store.SetEmbedding(e.ID, vecs[i]); err != nil {
			s.logger.Warn("storing backfilled embedding failed", "entry", e.ID, "error", err)
		}
	}
}

func (s *Service) process(ctx context.Context, req CaptureRequest) {
	// Manual idea/backlog captures skip extraction entirely.
	if req.Kind == "idea" || req.Kind == "backlog" {
		if _, err := s.store.AddIdea(IdeaItem{
			Chat: req.Channel + ":" + req.ChatID,
			Text: req.Text,
			Kind: req.Kind,
		}); err != nil {
			s.logger.Warn("idea capture failed", "error", err)
		}
		return
	}

	if !s.channels[req.Channel] {
		return
	}
	if req.IsAssistant && !s.cfg.CaptureAssistant {
		return
	}

	candidates, err := s.extractor.Extract(ctx, req.Text, req.IsAssistant)
	if err != nil {
		s.logger.Warn("memory extraction failed", "error", err)
		return
	}

	for _, cand := range candidates {
		if !s.admit(cand, req) {
			continue
		}
		scope := ScopeForKind(cand.Kind)
		entry := Entry{
			Scope:           scope,
			ScopeKey:        scopeKey(scope, req),
			Kind:            cand.Kind,
			Text:            cand.Text,
			Salience:        cand.Salience,
			SourceChannel:   req.Channel,
			SourceChat:      req.ChatID,
			SourceMessageID: req.MessageID,
		}
		id, err := s.store.Insert(entry)
		if err != nil {
			s.logger.Warn("memory insert failed", "error", err)
			continue
		}
		s.embedAsync(ctx, id, cand.Text)
	}
}

// admit applies the candidate filters: confidence, salience, the
// anti-injection lexeme filter, and the owner-only gate for durable kinds.
func (s *Service) admit(cand Candidate, req CaptureRequest) bool {
	if cand.Confidence < s.cfg.MinConfidence || cand.Salience < s.cfg.MinSalience {
		return false
	}
	lowered := strings.ToLower(cand.Text)
	for _, lexeme := range security.InjectionLexemes {
		if strings.Contains(lowered, lexeme) {
			s.logger.Info("memory candidate rejected by injection filter",
				"channel", req.Channel, "chat", req.ChatID)
			return false
		}
	}
	if s.cfg.OwnerOnlyPreference && !req.IsOwner {
		if cand.Kind == KindSemantic || cand.Kind == KindProcedural {
			return false
		}
	}
	return true
}

func scopeKey(scope string, req CaptureRequest) string {
	switch scope {
	case ScopeChat:
		return req.Channel + ":" + req.ChatID
	case ScopeUser:
		return req.Channel + ":" + req.SenderID
	default:
		return "global"
	}
}

// embedAsync computes the embedding for a fresh entry without blocking the
// capture worker on provider latency.
func (s *Service) embedAsync(ctx context.Context, entryID, text string) {
	if s.embedder == nil {
		return
	}
	go func() {
		embedCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 60*time.Second)
		defer cancel()
		vecs, err := s.embedder.Embed(embedCtx, []string{text})
		if err != nil || len(vecs) != 1 {
			s.logger.Warn("embedding failed", "entry", entryID, "error", err)
			return
		}
		if err := s.store.SetEmbedding(entryID, vecs[0]); err != nil {
			s.logger.Warn("storing embedding failed", "entry", entryID, "error", err)
		}
	}()
}

// Recall returns the top-limit entries for a query context, ranked by the
// hybrid score. Near-duplicates (same normalized 48-char prefix) collapse
// to the best-scoring entry.
func (s *Service) Recall(ctx context.Context, query, channel, chatID, senderID string, limit int) ([]Hit, error) {
	if limit < 1 {
		limit = 5
	}
	pool := limit * 8
	if pool < 32 {
		pool = 32
	}

	lex, err := s.store.lexicalHits(query, pool)
	if err != nil {
		return nil, err
	}

	var vec map[string]float64
	if s.embedder != nil {
		embedCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		vecs, err := s.embedder.Embed(embedCtx, []string{query})
		cancel()
		if err == nil && len(vecs) == 1 {
			vec = s.store.vectorHits(vecs[0], pool)
		} else if err != nil {
			s.logger.Debug("query embedding failed, lexical-only recall", "error", err)
		}
	}

	ids := make(map[string]bool)
	for id := range lex {
		ids[id] = true
	}
	for id := range vec {
		ids[id] = true
	}
	idList := make([]string, 0, len(ids))
	for id := range ids {
		idList = append(idList, id)
	}
	entries, err := s.store.entriesByID(idList)
	if err != nil {
		return nil, err
	}

	filter := ScopeFilter{
		ChatKey: channel + ":" + chatID,
		UserKey: channel + ":" + senderID,
	}
	halfLife := s.cfg.RecencyHalfLifeDays
	if halfLife <= 0 {
		halfLife = 30
	}
	now := time.Now().UTC()

	var hits []Hit
	for id, entry := range entries {
		if !filter.admits(entry) {
			continue
		}
		ageDays := now.Sub(entry.CreatedAt).Hours() / 24
		recency := halfLifeDecay(ageDays, halfLife)
		hit := Hit{
			Entry:    entry,
			Lexical:  lex[id],
			Vector:   vec[id],
			Salience: entry.Salience,
			Recency:  recency,
		}
		hit.Score = s.cfg.WeightLexical*hit.Lexical +
			s.cfg.WeightVector*hit.Vector +
			s.cfg.WeightSalience*hit.Salience +
			s.cfg.WeightRecency*hit.Recency
		hits = append(hits, hit)
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })

	// Near-duplicate suppression by normalized text prefix.
	seen := map[string]bool{}
	var out []Hit
	for _, hit := range hits {
		key := dedupePrefix(hit.Entry.Text)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, hit)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func halfLifeDecay(ageDays, halfLifeDays float64) float64 {
	if ageDays <= 0 {
		return 1
	}
	return math.Pow(2, -ageDays/halfLifeDays)
}

func dedupePrefix(text string) string {
	norm := normalizeForDedupe(text)
	if len(norm) > 48 {
		norm = norm[:48]
	}
	return norm
}
