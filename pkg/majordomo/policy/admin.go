package policy

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Actor identifies who is issuing an admin command and from where.
type Actor struct {
	Source   string // "dm" or "cli"
	Channel  string
	SenderID string
	ChatID   string
	IsGroup  bool
}

// Admin executes the owner command surface (/policy ...) against the policy
// store, with audit, backups, dry-run, and rollback.
type Admin struct {
	store  *Store
	audit  *AuditLog
	logger *slog.Logger

	mu       sync.Mutex
	rateHits map[string][]time.Time

	now func() time.Time
}

// NewAdmin wires the admin service to a policy store and audit log.
func NewAdmin(store *Store, audit *AuditLog, logger *slog.Logger) *Admin {
	if logger == nil {
		logger = slog.Default()
	}
	return &Admin{
		store:    store,
		audit:    audit,
		logger:   logger.With("component", "policy-admin"),
		rateHits: make(map[string][]time.Time),
		now:      time.Now,
	}
}

var subcommandAliases = map[string]string{
	"groups":       "list-groups",
	"resume-group": "allow-group",
	"pause-group":  "block-group",
}

// Execute parses and runs one /policy command line. The caller has already
// verified the actor is a channel owner. Returns the user-visible response.
func (a *Admin) Execute(actor Actor, raw string) (string, error) {
	tokens, err := shellSplit(raw)
	if err != nil {
		return "", fmt.Errorf("parsing command: %w", err)
	}
	if len(tokens) == 0 || tokens[0] != "/policy" {
		return "", fmt.Errorf("not a /policy command")
	}
	args := tokens[1:]
	if len(args) == 0 {
		return a.usage(), nil
	}

	if msg := a.checkRateLimit(actor); msg != "" {
		return msg, nil
	}

	sub := strings.ToLower(args[0])
	if canonical, ok := subcommandAliases[sub]; ok {
		sub = canonical
	}
	rest, dryRun, confirm := extractFlags(args[1:])

	switch sub {
	case "help":
		return a.usage(), nil
	case "list-groups":
		return a.handleListGroups(rest), nil
	case "resolve-group":
		return a.handleResolveGroup(rest)
	case "status-group":
		return a.handleStatusGroup(rest)
	case "explain-group":
		return a.handleExplainGroup(actor, rest)
	case "allow-group":
		return a.mutate(actor, raw, rest, dryRun, 1, func(spec *Spec, args []string) (string, error) {
			return setWhenMode(spec, actor.Channel, args[0], ReplyAll)
		})
	case "block-group":
		return a.mutate(actor, raw, rest, dryRun, 1, func(spec *Spec, args []string) (string, error) {
			return setWhenMode(spec, actor.Channel, args[0], ReplyOff)
		})
	case "set-when":
		return a.mutate(actor, raw, rest, dryRun, 2, func(spec *Spec, args []string) (string, error) {
			mode := strings.ToLower(args[1])
			switch mode {
			case ReplyAll, ReplyOff, ReplyMentionOnly, ReplyAllowedSenders, ReplyOwnerOnly:
			default:
				return "", fmt.Errorf("invalid whenToReply mode %q", args[1])
			}
			return setWhenMode(spec, actor.Channel, args[0], mode)
		})
	case "set-persona":
		return a.mutate(actor, raw, rest, dryRun, 2, func(spec *Spec, args []string) (string, error) {
			persona := args[1]
			updateChatOverride(spec, actor.Channel, args[0], func(ov *ChatOverride) {
				ov.PersonaFile = &persona
			})
			return fmt.Sprintf("personaFile=%s for %s", persona, args[0]), nil
		})
	case "clear-persona":
		return a.mutate(actor, raw, rest, dryRun, 1, func(spec *Spec, args []string) (string, error) {
			updateChatOverride(spec, actor.Channel, args[0], func(ov *ChatOverride) {
				empty := ""
				ov.PersonaFile = &empty
			})
			return fmt.Sprintf("personaFile cleared for %s", args[0]), nil
		})
	case "block-sender":
		return a.mutate(actor, raw, rest, dryRun, 2, func(spec *Spec, args []string) (string, error) {
			return addBlockedSender(spec, actor.Channel, args[0], args[1])
		})
	case "unblock-sender":
		return a.mutate(actor, raw, rest, dryRun, 2, func(spec *Spec, args []string) (string, error) {
			return removeBlockedSender(spec, actor.Channel, args[0], args[1])
		})
	case "list-blocked":
		return a.handleListBlocked(actor, rest)
	case "history":
		return a.handleHistory(rest)
	case "rollback":
		return a.handleRollback(actor, raw, rest, dryRun, confirm)
	default:
		return fmt.Sprintf("Unknown command '/policy %s'. Try /policy help.", sub), nil
	}
}

func (a *Admin) usage() string {
	return strings.TrimSpace(`
/policy commands:
  help
  list-groups [query]           (alias: groups)
  resolve-group <name|id>
  status-group <chat_id>
  explain-group <chat_id>
  allow-group <chat_id> [--dry-run]     (alias: resume-group)
  block-group <chat_id> [--dry-run]     (alias: pause-group)
  set-when <chat_id> <all|off|mention_only|allowed_senders|owner_only> [--dry-run]
  set-persona <chat_id> <path> [--dry-run]
  clear-persona <chat_id> [--dry-run]
  block-sender <chat_id> <sender>
  unblock-sender <chat_id> <sender>
  list-blocked <chat_id>
  history [limit]
  rollback <change_id> [--confirm] [--dry-run]`)
}

// ---------- Rate limiting ----------

func (a *Admin) checkRateLimit(actor Actor) string {
	limit := a.store.Current().Spec().Runtime.AdminRateLimitPerMinute
	key := actor.Channel + ":" + actor.SenderID
	now := a.now()
	cutoff := now.Add(-time.Minute)

	a.mu.Lock()
	defer a.mu.Unlock()

	hits := a.rateHits[key]
	kept := hits[:0]
	for _, t := range hits {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= limit {
		a.rateHits[key] = kept
		return fmt.Sprintf("Rate limit: at most %d admin commands per minute. Try again shortly.", limit)
	}
	a.rateHits[key] = append(kept, now)
	return ""
}

// ---------- Read-only handlers ----------

func (a *Admin) handleListGroups(args []string) string {
	query := ""
	if len(args) > 0 {
		query = strings.ToLower(args[0])
	}
	spec := a.store.Current().Spec()

	var lines []string
	for _, channel := range spec.SortedChannels() {
		ch := spec.Channels[channel]
		ids := make([]string, 0, len(ch.Chats))
		for id := range ch.Chats {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			if query != "" && !strings.Contains(strings.ToLower(id), query) {
				continue
			}
			eff := a.store.Current().ResolveEffective(channel, id)
			lines = append(lines, fmt.Sprintf("%s %s  when=%s who=%s", channel, id, eff.WhenToReplyMode, eff.WhoCanTalkMode))
		}
	}
	if len(lines) == 0 {
		return "No configured chats."
	}
	return strings.Join(lines, "\n")
}

func (a *Admin) handleResolveGroup(args []string) (string, error) {
	if len(args) < 1 {
		return "", fmt.Errorf("usage: /policy resolve-group <name|id>")
	}
	query := strings.ToLower(args[0])
	spec := a.store.Current().Spec()

	var matches []string
	for _, channel := range spec.SortedChannels() {
		for id := range spec.Channels[channel].Chats {
			if strings.Contains(strings.ToLower(id), query) {
				matches = append(matches, channel+" "+id)
			}
		}
	}
	sort.Strings(matches)
	switch len(matches) {
	case 0:
		return "No match for " + args[0], nil
	case 1:
		return "Resolved: " + matches[0], nil
	default:
		return "Ambiguous, candidates:\n" + strings.Join(matches, "\n"), nil
	}
}

func (a *Admin) handleStatusGroup(args []string) (string, error) {
	if len(args) < 1 {
		return "", fmt.Errorf("usage: /policy status-group <chat_id>")
	}
	chatID := args[0]
	snap := a.store.Current()

	for _, channel := range snap.Spec().SortedChannels() {
		if _, ok := snap.Spec().Channels[channel].Chats[chatID]; ok {
			eff := snap.ResolveEffective(channel, chatID)
			return formatEffective(channel, chatID, eff), nil
		}
	}
	// No explicit override: show the channel-default view for every channel.
	var lines []string
	for _, channel := range snap.Spec().SortedChannels() {
		eff := snap.ResolveEffective(channel, chatID)
		lines = append(lines, formatEffective(channel, chatID, eff)+"  (inherited)")
	}
	return strings.Join(lines, "\n"), nil
}

func (a *Admin) handleExplainGroup(actor Actor, args []string) (string, error) {
	if len(args) < 1 {
		return "", fmt.Errorf("usage: /policy explain-group <chat_id>")
	}
	chatID := args[0]
	sender := actor.SenderID
	if len(args) > 1 {
		sender = args[1]
	}
	eff, dec := a.store.Current().Explain(actor.Channel, chatID, sender)

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", formatEffective(actor.Channel, chatID, eff))
	fmt.Fprintf(&b, "decision for %s: accept=%v respond=%v reason=%s",
		sender, dec.AcceptMessage, dec.ShouldRespond, dec.Reason)
	return b.String(), nil
}

func (a *Admin) handleListBlocked(actor Actor, args []string) (string, error) {
	if len(args) < 1 {
		return "", fmt.Errorf("usage: /policy list-blocked <chat_id>")
	}
	eff := a.store.Current().ResolveEffective(actor.Channel, args[0])
	if len(eff.BlockedSenders) == 0 {
		return "No blocked senders.", nil
	}
	return "Blocked senders:\n" + strings.Join(eff.BlockedSenders, "\n"), nil
}

func (a *Admin) handleHistory(args []string) (string, error) {
	limit := 10
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 1 {
			return "", fmt.Errorf("invalid history limit %q", args[0])
		}
		limit = n
	}
	records, err := a.audit.History(limit)
	if err != nil {
		return "", err
	}
	if len(records) == 0 {
		return "No policy changes recorded.", nil
	}
	var lines []string
	for _, rec := range records {
		mark := ""
		if rec.DryRun {
			mark = " (dry-run)"
		}
		lines = append(lines, fmt.Sprintf("%s %s %s%s — %s",
			rec.Timestamp.Format(time.RFC3339), rec.ID[:8], rec.CommandRaw, mark, rec.Result))
	}
	return strings.Join(lines, "\n"), nil
}

func formatEffective(channel, chatID string, eff Effective) string {
	persona := eff.PersonaFile
	if persona == "" {
		persona = "-"
	}
	return fmt.Sprintf("%s %s: who=%s when=%s tools=%s(%d allowed) persona=%s voice=%s",
		channel, chatID, eff.WhoCanTalkMode, eff.WhenToReplyMode,
		eff.AllowedToolsMode, len(eff.AllowedTools), persona, eff.VoiceOutputMode)
}

// ---------- Mutations ----------

type mutateFn func(spec *Spec, args []string) (summary string, err error)

func (a *Admin) mutate(actor Actor, raw string, args []string, dryRun bool, arity int, fn mutateFn) (string, error) {
	if len(args) < arity {
		return "", fmt.Errorf("missing arguments (want %d)", arity)
	}

	before, err := os.ReadFile(a.store.Path())
	if err != nil {
		return "", fmt.Errorf("reading policy file: %w", err)
	}
	spec, err := a.store.Current().Spec().Clone()
	if err != nil {
		return "", err
	}

	summary, err := fn(spec, args)
	if err != nil {
		return "", err
	}
	if err := spec.Validate(); err != nil {
		return "", fmt.Errorf("mutation produces invalid policy: %w", err)
	}
	after, err := spec.Serialize()
	if err != nil {
		return "", err
	}

	beforeHash, afterHash := HashBytes(before), HashBytes(after)
	if dryRun {
		_ = a.audit.Append(AuditRecord{
			ID: uuid.NewString(), Timestamp: a.now().UTC(),
			ActorSource: actor.Source, ActorID: actor.SenderID,
			Channel: actor.Channel, ChatID: actor.ChatID,
			CommandRaw: raw, DryRun: true, Result: summary,
			BeforeHash: beforeHash, AfterHash: afterHash,
		})
		return fmt.Sprintf("DRY RUN: %s\nbefore=%s after=%s (no changes written)",
			summary, beforeHash, afterHash), nil
	}

	return a.commit(actor, raw, summary, before, after)
}

// commit persists a validated policy document: backup, audit, atomic
// replace, and in-memory reload.
func (a *Admin) commit(actor Actor, raw, summary string, before, after []byte) (string, error) {
	changeID := uuid.NewString()
	backupRef, err := a.audit.WriteBackup(changeID, before)
	if err != nil {
		return "", fmt.Errorf("writing backup: %w", err)
	}

	if err := WriteFileAtomic(a.store.Path(), after, 0o600); err != nil {
		return "", fmt.Errorf("writing policy file: %w", err)
	}
	if _, err := a.store.ReloadIfChanged(); err != nil {
		return "", fmt.Errorf("reloading policy: %w", err)
	}

	rec := AuditRecord{
		ID: changeID, Timestamp: a.now().UTC(),
		ActorSource: actor.Source, ActorID: actor.SenderID,
		Channel: actor.Channel, ChatID: actor.ChatID,
		CommandRaw: raw, Result: summary,
		BeforeHash: HashBytes(before), AfterHash: HashBytes(after),
		BackupRef: backupRef,
	}
	if err := a.audit.Append(rec); err != nil {
		a.logger.Warn("audit append failed", "error", err)
	}

	a.logger.Info("policy changed", "change_id", changeID, "actor", actor.SenderID, "summary", summary)
	return fmt.Sprintf("OK: %s\nchange_id=%s before=%s after=%s",
		summary, changeID, rec.BeforeHash, rec.AfterHash), nil
}

func (a *Admin) handleRollback(actor Actor, raw string, args []string, dryRun, confirm bool) (string, error) {
	if len(args) < 1 {
		return "", fmt.Errorf("usage: /policy rollback <change_id> [--confirm] [--dry-run]")
	}
	changeID := resolveChangeID(args[0], a.audit)

	restored, err := a.audit.ReadBackup(changeID)
	if err != nil {
		return "", err
	}
	if _, err := ParseSpec(restored); err != nil {
		return "", fmt.Errorf("backup no longer valid: %w", err)
	}

	before, err := os.ReadFile(a.store.Path())
	if err != nil {
		return "", err
	}

	requireConfirm := a.store.Current().Spec().Runtime.AdminRequireConfirm
	summary := fmt.Sprintf("rollback to snapshot %s", changeID[:8])

	if dryRun || (requireConfirm && !confirm) {
		hint := ""
		if !dryRun {
			hint = "\nRe-run with --confirm to apply."
		}
		return fmt.Sprintf("DRY RUN: %s\nbefore=%s after=%s%s",
			summary, HashBytes(before), HashBytes(restored), hint), nil
	}

	// Rollback is a new forward change: backup the current file first.
	return a.commit(actor, raw, summary, before, restored)
}

// resolveChangeID expands a change-id prefix against audit history.
func resolveChangeID(prefix string, audit *AuditLog) string {
	records, err := audit.History(0)
	if err != nil {
		return prefix
	}
	for _, rec := range records {
		if strings.HasPrefix(rec.ID, prefix) && rec.BackupRef != "" {
			return rec.ID
		}
	}
	return prefix
}

// ---------- Spec mutation helpers ----------

// updateChatOverride applies fn to the chat-level override, creating the
// channel and chat entries as needed. Map values are structs, so the
// override is copied out, mutated, and written back.
func updateChatOverride(spec *Spec, channel, chatID string, fn func(ov *ChatOverride)) {
	if spec.Channels == nil {
		spec.Channels = make(map[string]ChannelSpec)
	}
	ch := spec.Channels[channel]
	if ch.Chats == nil {
		ch.Chats = make(map[string]ChatOverride)
	}
	ov := ch.Chats[chatID]
	fn(&ov)
	ch.Chats[chatID] = ov
	spec.Channels[channel] = ch
}

func setWhenMode(spec *Spec, channel, chatID, mode string) (string, error) {
	updateChatOverride(spec, channel, chatID, func(ov *ChatOverride) {
		if ov.WhenToReply == nil {
			ov.WhenToReply = &WhenToReplyOverride{}
		}
		ov.WhenToReply.Mode = &mode
	})
	return fmt.Sprintf("whenToReply.mode=%s for %s", mode, chatID), nil
}

func addBlockedSender(spec *Spec, channel, chatID, sender string) (string, error) {
	already := false
	updateChatOverride(spec, channel, chatID, func(ov *ChatOverride) {
		var senders []string
		if ov.BlockedSenders != nil && ov.BlockedSenders.Senders != nil {
			senders = append(senders, *ov.BlockedSenders.Senders...)
		}
		for _, s := range senders {
			if normalizeToken(s) == normalizeToken(sender) {
				already = true
				return
			}
		}
		senders = append(senders, sender)
		ov.BlockedSenders = &BlockedOverride{Senders: &senders}
	})
	if already {
		return fmt.Sprintf("%s already blocked in %s", sender, chatID), nil
	}
	return fmt.Sprintf("blocked %s in %s", sender, chatID), nil
}

func removeBlockedSender(spec *Spec, channel, chatID, sender string) (string, error) {
	removed := false
	updateChatOverride(spec, channel, chatID, func(ov *ChatOverride) {
		if ov.BlockedSenders == nil || ov.BlockedSenders.Senders == nil {
			return
		}
		kept := []string{}
		for _, s := range *ov.BlockedSenders.Senders {
			if normalizeToken(s) == normalizeToken(sender) {
				removed = true
				continue
			}
			kept = append(kept, s)
		}
		if removed {
			ov.BlockedSenders = &BlockedOverride{Senders: &kept}
		}
	})
	if !removed {
		return fmt.Sprintf("%s is not blocked in %s", sender, chatID), nil
	}
	return fmt.Sprintf("unblocked %s in %s", sender, chatID), nil
}

// ---------- Tokenization ----------

// shellSplit tokenizes a command line with shell-style quoting: single and
// double quotes group words; backslash escapes inside double quotes.
func shellSplit(input string) ([]string, error) {
	var tokens []string
	var current strings.Builder
	inToken := false
	var quote rune

	flush := func() {
		if inToken {
			tokens = append(tokens, current.String())
			current.Reset()
			inToken = false
		}
	}

	runes := []rune(input)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else if r == '\\' && quote == '"' && i+1 < len(runes) {
				i++
				current.WriteRune(runes[i])
			} else {
				current.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			inToken = true
		case r == ' ' || r == '\t' || r == '\n':
			flush()
		case r == '\\' && i+1 < len(runes):
			i++
			current.WriteRune(runes[i])
			inToken = true
		default:
			current.WriteRune(r)
			inToken = true
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("unterminated quote")
	}
	flush()
	return tokens, nil
}

// extractFlags separates positional args from --dry-run / --confirm.
func extractFlags(args []string) (positional []string, dryRun, confirm bool) {
	for _, arg := range args {
		switch arg {
		case "--dry-run":
			dryRun = true
		case "--confirm":
			confirm = true
		default:
			positional = append(positional, arg)
		}
	}
	return positional, dryRun, confirm
}
