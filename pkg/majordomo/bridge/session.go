package bridge

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for the session store.

	"github.com/lromao/majordomo/pkg/majordomo/cache"
)

// Bridge version strings reported by health.
const (
	BridgeVersion = "1.4.0"
	BuildID       = "majordomo-bridge"
)

// Cache sizing per the session contract.
const (
	dedupTTL        = 20 * time.Minute
	dedupMax        = 5000
	quoteTTL        = 20 * time.Minute
	quoteMax        = 2000
	outboundSelfTTL = 10 * time.Minute
	outboundSelfMax = 5000

	reconnectInitial     = 1 * time.Second
	reconnectCap         = 30 * time.Second
	reconnectMaxAttempts = 30
)

// SessionConfig configures the WhatsApp session half of the bridge.
type SessionConfig struct {
	// AuthDir holds whatsmeow credential state (0700 dir, 0600 files).
	AuthDir string `json:"auth_dir"`

	// MediaIncomingDir is the root for persisted inbound media.
	MediaIncomingDir string `json:"media_incoming_dir"`

	// MediaOutgoingDir is the allowed root for send_media mediaPath.
	MediaOutgoingDir string `json:"media_outgoing_dir"`

	// PersistAudio / PersistVideo / PersistSticker gate persistence of
	// those media kinds; images are always persisted.
	PersistAudio   bool `json:"persist_audio"`
	PersistVideo   bool `json:"persist_video"`
	PersistSticker bool `json:"persist_sticker"`

	// AcceptFromMe lets externally-sent own-account messages through
	// (messages sent by this bridge are always filtered).
	AcceptFromMe bool `json:"accept_from_me"`

	// ReadReceipts enables sending read receipts for inbound messages.
	ReadReceipts bool `json:"read_receipts"`

	// AccountID labels events from this session.
	AccountID string `json:"account_id"`
}

// DefaultSessionConfig returns the session defaults.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		ReadReceipts: true,
		AccountID:    "default",
	}
}

// Session owns the live whatsmeow client and implements Handler.
type Session struct {
	cfg    SessionConfig
	logger *slog.Logger

	client   *whatsmeow.Client
	clientMu sync.RWMutex

	// Broadcast pushes events to connected protocol clients; wired by the
	// bridge bootstrap to Server.Broadcast.
	Broadcast func(Event)

	// QueueStats reports listener counters for health; wired at bootstrap.
	QueueStats func() QueueHealth

	recentInbound *cache.Cache // dedup, key sha1(chat:message)
	quoteCache    *cache.Cache // raw inbound messages for reply-quote resolution
	outboundSelf  *cache.Cache // ids this bridge sent, to filter echoes

	running              atomic.Bool
	connected            atomic.Bool
	reconnectAttempts    atomic.Int32
	droppedDuplicates    atomic.Int64
	lastMessageAt        atomic.Int64
	lastDisconnectStatus atomic.Value // string
	lastError            atomic.Value // string

	// QR latch: the freshest QR string plus its issue time.
	qrMu      sync.Mutex
	qrCode    string
	qrIssued  time.Time
	qrWaiters []chan string

	loginDone chan struct{}
	stop      context.CancelFunc
}

// quoteEntry is the cached raw form of one inbound message needed to build
// an outbound quoted reply.
type quoteEntry struct {
	chatJID     string
	senderJID   string
	message     *waE2E.Message
	messageID   string
	participant string
}

// NewSession builds the session; Start starts the supervisor.
func NewSession(cfg SessionConfig, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.AccountID == "" {
		cfg.AccountID = "default"
	}
	return &Session{
		cfg:           cfg,
		logger:        logger.With("component", "bridge-session"),
		recentInbound: cache.New(dedupTTL, dedupMax),
		quoteCache:    cache.New(quoteTTL, quoteMax),
		outboundSelf:  cache.New(outboundSelfTTL, outboundSelfMax),
		loginDone:     make(chan struct{}),
	}
}

// Start initializes the whatsmeow client and runs the connection
// supervisor until ctx is cancelled.
func (s *Session) Start(ctx context.Context) error {
	ctx, s.stop = context.WithCancel(ctx)

	if err := ensureDirMode(s.cfg.AuthDir, 0o700); err != nil {
		return fmt.Errorf("preparing auth dir: %w", err)
	}

	dbPath := filepath.Join(s.cfg.AuthDir, "session.db")
	container, err := sqlstore.New(ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL", dbPath), waLog.Noop)
	if err != nil {
		return fmt.Errorf("creating session store: %w", err)
	}

	device, err := s.getDevice(ctx, container)
	if err != nil {
		return fmt.Errorf("getting device: %w", err)
	}
	store.SetOSInfo("Majordomo", [3]uint32{1, 4, 0})

	client := whatsmeow.NewClient(device, waLog.Noop)
	client.AddEventHandler(s.handleEvent)

	s.clientMu.Lock()
	s.client = client
	s.clientMu.Unlock()

	s.running.Store(true)
	go s.superviseConnection(ctx)
	return nil
}

func (s *Session) getDevice(ctx context.Context, container *sqlstore.Container) (*store.Device, error) {
	devices, err := container.GetAllDevices(ctx)
	if err != nil {
		return nil, err
	}
	if len(devices) > 0 {
		return devices[0], nil
	}
	return container.NewDevice(), nil
}

// Stop shuts the session down.
func (s *Session) Stop() {
	s.running.Store(false)
	if s.stop != nil {
		s.stop()
	}
	s.clientMu.RLock()
	client := s.client
	s.clientMu.RUnlock()
	if client != nil {
		client.Disconnect()
	}
}

// superviseConnection keeps the platform socket alive: connect, wait for
// close, back off exponentially with jitter, give up after the attempt cap.
func (s *Session) superviseConnection(ctx context.Context) {
	for s.running.Load() && ctx.Err() == nil {
		s.clientMu.RLock()
		client := s.client
		s.clientMu.RUnlock()

		if client.Store.ID == nil {
			// No linked session yet; QR login is driven by login_start.
			select {
			case <-ctx.Done():
				return
			case <-time.After(2 * time.Second):
			}
			continue
		}

		if !client.IsConnected() {
			if err := client.Connect(); err != nil {
				attempt := int(s.reconnectAttempts.Add(1))
				s.lastError.Store(err.Error())
				if attempt >= reconnectMaxAttempts {
					s.logger.Error("reconnect attempts exhausted", "attempts", attempt)
					s.emitStatus("reconnect_exhausted")
					s.running.Store(false)
					return
				}
				backoff := reconnectBackoff(attempt)
				s.logger.Warn("connect failed, backing off",
					"attempt", attempt, "backoff", backoff, "error", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoff):
				}
				continue
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

// reconnectBackoff is exponential from 1 s, capped at 30 s, multiplier 2,
// with ±25% jitter.
func reconnectBackoff(attempt int) time.Duration {
	backoff := reconnectInitial
	for i := 1; i < attempt && backoff < reconnectCap; i++ {
		backoff *= 2
	}
	if backoff > reconnectCap {
		backoff = reconnectCap
	}
	jitter := 0.75 + rand.Float64()*0.5
	return time.Duration(float64(backoff) * jitter)
}

// ---------- Event handling ----------

func (s *Session) handleEvent(rawEvt any) {
	switch evt := rawEvt.(type) {
	case *events.Message:
		s.processInbound(evt)

	case *events.Connected:
		s.connected.Store(true)
		s.reconnectAttempts.Store(0)
		s.logger.Info("whatsapp connected", "jid", s.selfJID())
		s.emitStatus("connected")

	case *events.Disconnected:
		s.connected.Store(false)
		s.lastDisconnectStatus.Store("disconnected")
		s.emitStatus("disconnected")

	case *events.LoggedOut:
		s.connected.Store(false)
		s.lastDisconnectStatus.Store("logged_out")
		s.emitStatus("logged_out")

	case *events.StreamReplaced:
		s.connected.Store(false)
		s.lastDisconnectStatus.Store("stream_replaced")
		s.emitStatus("stream_replaced")

	case *events.TemporaryBan:
		s.connected.Store(false)
		s.lastDisconnectStatus.Store("banned")
		s.lastError.Store(fmt.Sprintf("temporary ban: %s", evt.Code))
		s.emitStatus("banned")

	case *events.QR:
		// whatsmeow surfaces QR through GetQRChannel during login; this
		// event covers reconnect-time refreshes.
		if len(evt.Codes) > 0 {
			s.latchQR(evt.Codes[0])
		}

	case *events.PairSuccess:
		s.logger.Info("device paired", "jid", evt.ID)
		s.emitStatus("paired")
	}

	// Credential files must stay private after every store update.
	s.enforceAuthDirPerms()
}

func (s *Session) emitStatus(status string) {
	if s.Broadcast == nil {
		return
	}
	s.Broadcast(NewEvent("status", s.cfg.AccountID, "", map[string]any{"status": status}))
}

// latchQR stores the freshest QR string and wakes pending login waiters.
func (s *Session) latchQR(code string) {
	s.qrMu.Lock()
	s.qrCode = code
	s.qrIssued = time.Now()
	waiters := s.qrWaiters
	s.qrWaiters = nil
	s.qrMu.Unlock()

	for _, w := range waiters {
		select {
		case w <- code:
		default:
		}
	}
	if s.Broadcast != nil {
		s.Broadcast(NewEvent("qr", s.cfg.AccountID, "", map[string]any{"qr": code}))
	}
}

// freshQR returns the latched QR if it is younger than the freshness cap.
func (s *Session) freshQR() (string, bool) {
	s.qrMu.Lock()
	defer s.qrMu.Unlock()
	if s.qrCode == "" || time.Since(s.qrIssued) > QRFreshnessSeconds*time.Second {
		return "", false
	}
	return s.qrCode, true
}

func (s *Session) selfJID() string {
	s.clientMu.RLock()
	defer s.clientMu.RUnlock()
	if s.client != nil && s.client.Store.ID != nil {
		return s.client.Store.ID.String()
	}
	return ""
}

// enforceAuthDirPerms keeps the credential directory at 0700 and its files
// at 0600.
func (s *Session) enforceAuthDirPerms() {
	if s.cfg.AuthDir == "" {
		return
	}
	_ = os.Chmod(s.cfg.AuthDir, 0o700)
	entries, err := os.ReadDir(s.cfg.AuthDir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			_ = os.Chmod(filepath.Join(s.cfg.AuthDir, entry.Name()), 0o600)
		}
	}
}

func ensureDirMode(dir string, mode os.FileMode) error {
	if dir == "" {
		return fmt.Errorf("directory not configured")
	}
	if err := os.MkdirAll(dir, mode); err != nil {
		return err
	}
	return os.Chmod(dir, mode)
}

// ---------- Command dispatch ----------

// HandleCommand implements Handler.
func (s *Session) HandleCommand(ctx context.Context, cmd Command) (any, *ProtocolError) {
	switch c := cmd.(type) {
	case HealthCmd:
		return s.healthPayload(), nil
	case SendTextCmd:
		return s.handleSendText(ctx, c)
	case SendMediaCmd:
		return s.handleSendMedia(ctx, c)
	case SendPollCmd:
		return s.handleSendPoll(ctx, c)
	case ReactCmd:
		return s.handleReact(ctx, c)
	case PresenceUpdateCmd:
		return s.handlePresence(ctx, c)
	case ListGroupsCmd:
		return s.handleListGroups(ctx, c)
	case LoginStartCmd:
		return s.handleLoginStart(ctx, c)
	case LoginWaitCmd:
		return s.handleLoginWait(ctx, c)
	case LogoutCmd:
		return s.handleLogout(ctx)
	}
	return nil, &ProtocolError{Code: ErrUnsupported, Message: "unhandled command"}
}

func (s *Session) requireClient() (*whatsmeow.Client, *ProtocolError) {
	s.clientMu.RLock()
	defer s.clientMu.RUnlock()
	if s.client == nil {
		return nil, &ProtocolError{Code: ErrInternal, Message: "client not initialized", Retryable: true}
	}
	return s.client, nil
}

func (s *Session) handleSendText(ctx context.Context, cmd SendTextCmd) (any, *ProtocolError) {
	client, perr := s.requireClient()
	if perr != nil {
		return nil, perr
	}
	jid, err := parseJID(cmd.To)
	if err != nil {
		return nil, schemaErr("send_text: invalid 'to': %v", err)
	}

	msg := s.buildTextMessage(cmd.Text, jid, cmd.ReplyToMessageID)
	resp, err := client.SendMessage(ctx, jid, msg)
	if err != nil {
		return nil, &ProtocolError{Code: ErrInternal, Message: fmt.Sprintf("send failed: %v", err), Retryable: true}
	}
	s.recordOutbound(jid.String(), string(resp.ID))
	return map[string]any{"messageId": string(resp.ID)}, nil
}

// buildTextMessage builds a plain or quoted text message. The quote is
// resolved from the quote cache; unknown reply ids fall back to plain.
func (s *Session) buildTextMessage(text string, chat types.JID, replyToMessageID string) *waE2E.Message {
	if replyToMessageID != "" {
		if v, ok := s.quoteCache.Get(quoteKey(chat.String(), replyToMessageID)); ok {
			q := v.(*quoteEntry)
			return &waE2E.Message{
				ExtendedTextMessage: &waE2E.ExtendedTextMessage{
					Text: proto.String(text),
					ContextInfo: &waE2E.ContextInfo{
						StanzaID:      proto.String(q.messageID),
						Participant:   proto.String(q.participant),
						QuotedMessage: q.message,
					},
				},
			}
		}
	}
	return &waE2E.Message{Conversation: proto.String(text)}
}

// recordOutbound remembers a message id this bridge sent so inbound echo
// events from the same account are recognized.
func (s *Session) recordOutbound(chatJID, messageID string) {
	s.outboundSelf.Put(quoteKey(chatJID, messageID), true)
}

func quoteKey(chatJID, messageID string) string { return chatJID + ":" + messageID }

func (s *Session) handleSendMedia(ctx context.Context, cmd SendMediaCmd) (any, *ProtocolError) {
	client, perr := s.requireClient()
	if perr != nil {
		return nil, perr
	}
	jid, err := parseJID(cmd.To)
	if err != nil {
		return nil, schemaErr("send_media: invalid 'to': %v", err)
	}

	data, perr := s.loadMediaSource(ctx, cmd)
	if perr != nil {
		return nil, perr
	}

	mimeType := cmd.MimeType
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}

	mediaType, builder := mediaBuilder(mimeType)
	upload, err := client.Upload(ctx, data, mediaType)
	if err != nil {
		return nil, &ProtocolError{Code: ErrInternal, Message: fmt.Sprintf("media upload failed: %v", err), Retryable: true}
	}

	msg := builder(upload, mimeType, cmd, int64(len(data)))
	resp, err := client.SendMessage(ctx, jid, msg)
	if err != nil {
		return nil, &ProtocolError{Code: ErrInternal, Message: fmt.Sprintf("send failed: %v", err), Retryable: true}
	}
	s.recordOutbound(jid.String(), string(resp.ID))
	return map[string]any{"messageId": string(resp.ID)}, nil
}

// loadMediaSource fetches the media bytes from the single configured
// source. mediaPath must resolve (following symlinks) under the outgoing
// media root.
func (s *Session) loadMediaSource(ctx context.Context, cmd SendMediaCmd) ([]byte, *ProtocolError) {
	switch {
	case cmd.MediaBase64 != "":
		data, err := base64.StdEncoding.DecodeString(cmd.MediaBase64)
		if err != nil {
			return nil, schemaErr("send_media: invalid base64: %v", err)
		}
		return data, nil

	case cmd.MediaURL != "":
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, cmd.MediaURL, nil)
		if err != nil {
			return nil, schemaErr("send_media: invalid mediaUrl: %v", err)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return nil, &ProtocolError{Code: ErrInternal, Message: fmt.Sprintf("fetching mediaUrl: %v", err), Retryable: true}
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, &ProtocolError{Code: ErrInternal, Message: fmt.Sprintf("mediaUrl returned %d", resp.StatusCode)}
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024*1024))
		if err != nil {
			return nil, &ProtocolError{Code: ErrInternal, Message: fmt.Sprintf("reading mediaUrl: %v", err), Retryable: true}
		}
		return data, nil

	case cmd.MediaPath != "":
		path, perr := s.resolveOutgoingPath(cmd.MediaPath)
		if perr != nil {
			return nil, perr
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, schemaErr("send_media: reading mediaPath: %v", err)
		}
		return data, nil
	}
	return nil, schemaErr("send_media: no media source")
}

// resolveOutgoingPath follows symlinks and requires the result to stay
// under the configured outgoing-media root.
func (s *Session) resolveOutgoingPath(mediaPath string) (string, *ProtocolError) {
	if s.cfg.MediaOutgoingDir == "" {
		return "", schemaErr("send_media: mediaPath not allowed (no outgoing root configured)")
	}
	root, err := filepath.EvalSymlinks(s.cfg.MediaOutgoingDir)
	if err != nil {
		return "", schemaErr("send_media: outgoing root unavailable: %v", err)
	}
	resolved, err := filepath.EvalSymlinks(mediaPath)
	if err != nil {
		return "", schemaErr("send_media: mediaPath does not resolve: %v", err)
	}
	rel, err := filepath.Rel(root, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", schemaErr("send_media: mediaPath escapes the outgoing media root")
	}
	return resolved, nil
}

// mediaBuilder maps a MIME type to the whatsmeow media kind and a message
// constructor.
func mediaBuilder(mimeType string) (whatsmeow.MediaType, func(whatsmeow.UploadResponse, string, SendMediaCmd, int64) *waE2E.Message) {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return whatsmeow.MediaImage, func(up whatsmeow.UploadResponse, mime string, cmd SendMediaCmd, size int64) *waE2E.Message {
			return &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
				Caption:       proto.String(cmd.Caption),
				Mimetype:      proto.String(mime),
				URL:           proto.String(up.URL),
				DirectPath:    proto.String(up.DirectPath),
				MediaKey:      up.MediaKey,
				FileEncSHA256: up.FileEncSHA256,
				FileSHA256:    up.FileSHA256,
				FileLength:    proto.Uint64(uint64(size)),
			}}
		}
	case strings.HasPrefix(mimeType, "audio/"):
		return whatsmeow.MediaAudio, func(up whatsmeow.UploadResponse, mime string, cmd SendMediaCmd, size int64) *waE2E.Message {
			return &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
				Mimetype:      proto.String(mime),
				PTT:           proto.Bool(strings.Contains(mime, "ogg")),
				URL:           proto.String(up.URL),
				DirectPath:    proto.String(up.DirectPath),
				MediaKey:      up.MediaKey,
				FileEncSHA256: up.FileEncSHA256,
				FileSHA256:    up.FileSHA256,
				FileLength:    proto.Uint64(uint64(size)),
			}}
		}
	case strings.HasPrefix(mimeType, "video/"):
		return whatsmeow.MediaVideo, func(up whatsmeow.UploadResponse, mime string, cmd SendMediaCmd, size int64) *waE2E.Message {
			return &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
				Caption:       proto.String(cmd.Caption),
				Mimetype:      proto.String(mime),
				URL:           proto.String(up.URL),
				DirectPath:    proto.String(up.DirectPath),
				MediaKey:      up.MediaKey,
				FileEncSHA256: up.FileEncSHA256,
				FileSHA256:    up.FileSHA256,
				FileLength:    proto.Uint64(uint64(size)),
			}}
		}
	}
	return whatsmeow.MediaDocument, func(up whatsmeow.UploadResponse, mime string, cmd SendMediaCmd, size int64) *waE2E.Message {
		return &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
			Caption:       proto.String(cmd.Caption),
			FileName:      proto.String(cmd.FileName),
			Mimetype:      proto.String(mime),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(uint64(size)),
		}}
	}
}

func (s *Session) handleSendPoll(ctx context.Context, cmd SendPollCmd) (any, *ProtocolError) {
	client, perr := s.requireClient()
	if perr != nil {
		return nil, perr
	}
	jid, err := parseJID(cmd.To)
	if err != nil {
		return nil, schemaErr("send_poll: invalid 'to': %v", err)
	}
	maxSel := cmd.MaxSelections
	if maxSel == 0 {
		maxSel = 1
	}
	msg := client.BuildPollCreation(cmd.Question, cmd.Options, maxSel)
	resp, err := client.SendMessage(ctx, jid, msg)
	if err != nil {
		return nil, &ProtocolError{Code: ErrInternal, Message: fmt.Sprintf("send failed: %v", err), Retryable: true}
	}
	s.recordOutbound(jid.String(), string(resp.ID))
	return map[string]any{"messageId": string(resp.ID)}, nil
}

func (s *Session) handleReact(ctx context.Context, cmd ReactCmd) (any, *ProtocolError) {
	client, perr := s.requireClient()
	if perr != nil {
		return nil, perr
	}
	chat, err := parseJID(cmd.ChatJID)
	if err != nil {
		return nil, schemaErr("react: invalid chatJid: %v", err)
	}
	sender := chat
	if cmd.ParticipantJID != "" {
		sender, err = parseJID(cmd.ParticipantJID)
		if err != nil {
			return nil, schemaErr("react: invalid participantJid: %v", err)
		}
	}
	if cmd.FromMe {
		if self := client.Store.ID; self != nil {
			sender = *self
		}
	}
	msg := client.BuildReaction(chat, sender, types.MessageID(cmd.MessageID), cmd.Emoji)
	if _, err := client.SendMessage(ctx, chat, msg); err != nil {
		return nil, &ProtocolError{Code: ErrInternal, Message: fmt.Sprintf("reaction failed: %v", err), Retryable: true}
	}
	return map[string]any{"ok": true}, nil
}

func (s *Session) handlePresence(ctx context.Context, cmd PresenceUpdateCmd) (any, *ProtocolError) {
	client, perr := s.requireClient()
	if perr != nil {
		return nil, perr
	}
	switch cmd.State {
	case "available":
		if err := client.SendPresence(ctx, types.PresenceAvailable); err != nil {
			return nil, presenceErr(err)
		}
	case "unavailable":
		if err := client.SendPresence(ctx, types.PresenceUnavailable); err != nil {
			return nil, presenceErr(err)
		}
	default:
		chat, err := parseJID(cmd.ChatJID)
		if err != nil {
			return nil, schemaErr("presence_update: invalid chatJid: %v", err)
		}
		state := types.ChatPresenceComposing
		media := types.ChatPresenceMediaText
		switch cmd.State {
		case "paused":
			state = types.ChatPresencePaused
		case "recording":
			media = types.ChatPresenceMediaAudio
		}
		if err := client.SendChatPresence(ctx, chat, state, media); err != nil {
			return nil, presenceErr(err)
		}
	}
	return map[string]any{"ok": true}, nil
}

func presenceErr(err error) *ProtocolError {
	return &ProtocolError{Code: ErrInternal, Message: fmt.Sprintf("presence update failed: %v", err), Retryable: true}
}

func (s *Session) handleListGroups(ctx context.Context, cmd ListGroupsCmd) (any, *ProtocolError) {
	client, perr := s.requireClient()
	if perr != nil {
		return nil, perr
	}
	groups, err := client.GetJoinedGroups(ctx)
	if err != nil {
		return nil, &ProtocolError{Code: ErrInternal, Message: fmt.Sprintf("listing groups: %v", err), Retryable: true}
	}

	want := make(map[string]bool)
	for _, id := range cmd.IDs {
		want[id] = true
	}

	var out []map[string]any
	for _, g := range groups {
		id := g.JID.String()
		if len(want) > 0 && !want[id] {
			continue
		}
		out = append(out, map[string]any{
			"id":           id,
			"name":         g.Name,
			"participants": len(g.Participants),
		})
	}
	return map[string]any{"groups": out}, nil
}

func (s *Session) handleLoginStart(ctx context.Context, cmd LoginStartCmd) (any, *ProtocolError) {
	client, perr := s.requireClient()
	if perr != nil {
		return nil, perr
	}
	if client.Store.ID != nil && !cmd.Force {
		return map[string]any{"status": "already_logged_in", "jid": s.selfJID()}, nil
	}
	if qr, ok := s.freshQR(); ok {
		return map[string]any{"status": "qr", "qr": qr}, nil
	}

	timeout := time.Duration(cmd.TimeoutMs) * time.Millisecond
	if timeout < MinLoginTimeoutMs*time.Millisecond {
		timeout = 60 * time.Second
	}

	waiter := make(chan string, 1)
	s.qrMu.Lock()
	s.qrWaiters = append(s.qrWaiters, waiter)
	s.qrMu.Unlock()

	go s.runQRLogin(context.WithoutCancel(ctx))

	select {
	case <-ctx.Done():
		return nil, &ProtocolError{Code: ErrInternal, Message: "login cancelled", Retryable: true}
	case <-time.After(timeout):
		return nil, &ProtocolError{Code: ErrInternal, Message: "timed out waiting for QR", Retryable: true}
	case qr := <-waiter:
		return map[string]any{"status": "qr", "qr": qr}, nil
	}
}

// runQRLogin drives the whatsmeow QR channel, latching each code and
// signalling completion.
func (s *Session) runQRLogin(ctx context.Context) {
	s.clientMu.RLock()
	client := s.client
	s.clientMu.RUnlock()
	if client == nil || client.IsConnected() {
		return
	}

	qrChan, err := client.GetQRChannel(ctx)
	if err != nil {
		s.logger.Warn("QR channel unavailable", "error", err)
		return
	}
	if err := client.Connect(); err != nil {
		s.logger.Warn("connect for QR failed", "error", err)
		return
	}

	for evt := range qrChan {
		switch evt.Event {
		case "code":
			s.latchQR(evt.Code)
		case "success":
			s.logger.Info("QR login successful")
			s.emitStatus("logged_in")
			select {
			case s.loginDone <- struct{}{}:
			default:
			}
			return
		case "timeout":
			s.logger.Warn("QR login timed out")
			s.emitStatus("qr_timeout")
			return
		}
	}
}

func (s *Session) handleLoginWait(ctx context.Context, cmd LoginWaitCmd) (any, *ProtocolError) {
	if s.selfJID() != "" && s.connected.Load() {
		return map[string]any{"status": "logged_in", "jid": s.selfJID()}, nil
	}
	timeout := time.Duration(cmd.TimeoutMs) * time.Millisecond
	if timeout < MinLoginTimeoutMs*time.Millisecond {
		timeout = 2 * time.Minute
	}
	select {
	case <-ctx.Done():
		return nil, &ProtocolError{Code: ErrInternal, Message: "login wait cancelled", Retryable: true}
	case <-time.After(timeout):
		return nil, &ProtocolError{Code: ErrInternal, Message: "login wait timed out", Retryable: true}
	case <-s.loginDone:
		return map[string]any{"status": "logged_in", "jid": s.selfJID()}, nil
	}
}

func (s *Session) handleLogout(ctx context.Context) (any, *ProtocolError) {
	client, perr := s.requireClient()
	if perr != nil {
		return nil, perr
	}
	logoutCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Logout(logoutCtx); err != nil {
		client.Disconnect()
		s.logger.Warn("logout error, forced disconnect", "error", err)
	}
	s.connected.Store(false)
	s.emitStatus("logged_out")
	return map[string]any{"ok": true}, nil
}

// healthPayload assembles the full health document.
func (s *Session) healthPayload() HealthPayload {
	queue := QueueHealth{}
	if s.QueueStats != nil {
		queue = s.QueueStats()
	}
	lastDisconnect, _ := s.lastDisconnectStatus.Load().(string)
	lastErr, _ := s.lastError.Load().(string)

	wa := WhatsAppHealth{
		Connected:                s.connected.Load(),
		Running:                  s.running.Load(),
		ReconnectAttempts:        int(s.reconnectAttempts.Load()),
		LastDisconnectStatus:     lastDisconnect,
		LastError:                lastErr,
		LastMessageAt:            s.lastMessageAt.Load(),
		DroppedInboundDuplicates: s.droppedDuplicates.Load(),
		DedupeCacheSize:          s.recentInbound.Len(),
	}
	return HealthPayload{
		Version:         BridgeVersion,
		ProtocolVersion: ProtocolVersion,
		BridgeVersion:   BridgeVersion,
		BuildID:         BuildID,
		AccountID:       s.cfg.AccountID,
		WhatsApp:        wa,
		Queue:           queue,
		Dedupe: DedupeHealth{
			DroppedInboundDuplicates: wa.DroppedInboundDuplicates,
			DedupeCacheSize:          wa.DedupeCacheSize,
		},
	}
}

// parseJID converts a string to types.JID. Accepts "5511999999999",
// "+5511999999999", full JIDs, and group ids like "1234-567@g.us".
func parseJID(s string) (types.JID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return types.JID{}, fmt.Errorf("empty JID")
	}
	if strings.Contains(s, "@") {
		return types.ParseJID(s)
	}
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
	if len(digits) < 10 {
		return types.JID{}, fmt.Errorf("phone number too short: %s", s)
	}
	return types.NewJID(digits, types.DefaultUserServer), nil
}
