package bridge

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
)

const (
	maxUnwrapDepth    = 6
	quotedTextMax     = 1000
	statusBroadcast   = "broadcast"
	groupServerSuffix = "@g.us"
)

var mentionDigitsRe = regexp.MustCompile(`@(\d{5,})`)

// imageRetryBackoff is the download retry schedule for inbound images.
var imageRetryBackoff = []time.Duration{
	250 * time.Millisecond,
	500 * time.Millisecond,
	1000 * time.Millisecond,
}

// processInbound runs the full inbound path for one platform message event.
func (s *Session) processInbound(evt *events.Message) {
	// 1. Status broadcasts and messages without a chat are dropped.
	if evt.Info.Chat.Server == statusBroadcast || evt.Info.Chat.User == "" {
		return
	}

	chatJID := normalizeJID(evt.Info.Chat.String())
	messageID := string(evt.Info.ID)

	// 3. fromMe gate: own-account messages are dropped unless external
	// echoes are explicitly accepted — and even then, messages this bridge
	// itself sent are always filtered via the outbound-self cache.
	if evt.Info.IsFromMe {
		if !s.cfg.AcceptFromMe {
			return
		}
		if s.outboundSelf.Contains(quoteKey(chatJID, messageID)) {
			return
		}
	}

	// 8. Unwrap nested envelopes before extraction.
	waMsg := unwrapMessage(evt.Message, 0)
	if waMsg == nil {
		return
	}

	// 6/7. Group detection and participant resolution. In 1:1 chats the
	// participant is ALWAYS the remote JID: contextInfo.participant points
	// at a quoted message's author and would misidentify the sender.
	isGroup := strings.HasSuffix(chatJID, groupServerSuffix)
	participant := chatJID
	if isGroup {
		participant = normalizeJID(evt.Info.Sender.String())
	}

	// 4. Cache the raw message for later reply-quote resolution.
	s.quoteCache.Put(quoteKey(chatJID, messageID), &quoteEntry{
		chatJID:     chatJID,
		senderJID:   participant,
		message:     waMsg,
		messageID:   messageID,
		participant: participant,
	})

	// 5. Dedup on the hashed (chat, message) pair.
	if s.recentInbound.CheckAndPut(dedupeKey(chatJID, messageID)) {
		s.droppedDuplicates.Add(1)
		return
	}

	// 9. Extract text and media.
	text, media := s.extractContent(waMsg, chatJID, messageID)

	// 10. Reply metadata from context info.
	ctxInfo := extractContextInfo(waMsg)
	replyToMessageID, replyToParticipant, replyToText := "", "", ""
	var mentionedJIDs []string
	if ctxInfo != nil {
		replyToMessageID = ctxInfo.GetStanzaID()
		replyToParticipant = normalizeJID(ctxInfo.GetParticipant())
		if quoted := ctxInfo.GetQuotedMessage(); quoted != nil {
			replyToText = truncate(quotedText(quoted), quotedTextMax)
		}
		mentionedJIDs = append(mentionedJIDs, ctxInfo.GetMentionedJID()...)
	}

	// 11. Mentions: contextInfo plus @<digits> scanning; a bot mention is
	// any mentioned JID matching a self identity.
	for _, m := range mentionDigitsRe.FindAllStringSubmatch(text, -1) {
		mentionedJIDs = append(mentionedJIDs, m[1]+"@"+types.DefaultUserServer)
	}
	self := normalizeJID(s.selfJID())
	selfUser := ""
	if at := strings.IndexByte(self, '@'); at > 0 {
		selfUser = self[:at]
	}
	mentionedBot := false
	for _, jid := range mentionedJIDs {
		norm := normalizeJID(jid)
		if norm == self || (selfUser != "" && strings.HasPrefix(norm, selfUser+"@")) {
			mentionedBot = true
			break
		}
	}
	replyToBot := replyToParticipant != "" && replyToParticipant == self

	s.lastMessageAt.Store(time.Now().UnixMilli())

	// 13. Read receipts.
	if s.cfg.ReadReceipts && !evt.Info.IsFromMe {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			s.clientMu.RLock()
			client := s.client
			s.clientMu.RUnlock()
			if client != nil {
				_ = client.MarkRead(ctx, []types.MessageID{evt.Info.ID},
					time.Now(), evt.Info.Chat, evt.Info.Sender)
			}
		}()
	}

	// 14. Emit the message event.
	if s.Broadcast == nil {
		return
	}
	s.Broadcast(NewEvent("message", s.cfg.AccountID, "", MessagePayload{
		MessageID:          messageID,
		ChatJID:            chatJID,
		ParticipantJID:     participant,
		SenderID:           participant,
		SenderName:         evt.Info.PushName,
		IsGroup:            isGroup,
		Text:               text,
		Timestamp:          evt.Info.Timestamp.Unix(),
		MentionedJIDs:      mentionedJIDs,
		MentionedBot:       mentionedBot,
		ReplyToBot:         replyToBot,
		ReplyToMessageID:   replyToMessageID,
		ReplyToParticipant: replyToParticipant,
		ReplyToText:        replyToText,
		Media:              media,
	}))
}

// dedupeKey is the SHA-1 of "{chat_jid}:{message_id}".
func dedupeKey(chatJID, messageID string) string {
	sum := sha1.Sum([]byte(chatJID + ":" + messageID))
	return hex.EncodeToString(sum[:])
}

// normalizeJID splits at '@', discards any ":device" suffix on the left
// part, lowercases the server, and rejoins.
func normalizeJID(jid string) string {
	jid = strings.TrimSpace(jid)
	if jid == "" {
		return ""
	}
	left, right := jid, ""
	if at := strings.IndexByte(jid, '@'); at >= 0 {
		left, right = jid[:at], jid[at+1:]
	}
	if colon := strings.IndexByte(left, ':'); colon >= 0 {
		left = left[:colon]
	}
	if right == "" {
		return left
	}
	return left + "@" + strings.ToLower(right)
}

// unwrapMessage peels ephemeral / view-once / document-with-caption
// envelopes, up to maxUnwrapDepth levels.
func unwrapMessage(msg *waE2E.Message, depth int) *waE2E.Message {
	if msg == nil || depth >= maxUnwrapDepth {
		return msg
	}
	if inner := msg.GetEphemeralMessage().GetMessage(); inner != nil {
		return unwrapMessage(inner, depth+1)
	}
	if inner := msg.GetViewOnceMessage().GetMessage(); inner != nil {
		return unwrapMessage(inner, depth+1)
	}
	if inner := msg.GetViewOnceMessageV2().GetMessage(); inner != nil {
		return unwrapMessage(inner, depth+1)
	}
	if inner := msg.GetDocumentWithCaptionMessage().GetMessage(); inner != nil {
		return unwrapMessage(inner, depth+1)
	}
	return msg
}

// extractContextInfo pulls the ContextInfo from whichever submessage has
// one.
func extractContextInfo(msg *waE2E.Message) *waE2E.ContextInfo {
	switch {
	case msg.ExtendedTextMessage != nil:
		return msg.ExtendedTextMessage.GetContextInfo()
	case msg.ImageMessage != nil:
		return msg.ImageMessage.GetContextInfo()
	case msg.AudioMessage != nil:
		return msg.AudioMessage.GetContextInfo()
	case msg.VideoMessage != nil:
		return msg.VideoMessage.GetContextInfo()
	case msg.DocumentMessage != nil:
		return msg.DocumentMessage.GetContextInfo()
	case msg.StickerMessage != nil:
		return msg.StickerMessage.GetContextInfo()
	}
	return nil
}

// quotedText renders the text view of a quoted message.
func quotedText(quoted *waE2E.Message) string {
	switch {
	case quoted.Conversation != nil:
		return quoted.GetConversation()
	case quoted.ExtendedTextMessage != nil:
		return quoted.ExtendedTextMessage.GetText()
	case quoted.ImageMessage != nil:
		return strings.TrimSpace("[Image] " + quoted.ImageMessage.GetCaption())
	case quoted.VideoMessage != nil:
		return strings.TrimSpace("[Video] " + quoted.VideoMessage.GetCaption())
	case quoted.DocumentMessage != nil:
		return "[Document: " + quoted.DocumentMessage.GetFileName() + "]"
	case quoted.AudioMessage != nil:
		if quoted.AudioMessage.GetPTT() {
			return "[Voice Message]"
		}
		return "[Audio]"
	case quoted.StickerMessage != nil:
		return "[Sticker]"
	}
	return "[Message]"
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// extractContent returns the text view plus a media payload when the
// message carries media. Media of persisted kinds is downloaded and stored
// under <incoming_root>/<YYYY>/<MM>/<DD>/<message_id>.<ext>.
func (s *Session) extractContent(msg *waE2E.Message, chatJID, messageID string) (string, *MediaPayload) {
	switch {
	case msg.Conversation != nil:
		return msg.GetConversation(), nil

	case msg.ExtendedTextMessage != nil:
		return msg.ExtendedTextMessage.GetText(), nil

	case msg.ImageMessage != nil:
		img := msg.ImageMessage
		text := img.GetCaption()
		if text == "" {
			text = "[Image]"
		}
		media := &MediaPayload{Kind: "image", MimeType: img.GetMimetype()}
		// Images are always persisted; downloads retry on transient
		// failures.
		s.persistMedia(media, messageID, img, true)
		return text, media

	case msg.AudioMessage != nil:
		audio := msg.AudioMessage
		text := "[Audio]"
		if audio.GetPTT() {
			text = "[Voice Message]"
		}
		media := &MediaPayload{Kind: "audio", MimeType: audio.GetMimetype()}
		if s.cfg.PersistAudio {
			s.persistMedia(media, messageID, audio, false)
		}
		return text, media

	case msg.VideoMessage != nil:
		video := msg.VideoMessage
		text := video.GetCaption()
		if text == "" {
			text = "[Video]"
		}
		media := &MediaPayload{Kind: "video", MimeType: video.GetMimetype()}
		if s.cfg.PersistVideo {
			s.persistMedia(media, messageID, video, false)
		}
		return text, media

	case msg.StickerMessage != nil:
		media := &MediaPayload{Kind: "sticker", MimeType: msg.StickerMessage.GetMimetype()}
		if s.cfg.PersistSticker {
			s.persistMedia(media, messageID, msg.StickerMessage, false)
		}
		return "[Sticker]", media

	case msg.DocumentMessage != nil:
		doc := msg.DocumentMessage
		text := doc.GetCaption()
		if text == "" {
			text = fmt.Sprintf("[Document: %s]", doc.GetFileName())
		}
		return text, &MediaPayload{Kind: "file", MimeType: doc.GetMimetype()}
	}

	return "[Unsupported Message]", nil
}

// persistMedia downloads and stores one media item, filling in the payload
// path and size on success. Failures degrade to metadata-only payloads.
func (s *Session) persistMedia(media *MediaPayload, messageID string, item whatsmeow.DownloadableMessage, retry bool) {
	if s.cfg.MediaIncomingDir == "" {
		return
	}
	s.clientMu.RLock()
	client := s.client
	s.clientMu.RUnlock()
	if client == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	var data []byte
	var err error
	attempts := 1
	if retry {
		attempts = len(imageRetryBackoff) + 1
	}
	for i := 0; i < attempts; i++ {
		data, err = client.Download(ctx, item)
		if err == nil {
			break
		}
		if i < len(imageRetryBackoff) {
			time.Sleep(imageRetryBackoff[i])
		}
	}
	if err != nil {
		s.logger.Warn("media download failed", "message", messageID, "error", err)
		return
	}

	now := time.Now().UTC()
	dir := filepath.Join(s.cfg.MediaIncomingDir,
		fmt.Sprintf("%04d", now.Year()),
		fmt.Sprintf("%02d", now.Month()),
		fmt.Sprintf("%02d", now.Day()))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		s.logger.Warn("creating media dir failed", "error", err)
		return
	}

	path := filepath.Join(dir, sanitizeFilename(messageID)+extForMime(media.MimeType))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		s.logger.Warn("writing media failed", "error", err)
		return
	}
	media.Path = path
	media.Bytes = int64(len(data))
}

var unsafeFilenameRe = regexp.MustCompile(`[^A-Za-z0-9._-]`)

func sanitizeFilename(name string) string {
	return unsafeFilenameRe.ReplaceAllString(name, "_")
}

func extForMime(mime string) string {
	switch {
	case strings.Contains(mime, "jpeg"):
		return ".jpg"
	case strings.Contains(mime, "png"):
		return ".png"
	case strings.Contains(mime, "webp"):
		return ".webp"
	case strings.Contains(mime, "ogg"):
		return ".ogg"
	case strings.Contains(mime, "mp4"):
		return ".mp4"
	case strings.Contains(mime, "mpeg"):
		return ".mp3"
	}
	return ".bin"
}
