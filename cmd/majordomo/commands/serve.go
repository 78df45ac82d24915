package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/lromao/majordomo/pkg/majordomo/archive"
	"github.com/lromao/majordomo/pkg/majordomo/bus"
	"github.com/lromao/majordomo/pkg/majordomo/channels"
	"github.com/lromao/majordomo/pkg/majordomo/channels/discord"
	"github.com/lromao/majordomo/pkg/majordomo/channels/feishu"
	"github.com/lromao/majordomo/pkg/majordomo/channels/telegram"
	"github.com/lromao/majordomo/pkg/majordomo/channels/whatsapp"
	"github.com/lromao/majordomo/pkg/majordomo/config"
	"github.com/lromao/majordomo/pkg/majordomo/memory"
	"github.com/lromao/majordomo/pkg/majordomo/orchestrator"
	"github.com/lromao/majordomo/pkg/majordomo/pipeline"
	"github.com/lromao/majordomo/pkg/majordomo/policy"
	"github.com/lromao/majordomo/pkg/majordomo/responder"
	"github.com/lromao/majordomo/pkg/majordomo/security"
	"github.com/lromao/majordomo/pkg/majordomo/session"
	"github.com/lromao/majordomo/pkg/majordomo/tts"
)

// retentionSchedule runs the archive sweep daily at a low-traffic hour.
const retentionSchedule = "17 4 * * *"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator and channel adapters",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe() error {
	logger := slog.Default()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Policy store + hot reload.
	policyStore, err := policy.NewStore(cfg.PolicyPath(), nil, logger)
	if err != nil {
		return fmt.Errorf("loading policy: %w", err)
	}
	go policyStore.Watch(ctx)

	auditLog, err := policy.NewAuditLog(cfg.AuditDir())
	if err != nil {
		return fmt.Errorf("preparing audit log: %w", err)
	}
	admin := policy.NewAdmin(policyStore, auditLog, logger)

	// Stores.
	if err := os.MkdirAll(filepath.Dir(cfg.ArchivePath()), 0o700); err != nil {
		return err
	}
	archiveStore, err := archive.Open(cfg.ArchivePath(), logger)
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}
	defer archiveStore.Close()

	if err := os.MkdirAll(filepath.Dir(cfg.MemoryPath()), 0o700); err != nil {
		return err
	}
	memoryStore, err := memory.Open(cfg.MemoryPath(), logger)
	if err != nil {
		return fmt.Errorf("opening memory store: %w", err)
	}
	defer memoryStore.Close()

	sessions, err := session.NewStore(cfg.SessionsDir())
	if err != nil {
		return fmt.Errorf("preparing sessions: %w", err)
	}

	// Memory service with optional vector backend.
	var embedder memory.EmbeddingProvider
	if cfg.Embeddings.BaseURL != "" {
		embedder = memory.NewHTTPEmbeddings(cfg.Embeddings)
	}
	memService := memory.NewService(cfg.Memory, memoryStore, nil, embedder, logger)
	go memService.Run(ctx)

	// Security engine.
	secEngine, err := security.New(cfg.Security, logger)
	if err != nil {
		return fmt.Errorf("compiling security rules: %w", err)
	}

	// Voice synthesis (optional).
	var ttsEngine pipeline.TTS
	if cfg.TTS.BaseURL != "" {
		ttsEngine = tts.New(cfg.TTS, logger)
	}

	// Responder backend.
	llm := responder.New(responder.Config{
		BaseURL:     cfg.Responder.BaseURL,
		APIKey:      cfg.Responder.APIKey,
		Model:       cfg.Responder.Model,
		TimeoutSec:  cfg.Responder.TimeoutSec,
		PersonaRoot: cfg.Root,
	}, sessions)

	recall := func(rctx context.Context, query, channel, chatID, senderID string) []string {
		hits, err := memService.Recall(rctx, query, channel, chatID, senderID, 5)
		if err != nil {
			logger.Warn("memory recall failed", "error", err)
			return nil
		}
		var snippets []string
		for _, hit := range hits {
			snippets = append(snippets, hit.Entry.Text)
		}
		return snippets
	}

	// Pipeline + bus + orchestrator.
	pipe := pipeline.Build(pipeline.Deps{
		Archive:   archiveStore,
		Policy:    policyStore,
		Admin:     admin,
		Security:  secEngine,
		Responder: llm,
		Recall:    recall,
		TTS:       ttsEngine,
		ResetSession: func(channel, chatID string) error {
			return sessions.Reset(channel, chatID)
		},
		Panic: func(reason string) {
			logger.Warn("panic requested, draining", "reason", reason)
			go func() {
				time.Sleep(500 * time.Millisecond)
				cancel()
			}()
		},
		CaptureUserMessages: true,
		CaptureAssistant:    cfg.Memory.CaptureAssistant,
		CaptureSilent:       true,
		CaptureBlocked:      cfg.Memory.AllowBlockedSenders,
		Logger:              logger,
	})

	msgBus := bus.New(cfg.QueueSize, logger)
	isOwner := func(channel, senderID string) bool {
		return policyStore.Current().IsOwner(channel, senderID)
	}
	orch := orchestrator.New(pipe, msgBus, sessions, memService, isOwner, logger)
	go orch.Run(ctx)

	// Channel adapters.
	manager := channels.NewManager(logger)
	if toggle := cfg.Channels["whatsapp"]; toggle.Enabled {
		waCfg := whatsapp.DefaultConfig()
		waCfg.BridgeURL = fmt.Sprintf("ws://%s:%d", cfg.Bridge.Server.Host, cfg.Bridge.Server.Port)
		waCfg.BridgeToken = cfg.Bridge.Server.Token
		manager.Register(whatsapp.New(waCfg, logger))
	}
	if toggle := cfg.Channels["telegram"]; toggle.Enabled {
		manager.Register(telegram.New(telegram.Config{Token: toggle.Token}, logger))
	}
	if toggle := cfg.Channels["discord"]; toggle.Enabled {
		manager.Register(discord.New(discord.Config{Token: toggle.Token}, logger))
	}
	if toggle := cfg.Channels["feishu"]; toggle.Enabled {
		manager.Register(feishu.New(feishu.Config{AppSecret: toggle.Token}, logger))
	}

	if err := manager.Start(ctx, msgBus.PublishInbound); err != nil {
		return fmt.Errorf("starting channels: %w", err)
	}

	// Outbound dispatcher.
	go dispatchOutbound(ctx, msgBus, manager, logger)

	// Retention sweeps: once at startup, then daily.
	retention := time.Duration(cfg.ArchiveRetentionDays) * 24 * time.Hour
	if _, err := archiveStore.PurgeOlderThan(retention); err != nil {
		logger.Warn("archive purge failed", "error", err)
	}
	scheduler := cron.New()
	_, err = scheduler.AddFunc(retentionSchedule, func() {
		if _, err := archiveStore.PurgeOlderThan(retention); err != nil {
			logger.Warn("archive purge failed", "error", err)
		}
		if cfg.MemoryRetentionDays > 0 {
			d := time.Duration(cfg.MemoryRetentionDays) * 24 * time.Hour
			if _, err := memoryStore.PurgeOlderThan(d); err != nil {
				logger.Warn("memory purge failed", "error", err)
			}
		}
	})
	if err != nil {
		return fmt.Errorf("scheduling retention sweep: %w", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	logger.Info("majordomo serving", "root", cfg.Root)

	// Wait for a signal or /panic-triggered cancellation.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigCh:
		logger.Info("signal received, shutting down")
		cancel()
	case <-ctx.Done():
	}

	manager.Stop()
	return nil
}

// dispatchOutbound drains the outbound bus into the channel adapters.
func dispatchOutbound(ctx context.Context, msgBus *bus.Bus, manager *channels.Manager, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case out := <-msgBus.Outbound():
			sendCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			switch intent := out.Intent.(type) {
			case pipeline.OutboundText:
				err := manager.Send(sendCtx, intent.Channel, intent.ChatID, &channels.OutgoingMessage{
					Content: intent.Text,
					ReplyTo: intent.ReplyTo,
				})
				if err != nil {
					logger.Warn("outbound send failed",
						"channel", intent.Channel, "chat", intent.ChatID, "error", err)
				}
			case pipeline.OutboundMedia:
				err := manager.Send(sendCtx, intent.Channel, intent.ChatID, &channels.OutgoingMessage{
					Content:   intent.Caption,
					MediaPath: intent.Path,
					MimeType:  intent.MimeType,
					ReplyTo:   intent.ReplyTo,
					VoiceNote: intent.VoiceNote,
				})
				if err != nil {
					logger.Warn("outbound media send failed",
						"channel", intent.Channel, "chat", intent.ChatID, "error", err)
				}
			case pipeline.ReactionIntent:
				err := manager.SendReaction(sendCtx, intent.Channel, channels.Reaction{
					ChatID:      intent.ChatID,
					MessageID:   intent.MessageID,
					Emoji:       intent.Emoji,
					Participant: intent.Participant,
				})
				if err != nil {
					logger.Debug("reaction send failed",
						"channel", intent.Channel, "error", err)
				}
			case pipeline.TypingIntent:
				_ = manager.SendTyping(sendCtx, intent.Channel, intent.ChatID, intent.On)
			}
			cancel()
		}
	}
}
