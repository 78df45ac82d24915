package pipeline

import (
	"log/slog"

	"github.com/lromao/majordomo/pkg/majordomo/archive"
	"github.com/lromao/majordomo/pkg/majordomo/policy"
	"github.com/lromao/majordomo/pkg/majordomo/security"
)

// Deps carries everything the standard chain needs. Optional fields may be
// nil; the corresponding stages degrade to pass-through.
type Deps struct {
	Archive  *archive.Store
	Policy   *policy.Store
	Admin    *policy.Admin
	Security *security.Engine

	Responder Responder
	Recall    RecallFunc
	TTS       TTS

	ResetSession func(channel, chatID string) error
	Panic        func(reason string)

	CaptureUserMessages bool
	CaptureAssistant    bool
	CaptureSilent       bool
	CaptureBlocked      bool

	Logger *slog.Logger
}

// Build constructs the standard 13-stage chain. The order is load-bearing:
//
//	Normalize → Dedup → Archive → ReplyContextEnrich → AdminCommand →
//	Policy → IdeaCapture → AccessControl → NewChatNotify → NoReplyFilter →
//	InputSecurity → Responder → Outbound
func Build(deps Deps) *Pipeline {
	layers := []Middleware{
		Normalize{},
		NewDedup(DedupTTL, DedupMaxSize),
		&Archive{Store: deps.Archive, Logger: deps.Logger},
		NewReplyContext(deps.Archive),
		&AdminCommand{
			Policy:       deps.Policy,
			Admin:        deps.Admin,
			ResetSession: deps.ResetSession,
			Panic:        deps.Panic,
		},
		&Policy{Store: deps.Policy},
		IdeaCapture{},
		&AccessControl{
			Security:       deps.Security,
			CaptureSilent:  deps.CaptureSilent,
			CaptureBlocked: deps.CaptureBlocked,
		},
		NewNewChatNotify(deps.Archive, deps.Policy),
		&NoReplyFilter{
			Security:      deps.Security,
			CaptureSilent: deps.CaptureSilent,
		},
		&InputSecurity{Engine: deps.Security},
		NewResponderStage(deps.Responder, deps.Recall, deps.Logger),
		&Outbound{
			Security:            deps.Security,
			TTS:                 deps.TTS,
			Logger:              deps.Logger,
			CaptureUserMessages: deps.CaptureUserMessages,
			CaptureAssistant:    deps.CaptureAssistant,
		},
	}
	return New(layers, deps.Logger)
}
