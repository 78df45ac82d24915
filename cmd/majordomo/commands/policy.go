package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lromao/majordomo/pkg/majordomo/config"
	"github.com/lromao/majordomo/pkg/majordomo/policy"
)

var policyChannel string

var policyCmd = &cobra.Command{
	Use:   "policy [subcommand args...]",
	Short: "Run policy admin commands (same backend as owner DM commands)",
	Example: `  majordomo policy list-groups
  majordomo policy set-when 1203630000000000@g.us mention_only --dry-run
  majordomo policy rollback 4f2a91c8 --confirm`,
	Args: cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		admin, _, err := adminBackend()
		if err != nil {
			return err
		}
		if len(args) == 0 {
			args = []string{"help"}
		}
		actor := policy.Actor{
			Source:   "cli",
			Channel:  policyChannel,
			SenderID: "cli",
		}
		response, err := admin.Execute(actor, "/policy "+strings.Join(quoteArgs(args), " "))
		if err != nil {
			return err
		}
		fmt.Println(response)
		return nil
	},
}

var policyExplainCmd = &cobra.Command{
	Use:   "explain <channel> <chat_id> <sender>",
	Short: "Show the merged policy and decision trace for one sender",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, store, err := adminBackend()
		if err != nil {
			return err
		}
		eff, dec := store.Current().Explain(args[0], args[1], args[2])
		fmt.Printf("who=%s when=%s tools=%s persona=%s\n",
			eff.WhoCanTalkMode, eff.WhenToReplyMode, eff.AllowedToolsMode, orDash(eff.PersonaFile))
		if len(eff.BlockedSenders) > 0 {
			fmt.Printf("blocked: %s\n", strings.Join(eff.BlockedSenders, ", "))
		}
		fmt.Printf("decision: accept=%v respond=%v reason=%s\n",
			dec.AcceptMessage, dec.ShouldRespond, dec.Reason)
		return nil
	},
}

func init() {
	policyCmd.PersistentFlags().StringVar(&policyChannel, "channel", "whatsapp", "channel the command applies to")
	policyCmd.AddCommand(policyExplainCmd)
	rootCmd.AddCommand(policyCmd)
}

func adminBackend() (*policy.Admin, *policy.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	store, err := policy.NewStore(cfg.PolicyPath(), nil, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("loading policy: %w", err)
	}
	audit, err := policy.NewAuditLog(cfg.AuditDir())
	if err != nil {
		return nil, nil, err
	}
	return policy.NewAdmin(store, audit, nil), store, nil
}

// quoteArgs re-quotes args containing whitespace so the shell-style
// tokenizer reconstructs them.
func quoteArgs(args []string) []string {
	out := make([]string, len(args))
	for i, arg := range args {
		if strings.ContainsAny(arg, " \t") {
			out[i] = `"` + arg + `"`
		} else {
			out[i] = arg
		}
	}
	return out
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
