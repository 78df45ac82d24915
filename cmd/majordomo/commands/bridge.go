package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mdp/qrterminal/v3"
	"github.com/spf13/cobra"

	"github.com/lromao/majordomo/pkg/majordomo/bridge"
	"github.com/lromao/majordomo/pkg/majordomo/config"
)

var bridgeCmd = &cobra.Command{
	Use:   "bridge",
	Short: "WhatsApp bridge management",
}

var bridgeServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the loopback WhatsApp bridge",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBridge()
	},
}

var bridgeLoginCmd = &cobra.Command{
	Use:   "login",
	Short: "Link a WhatsApp account by scanning a QR code",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBridgeLogin()
	},
}

func init() {
	bridgeCmd.AddCommand(bridgeServeCmd, bridgeLoginCmd)
	rootCmd.AddCommand(bridgeCmd)
}

func runBridge() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	session := bridge.NewSession(cfg.Bridge.Session, nil)
	server, err := bridge.NewServer(cfg.Bridge.Server, session, nil)
	if err != nil {
		return err
	}
	session.Broadcast = server.Broadcast
	session.QueueStats = server.QueueStats

	if err := session.Start(ctx); err != nil {
		return fmt.Errorf("starting whatsapp session: %w", err)
	}
	defer session.Stop()

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigCh:
		cancel()
		return nil
	case err := <-errCh:
		return err
	}
}

// runBridgeLogin connects to a running bridge, requests a QR code, renders
// it in the terminal, and waits for the scan.
func runBridgeLogin() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("ws://%s:%d", cfg.Bridge.Server.Host, cfg.Bridge.Server.Port)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("dialing bridge at %s: %w", url, err)
	}
	defer conn.Close()

	send := func(cmdType string, payload any) error {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		return conn.WriteJSON(bridge.Envelope{
			Version:   bridge.ProtocolVersion,
			Type:      cmdType,
			Token:     cfg.Bridge.Server.Token,
			RequestID: cmdType,
			Payload:   raw,
		})
	}

	if err := send("login_start", map[string]any{"timeoutMs": 60000}); err != nil {
		return err
	}

	deadline := time.Now().Add(3 * time.Minute)
	for time.Now().Before(deadline) {
		var evt struct {
			Type      string `json:"type"`
			RequestID string `json:"requestId"`
			Payload   struct {
				OK     bool `json:"ok"`
				Result struct {
					Status string `json:"status"`
					QR     string `json:"qr"`
					JID    string `json:"jid"`
				} `json:"result"`
				Error *bridge.ProtocolError `json:"error"`
				QR    string                `json:"qr"`
			} `json:"payload"`
		}
		conn.SetReadDeadline(deadline)
		if err := conn.ReadJSON(&evt); err != nil {
			return fmt.Errorf("reading bridge frame: %w", err)
		}

		switch evt.Type {
		case "response":
			if !evt.Payload.OK {
				if evt.Payload.Error != nil {
					return fmt.Errorf("%s: %s", evt.Payload.Error.Code, evt.Payload.Error.Message)
				}
				return fmt.Errorf("login failed")
			}
			switch evt.Payload.Result.Status {
			case "already_logged_in", "logged_in":
				fmt.Printf("Linked as %s\n", evt.Payload.Result.JID)
				return nil
			case "qr":
				fmt.Println("Scan this QR code with WhatsApp:")
				qrterminal.GenerateHalfBlock(evt.Payload.Result.QR, qrterminal.L, os.Stdout)
				if err := send("login_wait", map[string]any{"timeoutMs": 120000}); err != nil {
					return err
				}
			}
		case "qr":
			fmt.Println("New QR code:")
			qrterminal.GenerateHalfBlock(evt.Payload.QR, qrterminal.L, os.Stdout)
		case "status":
			// Informational only.
		}
	}
	return fmt.Errorf("login timed out")
}
