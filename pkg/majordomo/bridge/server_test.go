package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// echoHandler answers every command with its type.
type echoHandler struct{}

func (echoHandler) HandleCommand(_ context.Context, cmd Command) (any, *ProtocolError) {
	if _, ok := cmd.(HealthCmd); ok {
		return HealthPayload{ProtocolVersion: ProtocolVersion}, nil
	}
	return map[string]any{"echo": cmd.CommandType()}, nil
}

func TestNewServerValidation(t *testing.T) {
	t.Run("empty token refused", func(t *testing.T) {
		_, err := NewServer(ServerConfig{Host: "127.0.0.1", Port: 0, Token: "  "}, echoHandler{}, nil)
		if err == nil {
			t.Error("expected error for empty token")
		}
	})

	t.Run("non-loopback host refused", func(t *testing.T) {
		for _, host := range []string{"0.0.0.0", "192.168.1.5", "example.com"} {
			_, err := NewServer(ServerConfig{Host: host, Port: 0, Token: "s"}, echoHandler{}, nil)
			if err == nil {
				t.Errorf("expected error for host %q", host)
			}
		}
	})

	t.Run("loopback hosts accepted", func(t *testing.T) {
		for _, host := range []string{"127.0.0.1", "::1", "localhost", "127.1.2.3"} {
			if _, err := NewServer(ServerConfig{Host: host, Port: 0, Token: "s"}, echoHandler{}, nil); err != nil {
				t.Errorf("host %q: %v", host, err)
			}
		}
	})
}

func TestIsLoopbackRemote(t *testing.T) {
	cases := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1:51234", true},
		{"[::1]:51234", true},
		{"127.8.9.10:80", true},
		{"192.168.1.5:51234", false},
		{"10.0.0.1:80", false},
		{"[2001:db8::1]:443", false},
	}
	for _, tc := range cases {
		if got := isLoopbackRemote(tc.addr); got != tc.want {
			t.Errorf("isLoopbackRemote(%q) = %v, want %v", tc.addr, got, tc.want)
		}
	}
}

func TestCompareTokens(t *testing.T) {
	if !compareTokens("secret", "secret") {
		t.Error("equal tokens must match")
	}
	if compareTokens("secret", "Secret") {
		t.Error("case difference must not match")
	}
	if compareTokens("secret", "secret-longer") {
		t.Error("different lengths must not match")
	}
}

// startTestServer runs a real listener on an ephemeral port.
func startTestServer(t *testing.T) (string, context.CancelFunc) {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := listener.Addr().(*net.TCPAddr).Port
	listener.Close()

	server, err := NewServer(ServerConfig{Host: "127.0.0.1", Port: port, Token: "secret"}, echoHandler{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go server.ListenAndServe(ctx)
	time.Sleep(100 * time.Millisecond)
	return fmt.Sprintf("ws://127.0.0.1:%d", port), cancel
}

func readResponse(t *testing.T, conn *websocket.Conn) (Event, ResponsePayload) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var evt struct {
		Version   int             `json:"version"`
		Type      string          `json:"type"`
		RequestID string          `json:"requestId"`
		Payload   json.RawMessage `json:"payload"`
	}
	if err := conn.ReadJSON(&evt); err != nil {
		t.Fatalf("reading frame: %v", err)
	}
	var payload ResponsePayload
	if err := json.Unmarshal(evt.Payload, &payload); err != nil {
		t.Fatalf("decoding payload: %v", err)
	}
	return Event{Version: evt.Version, Type: evt.Type, RequestID: evt.RequestID}, payload
}

func TestServerCommandRoundTrip(t *testing.T) {
	url, stop := startTestServer(t)
	defer stop()

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	err = conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"version":2,"type":"health","token":"secret","requestId":"h1"}`))
	if err != nil {
		t.Fatal(err)
	}

	evt, payload := readResponse(t, conn)
	if evt.Type != "response" || evt.RequestID != "h1" {
		t.Errorf("unexpected frame %+v", evt)
	}
	if !payload.OK {
		t.Errorf("expected ok response, got %+v", payload)
	}
}

func TestServerAuthRejection(t *testing.T) {
	url, stop := startTestServer(t)
	defer stop()

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	err = conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"version":2,"type":"health","token":"wrong","requestId":"h1"}`))
	if err != nil {
		t.Fatal(err)
	}

	_, payload := readResponse(t, conn)
	if payload.OK || payload.Error == nil || payload.Error.Code != ErrAuth {
		t.Fatalf("expected ERR_AUTH, got %+v", payload)
	}
	if payload.Error.Retryable {
		t.Error("auth errors are not retryable")
	}

	// The socket closes after an auth failure.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected connection close after auth failure")
	}
}

func TestServerErrorsSanitizeToken(t *testing.T) {
	// A schema error whose message would echo the token must come back
	// scrubbed.
	perr := schemaErr("bad value %q", "secret")
	clean := SanitizeError(perr, "secret")
	if clean.Message == perr.Message {
		t.Error("expected sanitized copy to differ")
	}
}

func TestServerVersionMismatch(t *testing.T) {
	url, stop := startTestServer(t)
	defer stop()

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	err = conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"version":1,"type":"health","token":"secret","requestId":"h1"}`))
	if err != nil {
		t.Fatal(err)
	}
	_, payload := readResponse(t, conn)
	if payload.OK || payload.Error == nil || payload.Error.Code != ErrProtocolVersion {
		t.Fatalf("expected ERR_PROTOCOL_VERSION, got %+v", payload)
	}
}
