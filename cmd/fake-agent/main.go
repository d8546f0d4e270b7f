// ABOUTME: Minimal fake worker for E2E testing: connects over the control socket and echoes every req.
// ABOUTME: Usage: fake-agent [-url ws://localhost:8787/agents] [-id e2e-echo-agent] [-guilds g1,g2]
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/fleet-gateway/internal/protocol"
)

func main() {
	url := flag.String("url", "ws://localhost:8787/agents", "gateway control socket URL")
	agentID := flag.String("id", "e2e-echo-agent", "Agent ID")
	guilds := flag.String("guilds", "", "comma-separated guild ids")
	secret := flag.String("secret", "", "runner secret")
	ready := flag.Bool("ready", true, "report ready in hello")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	hello := protocol.Hello{
		AgentID:         *agentID,
		ProtocolVersion: protocol.ProtocolVersion,
		Ready:           *ready,
		GuildIDs:        splitList(*guilds),
		RunnerSecret:    *secret,
		Tag:             "fake-agent",
	}
	if err := run(ctx, *url, hello); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, url string, hello protocol.Hello) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
		_ = conn.Close()
	}()

	if err := send(conn, hello); err != nil {
		return fmt.Errorf("failed to send hello: %w", err)
	}

	_, frame, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("failed to receive welcome: %w", err)
	}
	var welcome protocol.Welcome
	if err := json.Unmarshal(frame, &welcome); err != nil || welcome.Type != protocol.TypeWelcome {
		return fmt.Errorf("expected welcome, got: %s", frame)
	}
	fmt.Fprintf(os.Stderr, "registered as %s (server: %s)\n", welcome.AgentID, welcome.ServerID)

	// membership may have changed while the socket was down
	if err := send(conn, protocol.Guilds{GuildIDs: hello.GuildIDs}); err != nil {
		return fmt.Errorf("failed to send guilds: %w", err)
	}

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil // graceful shutdown
			}
			return fmt.Errorf("recv error: %w", err)
		}

		var req protocol.Req
		if err := json.Unmarshal(frame, &req); err != nil || req.Type != protocol.TypeReq {
			continue
		}
		log.Printf("received req [%s] %s: %s", req.ID, req.Op, req.Data)

		if err := send(conn, reply(req)); err != nil {
			log.Printf("send resp error: %v", err)
		}
	}
}

func reply(req protocol.Req) protocol.Resp {
	if req.Op == protocol.OpRelease {
		return protocol.Resp{ID: req.ID, OK: true}
	}
	data := req.Data
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}
	return protocol.Resp{ID: req.ID, OK: true, Data: data}
}

func send(conn *websocket.Conn, m protocol.Message) error {
	frame, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, frame)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
