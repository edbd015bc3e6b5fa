package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	server "dndemicube/server"
	"dndemicube/server/internal/net/proto"
	"dndemicube/server/internal/session"
)

func startHub(t *testing.T) *server.Hub {
	t.Helper()
	engine := session.NewEngine(session.Config{FogCellSize: 10, KeyframeRetention: 8}, session.Deps{})
	loop := session.NewLoop(engine, session.LoopConfig{FrameRate: 60}, session.LoopHooks{})
	hub := server.NewHub(loop, session.LoopHooks{}, server.Config{KeyframeInterval: 30}, server.Deps{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		hub.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		hub.Close()
	})
	return hub
}

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	parsed, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("failed to parse server url: %v", err)
	}
	parsed.Scheme = "ws"
	parsed.Path = path
	conn, resp, err := websocket.DefaultDialer.Dial(parsed.String(), nil)
	if resp != nil {
		resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("failed to open websocket connection: %v", err)
	}
	t.Cleanup(func() {
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
	})
	return conn
}

func readUntil(t *testing.T, conn *websocket.Conn, match func(proto.ServerMessage) bool) proto.ServerMessage {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		conn.SetReadDeadline(deadline)
		_, payload, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("failed to read message: %v", err)
		}
		msg, err := proto.DecodeServerMessage(payload)
		if err != nil {
			t.Fatalf("failed to decode %s: %v", payload, err)
		}
		if match(msg) {
			return msg
		}
	}
}

func send(t *testing.T, conn *websocket.Conn, msg any) {
	t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("failed to encode message: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("failed to write message: %v", err)
	}
}

func newServer(t *testing.T, hub *server.Hub) *httptest.Server {
	t.Helper()
	handler := NewHandler(hub, HandlerConfig{})
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/dm", handler.HandleDM)
	mux.HandleFunc("/ws/player", handler.HandlePlayer)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func isKeyframe(msg proto.ServerMessage) bool { return msg.Keyframe != nil }

func TestDMCommandReachesPlayer(t *testing.T) {
	hub := startHub(t)
	srv := newServer(t, hub)

	dm := dial(t, srv, "/ws/dm")
	player := dial(t, srv, "/ws/player")
	readUntil(t, dm, isKeyframe)
	readUntil(t, player, isKeyframe)

	send(t, dm, map[string]any{
		"ver":  proto.Version,
		"type": proto.TypeCommand,
		"seq":  1,
		"command": map[string]any{
			"name":   "selectMap",
			"path":   "maps/cellar.png",
			"width":  200,
			"height": 100,
		},
	})

	ack := readUntil(t, dm, func(msg proto.ServerMessage) bool { return msg.Ack != nil })
	if ack.Type != proto.TypeCommandAck || ack.Ack.Seq != 1 {
		t.Fatalf("expected ack for seq 1, got %+v", ack)
	}

	frame := readUntil(t, player, func(msg proto.ServerMessage) bool {
		return msg.Keyframe != nil && msg.Keyframe.Scene.Map != nil
	})
	if frame.Keyframe.Scene.Map.AssetPath != "maps/cellar.png" {
		t.Fatalf("unexpected map %+v", frame.Keyframe.Scene.Map)
	}
}

func TestPlayerCommandRejected(t *testing.T) {
	hub := startHub(t)
	srv := newServer(t, hub)
	player := dial(t, srv, "/ws/player")
	readUntil(t, player, isKeyframe)

	send(t, player, map[string]any{
		"type":    proto.TypeCommand,
		"seq":     7,
		"command": map[string]any{"name": "clearMap"},
	})
	reject := readUntil(t, player, func(msg proto.ServerMessage) bool { return msg.Ack != nil })
	if reject.Type != proto.TypeCommandReject || reject.Ack.Reason != server.CommandRejectForbidden {
		t.Fatalf("expected forbidden reject, got %+v", reject)
	}
}

func TestInvalidCommandRejected(t *testing.T) {
	hub := startHub(t)
	srv := newServer(t, hub)
	dm := dial(t, srv, "/ws/dm")
	readUntil(t, dm, isKeyframe)

	send(t, dm, map[string]any{
		"type":    proto.TypeCommand,
		"seq":     3,
		"command": map[string]any{"name": "summonDragon"},
	})
	reject := readUntil(t, dm, func(msg proto.ServerMessage) bool { return msg.Ack != nil })
	if reject.Ack.Reason != server.CommandRejectInvalid || reject.Ack.Seq != 3 {
		t.Fatalf("expected invalid command reject, got %+v", reject)
	}
}

func TestHeartbeatAndKeyframeRequest(t *testing.T) {
	hub := startHub(t)
	srv := newServer(t, hub)
	player := dial(t, srv, "/ws/player")
	first := readUntil(t, player, isKeyframe)

	send(t, player, map[string]any{"type": proto.TypeHeartbeat, "sentAt": time.Now().UnixMilli()})
	beat := readUntil(t, player, func(msg proto.ServerMessage) bool {
		return msg.Heartbeat != nil && msg.Heartbeat.ClientTime != 0
	})
	if beat.Heartbeat.Version < first.Keyframe.Version {
		t.Fatalf("heartbeat version %d behind keyframe %d", beat.Heartbeat.Version, first.Keyframe.Version)
	}

	send(t, player, map[string]any{"type": proto.TypeKeyframeReq, "keyframeSeq": first.Keyframe.Version})
	again := readUntil(t, player, isKeyframe)
	if again.Keyframe.Version != first.Keyframe.Version {
		t.Fatalf("expected keyframe %d, got %d", first.Keyframe.Version, again.Keyframe.Version)
	}
}
