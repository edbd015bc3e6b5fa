// Command viewer attaches to the player socket, mirrors the scene and prints
// one line per applied update at the requested output size.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"dndemicube/server/internal/fog"
	"dndemicube/server/internal/geometry"
	"dndemicube/server/internal/mirror"
	"dndemicube/server/internal/net/proto"
)

func main() {
	var (
		url       string
		width     float64
		height    float64
		zoom      float64
		heartbeat time.Duration
	)
	flag.StringVar(&url, "url", "ws://localhost:8080/ws/player", "player socket url")
	flag.Float64Var(&width, "width", 1920, "output width in pixels")
	flag.Float64Var(&height, "height", 1080, "output height in pixels")
	flag.Float64Var(&zoom, "zoom", 1, "zoom relative to the letterbox fit")
	flag.DurationVar(&heartbeat, "heartbeat", 2*time.Second, "heartbeat interval")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if resp != nil {
		resp.Body.Close()
	}
	if err != nil {
		log.Fatalf("dial %s: %v", url, err)
	}
	defer conn.Close()

	f := newFollower(os.Stdout, geometry.Viewport{Zoom: zoom, OutputWidth: width, OutputHeight: height})
	var writeMu sync.Mutex
	send := func(msg proto.ClientMessage) error {
		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteMessage(websocket.TextMessage, data)
	}

	go func() {
		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				conn.Close()
				return
			case now := <-ticker.C:
				if err := send(proto.ClientMessage{Ver: proto.Version, Type: proto.TypeHeartbeat, SentAt: now.UnixMilli()}); err != nil {
					log.Printf("heartbeat: %v", err)
				}
			}
		}
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Fatalf("read: %v", err)
		}
		msg, err := proto.DecodeServerMessage(payload)
		if err != nil {
			log.Printf("discarding frame: %v", err)
			continue
		}
		if seq, ok := f.handle(msg); ok {
			if err := send(proto.ClientMessage{Ver: proto.Version, Type: proto.TypeKeyframeReq, KeyframeSeq: &seq}); err != nil {
				log.Printf("keyframe request: %v", err)
			}
		}
	}
}

// follower feeds server frames into a mirror and reports when a keyframe
// must be requested.
type follower struct {
	mirror *mirror.Mirror
	out    io.Writer
	view   geometry.Viewport
	// requested is the last sequence asked for, so a burst of deltas after a
	// gap produces a single request.
	requested uint64
}

func newFollower(out io.Writer, view geometry.Viewport) *follower {
	return &follower{mirror: mirror.New(), out: out, view: view}
}

// handle applies msg and returns the keyframe sequence to request, if any.
func (f *follower) handle(msg proto.ServerMessage) (uint64, bool) {
	switch {
	case msg.Keyframe != nil:
		if f.mirror.ApplyKeyframe(*msg.Keyframe) {
			f.requested = 0
			f.print("keyframe")
		}
	case msg.State != nil:
		err := f.mirror.ApplyDelta(*msg.State)
		if errors.Is(err, mirror.ErrStateDesync) {
			return f.request(msg.State.Version)
		}
		if err != nil {
			fmt.Fprintf(f.out, "delta %d rejected: %v\n", msg.State.Version, err)
			return 0, false
		}
		f.print("delta")
	case msg.Heartbeat != nil:
		if f.mirror.ObserveHeartbeat(msg.Heartbeat.Version) {
			return f.request(msg.Heartbeat.Version)
		}
	case msg.Nack != nil:
		fmt.Fprintf(f.out, "keyframe %d refused: %s\n", msg.Nack.Sequence, msg.Nack.Reason)
		f.requested = 0
	}
	return 0, false
}

func (f *follower) request(version uint64) (uint64, bool) {
	if version == 0 || version <= f.requested {
		return 0, false
	}
	f.requested = version
	return version, true
}

func (f *follower) print(kind string) {
	frame := f.mirror.Frame(f.view)
	counts := frame.Fog.Counts()
	fmt.Fprintf(f.out, "%s version=%d instances=%d visible=%d remembered=%d scale=%.3f offset=(%.1f,%.1f)\n",
		kind,
		f.mirror.Version(),
		len(frame.Scene.Instances),
		counts[fog.Visible],
		counts[fog.Remembered],
		frame.Transform.Scale,
		frame.Transform.OffsetX,
		frame.Transform.OffsetY,
	)
}
