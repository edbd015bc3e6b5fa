package server

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"dndemicube/server/internal/journal"
	"dndemicube/server/internal/net/proto"
	"dndemicube/server/internal/scene"
	"dndemicube/server/internal/session"
	"dndemicube/server/internal/telemetry"
	"dndemicube/server/logging"
	loggingnetwork "dndemicube/server/logging/network"
)

var (
	// ErrHubClosed is returned when subscribing after Close.
	ErrHubClosed = errors.New("hub closed")
	// ErrNilConn is returned when subscribing without a connection.
	ErrNilConn = errors.New("nil connection")
)

// Config tunes broadcast cadence.
type Config struct {
	// KeyframeInterval is the number of frames between periodic keyframes.
	KeyframeInterval int
	// KeyframeRateLimit is the minimum spacing between keyframe requests
	// served to one subscriber.
	KeyframeRateLimit time.Duration
	HeartbeatInterval time.Duration
	Clock             logging.Clock
	DebugTelemetry    bool
}

// Deps collects the hub's collaborators.
type Deps struct {
	Logger    telemetry.Logger
	Publisher logging.Publisher
}

// Hub owns the attached surfaces and turns each frame's staged patches into
// versioned deltas and keyframes. The DM surface is the only command source;
// players receive the filtered projection.
type Hub struct {
	cfg       Config
	loop      *session.Loop
	engine    *session.Engine
	logger    telemetry.Logger
	publisher logging.Publisher
	telemetry *telemetryCounters

	mu      sync.Mutex
	dm      *Subscriber
	players map[string]*Subscriber
	closed  bool

	version         atomic.Uint64
	frame           atomic.Uint64
	resyncRequested atomic.Bool

	// loop goroutine only
	framesSinceKeyframe int
	encodeDelta         func(proto.StateDelta) ([]byte, error)
}

// NewHub attaches the hub to the loop's AfterStep hook. Hooks previously set
// on the loop other than AfterStep are preserved.
func NewHub(loop *session.Loop, hooks session.LoopHooks, cfg Config, deps Deps) *Hub {
	if cfg.KeyframeInterval <= 0 {
		cfg.KeyframeInterval = defaultKeyframeInterval
	}
	if cfg.KeyframeRateLimit <= 0 {
		cfg.KeyframeRateLimit = defaultKeyframeRateLimit
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = logging.SystemClock{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = telemetry.LoggerFunc(func(string, ...any) {})
	}
	publisher := deps.Publisher
	if publisher == nil {
		publisher = logging.NopPublisher()
	}
	h := &Hub{
		cfg:       cfg,
		loop:      loop,
		engine:    loop.Engine(),
		logger:    logger,
		publisher: publisher,
		telemetry: newTelemetryCounters(cfg.DebugTelemetry),
		players:   make(map[string]*Subscriber),

		encodeDelta: proto.EncodeStateDelta,
	}
	h.version.Store(1)
	h.engine.SetVersion(1)

	next := hooks.AfterStep
	hooks.AfterStep = func(result session.StepResult) {
		h.afterStep(result)
		if next != nil {
			next(result)
		}
	}
	loop.SetHooks(hooks)
	return h
}

// Version reports the last broadcast version.
func (h *Hub) Version() uint64 { return h.version.Load() }

// Loop exposes the frame loop the hub is attached to.
func (h *Hub) Loop() *session.Loop { return h.loop }

// Subscribe attaches a surface. A second DM replaces the first, whose
// connection is closed. Every new subscriber receives a keyframe on the next
// frame before any delta.
func (h *Hub) Subscribe(role Role, conn Conn) (*Subscriber, error) {
	if conn == nil {
		return nil, ErrNilConn
	}
	sub := &Subscriber{ID: uuid.NewString(), Role: role, conn: conn, needsKeyframe: true}
	sub.lastHeartbeat.Store(h.cfg.Clock.Now().UnixMilli())

	var replaced *Subscriber
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHubClosed
	}
	if role == RoleDM {
		replaced = h.dm
		h.dm = sub
	} else {
		sub.Role = RolePlayer
		h.players[sub.ID] = sub
	}
	h.mu.Unlock()

	if replaced != nil {
		replaced.close()
		loggingnetwork.SubscriberLeft(context.Background(), h.publisher, h.Version(), subscriberRef(replaced), loggingnetwork.SubscriberPayload{Role: string(replaced.Role), Reason: "replaced"})
	}
	loggingnetwork.SubscriberJoined(context.Background(), h.publisher, h.Version(), subscriberRef(sub), loggingnetwork.SubscriberPayload{Role: string(sub.Role)})
	return sub, nil
}

// Disconnect detaches the subscriber and closes its connection.
func (h *Hub) Disconnect(sub *Subscriber, reason string) {
	if sub == nil {
		return
	}
	removed := false
	h.mu.Lock()
	if sub.Role == RoleDM {
		if h.dm == sub {
			h.dm = nil
			removed = true
		}
	} else if h.players[sub.ID] == sub {
		delete(h.players, sub.ID)
		removed = true
	}
	h.mu.Unlock()
	sub.close()
	if removed {
		loggingnetwork.SubscriberLeft(context.Background(), h.publisher, h.Version(), subscriberRef(sub), loggingnetwork.SubscriberPayload{Role: string(sub.Role), Reason: reason})
	}
}

// Close detaches every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	subs := h.subscribersLocked()
	h.mu.Unlock()
	for _, sub := range subs {
		h.Disconnect(sub, "shutdown")
	}
}

// SubmitCommand stages a DM command for the next frame. Players are refused.
// A sequence already accepted from this subscriber is acknowledged again
// without being re-applied.
func (h *Hub) SubmitCommand(sub *Subscriber, cmd session.Command) {
	if sub == nil {
		return
	}
	if sub.Role != RoleDM {
		h.RejectCommand(sub, cmd.Seq, CommandRejectForbidden, false)
		return
	}
	if cmd.Seq != 0 && cmd.Seq <= sub.lastCommandSeq.Load() {
		h.sendAck(sub, cmd.Seq)
		return
	}
	cmd.ActorID = sub.ID
	if cmd.IssuedAt.IsZero() {
		cmd.IssuedAt = h.cfg.Clock.Now()
	}
	if ok, reason := h.loop.Enqueue(cmd); !ok {
		h.RejectCommand(sub, cmd.Seq, reason, true)
		return
	}
	if cmd.Seq != 0 {
		sub.lastCommandSeq.Store(cmd.Seq)
	}
}

// RejectCommand notifies the subscriber that a command will not be applied.
func (h *Hub) RejectCommand(sub *Subscriber, seq uint64, reason string, retry bool) {
	h.telemetry.IncrementCommandRejected()
	data, err := proto.EncodeCommandReject(proto.CommandReject{Seq: seq, Reason: reason, Retry: retry})
	if err != nil {
		h.logger.Printf("failed to encode command reject: %v", err)
		return
	}
	h.send(sub, data)
}

func (h *Hub) sendAck(sub *Subscriber, seq uint64) {
	data, err := proto.EncodeCommandAck(proto.CommandAck{Seq: seq, Version: h.Version()})
	if err != nil {
		h.logger.Printf("failed to encode command ack: %v", err)
		return
	}
	h.send(sub, data)
}

// HandleKeyframeRequest serves a recorded keyframe by sequence. Requests
// arriving faster than the rate limit are refused. A sequence that fell out
// of the journal is refused and a fresh keyframe is scheduled for everyone.
func (h *Hub) HandleKeyframeRequest(sub *Subscriber, sequence uint64) {
	if sub == nil {
		return
	}
	start := h.cfg.Clock.Now()

	h.mu.Lock()
	limited := !sub.lastKeyframeReq.IsZero() && start.Sub(sub.lastKeyframeReq) < h.cfg.KeyframeRateLimit
	if !limited {
		sub.lastKeyframeReq = start
	}
	h.mu.Unlock()

	if limited {
		h.telemetry.RecordKeyframeRequest(0, false)
		h.telemetry.IncrementKeyframeRateLimited()
		h.nack(sub, sequence, proto.NackRateLimited)
		return
	}

	frame, ok := h.engine.KeyframeBySequence(sequence)
	if !ok {
		h.telemetry.RecordKeyframeRequest(0, false)
		h.telemetry.IncrementKeyframeExpired()
		h.nack(sub, sequence, proto.NackExpired)
		h.resyncRequested.Store(true)
		return
	}
	data, err := h.encodeKeyframe(sub.Role, frame, false)
	if err != nil {
		h.logger.Printf("failed to encode keyframe %d: %v", sequence, err)
		return
	}
	h.send(sub, data)
	h.telemetry.RecordKeyframeRequest(h.cfg.Clock.Now().Sub(start), true)
}

func (h *Hub) nack(sub *Subscriber, sequence uint64, reason string) {
	loggingnetwork.KeyframeNack(context.Background(), h.publisher, h.Version(), subscriberRef(sub), loggingnetwork.KeyframeNackPayload{Requested: sequence, Reason: reason})
	data, err := proto.EncodeKeyframeNack(proto.KeyframeNack{Sequence: sequence, Reason: reason})
	if err != nil {
		h.logger.Printf("failed to encode keyframe nack: %v", err)
		return
	}
	h.send(sub, data)
}

// HandleHeartbeat records liveness and echoes timing together with the
// current version.
func (h *Hub) HandleHeartbeat(sub *Subscriber, receivedAt time.Time, clientSent int64) {
	if sub == nil {
		return
	}
	var rtt int64
	if clientSent > 0 {
		rtt = receivedAt.UnixMilli() - clientSent
		if rtt < 0 {
			rtt = 0
		}
	}
	sub.lastHeartbeat.Store(receivedAt.UnixMilli())
	sub.lastRTT.Store(rtt)
	data, err := proto.EncodeHeartbeat(proto.Heartbeat{
		ServerTime: receivedAt.UnixMilli(),
		ClientTime: clientSent,
		RTTMillis:  rtt,
		Version:    h.Version(),
	})
	if err != nil {
		h.logger.Printf("failed to encode heartbeat: %v", err)
		return
	}
	h.send(sub, data)
}

// Run drives the frame loop and heartbeats until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.RunHeartbeats(ctx)
	}()
	h.loop.Run(ctx)
	wg.Wait()
}

// RunHeartbeats periodically announces the current version to every
// subscriber and drops those that stopped heartbeating.
func (h *Hub) RunHeartbeats(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.beat(h.cfg.Clock.Now())
		}
	}
}

func (h *Hub) beat(now time.Time) {
	h.mu.Lock()
	subs := h.subscribersLocked()
	h.mu.Unlock()

	timeout := 3 * h.cfg.HeartbeatInterval
	data, err := proto.EncodeHeartbeat(proto.Heartbeat{ServerTime: now.UnixMilli(), Version: h.Version()})
	if err != nil {
		h.logger.Printf("failed to encode heartbeat: %v", err)
		return
	}
	for _, sub := range subs {
		last := time.UnixMilli(sub.lastHeartbeat.Load())
		if now.Sub(last) > timeout {
			h.logger.Printf("disconnecting %s %s: heartbeat timeout", sub.Role, sub.ID)
			h.Disconnect(sub, "heartbeat_timeout")
			continue
		}
		h.send(sub, data)
	}
}

// Step runs one frame synchronously outside Run.
func (h *Hub) Step(now time.Time) session.StepResult {
	frame := h.frame.Add(1)
	result := h.loop.Advance(session.FrameContext{Frame: frame, Now: now})
	h.afterStep(result)
	return result
}

func (h *Hub) afterStep(result session.StepResult) {
	h.frame.Store(result.Frame)

	patches := h.engine.DrainPatches()
	reason, force := h.engine.ConsumeKeyframeHint()
	if h.resyncRequested.Swap(false) && !force {
		reason, force = "keyframe_request", true
	}

	prev := h.version.Load()
	version := prev
	if len(patches) > 0 || force {
		version = prev + 1
		h.engine.SetVersion(version)
	}

	h.mu.Lock()
	subs := h.subscribersLocked()
	var pending []*Subscriber
	for _, sub := range subs {
		if force {
			sub.needsKeyframe = false
		} else if sub.needsKeyframe {
			pending = append(pending, sub)
			sub.needsKeyframe = false
		}
	}
	h.mu.Unlock()

	bytes := 0
	sent := 0
	switch {
	case force:
		frame, res := h.engine.RecordKeyframe(version)
		h.noteKeyframe(res)
		h.framesSinceKeyframe = 0
		loggingnetwork.ResyncScheduled(context.Background(), h.publisher, version, loggingnetwork.ResyncPayload{Reason: reason})
		bytes += h.broadcastKeyframe(subs, frame, true)
	case len(patches) > 0:
		n, ok := h.broadcastDelta(subs, pending, prev, version, patches)
		if !ok {
			h.engine.RestorePatches(patches)
			version = prev
			h.engine.SetVersion(prev)
			break
		}
		bytes += n
		sent = len(patches)
	}

	if len(pending) > 0 {
		frame, ok := h.engine.LatestKeyframe()
		if !ok || frame.Sequence != version {
			var res journal.KeyframeRecordResult
			frame, res = h.engine.RecordKeyframe(version)
			h.noteKeyframe(res)
			h.framesSinceKeyframe = 0
		}
		bytes += h.broadcastKeyframe(pending, frame, false)
	}
	// Heartbeats and acks read the version from other goroutines; it only
	// advances once every subscriber holds the frame that produced it.
	h.version.Store(version)

	h.framesSinceKeyframe++
	if h.framesSinceKeyframe >= h.cfg.KeyframeInterval {
		h.framesSinceKeyframe = 0
		if latest, ok := h.engine.LatestKeyframe(); !ok || latest.Sequence != version {
			_, res := h.engine.RecordKeyframe(version)
			h.noteKeyframe(res)
		}
	}

	h.acknowledge(result.Outcomes)

	h.telemetry.RecordBroadcast(bytes, sent)
	h.telemetry.RecordFrameDuration(result.Duration)
	size, oldest, newest := h.engine.KeyframeWindow()
	h.telemetry.RecordKeyframeJournal(size, oldest, newest)
}

func (h *Hub) noteKeyframe(res journal.KeyframeRecordResult) {
	for _, ev := range res.Evicted {
		h.logger.Printf("keyframe %d evicted: %s", ev.Sequence, ev.Reason)
	}
}

// broadcastDelta reports false when the delta could not be encoded; nothing
// has been sent in that case.
func (h *Hub) broadcastDelta(subs, skip []*Subscriber, base, version uint64, patches []journal.Patch) (int, bool) {
	now := h.cfg.Clock.Now().UnixMilli()
	var dmData, playerData []byte
	var err error
	dmData, err = h.encodeDelta(proto.StateDelta{BaseVersion: base, Version: version, Patches: patches, ServerTime: now})
	if err != nil {
		h.logger.Printf("failed to encode state delta %d: %v", version, err)
		return 0, false
	}
	playerData, err = h.encodeDelta(proto.StateDelta{BaseVersion: base, Version: version, Patches: PlayerPatches(patches), ServerTime: now})
	if err != nil {
		h.logger.Printf("failed to encode player delta %d: %v", version, err)
		return 0, false
	}
	total := 0
	for _, sub := range subs {
		if containsSubscriber(skip, sub) {
			continue
		}
		data := playerData
		if sub.Role == RoleDM {
			data = dmData
		}
		if h.send(sub, data) {
			total += len(data)
		}
	}
	return total, true
}

func (h *Hub) broadcastKeyframe(subs []*Subscriber, frame journal.Keyframe, resync bool) int {
	var dmData, playerData []byte
	total := 0
	for _, sub := range subs {
		var data *[]byte
		if sub.Role == RoleDM {
			data = &dmData
		} else {
			data = &playerData
		}
		if *data == nil {
			encoded, err := h.encodeKeyframe(sub.Role, frame, resync)
			if err != nil {
				h.logger.Printf("failed to encode keyframe %d: %v", frame.Sequence, err)
				return total
			}
			*data = encoded
		}
		if h.send(sub, *data) {
			total += len(*data)
		}
	}
	if len(subs) > 0 {
		h.telemetry.IncrementKeyframeBroadcast()
	}
	return total
}

func (h *Hub) encodeKeyframe(role Role, frame journal.Keyframe, resync bool) ([]byte, error) {
	return proto.EncodeKeyframe(h.keyframeMessage(role, frame, resync))
}

func (h *Hub) keyframeMessage(role Role, frame journal.Keyframe, resync bool) proto.Keyframe {
	snapshot := frame.Scene
	if role != RoleDM {
		snapshot = snapshot.ForPlayer()
	}
	return proto.Keyframe{
		Ver:        proto.Version,
		Type:       proto.TypeKeyframe,
		Version:    frame.Sequence,
		Scene:      snapshot,
		Assets:     frame.Assets,
		ServerTime: h.cfg.Clock.Now().UnixMilli(),
		Resync:     resync,
	}
}

// Keyframe looks up a recorded keyframe projected for the given role. A zero
// sequence selects the newest one.
func (h *Hub) Keyframe(role Role, sequence uint64) (proto.Keyframe, bool) {
	var (
		frame journal.Keyframe
		ok    bool
	)
	if sequence == 0 {
		frame, ok = h.engine.LatestKeyframe()
	} else {
		frame, ok = h.engine.KeyframeBySequence(sequence)
	}
	if !ok {
		return proto.Keyframe{}, false
	}
	return h.keyframeMessage(role, frame, false), true
}

func (h *Hub) acknowledge(outcomes []session.Outcome) {
	if len(outcomes) == 0 {
		return
	}
	h.mu.Lock()
	dm := h.dm
	h.mu.Unlock()
	if dm == nil {
		return
	}
	for _, outcome := range outcomes {
		if outcome.Pending || outcome.Command.Seq == 0 || outcome.Command.ActorID != dm.ID {
			continue
		}
		if outcome.Err != nil {
			h.RejectCommand(dm, outcome.Command.Seq, outcome.Err.Error(), false)
			continue
		}
		h.sendAck(dm, outcome.Command.Seq)
	}
}

// send writes a frame, disconnecting the subscriber on failure.
func (h *Hub) send(sub *Subscriber, data []byte) bool {
	if sub.closed.Load() {
		return false
	}
	if err := sub.write(data); err != nil {
		h.logger.Printf("failed to write to %s %s: %v", sub.Role, sub.ID, err)
		h.Disconnect(sub, "write_failed")
		return false
	}
	return true
}

func (h *Hub) subscribersLocked() []*Subscriber {
	subs := make([]*Subscriber, 0, len(h.players)+1)
	if h.dm != nil {
		subs = append(subs, h.dm)
	}
	for _, sub := range h.players {
		subs = append(subs, sub)
	}
	return subs
}

// PlayerPatches projects a delta onto what players may see: hidden instances
// turn into removals and occluder changes are dropped.
func PlayerPatches(patches []journal.Patch) []journal.Patch {
	out := make([]journal.Patch, 0, len(patches))
	for _, p := range patches {
		switch p.Kind {
		case journal.PatchOccluderUpsert, journal.PatchOccluderRemoved:
			continue
		case journal.PatchInstanceUpsert:
			if inst, ok := p.Payload.(scene.Instance); ok && !inst.PlayerVisible() {
				out = append(out, journal.Patch{Kind: journal.PatchInstanceRemoved, EntityID: p.EntityID})
				continue
			}
		}
		out = append(out, p)
	}
	return out
}

// DiagnosticsSnapshot reports the attached surfaces and broadcast counters.
func (h *Hub) DiagnosticsSnapshot() Diagnostics {
	h.mu.Lock()
	subs := h.subscribersLocked()
	h.mu.Unlock()
	out := Diagnostics{
		Version:     h.Version(),
		Frame:       h.frame.Load(),
		Pending:     h.loop.Pending(),
		Subscribers: make([]diagnosticsSubscriber, 0, len(subs)),
		Telemetry:   h.telemetry.Snapshot(),
	}
	for _, sub := range subs {
		out.Subscribers = append(out.Subscribers, diagnosticsSubscriber{
			ID:            sub.ID,
			Role:          sub.Role,
			LastHeartbeat: sub.lastHeartbeat.Load(),
			RTTMillis:     sub.lastRTT.Load(),
			LastCommand:   sub.lastCommandSeq.Load(),
		})
	}
	return out
}

// Diagnostics is served by the diagnostics endpoint.
type Diagnostics struct {
	Version     uint64                  `json:"version"`
	Frame       uint64                  `json:"frame"`
	Pending     int                     `json:"pending"`
	Subscribers []diagnosticsSubscriber `json:"subscribers"`
	Telemetry   telemetrySnapshot       `json:"telemetry"`
}

func containsSubscriber(list []*Subscriber, sub *Subscriber) bool {
	for _, s := range list {
		if s == sub {
			return true
		}
	}
	return false
}

func subscriberRef(sub *Subscriber) logging.EntityRef {
	kind := logging.EntityKindPlayer
	if sub.Role == RoleDM {
		kind = logging.EntityKindDM
	}
	return logging.EntityRef{ID: sub.ID, Kind: kind}
}
