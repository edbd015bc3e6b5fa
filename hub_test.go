package server

import (
	"errors"
	"sync"
	"testing"
	"time"

	"dndemicube/server/internal/journal"
	"dndemicube/server/internal/net/proto"
	"dndemicube/server/internal/scene"
	"dndemicube/server/internal/session"
	"dndemicube/server/internal/tools"
)

type stubClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStubClock(start time.Time) *stubClock {
	return &stubClock{now: start}
}

func (c *stubClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stubClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingConn struct {
	mu     sync.Mutex
	frames [][]byte
	fail   bool
	closed bool
	// onWrite runs after a frame is recorded, outside the conn lock.
	onWrite func(data []byte)
}

func (c *recordingConn) Write(data []byte) error {
	c.mu.Lock()
	if c.fail {
		c.mu.Unlock()
		return errors.New("broken pipe")
	}
	c.frames = append(c.frames, append([]byte(nil), data...))
	hook := c.onWrite
	c.mu.Unlock()
	if hook != nil {
		hook(data)
	}
	return nil
}

func (c *recordingConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *recordingConn) drain(t *testing.T) []proto.ServerMessage {
	t.Helper()
	c.mu.Lock()
	frames := c.frames
	c.frames = nil
	c.mu.Unlock()
	out := make([]proto.ServerMessage, 0, len(frames))
	for _, frame := range frames {
		msg, err := proto.DecodeServerMessage(frame)
		if err != nil {
			t.Fatalf("decode server frame %s: %v", frame, err)
		}
		out = append(out, msg)
	}
	return out
}

func newTestHub(t *testing.T) (*Hub, *stubClock) {
	t.Helper()
	clock := newStubClock(time.Unix(1_700_000_000, 0))
	engine := session.NewEngine(session.Config{FogCellSize: 10, KeyframeRetention: 8}, session.Deps{})
	loop := session.NewLoop(engine, session.LoopConfig{Clock: clock}, session.LoopHooks{})
	hub := NewHub(loop, session.LoopHooks{}, Config{KeyframeInterval: 100, KeyframeRateLimit: time.Second, Clock: clock}, Deps{})
	return hub, clock
}

func subscribe(t *testing.T, hub *Hub, role Role) (*Subscriber, *recordingConn) {
	t.Helper()
	conn := &recordingConn{}
	sub, err := hub.Subscribe(role, conn)
	if err != nil {
		t.Fatalf("subscribe %s: %v", role, err)
	}
	return sub, conn
}

func selectMap(t *testing.T, hub *Hub, dm *Subscriber, clock *stubClock) {
	t.Helper()
	hub.SubmitCommand(dm, session.Command{Seq: 1, Type: session.CommandSelectMap, Map: &session.MapCommand{Path: "maps/keep.png", Width: 400, Height: 300}})
	hub.SubmitCommand(dm, session.Command{Seq: 2, Type: session.CommandImportAsset, Asset: &session.AssetCommand{Path: "tokens/goblin.png", Width: 10, Height: 10}})
	hub.Step(clock.Now())
}

func TestNewSubscriberReceivesKeyframeFirst(t *testing.T) {
	hub, clock := newTestHub(t)
	_, conn := subscribe(t, hub, RolePlayer)

	hub.Step(clock.Now())
	msgs := conn.drain(t)
	if len(msgs) != 1 || msgs[0].Keyframe == nil {
		t.Fatalf("expected a single keyframe, got %+v", msgs)
	}
	if msgs[0].Keyframe.Version != 1 {
		t.Fatalf("expected keyframe at version 1, got %d", msgs[0].Keyframe.Version)
	}

	hub.Step(clock.Now())
	if msgs := conn.drain(t); len(msgs) != 0 {
		t.Fatalf("idle frame should not broadcast, got %d frames", len(msgs))
	}
}

func TestMapSelectionBroadcastsResyncKeyframe(t *testing.T) {
	hub, clock := newTestHub(t)
	dm, dmConn := subscribe(t, hub, RoleDM)
	_, playerConn := subscribe(t, hub, RolePlayer)
	hub.Step(clock.Now())
	dmConn.drain(t)
	playerConn.drain(t)

	selectMap(t, hub, dm, clock)

	if hub.Version() != 2 {
		t.Fatalf("expected version 2 after map change, got %d", hub.Version())
	}
	msgs := playerConn.drain(t)
	if len(msgs) != 1 || msgs[0].Keyframe == nil || !msgs[0].Keyframe.Resync {
		t.Fatalf("expected resync keyframe for player, got %+v", msgs)
	}
	if msgs[0].Keyframe.Scene.Map == nil || msgs[0].Keyframe.Scene.Map.Width != 400 {
		t.Fatalf("expected map in keyframe, got %+v", msgs[0].Keyframe.Scene.Map)
	}

	acks := 0
	for _, msg := range dmConn.drain(t) {
		if msg.Type == proto.TypeCommandAck {
			acks++
		}
	}
	if acks != 2 {
		t.Fatalf("expected both commands acknowledged, got %d", acks)
	}
}

func TestPlayerDeltaHidesHiddenInstances(t *testing.T) {
	hub, clock := newTestHub(t)
	dm, dmConn := subscribe(t, hub, RoleDM)
	_, playerConn := subscribe(t, hub, RolePlayer)
	selectMap(t, hub, dm, clock)
	dmConn.drain(t)
	playerConn.drain(t)

	hub.SubmitCommand(dm, session.Command{Seq: 3, Type: session.CommandArmStamp, Arm: &session.ArmCommand{Path: "tokens/goblin.png"}})
	hub.SubmitCommand(dm, session.Command{Seq: 4, Type: session.CommandPointerDown, Pointer: &tools.PointerEvent{X: 50, Y: 50}})
	hub.Step(clock.Now())

	msgs := playerConn.drain(t)
	if len(msgs) != 1 || msgs[0].State == nil {
		t.Fatalf("expected one delta, got %+v", msgs)
	}
	delta := msgs[0].State
	if delta.BaseVersion != 2 || delta.Version != 3 {
		t.Fatalf("expected delta 2->3, got %d->%d", delta.BaseVersion, delta.Version)
	}
	var id string
	for _, p := range delta.Patches {
		if p.Kind == journal.PatchInstanceUpsert {
			id = p.EntityID
		}
	}
	if id == "" {
		t.Fatalf("expected an instance upsert, got %+v", delta.Patches)
	}

	hidden := true
	hub.SubmitCommand(dm, session.Command{Seq: 5, Type: session.CommandUpdateInstance, Instance: &session.InstanceCommand{ID: id, Patch: scene.Patch{Hidden: &hidden}}})
	hub.Step(clock.Now())

	msgs = playerConn.drain(t)
	if len(msgs) != 1 || msgs[0].State == nil {
		t.Fatalf("expected one delta, got %+v", msgs)
	}
	for _, p := range msgs[0].State.Patches {
		if p.Kind == journal.PatchInstanceUpsert {
			t.Fatalf("hidden instance leaked to player: %+v", p)
		}
	}
	if msgs[0].State.Patches[0].Kind != journal.PatchInstanceRemoved {
		t.Fatalf("expected removal for hidden instance, got %+v", msgs[0].State.Patches)
	}

	for _, msg := range dmConn.drain(t) {
		if msg.State == nil {
			continue
		}
		if msg.State.Patches[0].Kind != journal.PatchInstanceUpsert {
			t.Fatalf("DM should see the hidden upsert, got %+v", msg.State.Patches)
		}
	}
}

func TestPlayerCommandsAreForbidden(t *testing.T) {
	hub, _ := newTestHub(t)
	player, conn := subscribe(t, hub, RolePlayer)

	hub.SubmitCommand(player, session.Command{Seq: 1, Type: session.CommandClearMap})

	msgs := conn.drain(t)
	if len(msgs) != 1 || msgs[0].Type != proto.TypeCommandReject {
		t.Fatalf("expected reject, got %+v", msgs)
	}
	if msgs[0].Ack.Reason != CommandRejectForbidden {
		t.Fatalf("expected forbidden, got %q", msgs[0].Ack.Reason)
	}
	if hub.Loop().Pending() != 0 {
		t.Fatalf("player command must not be staged")
	}
}

func TestDuplicateCommandSequenceIsReacknowledged(t *testing.T) {
	hub, clock := newTestHub(t)
	dm, conn := subscribe(t, hub, RoleDM)
	selectMap(t, hub, dm, clock)
	conn.drain(t)

	hub.SubmitCommand(dm, session.Command{Seq: 2, Type: session.CommandClearMap})
	if hub.Loop().Pending() != 0 {
		t.Fatalf("duplicate sequence must not be staged again")
	}
	msgs := conn.drain(t)
	if len(msgs) != 1 || msgs[0].Type != proto.TypeCommandAck || msgs[0].Ack.Seq != 2 {
		t.Fatalf("expected re-ack for seq 2, got %+v", msgs)
	}
}

func TestRejectedCommandReportsError(t *testing.T) {
	hub, clock := newTestHub(t)
	dm, conn := subscribe(t, hub, RoleDM)
	hub.Step(clock.Now())
	conn.drain(t)

	hub.SubmitCommand(dm, session.Command{Seq: 1, Type: session.CommandMerge})
	hub.Step(clock.Now())

	msgs := conn.drain(t)
	if len(msgs) != 1 || msgs[0].Type != proto.TypeCommandReject {
		t.Fatalf("expected reject, got %+v", msgs)
	}
	if msgs[0].Ack.Retry {
		t.Fatalf("engine rejections are not retryable")
	}
}

func TestKeyframeRequests(t *testing.T) {
	hub, clock := newTestHub(t)
	dm, _ := subscribe(t, hub, RoleDM)
	player, conn := subscribe(t, hub, RolePlayer)
	selectMap(t, hub, dm, clock)
	conn.drain(t)

	hub.HandleKeyframeRequest(player, 2)
	msgs := conn.drain(t)
	if len(msgs) != 1 || msgs[0].Keyframe == nil || msgs[0].Keyframe.Version != 2 {
		t.Fatalf("expected keyframe 2, got %+v", msgs)
	}

	hub.HandleKeyframeRequest(player, 2)
	msgs = conn.drain(t)
	if len(msgs) != 1 || msgs[0].Nack == nil || msgs[0].Nack.Reason != proto.NackRateLimited {
		t.Fatalf("expected rate limited nack, got %+v", msgs)
	}

	clock.Advance(2 * time.Second)
	hub.HandleKeyframeRequest(player, 99)
	msgs = conn.drain(t)
	if len(msgs) != 1 || msgs[0].Nack == nil || msgs[0].Nack.Reason != proto.NackExpired {
		t.Fatalf("expected expired nack, got %+v", msgs)
	}

	hub.Step(clock.Now())
	msgs = conn.drain(t)
	if len(msgs) != 1 || msgs[0].Keyframe == nil || !msgs[0].Keyframe.Resync {
		t.Fatalf("expected scheduled resync keyframe, got %+v", msgs)
	}
	if msgs[0].Keyframe.Version != 3 {
		t.Fatalf("expected resync at version 3, got %d", msgs[0].Keyframe.Version)
	}

	snapshot := hub.DiagnosticsSnapshot().Telemetry
	if snapshot.KeyframeRequests != 3 || snapshot.KeyframeNacksExpired != 1 || snapshot.KeyframeNacksRateLimited != 1 {
		t.Fatalf("unexpected keyframe telemetry %+v", snapshot)
	}
}

func TestSecondDMReplacesFirst(t *testing.T) {
	hub, _ := newTestHub(t)
	_, first := subscribe(t, hub, RoleDM)
	second, _ := subscribe(t, hub, RoleDM)

	if !first.closed {
		t.Fatalf("expected replaced DM connection to be closed")
	}
	diag := hub.DiagnosticsSnapshot()
	if len(diag.Subscribers) != 1 || diag.Subscribers[0].ID != second.ID {
		t.Fatalf("expected only the new DM attached, got %+v", diag.Subscribers)
	}
}

func TestWriteFailureDisconnects(t *testing.T) {
	hub, clock := newTestHub(t)
	_, conn := subscribe(t, hub, RolePlayer)
	conn.fail = true

	hub.Step(clock.Now())

	if len(hub.DiagnosticsSnapshot().Subscribers) != 0 {
		t.Fatalf("expected failed subscriber to be dropped")
	}
	if !conn.closed {
		t.Fatalf("expected connection closed")
	}
}

func TestHeartbeatEchoesVersionAndTimesOut(t *testing.T) {
	hub, clock := newTestHub(t)
	player, conn := subscribe(t, hub, RolePlayer)

	now := clock.Now()
	hub.HandleHeartbeat(player, now, now.Add(-40*time.Millisecond).UnixMilli())
	msgs := conn.drain(t)
	if len(msgs) != 1 || msgs[0].Heartbeat == nil {
		t.Fatalf("expected heartbeat, got %+v", msgs)
	}
	if msgs[0].Heartbeat.RTTMillis != 40 || msgs[0].Heartbeat.Version != hub.Version() {
		t.Fatalf("unexpected heartbeat %+v", msgs[0].Heartbeat)
	}

	hub.beat(now.Add(time.Second))
	if len(conn.drain(t)) != 1 {
		t.Fatalf("expected periodic beat")
	}

	hub.beat(now.Add(time.Minute))
	if len(hub.DiagnosticsSnapshot().Subscribers) != 0 {
		t.Fatalf("expected stale subscriber to be dropped")
	}
}

func TestPlayerPatchesDropOccluders(t *testing.T) {
	patches := []journal.Patch{
		{Kind: journal.PatchOccluderUpsert, EntityID: "wall-1", Payload: scene.Occluder{ID: "wall-1"}},
		{Kind: journal.PatchInstanceUpsert, EntityID: "inst-1", Payload: scene.Instance{ID: "inst-1"}},
		{Kind: journal.PatchOccluderRemoved, EntityID: "wall-2"},
	}
	got := PlayerPatches(patches)
	if len(got) != 1 || got[0].EntityID != "inst-1" {
		t.Fatalf("expected only the instance patch, got %+v", got)
	}
}

func TestHeartbeatDuringBroadcastAnnouncesDeliveredVersion(t *testing.T) {
	hub, clock := newTestHub(t)
	dm, dmConn := subscribe(t, hub, RoleDM)
	player, playerConn := subscribe(t, hub, RolePlayer)
	selectMap(t, hub, dm, clock)
	dmConn.drain(t)
	playerConn.drain(t)

	var once sync.Once
	dmConn.mu.Lock()
	dmConn.onWrite = func([]byte) {
		once.Do(func() { hub.HandleHeartbeat(player, clock.Now(), 0) })
	}
	dmConn.mu.Unlock()

	hub.SubmitCommand(dm, session.Command{Seq: 3, Type: session.CommandArmStamp, Arm: &session.ArmCommand{Path: "tokens/goblin.png"}})
	hub.SubmitCommand(dm, session.Command{Seq: 4, Type: session.CommandPointerDown, Pointer: &tools.PointerEvent{X: 50, Y: 50}})
	hub.Step(clock.Now())

	msgs := playerConn.drain(t)
	if len(msgs) != 2 || msgs[0].Heartbeat == nil || msgs[1].State == nil {
		t.Fatalf("expected heartbeat then delta, got %+v", msgs)
	}
	if msgs[0].Heartbeat.Version != msgs[1].State.BaseVersion {
		t.Fatalf("heartbeat announced %d before delta %d->%d arrived", msgs[0].Heartbeat.Version, msgs[1].State.BaseVersion, msgs[1].State.Version)
	}
	if hub.Version() != msgs[1].State.Version {
		t.Fatalf("expected hub version %d after broadcast, got %d", msgs[1].State.Version, hub.Version())
	}
}

func TestDeltaEncodeFailureKeepsPatchesForNextFrame(t *testing.T) {
	hub, clock := newTestHub(t)
	dm, dmConn := subscribe(t, hub, RoleDM)
	_, playerConn := subscribe(t, hub, RolePlayer)
	selectMap(t, hub, dm, clock)
	dmConn.drain(t)
	playerConn.drain(t)

	hub.encodeDelta = func(proto.StateDelta) ([]byte, error) {
		return nil, errors.New("unsupported value")
	}
	hub.SubmitCommand(dm, session.Command{Seq: 3, Type: session.CommandArmStamp, Arm: &session.ArmCommand{Path: "tokens/goblin.png"}})
	hub.SubmitCommand(dm, session.Command{Seq: 4, Type: session.CommandPointerDown, Pointer: &tools.PointerEvent{X: 50, Y: 50}})
	hub.Step(clock.Now())

	if hub.Version() != 2 {
		t.Fatalf("version should not advance on encode failure, got %d", hub.Version())
	}
	if msgs := playerConn.drain(t); len(msgs) != 0 {
		t.Fatalf("expected nothing sent to player, got %+v", msgs)
	}

	hub.encodeDelta = proto.EncodeStateDelta
	hub.Step(clock.Now())

	msgs := playerConn.drain(t)
	if len(msgs) != 1 || msgs[0].State == nil {
		t.Fatalf("expected the retained delta, got %+v", msgs)
	}
	delta := msgs[0].State
	if delta.BaseVersion != 2 || delta.Version != 3 {
		t.Fatalf("expected delta 2->3, got %d->%d", delta.BaseVersion, delta.Version)
	}
	found := false
	for _, p := range delta.Patches {
		if p.Kind == journal.PatchInstanceUpsert {
			found = true
		}
	}
	if !found {
		t.Fatalf("stamped instance missing from retried delta: %+v", delta.Patches)
	}
}

func TestMergeAckWaitsForComposite(t *testing.T) {
	hub, clock := newTestHub(t)
	dm, dmConn := subscribe(t, hub, RoleDM)
	selectMap(t, hub, dm, clock)

	hub.SubmitCommand(dm, session.Command{Seq: 3, Type: session.CommandArmStamp, Arm: &session.ArmCommand{Path: "tokens/goblin.png"}})
	hub.SubmitCommand(dm, session.Command{Seq: 4, Type: session.CommandPointerDown, Pointer: &tools.PointerEvent{X: 10, Y: 10}})
	hub.SubmitCommand(dm, session.Command{Seq: 5, Type: session.CommandPointerDown, Pointer: &tools.PointerEvent{X: 30, Y: 10}})
	hub.Step(clock.Now())
	ids := make([]string, 0, 2)
	for _, inst := range hub.Loop().Engine().Scene().Instances() {
		ids = append(ids, inst.ID)
	}
	dmConn.drain(t)

	hub.SubmitCommand(dm, session.Command{Seq: 6, Type: session.CommandSetSelection, Selection: ids})
	hub.SubmitCommand(dm, session.Command{Seq: 7, Type: session.CommandMerge})
	hub.Step(clock.Now())
	for _, msg := range dmConn.drain(t) {
		if msg.Type == proto.TypeCommandAck && msg.Ack.Seq == 7 {
			t.Fatalf("merge acknowledged before the composite exists")
		}
	}

	hub.Loop().Engine().WaitMerges()
	hub.Step(clock.Now())
	acked := false
	merged := false
	for _, msg := range dmConn.drain(t) {
		if msg.Type == proto.TypeCommandAck && msg.Ack.Seq == 7 {
			acked = true
		}
		if msg.State != nil {
			for _, p := range msg.State.Patches {
				if p.Kind == journal.PatchAssetAdded {
					merged = true
				}
			}
		}
	}
	if !acked || !merged {
		t.Fatalf("expected merge ack and composite delta, acked=%v merged=%v", acked, merged)
	}
	if got := hub.Loop().Engine().Scene().Len(); got != 1 {
		t.Fatalf("expected one composite instance, got %d", got)
	}
}
