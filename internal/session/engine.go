// Package session owns the live scene for one DM session. The Engine is the
// single writer of the scene, its fog grid and the tool machine; every
// mutation happens through Apply or Step on the loop goroutine.
package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"dndemicube/server/internal/assets"
	"dndemicube/server/internal/fog"
	"dndemicube/server/internal/geometry"
	"dndemicube/server/internal/journal"
	"dndemicube/server/internal/scene"
	"dndemicube/server/internal/telemetry"
	"dndemicube/server/internal/tools"
	"dndemicube/server/logging"
	loggingfog "dndemicube/server/logging/fog"
	loggingscene "dndemicube/server/logging/scene"
)

var (
	// ErrUnknownCommand indicates the command type is not recognised.
	ErrUnknownCommand = errors.New("session: unknown command")
	// ErrMissingPayload indicates the command lacks the payload its type needs.
	ErrMissingPayload = errors.New("session: command payload missing")
	// ErrUnknownAsset indicates a map or token names an asset that was never
	// imported and carries no size.
	ErrUnknownAsset = errors.New("session: unknown asset")
	// ErrNoMap indicates a placement was attempted before a map was selected.
	ErrNoMap = errors.New("session: no map selected")
)

// Config tunes the scene and tools owned by the engine.
type Config struct {
	FogCellSize          float64
	ChainSpacingFraction float64
	HandleTolerance      float64
	GridSquareFeet       float64
	GridScale            float64
	KeyframeRetention    int
	KeyframeMaxAge       time.Duration
}

// Deps carries shared infrastructure used by the engine.
type Deps struct {
	Logger    telemetry.Logger
	Metrics   telemetry.Metrics
	Publisher logging.Publisher
	Assets    *assets.Registry
}

type Engine struct {
	cfg       Config
	logger    telemetry.Logger
	metrics   telemetry.Metrics
	publisher logging.Publisher

	registry *assets.Registry
	scene    *scene.Scene
	tools    *tools.Machine
	journal  journal.Journal

	version       uint64
	visionDirty   bool
	forceKeyframe bool

	merges      sync.WaitGroup
	completedMu sync.Mutex
	completed   []Command
}

// NewEngine builds an engine with an empty scene and no map selected.
func NewEngine(cfg Config, deps Deps) *Engine {
	registry := deps.Assets
	if registry == nil {
		registry = assets.NewRegistry()
	}
	publisher := deps.Publisher
	if publisher == nil {
		publisher = logging.NopPublisher()
	}
	e := &Engine{
		cfg:       cfg,
		logger:    deps.Logger,
		metrics:   deps.Metrics,
		publisher: publisher,
		registry:  registry,
		journal:   journal.New(cfg.KeyframeRetention, cfg.KeyframeMaxAge),
	}
	e.scene = e.newScene(nil)
	e.tools = tools.New(e.scene, tools.Config{
		ChainSpacingFraction: cfg.ChainSpacingFraction,
		HandleTolerance:      cfg.HandleTolerance,
	})
	if deps.Metrics != nil {
		e.journal.AttachTelemetry(journalMetrics{metrics: deps.Metrics})
	}
	return e
}

func (e *Engine) newScene(m *scene.Map) *scene.Scene {
	return scene.New(m, scene.Options{
		FogCellSize: e.cfg.FogCellSize,
		Assets:      e.registry,
		Observer:    e.observe,
	})
}

func (e *Engine) observe(change scene.Change) {
	e.journal.RecordChange(change)
	e.visionDirty = true
}

// Apply executes the commands in order. A failing command does not stop the
// ones after it.
func (e *Engine) Apply(cmds []Command) []Outcome {
	if len(cmds) == 0 {
		return nil
	}
	outcomes := make([]Outcome, 0, len(cmds))
	for _, cmd := range cmds {
		err := e.apply(cmd)
		if err == nil && cmd.Type == CommandMerge {
			outcomes = append(outcomes, Outcome{Command: cmd, Pending: true})
			continue
		}
		if err != nil {
			loggingscene.CommandRejected(context.Background(), e.publisher, e.version, commandRef(cmd), loggingscene.CommandRejectedPayload{
				Command: string(cmd.Type),
				Reason:  err.Error(),
			})
		}
		outcomes = append(outcomes, Outcome{Command: cmd, Err: err})
	}
	return outcomes
}

// DrainCompleted returns the background results ready to be applied, in the
// order they finished. It is safe to call from any goroutine.
func (e *Engine) DrainCompleted() []Command {
	e.completedMu.Lock()
	defer e.completedMu.Unlock()
	out := e.completed
	e.completed = nil
	return out
}

// WaitMerges blocks until every merge in flight has finished rasterizing.
func (e *Engine) WaitMerges() { e.merges.Wait() }

// Step refreshes vision whenever a source exists or the scene changed since
// the last refresh, staging the changed fog cells.
func (e *Engine) Step() {
	sources := e.scene.VisionSources()
	if !e.visionDirty && len(sources) == 0 {
		return
	}
	e.visionDirty = false
	delta := e.scene.RefreshVision()
	if delta.Empty() {
		return
	}
	cells := make([]fog.Cell, 0, len(delta.Revealed)+len(delta.Remembered))
	cells = append(cells, delta.Revealed...)
	cells = append(cells, delta.Remembered...)
	e.journal.RecordFog(e.scene.Fog().Updates(cells))
	loggingfog.VisionRecomputed(context.Background(), e.publisher, e.version, loggingfog.VisionRecomputedPayload{
		Sources:    len(sources),
		Revealed:   len(delta.Revealed),
		Remembered: len(delta.Remembered),
	})
}

// SetVersion records the broadcast version stamped on log events.
func (e *Engine) SetVersion(v uint64) { e.version = v }

func (e *Engine) Version() uint64 { return e.version }

func (e *Engine) Scene() *scene.Scene { return e.scene }

func (e *Engine) ToolState() tools.State { return e.tools.State() }

func (e *Engine) Selection() []string { return e.tools.Selection() }

func (e *Engine) Assets() *assets.Registry { return e.registry }

// Snapshot copies the full DM view of the scene.
func (e *Engine) Snapshot() scene.Snapshot { return e.scene.Snapshot() }

// Frame returns the DM's render frame in the DM viewport.
func (e *Engine) Frame(vp geometry.Viewport) scene.Frame {
	return e.scene.Snapshot().Frame(vp)
}

// SetVisionSource is the initiative tracker's entry point for wandering.
func (e *Engine) SetVisionSource(id string, radius float64, active bool) error {
	return e.apply(Command{Type: CommandSetVision, Vision: &VisionCommand{ID: id, Radius: radius, Active: active}})
}

// AddCombatant is the initiative tracker's entry point for new combatants.
func (e *Engine) AddCombatant(characterID, name, assetPath string, x, y float64) (scene.Instance, error) {
	if e.scene.Map() == nil {
		return scene.Instance{}, ErrNoMap
	}
	if !scene.Finite(x, y) {
		return scene.Instance{}, fmt.Errorf("add combatant %q at (%g, %g): %w", name, x, y, scene.ErrInvalidGeometry)
	}
	inst := e.scene.AddCombatant(characterID, name, assetPath, x, y)
	loggingscene.InstancePlaced(context.Background(), e.publisher, e.version, inst.ID, loggingscene.InstancePlacedPayload{
		Asset: inst.AssetPath,
		Tool:  "initiative",
		X:     inst.X,
		Y:     inst.Y,
	})
	return inst, nil
}

// DrainPatches returns the patches staged since the last drain.
func (e *Engine) DrainPatches() []journal.Patch { return e.journal.DrainPatches() }

// RestorePatches puts a drained batch back for the next broadcast.
func (e *Engine) RestorePatches(p []journal.Patch) { e.journal.RestorePatches(p) }

// ConsumeKeyframeHint reports whether the next broadcast must be a keyframe,
// either because the map changed or the journal saw contradicting patches.
func (e *Engine) ConsumeKeyframeHint() (string, bool) {
	if e.forceKeyframe {
		e.forceKeyframe = false
		e.journal.ConsumeResyncHint()
		return "map_changed", true
	}
	if signal, ok := e.journal.ConsumeResyncHint(); ok {
		return signal.Summary(), true
	}
	return "", false
}

// RecordKeyframe captures the current scene under the given version.
func (e *Engine) RecordKeyframe(version uint64) (journal.Keyframe, journal.KeyframeRecordResult) {
	frame := journal.Keyframe{
		Sequence: version,
		Scene:    e.scene.Snapshot(),
		Assets:   e.assetDescriptors(),
	}
	result := e.journal.RecordKeyframe(frame)
	if stored, ok := e.journal.KeyframeBySequence(version); ok {
		frame = stored
	}
	return frame, result
}

// KeyframeBySequence is safe to call from any goroutine.
func (e *Engine) KeyframeBySequence(sequence uint64) (journal.Keyframe, bool) {
	return e.journal.KeyframeBySequence(sequence)
}

// LatestKeyframe is safe to call from any goroutine.
func (e *Engine) LatestKeyframe() (journal.Keyframe, bool) {
	return e.journal.LatestKeyframe()
}

// KeyframeWindow is safe to call from any goroutine.
func (e *Engine) KeyframeWindow() (int, uint64, uint64) {
	return e.journal.KeyframeWindow()
}

func (e *Engine) assetDescriptors() []assets.Asset {
	all := e.registry.All()
	for i := range all {
		all[i].Image = nil
	}
	return all
}

func commandRef(cmd Command) string {
	if cmd.Seq == 0 {
		return ""
	}
	return cmd.ActorID + "#" + strconv.FormatUint(cmd.Seq, 10)
}

type journalMetrics struct {
	metrics telemetry.Metrics
}

func (j journalMetrics) RecordJournalDrop(metric string) {
	j.metrics.Add(metric, 1)
}
