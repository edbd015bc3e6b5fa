package session

import (
	"context"
	"sync"
	"time"

	"dndemicube/server/internal/telemetry"
	"dndemicube/server/logging"
)

const (
	// CommandRejectQueueLimit indicates a command was dropped due to per-actor
	// queue throttling.
	CommandRejectQueueLimit = "queue_limit"
	// CommandRejectQueueFull indicates the global command buffer is saturated.
	CommandRejectQueueFull = "queue_full"
)

// LoopConfig tunes the command buffer and frame loop.
type LoopConfig struct {
	FrameRate       int
	CommandCapacity int
	PerActorLimit   int
	WarningStep     int
	Clock           logging.Clock
}

// FrameContext describes the frame about to be processed.
type FrameContext struct {
	Frame uint64
	Now   time.Time
	Delta float64
}

// StepResult is handed to AfterStep once the frame's commands are applied.
type StepResult struct {
	Frame    uint64
	Now      time.Time
	Delta    float64
	Commands []Command
	Outcomes []Outcome
	Duration time.Duration
	Budget   time.Duration
}

// LoopHooks are invoked on the loop goroutine. AfterStep may touch the engine
// freely.
type LoopHooks struct {
	Prepare        func(FrameContext)
	AfterStep      func(StepResult)
	OnCommandDrop  func(reason string, cmd Command)
	OnQueueWarning func(length int)
}

// Loop coordinates command ingestion and the fixed-rate frame runner.
type Loop struct {
	engine  *Engine
	buffer  *CommandBuffer
	hooks   LoopHooks
	config  LoopConfig
	logger  telemetry.Logger
	metrics telemetry.Metrics

	queueMu       sync.Mutex
	perActorCount map[string]int
	dropCounts    map[string]uint64
	frame         uint64
}

// NewLoop wraps the engine with a ring-buffer queue and frame loop.
func NewLoop(engine *Engine, cfg LoopConfig, hooks LoopHooks) *Loop {
	if engine == nil {
		return nil
	}
	if cfg.CommandCapacity <= 0 {
		cfg.CommandCapacity = 256
	}
	return &Loop{
		engine:        engine,
		buffer:        NewCommandBuffer(cfg.CommandCapacity, engine.metrics),
		hooks:         hooks,
		config:        cfg,
		logger:        engine.logger,
		metrics:       engine.metrics,
		perActorCount: make(map[string]int),
		dropCounts:    make(map[string]uint64),
	}
}

// SetHooks replaces the hooks. It must be called before Run.
func (l *Loop) SetHooks(hooks LoopHooks) {
	if l == nil {
		return
	}
	l.hooks = hooks
}

// Engine exposes the wrapped engine. Callers outside the loop goroutine may
// only use its goroutine-safe keyframe accessors.
func (l *Loop) Engine() *Engine {
	if l == nil {
		return nil
	}
	return l.engine
}

// Pending reports the number of staged commands.
func (l *Loop) Pending() int {
	if l == nil {
		return 0
	}
	return l.buffer.Len()
}

// Enqueue stages a command, enforcing per-actor throttling and capacity limits.
func (l *Loop) Enqueue(cmd Command) (bool, string) {
	if l == nil {
		return false, CommandRejectQueueFull
	}
	reason := ""
	var dropCount uint64
	l.queueMu.Lock()
	if l.config.PerActorLimit > 0 && cmd.ActorID != "" {
		count := l.perActorCount[cmd.ActorID]
		if count >= l.config.PerActorLimit {
			reason = CommandRejectQueueLimit
			dropCount = l.incrementDropLocked(cmd.ActorID)
		} else {
			l.perActorCount[cmd.ActorID] = count + 1
		}
	}
	if reason == "" {
		if !l.buffer.Push(cmd) {
			reason = CommandRejectQueueFull
			dropCount = l.incrementDropLocked(cmd.ActorID)
		} else if l.config.WarningStep > 0 {
			length := l.buffer.Len()
			if length >= l.config.WarningStep && length%l.config.WarningStep == 0 {
				l.queueMu.Unlock()
				l.warnQueue(length)
				return true, ""
			}
		}
	}
	l.queueMu.Unlock()
	if reason != "" {
		l.reportDrop(reason, cmd, dropCount)
		return false, reason
	}
	return true, ""
}

// Advance applies the staged commands and steps the engine once.
func (l *Loop) Advance(ctx FrameContext) StepResult {
	if l == nil {
		return StepResult{}
	}
	commands := append(l.drainCommands(), l.engine.DrainCompleted()...)
	if l.hooks.Prepare != nil {
		l.hooks.Prepare(ctx)
	}
	outcomes := l.engine.Apply(commands)
	l.engine.Step()
	return StepResult{
		Frame:    ctx.Frame,
		Now:      ctx.Now,
		Delta:    ctx.Delta,
		Commands: commands,
		Outcomes: outcomes,
	}
}

// Run drives the fixed-rate loop until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	if l == nil {
		return
	}
	frameRate := l.config.FrameRate
	if frameRate <= 0 {
		frameRate = 30
	}
	ticker := time.NewTicker(time.Second / time.Duration(frameRate))
	defer ticker.Stop()

	clock := l.config.Clock
	if clock == nil {
		clock = logging.SystemClock{}
	}
	last := clock.Now()
	budget := time.Second / time.Duration(frameRate)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := clock.Now()
			dt := now.Sub(last).Seconds()
			if dt <= 0 {
				dt = budget.Seconds()
			}
			last = now

			l.frame++
			start := clock.Now()
			result := l.Advance(FrameContext{Frame: l.frame, Now: now, Delta: dt})
			result.Duration = clock.Now().Sub(start)
			result.Budget = budget
			if result.Duration > budget && l.logger != nil {
				l.logger.Printf("[loop] frame %d took %s (budget %s)", result.Frame, result.Duration, budget)
			}
			if l.hooks.AfterStep != nil {
				l.hooks.AfterStep(result)
			}
		}
	}
}

func (l *Loop) drainCommands() []Command {
	l.queueMu.Lock()
	defer l.queueMu.Unlock()
	commands := l.buffer.Drain()
	if len(l.perActorCount) > 0 {
		l.perActorCount = make(map[string]int)
	}
	return commands
}

func (l *Loop) incrementDropLocked(actorID string) uint64 {
	if actorID == "" {
		return 0
	}
	count := l.dropCounts[actorID] + 1
	l.dropCounts[actorID] = count
	return count
}

func (l *Loop) warnQueue(length int) {
	if l.hooks.OnQueueWarning != nil {
		l.hooks.OnQueueWarning(length)
	}
}

func (l *Loop) reportDrop(reason string, cmd Command, count uint64) {
	if l.hooks.OnCommandDrop != nil {
		l.hooks.OnCommandDrop(reason, cmd)
	}
	if count > 0 && count&(count-1) == 0 && l.logger != nil {
		l.logger.Printf(
			"[backpressure] dropping command actor=%s type=%s count=%d limit=%d",
			cmd.ActorID,
			cmd.Type,
			count,
			l.config.PerActorLimit,
		)
	}
}
