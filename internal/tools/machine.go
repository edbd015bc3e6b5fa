// Package tools is the finite-state machine behind the DM's stamp, select,
// chain and merge tools. It mutates the scene it is bound to and must run on
// the scene's writer goroutine.
package tools

import (
	"errors"
	"fmt"

	"dndemicube/server/internal/assets"
	"dndemicube/server/internal/geometry"
	"dndemicube/server/internal/scene"
)

var (
	ErrInsufficientSelection = errors.New("tools: merge needs at least two selected instances")
	ErrInvalidAsset          = errors.New("tools: no valid asset armed")
	ErrInvalidState          = errors.New("tools: operation not allowed in current state")
)

type State int

const (
	Idle State = iota
	StampArmed
	Select
	ChainArmed
	MergeReady
)

func (s State) String() string {
	switch s {
	case StampArmed:
		return "stamp_armed"
	case Select:
		return "select"
	case ChainArmed:
		return "chain_armed"
	case MergeReady:
		return "merge_ready"
	default:
		return "idle"
	}
}

type Modifiers uint8

const (
	// ModFreeScale lets a resize drag change width and height independently.
	ModFreeScale Modifiers = 1 << iota
	// ModAdditive adds clicked or marqueed instances to the selection.
	ModAdditive
)

func (m Modifiers) Has(flag Modifiers) bool { return m&flag != 0 }

// PointerEvent is a pointer sample in world coordinates. ViewScale is the
// issuing surface's output pixels per world unit; zero means one.
type PointerEvent struct {
	X         float64   `json:"x"`
	Y         float64   `json:"y"`
	Modifiers Modifiers `json:"modifiers,omitempty"`
	ViewScale float64   `json:"viewScale,omitempty"`
}

func (e PointerEvent) Point() geometry.Point { return geometry.Point{X: e.X, Y: e.Y} }

func (e PointerEvent) validate() error {
	if !scene.Finite(e.X, e.Y, e.ViewScale) {
		return fmt.Errorf("pointer at (%g, %g): %w", e.X, e.Y, scene.ErrInvalidGeometry)
	}
	return nil
}

const (
	DefaultChainSpacingFraction = 0.5
	DefaultHandleTolerance      = 8
	minScale                    = 0.05
	// minChainSpacingFraction of the armed asset's smaller side bounds how
	// densely a chain may be laid.
	minChainSpacingFraction = 0.25
)

type Config struct {
	// ChainSpacingFraction is multiplied by the larger side of the armed
	// asset to get the distance between chained stamps.
	ChainSpacingFraction float64
	// HandleTolerance is the resize handle hit radius in output pixels.
	HandleTolerance float64
}

// Result summarises the scene changes caused by one tool operation.
type Result struct {
	Placed    []scene.Instance
	Updated   []scene.Instance
	Removed   []string
	Selection []string
	Composite *assets.Asset
}

type gesture int

const (
	gestureNone gesture = iota
	gestureMove
	gestureResize
	gestureMarquee
	gestureStroke
)

type Machine struct {
	scene *scene.Scene
	cfg   Config
	state State

	asset        assets.Asset
	chainSpacing float64

	selection []string
	active    string

	gesture  gesture
	start    geometry.Point
	origins  map[string]scene.Instance
	marquee  geometry.Rect
	stroke   geometry.Polyline
	additive bool
}

func New(s *scene.Scene, cfg Config) *Machine {
	if cfg.ChainSpacingFraction <= 0 {
		cfg.ChainSpacingFraction = DefaultChainSpacingFraction
	}
	if cfg.HandleTolerance <= 0 {
		cfg.HandleTolerance = DefaultHandleTolerance
	}
	return &Machine{scene: s, cfg: cfg}
}

func (m *Machine) State() State        { return m.state }
func (m *Machine) Asset() assets.Asset { return m.asset }
func (m *Machine) ActiveID() string    { return m.active }
func (m *Machine) Scene() *scene.Scene { return m.scene }
func (m *Machine) Selection() []string { return append([]string(nil), m.selection...) }

// Rebind points the machine at a new scene and returns it to Idle.
func (m *Machine) Rebind(s *scene.Scene) {
	m.scene = s
	m.Disarm()
}

// ArmStamp selects the asset placed on every pointer-down.
func (m *Machine) ArmStamp(path string) error {
	a, err := m.resolveAsset(path)
	if err != nil {
		return fmt.Errorf("arm stamp: %w", err)
	}
	m.reset()
	m.asset = a
	m.state = StampArmed
	return nil
}

// ArmChain selects the asset laid along dragged strokes. A positive spacing
// overrides the spacing derived from the asset size; either is raised to a
// quarter of the asset's smaller side.
func (m *Machine) ArmChain(path string, spacing float64) error {
	if !scene.Finite(spacing) {
		return fmt.Errorf("arm chain: spacing %g: %w", spacing, scene.ErrInvalidGeometry)
	}
	a, err := m.resolveAsset(path)
	if err != nil {
		return fmt.Errorf("arm chain: %w", err)
	}
	m.reset()
	m.asset = a
	m.chainSpacing = spacing
	m.state = ChainArmed
	return nil
}

func (m *Machine) EnterSelect() {
	m.reset()
	m.state = Select
}

func (m *Machine) Disarm() {
	m.reset()
	m.state = Idle
}

// SetSelection replaces the selection programmatically. Unknown ids are
// ignored.
func (m *Machine) SetSelection(ids []string) Result {
	if m.state != Select && m.state != MergeReady {
		m.reset()
	}
	m.selection = m.selection[:0]
	for _, id := range ids {
		if _, err := m.scene.Instance(id); err == nil && !contains(m.selection, id) {
			m.selection = append(m.selection, id)
		}
	}
	m.active = ""
	if len(m.selection) > 0 {
		m.active = m.selection[0]
	}
	m.settleSelectState()
	return Result{Selection: m.Selection()}
}

func (m *Machine) PointerDown(ev PointerEvent) (Result, error) {
	if err := ev.validate(); err != nil {
		return Result{}, err
	}
	switch m.state {
	case StampArmed:
		return m.stamp(ev)
	case ChainArmed:
		if _, err := m.armedAsset(); err != nil {
			return Result{}, err
		}
		m.gesture = gestureStroke
		m.stroke = geometry.Polyline{ev.Point()}
		return Result{}, nil
	case Select, MergeReady:
		return m.selectDown(ev), nil
	default:
		return Result{}, nil
	}
}

func (m *Machine) PointerMove(ev PointerEvent) (Result, error) {
	if err := ev.validate(); err != nil {
		return Result{}, err
	}
	switch m.gesture {
	case gestureStroke:
		m.stroke = append(m.stroke, ev.Point())
		return Result{}, nil
	case gestureMove:
		return m.moveTo(ev)
	case gestureResize:
		return m.resizeTo(ev)
	case gestureMarquee:
		m.marquee = geometry.RectFromPoints(m.start, ev.Point())
		return Result{}, nil
	default:
		return Result{}, nil
	}
}

// PointerUp finishes the current gesture. A rejected event leaves the gesture
// open so a valid release can still complete it.
func (m *Machine) PointerUp(ev PointerEvent) (Result, error) {
	if err := ev.validate(); err != nil {
		return Result{}, err
	}
	g := m.gesture
	m.gesture = gestureNone
	switch g {
	case gestureStroke:
		m.stroke = append(m.stroke, ev.Point())
		res, err := m.layChain(m.stroke)
		m.stroke = nil
		return res, err
	case gestureMove:
		res, err := m.moveTo(ev)
		m.origins = nil
		return res, err
	case gestureResize:
		res, err := m.resizeTo(ev)
		m.origins = nil
		return res, err
	case gestureMarquee:
		m.marquee = geometry.RectFromPoints(m.start, ev.Point())
		return m.finishMarquee(), nil
	default:
		return Result{}, nil
	}
}

// DeleteSelection removes every selected instance.
func (m *Machine) DeleteSelection() (Result, error) {
	if m.state != Select && m.state != MergeReady {
		return Result{}, fmt.Errorf("delete selection in %s: %w", m.state, ErrInvalidState)
	}
	m.pruneSelection()
	var res Result
	for _, id := range m.selection {
		if err := m.scene.RemoveInstance(id); err != nil {
			return res, err
		}
		res.Removed = append(res.Removed, id)
	}
	m.selection = nil
	m.active = ""
	m.settleSelectState()
	return res, nil
}

func (m *Machine) reset() {
	m.asset = assets.Asset{}
	m.chainSpacing = 0
	m.selection = nil
	m.active = ""
	m.gesture = gestureNone
	m.origins = nil
	m.marquee = geometry.Rect{}
	m.stroke = nil
}

func (m *Machine) resolveAsset(path string) (assets.Asset, error) {
	if path == "" {
		return assets.Asset{}, ErrInvalidAsset
	}
	a, ok := m.scene.Assets().Lookup(path)
	if !ok {
		return assets.Asset{}, fmt.Errorf("asset %q: %w", path, ErrInvalidAsset)
	}
	return a, nil
}

func (m *Machine) armedAsset() (assets.Asset, error) {
	if m.asset.IsZero() {
		return assets.Asset{}, ErrInvalidAsset
	}
	return m.asset, nil
}

func (m *Machine) pruneSelection() {
	kept := m.selection[:0]
	for _, id := range m.selection {
		if _, err := m.scene.Instance(id); err == nil {
			kept = append(kept, id)
		}
	}
	m.selection = kept
	if m.active != "" && !contains(m.selection, m.active) {
		m.active = ""
	}
}

// settleSelectState moves between Select and MergeReady as the selection
// crosses two instances.
func (m *Machine) settleSelectState() {
	if len(m.selection) >= 2 {
		m.state = MergeReady
	} else {
		m.state = Select
	}
}

func contains(list []string, id string) bool {
	for _, v := range list {
		if v == id {
			return true
		}
	}
	return false
}
