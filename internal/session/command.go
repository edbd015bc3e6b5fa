package session

import (
	"image"
	"time"

	"dndemicube/server/internal/geometry"
	"dndemicube/server/internal/scene"
	"dndemicube/server/internal/tools"
)

// CommandType enumerates the DM commands understood by the engine.
type CommandType string

const (
	CommandSelectMap       CommandType = "selectMap"
	CommandClearMap        CommandType = "clearMap"
	CommandImportAsset     CommandType = "importAsset"
	CommandArmStamp        CommandType = "armStamp"
	CommandArmChain        CommandType = "armChain"
	CommandEnterSelect     CommandType = "enterSelect"
	CommandDisarm          CommandType = "disarm"
	CommandPointerDown     CommandType = "pointerDown"
	CommandPointerMove     CommandType = "pointerMove"
	CommandPointerUp       CommandType = "pointerUp"
	CommandMerge           CommandType = "merge"
	CommandDeleteSelection CommandType = "deleteSelection"
	CommandSetSelection    CommandType = "setSelection"
	CommandRemoveInstance  CommandType = "removeInstance"
	CommandUpdateInstance  CommandType = "updateInstance"
	CommandReorder         CommandType = "reorder"
	CommandSetVision       CommandType = "setVisionSource"
	CommandAddCombatant    CommandType = "addCombatant"
	CommandAddWall         CommandType = "addWall"
	CommandAddDoor         CommandType = "addDoor"
	CommandAddObject       CommandType = "addObject"
	CommandSetDoorOpen     CommandType = "setDoorOpen"
	CommandRemoveOccluder  CommandType = "removeOccluder"
	// CommandMergeComplete is posted by the engine itself when a merge
	// finished rasterizing; clients cannot send it.
	CommandMergeComplete CommandType = "mergeComplete"
)

// MapCommand names the map asset to make active. Width and Height are only
// needed when the asset is not registered yet.
type MapCommand struct {
	Path   string
	Width  int
	Height int
}

// AssetCommand carries an imported asset. Image may be nil when only the
// pixel size is known.
type AssetCommand struct {
	Path   string
	Name   string
	Width  int
	Height int
	Image  image.Image
}

// ArmCommand selects the asset for the stamp or chain tool. A zero Spacing
// lets the chain tool derive one from the asset size.
type ArmCommand struct {
	Path    string
	Spacing float64
}

// InstanceCommand addresses a single placed instance.
type InstanceCommand struct {
	ID    string
	Patch scene.Patch
	Z     int
}

// VisionCommand starts or stops wandering for an instance. Feet, when set,
// is converted to map pixels using the configured grid.
type VisionCommand struct {
	ID     string
	Radius float64
	Feet   float64
	Active bool
}

// CombatantCommand places a token for a character joining initiative.
type CombatantCommand struct {
	CharacterID string
	Name        string
	AssetPath   string
	X           float64
	Y           float64
}

// OccluderCommand addresses a wall or door.
type OccluderCommand struct {
	ID     string
	Points []geometry.Point
	Open   bool
}

// MergeResult carries a rasterized merge back to the loop goroutine.
type MergeResult struct {
	Plan  tools.MergePlan
	Image image.Image
	Err   error
}

// Command represents a DM intent captured for processing on the next frame.
type Command struct {
	ActorID  string
	Seq      uint64
	Type     CommandType
	IssuedAt time.Time
	Map      *MapCommand
	Asset    *AssetCommand
	Arm      *ArmCommand
	Pointer  *tools.PointerEvent
	// Viewport is the issuing surface's view when the pointer event was
	// sampled. It sizes screen-space hit areas.
	Viewport  *geometry.Viewport
	Instance  *InstanceCommand
	Selection []string
	Vision    *VisionCommand
	Combatant *CombatantCommand
	Occluder  *OccluderCommand
	Merge     *MergeResult
}

// Outcome pairs an applied command with its error, nil on success. Pending
// outcomes are settled by a later mergeComplete carrying the same Seq.
type Outcome struct {
	Command Command
	Err     error
	Pending bool
}
