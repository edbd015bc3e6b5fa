package session

import (
	"context"
	"fmt"

	"dndemicube/server/internal/assets"
	"dndemicube/server/internal/fog"
	"dndemicube/server/internal/scene"
	"dndemicube/server/internal/tools"
	loggingfog "dndemicube/server/logging/fog"
	loggingscene "dndemicube/server/logging/scene"
)

func (e *Engine) apply(cmd Command) error {
	switch cmd.Type {
	case CommandSelectMap:
		if cmd.Map == nil {
			return missing(cmd)
		}
		return e.selectMap(*cmd.Map)
	case CommandClearMap:
		e.replaceScene(nil)
		return nil
	case CommandImportAsset:
		if cmd.Asset == nil {
			return missing(cmd)
		}
		_, err := e.importAsset(*cmd.Asset)
		return err
	case CommandArmStamp:
		if cmd.Arm == nil {
			return missing(cmd)
		}
		return e.tools.ArmStamp(cmd.Arm.Path)
	case CommandArmChain:
		if cmd.Arm == nil {
			return missing(cmd)
		}
		return e.tools.ArmChain(cmd.Arm.Path, cmd.Arm.Spacing)
	case CommandEnterSelect:
		e.tools.EnterSelect()
		return nil
	case CommandDisarm:
		e.tools.Disarm()
		return nil
	case CommandPointerDown, CommandPointerMove, CommandPointerUp:
		if cmd.Pointer == nil {
			return missing(cmd)
		}
		ev := *cmd.Pointer
		if cmd.Viewport != nil && ev.ViewScale == 0 {
			if m := e.scene.Map(); m != nil {
				ev.ViewScale = cmd.Viewport.Transform(float64(m.Width), float64(m.Height)).Scale
			}
		}
		return e.pointer(cmd.Type, ev)
	case CommandMerge:
		plan, err := e.tools.PlanMerge()
		if err != nil {
			return err
		}
		e.startMerge(cmd, plan)
		return nil
	case CommandMergeComplete:
		if cmd.Merge == nil {
			return missing(cmd)
		}
		if cmd.Merge.Err != nil {
			return fmt.Errorf("merge: %w", cmd.Merge.Err)
		}
		res, err := e.tools.CompleteMerge(cmd.Merge.Plan, cmd.Merge.Image)
		if err != nil {
			return err
		}
		e.recordResult("merge", res)
		return nil
	case CommandDeleteSelection:
		res, err := e.tools.DeleteSelection()
		if err != nil {
			return err
		}
		e.recordResult("select", res)
		return nil
	case CommandSetSelection:
		e.tools.SetSelection(cmd.Selection)
		return nil
	case CommandRemoveInstance:
		if cmd.Instance == nil {
			return missing(cmd)
		}
		if err := e.scene.RemoveInstance(cmd.Instance.ID); err != nil {
			return err
		}
		loggingscene.InstanceRemoved(context.Background(), e.publisher, e.version, cmd.Instance.ID)
		return nil
	case CommandUpdateInstance:
		if cmd.Instance == nil {
			return missing(cmd)
		}
		_, err := e.scene.UpdateInstance(cmd.Instance.ID, cmd.Instance.Patch)
		return err
	case CommandReorder:
		if cmd.Instance == nil {
			return missing(cmd)
		}
		_, err := e.scene.Reorder(cmd.Instance.ID, cmd.Instance.Z)
		return err
	case CommandSetVision:
		if cmd.Vision == nil {
			return missing(cmd)
		}
		radius := cmd.Vision.Radius
		if cmd.Vision.Feet > 0 {
			radius = fog.VisionRadiusFromFeet(cmd.Vision.Feet, e.cfg.GridSquareFeet, e.cfg.GridScale)
		}
		_, err := e.scene.SetVisionSource(cmd.Vision.ID, radius, cmd.Vision.Active)
		return err
	case CommandAddCombatant:
		if cmd.Combatant == nil {
			return missing(cmd)
		}
		c := cmd.Combatant
		_, err := e.AddCombatant(c.CharacterID, c.Name, c.AssetPath, c.X, c.Y)
		return err
	case CommandAddWall:
		if cmd.Occluder == nil {
			return missing(cmd)
		}
		_, err := e.scene.AddWall(cmd.Occluder.Points)
		return err
	case CommandAddObject:
		if cmd.Occluder == nil {
			return missing(cmd)
		}
		_, err := e.scene.AddObject(cmd.Occluder.Points)
		return err
	case CommandAddDoor:
		if cmd.Occluder == nil || len(cmd.Occluder.Points) != 2 {
			return missing(cmd)
		}
		_, err := e.scene.AddDoor(cmd.Occluder.Points[0], cmd.Occluder.Points[1])
		return err
	case CommandSetDoorOpen:
		if cmd.Occluder == nil {
			return missing(cmd)
		}
		_, err := e.scene.SetDoorOpen(cmd.Occluder.ID, cmd.Occluder.Open)
		return err
	case CommandRemoveOccluder:
		if cmd.Occluder == nil {
			return missing(cmd)
		}
		return e.scene.RemoveOccluder(cmd.Occluder.ID)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Type)
	}
}

func missing(cmd Command) error {
	return fmt.Errorf("%s: %w", cmd.Type, ErrMissingPayload)
}

// selectMap resolves the map asset, importing it first when a size is given,
// and replaces the live scene.
func (e *Engine) selectMap(m MapCommand) error {
	asset, ok := e.registry.Lookup(m.Path)
	if !ok {
		if m.Width <= 0 || m.Height <= 0 {
			return fmt.Errorf("select map %s: %w", m.Path, ErrUnknownAsset)
		}
		imported, err := e.importAsset(AssetCommand{Path: m.Path, Width: m.Width, Height: m.Height})
		if err != nil {
			return fmt.Errorf("select map: %w", err)
		}
		asset = imported
	}
	e.replaceScene(&scene.Map{AssetPath: asset.Path, Width: asset.Width, Height: asset.Height})
	loggingscene.MapSelected(context.Background(), e.publisher, e.version, loggingscene.MapSelectedPayload{
		Path:   asset.Path,
		Width:  asset.Width,
		Height: asset.Height,
	})
	return nil
}

// replaceScene swaps in a fresh scene. Staged patches belong to the old
// scene, so they are dropped and the next broadcast is a keyframe.
func (e *Engine) replaceScene(m *scene.Map) {
	e.scene = e.newScene(m)
	e.tools.Rebind(e.scene)
	e.journal.Reset()
	e.visionDirty = false
	e.forceKeyframe = true
	grid := e.scene.Fog()
	loggingfog.FogReset(context.Background(), e.publisher, e.version, loggingfog.FogResetPayload{
		Cols:     grid.Cols(),
		Rows:     grid.Rows(),
		CellSize: int(grid.CellSize()),
	})
}

func (e *Engine) importAsset(a AssetCommand) (assets.Asset, error) {
	stored, added, err := e.registry.Register(assets.Asset{
		Path:   a.Path,
		Name:   a.Name,
		Width:  a.Width,
		Height: a.Height,
		Image:  a.Image,
	})
	if err != nil {
		return assets.Asset{}, err
	}
	if added {
		e.journal.RecordAsset(stored)
	}
	return stored, nil
}

func (e *Engine) pointer(kind CommandType, ev tools.PointerEvent) error {
	if e.scene.Map() == nil {
		switch e.tools.State() {
		case tools.StampArmed, tools.ChainArmed:
			return fmt.Errorf("%s: %w", kind, ErrNoMap)
		}
	}
	var (
		res tools.Result
		err error
	)
	switch kind {
	case CommandPointerDown:
		res, err = e.tools.PointerDown(ev)
	case CommandPointerMove:
		res, err = e.tools.PointerMove(ev)
	default:
		res, err = e.tools.PointerUp(ev)
	}
	if err != nil {
		return err
	}
	e.recordResult(e.tools.State().String(), res)
	return nil
}

// recordResult logs what a tool operation did. Scene changes already reach
// the journal through the observer; only composites need staging here since
// the registry is not observed.
func (e *Engine) recordResult(tool string, res tools.Result) {
	ctx := context.Background()
	if res.Composite != nil {
		e.journal.RecordAsset(*res.Composite)
		composite := ""
		if len(res.Placed) > 0 {
			composite = res.Placed[0].ID
		}
		loggingscene.InstancesMerged(ctx, e.publisher, e.version, loggingscene.InstancesMergedPayload{
			Sources:   res.Removed,
			Composite: composite,
			Asset:     res.Composite.Path,
		})
		return
	}
	for _, inst := range res.Placed {
		loggingscene.InstancePlaced(ctx, e.publisher, e.version, inst.ID, loggingscene.InstancePlacedPayload{
			Asset: inst.AssetPath,
			Tool:  tool,
			X:     inst.X,
			Y:     inst.Y,
		})
	}
	for _, id := range res.Removed {
		loggingscene.InstanceRemoved(ctx, e.publisher, e.version, id)
	}
}

// startMerge rasterizes off the loop goroutine and posts the result back as a
// mergeComplete command with the original origin, so the DM's ack waits for
// the scene change.
func (e *Engine) startMerge(cmd Command, plan tools.MergePlan) {
	e.merges.Add(1)
	go func() {
		defer e.merges.Done()
		img, err := plan.Rasterize()
		done := Command{
			ActorID:  cmd.ActorID,
			Seq:      cmd.Seq,
			Type:     CommandMergeComplete,
			IssuedAt: cmd.IssuedAt,
			Merge:    &MergeResult{Plan: plan, Image: img, Err: err},
		}
		e.completedMu.Lock()
		e.completed = append(e.completed, done)
		e.completedMu.Unlock()
	}()
}
