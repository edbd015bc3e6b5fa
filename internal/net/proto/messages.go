// Package proto defines the websocket wire format shared by the DM and player
// surfaces.
package proto

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"dndemicube/server/internal/assets"
	"dndemicube/server/internal/compose"
	"dndemicube/server/internal/geometry"
	"dndemicube/server/internal/journal"
	"dndemicube/server/internal/scene"
	"dndemicube/server/internal/session"
	"dndemicube/server/internal/tools"
)

const (
	// Version tracks the wire-protocol revision expected by clients.
	Version = 1

	typeCommandAck    = "commandAck"
	typeCommandReject = "commandReject"
	typeHeartbeat     = "heartbeat"
	typeState         = "state"
	typeKeyframe      = "keyframe"
	typeKeyframeNack  = "keyframeNack"
)

// Client message type identifiers.
const (
	TypeCommand     = "command"
	TypeHeartbeat   = "heartbeat"
	TypeKeyframeReq = "keyframeRequest"
)

// Exported aliases for outbound message type identifiers.
const (
	TypeState         = typeState
	TypeKeyframe      = typeKeyframe
	TypeKeyframeNack  = typeKeyframeNack
	TypeCommandAck    = typeCommandAck
	TypeCommandReject = typeCommandReject
	TypeServerBeat    = typeHeartbeat
)

// Keyframe nack reasons.
const (
	NackExpired     = "expired"
	NackRateLimited = "rate_limited"
)

// ClientMessage captures an inbound websocket message from either surface.
type ClientMessage struct {
	Ver         int             `json:"ver,omitempty"`
	Type        string          `json:"type"`
	SentAt      int64           `json:"sentAt,omitempty"`
	Ack         *uint64         `json:"ack,omitempty"`
	KeyframeSeq *uint64         `json:"keyframeSeq,omitempty"`
	CommandSeq  *uint64         `json:"seq,omitempty"`
	Command     *CommandPayload `json:"command,omitempty"`
}

// CommandPayload is the wire form of a DM command. Only the fields relevant
// to Name are read. Image is an optional base64 PNG, JPEG, BMP or WebP file.
type CommandPayload struct {
	Name        string             `json:"name"`
	Path        string             `json:"path,omitempty"`
	AssetName   string             `json:"assetName,omitempty"`
	Width       int                `json:"width,omitempty"`
	Height      int                `json:"height,omitempty"`
	Image       string             `json:"image,omitempty"`
	Spacing     float64            `json:"spacing,omitempty"`
	X           float64            `json:"x,omitempty"`
	Y           float64            `json:"y,omitempty"`
	FreeScale   bool               `json:"freeScale,omitempty"`
	Additive    bool               `json:"additive,omitempty"`
	Viewport    *geometry.Viewport `json:"viewport,omitempty"`
	ID          string             `json:"id,omitempty"`
	IDs         []string           `json:"ids,omitempty"`
	Patch       *scene.Patch       `json:"patch,omitempty"`
	Z           int                `json:"z,omitempty"`
	Radius      float64            `json:"radius,omitempty"`
	Feet        float64            `json:"feet,omitempty"`
	Active      bool               `json:"active,omitempty"`
	CharacterID string             `json:"characterId,omitempty"`
	Label       string             `json:"label,omitempty"`
	Points      []geometry.Point   `json:"points,omitempty"`
	Open        bool               `json:"open,omitempty"`
}

// DecodeClientMessage converts raw websocket payloads into a structured message.
func DecodeClientMessage(payload []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return msg, err
	}
	if msg.Ver == 0 {
		msg.Ver = Version
	}
	if msg.Ver != Version {
		return msg, fmt.Errorf("unsupported client protocol version %d", msg.Ver)
	}
	return msg, nil
}

// ClientCommand converts a command message into an engine command. Origin
// metadata is populated by the hub when the command is accepted.
func ClientCommand(msg ClientMessage) (session.Command, error) {
	if msg.Type != TypeCommand || msg.Command == nil {
		return session.Command{}, fmt.Errorf("message %q carries no command", msg.Type)
	}
	p := msg.Command
	cmd := session.Command{Type: session.CommandType(p.Name)}
	if msg.CommandSeq != nil {
		cmd.Seq = *msg.CommandSeq
	}
	switch cmd.Type {
	case session.CommandSelectMap:
		cmd.Map = &session.MapCommand{Path: p.Path, Width: p.Width, Height: p.Height}
	case session.CommandImportAsset:
		img, err := decodeImage(p.Image)
		if err != nil {
			return session.Command{}, fmt.Errorf("import asset %s: %w", p.Path, err)
		}
		cmd.Asset = &session.AssetCommand{Path: p.Path, Name: p.AssetName, Width: p.Width, Height: p.Height, Image: img}
	case session.CommandArmStamp, session.CommandArmChain:
		cmd.Arm = &session.ArmCommand{Path: p.Path, Spacing: p.Spacing}
	case session.CommandPointerDown, session.CommandPointerMove, session.CommandPointerUp:
		ev := tools.PointerEvent{X: p.X, Y: p.Y}
		if p.FreeScale {
			ev.Modifiers |= tools.ModFreeScale
		}
		if p.Additive {
			ev.Modifiers |= tools.ModAdditive
		}
		cmd.Pointer = &ev
		if p.Viewport != nil {
			vp := *p.Viewport
			cmd.Viewport = &vp
		}
	case session.CommandSetSelection:
		cmd.Selection = append([]string(nil), p.IDs...)
	case session.CommandRemoveInstance, session.CommandUpdateInstance, session.CommandReorder:
		ic := &session.InstanceCommand{ID: p.ID, Z: p.Z}
		if p.Patch != nil {
			ic.Patch = *p.Patch
		}
		cmd.Instance = ic
	case session.CommandSetVision:
		cmd.Vision = &session.VisionCommand{ID: p.ID, Radius: p.Radius, Feet: p.Feet, Active: p.Active}
	case session.CommandAddCombatant:
		cmd.Combatant = &session.CombatantCommand{CharacterID: p.CharacterID, Name: p.Label, AssetPath: p.Path, X: p.X, Y: p.Y}
	case session.CommandAddWall, session.CommandAddDoor, session.CommandAddObject, session.CommandSetDoorOpen, session.CommandRemoveOccluder:
		cmd.Occluder = &session.OccluderCommand{ID: p.ID, Points: append([]geometry.Point(nil), p.Points...), Open: p.Open}
	case session.CommandClearMap, session.CommandEnterSelect, session.CommandDisarm,
		session.CommandMerge, session.CommandDeleteSelection:
	default:
		return session.Command{}, fmt.Errorf("unknown command %q", p.Name)
	}
	return cmd, nil
}

// ErrImageTooLarge is returned for imported images whose header declares a
// side beyond compose.MaxSide.
var ErrImageTooLarge = errors.New("proto: image too large")

// decodeImage decodes a base64 PNG, JPEG, BMP or WebP payload. The header is
// checked against compose.MaxSide before any pixels are allocated.
func decodeImage(encoded string) (image.Image, error) {
	if encoded == "" {
		return nil, nil
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode image header: %w", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%s %dx%d: empty image", format, cfg.Width, cfg.Height)
	}
	if cfg.Width > compose.MaxSide || cfg.Height > compose.MaxSide {
		return nil, fmt.Errorf("%s %dx%d: %w", format, cfg.Width, cfg.Height, ErrImageTooLarge)
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}

// CommandAck describes an acknowledgement of a processed command.
type CommandAck struct {
	Seq     uint64
	Version uint64
}

// EncodeCommandAck renders a command acknowledgement response.
func EncodeCommandAck(msg CommandAck) ([]byte, error) {
	frame := struct {
		Ver     int    `json:"ver"`
		Type    string `json:"type"`
		Seq     uint64 `json:"seq"`
		Version uint64 `json:"version,omitempty"`
	}{
		Ver:     Version,
		Type:    typeCommandAck,
		Seq:     msg.Seq,
		Version: msg.Version,
	}
	return json.Marshal(frame)
}

// CommandReject notifies the DM that a command was refused.
type CommandReject struct {
	Seq    uint64
	Reason string
	Retry  bool
}

// EncodeCommandReject renders a command rejection response.
func EncodeCommandReject(msg CommandReject) ([]byte, error) {
	frame := struct {
		Ver    int    `json:"ver"`
		Type   string `json:"type"`
		Seq    uint64 `json:"seq"`
		Reason string `json:"reason"`
		Retry  bool   `json:"retry,omitempty"`
	}{
		Ver:    Version,
		Type:   typeCommandReject,
		Seq:    msg.Seq,
		Reason: msg.Reason,
		Retry:  msg.Retry,
	}
	return json.Marshal(frame)
}

// Heartbeat echoes timing metadata back to the client together with the
// latest broadcast version so idle players can detect a missed delta.
type Heartbeat struct {
	ServerTime int64
	ClientTime int64
	RTTMillis  int64
	Version    uint64
}

// EncodeHeartbeat renders a heartbeat payload.
func EncodeHeartbeat(msg Heartbeat) ([]byte, error) {
	frame := struct {
		Ver        int    `json:"ver"`
		Type       string `json:"type"`
		ServerTime int64  `json:"serverTime"`
		ClientTime int64  `json:"clientTime,omitempty"`
		RTTMillis  int64  `json:"rtt,omitempty"`
		Version    uint64 `json:"version"`
	}{
		Ver:        Version,
		Type:       typeHeartbeat,
		ServerTime: msg.ServerTime,
		ClientTime: msg.ClientTime,
		RTTMillis:  msg.RTTMillis,
		Version:    msg.Version,
	}
	return json.Marshal(frame)
}

// StateDelta carries the compacted patches that move a mirror from
// BaseVersion to Version.
type StateDelta struct {
	Ver         int             `json:"ver"`
	Type        string          `json:"type"`
	BaseVersion uint64          `json:"baseVersion"`
	Version     uint64          `json:"version"`
	Patches     []journal.Patch `json:"patches"`
	ServerTime  int64           `json:"serverTime"`
}

// EncodeStateDelta renders a delta payload.
func EncodeStateDelta(msg StateDelta) ([]byte, error) {
	msg.Type = TypeState
	msg.Ver = Version
	if msg.Patches == nil {
		msg.Patches = []journal.Patch{}
	}
	return json.Marshal(msg)
}

// Keyframe carries a complete scene at Version. Player keyframes are already
// filtered to the player projection.
type Keyframe struct {
	Ver        int            `json:"ver"`
	Type       string         `json:"type"`
	Version    uint64         `json:"version"`
	Scene      scene.Snapshot `json:"scene"`
	Assets     []assets.Asset `json:"assets"`
	ServerTime int64          `json:"serverTime"`
	Resync     bool           `json:"resync,omitempty"`
}

// EncodeKeyframe renders a keyframe payload.
func EncodeKeyframe(msg Keyframe) ([]byte, error) {
	msg.Type = TypeKeyframe
	msg.Ver = Version
	if msg.Assets == nil {
		msg.Assets = []assets.Asset{}
	}
	return json.Marshal(msg)
}

// KeyframeNack tells a player its keyframe request could not be served.
type KeyframeNack struct {
	Ver      int    `json:"ver"`
	Type     string `json:"type"`
	Sequence uint64 `json:"sequence"`
	Reason   string `json:"reason"`
}

// EncodeKeyframeNack renders a keyframe nack payload.
func EncodeKeyframeNack(msg KeyframeNack) ([]byte, error) {
	msg.Type = TypeKeyframeNack
	msg.Ver = Version
	return json.Marshal(msg)
}

// ServerMessage is the decoded form of any outbound frame. Exactly one of the
// pointers is set, matching Type.
type ServerMessage struct {
	Type      string
	State     *StateDelta
	Keyframe  *Keyframe
	Nack      *KeyframeNack
	Heartbeat *HeartbeatFrame
	Ack       *AckFrame
}

// HeartbeatFrame is the decoded heartbeat payload.
type HeartbeatFrame struct {
	ServerTime int64  `json:"serverTime"`
	ClientTime int64  `json:"clientTime"`
	RTTMillis  int64  `json:"rtt"`
	Version    uint64 `json:"version"`
}

// AckFrame is the decoded ack or reject payload.
type AckFrame struct {
	Seq     uint64 `json:"seq"`
	Version uint64 `json:"version"`
	Reason  string `json:"reason"`
	Retry   bool   `json:"retry"`
}

// DecodeServerMessage parses an outbound frame, used by viewers and tests.
func DecodeServerMessage(payload []byte) (ServerMessage, error) {
	var head struct {
		Ver  int    `json:"ver"`
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		return ServerMessage{}, err
	}
	if head.Ver != Version {
		return ServerMessage{}, fmt.Errorf("unsupported server protocol version %d", head.Ver)
	}
	msg := ServerMessage{Type: head.Type}
	var target any
	switch head.Type {
	case typeState:
		msg.State = &StateDelta{}
		target = msg.State
	case typeKeyframe:
		msg.Keyframe = &Keyframe{}
		target = msg.Keyframe
	case typeKeyframeNack:
		msg.Nack = &KeyframeNack{}
		target = msg.Nack
	case typeHeartbeat:
		msg.Heartbeat = &HeartbeatFrame{}
		target = msg.Heartbeat
	case typeCommandAck, typeCommandReject:
		msg.Ack = &AckFrame{}
		target = msg.Ack
	default:
		return msg, fmt.Errorf("unknown server message type %q", head.Type)
	}
	if err := json.Unmarshal(payload, target); err != nil {
		return msg, fmt.Errorf("decode %s: %w", head.Type, err)
	}
	return msg, nil
}
