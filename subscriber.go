package server

import (
	"sync"
	"sync/atomic"
	"time"
)

// Role distinguishes the authoritative DM surface from mirroring players.
type Role string

const (
	RoleDM     Role = "dm"
	RolePlayer Role = "player"
)

// Conn is the write side of a subscriber connection. Implementations need
// not be safe for concurrent writes; the subscriber serialises them.
type Conn interface {
	Write(data []byte) error
	Close() error
}

// Subscriber is one attached surface.
type Subscriber struct {
	ID   string
	Role Role

	conn   Conn
	mu     sync.Mutex
	closed atomic.Bool

	lastCommandSeq atomic.Uint64
	lastHeartbeat  atomic.Int64
	lastRTT        atomic.Int64

	// guarded by Hub.mu
	needsKeyframe   bool
	lastKeyframeReq time.Time
}

func (s *Subscriber) write(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Write(data)
}

func (s *Subscriber) close() {
	if s.closed.CompareAndSwap(false, true) {
		s.conn.Close()
	}
}

// LastCommandSeq reports the highest acknowledged command sequence.
func (s *Subscriber) LastCommandSeq() uint64 { return s.lastCommandSeq.Load() }

type diagnosticsSubscriber struct {
	ID            string `json:"id"`
	Role          Role   `json:"role"`
	LastHeartbeat int64  `json:"lastHeartbeat"`
	RTTMillis     int64  `json:"rttMillis"`
	LastCommand   uint64 `json:"lastCommand,omitempty"`
}
