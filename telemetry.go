package server

import (
	"fmt"
	"sync/atomic"
	"time"
)

type telemetryCounters struct {
	bytesSent                    atomic.Uint64
	patchesSent                  atomic.Uint64
	frameDurationMillis          atomic.Int64
	lastBroadcastBytes           atomic.Uint64
	lastBroadcastPatches         atomic.Uint64
	debug                        bool
	keyframesBroadcast           atomic.Uint64
	keyframeJournalSize          atomic.Uint64
	keyframeOldestSequence       atomic.Uint64
	keyframeNewestSequence       atomic.Uint64
	keyframeRequests             atomic.Uint64
	keyframeNacksExpired         atomic.Uint64
	keyframeNacksRateLimited     atomic.Uint64
	keyframeRequestLatencyMillis atomic.Uint64
	commandsRejected             atomic.Uint64
}

type telemetrySnapshot struct {
	BytesSent                uint64 `json:"bytesSent"`
	PatchesSent              uint64 `json:"patchesSent"`
	FrameDuration            int64  `json:"frameDurationMillis"`
	KeyframesBroadcast       uint64 `json:"keyframesBroadcast"`
	KeyframeJournalSize      uint64 `json:"keyframeJournalSize"`
	KeyframeOldestSequence   uint64 `json:"keyframeOldestSequence"`
	KeyframeNewestSequence   uint64 `json:"keyframeNewestSequence"`
	KeyframeRequests         uint64 `json:"keyframeRequests"`
	KeyframeNacksExpired     uint64 `json:"keyframeNacksExpired"`
	KeyframeNacksRateLimited uint64 `json:"keyframeNacksRateLimited"`
	KeyframeRequestLatencyMs uint64 `json:"keyframeRequestLatencyMs"`
	CommandsRejected         uint64 `json:"commandsRejected"`
}

func newTelemetryCounters(debug bool) *telemetryCounters {
	return &telemetryCounters{debug: debug}
}

func (t *telemetryCounters) RecordBroadcast(bytes, patches int) {
	if bytes < 0 {
		bytes = 0
	}
	if patches < 0 {
		patches = 0
	}
	t.bytesSent.Add(uint64(bytes))
	t.patchesSent.Add(uint64(patches))
	t.lastBroadcastBytes.Store(uint64(bytes))
	t.lastBroadcastPatches.Store(uint64(patches))
}

func (t *telemetryCounters) RecordFrameDuration(duration time.Duration) {
	millis := duration.Milliseconds()
	if millis < 0 {
		millis = 0
	}
	t.frameDurationMillis.Store(millis)
	if t.debug {
		fmt.Printf(
			"[telemetry] frame=%dms bytes=%d totalBytes=%d patches=%d totalPatches=%d\n",
			millis,
			t.lastBroadcastBytes.Load(),
			t.bytesSent.Load(),
			t.lastBroadcastPatches.Load(),
			t.patchesSent.Load(),
		)
	}
}

func (t *telemetryCounters) RecordKeyframeJournal(size int, oldest, newest uint64) {
	if size < 0 {
		size = 0
	}
	t.keyframeJournalSize.Store(uint64(size))
	t.keyframeOldestSequence.Store(oldest)
	t.keyframeNewestSequence.Store(newest)
}

func (t *telemetryCounters) RecordKeyframeRequest(latency time.Duration, success bool) {
	t.keyframeRequests.Add(1)
	if success {
		millis := latency.Milliseconds()
		if millis < 0 {
			millis = 0
		}
		t.keyframeRequestLatencyMillis.Store(uint64(millis))
	}
}

func (t *telemetryCounters) IncrementKeyframeBroadcast() { t.keyframesBroadcast.Add(1) }

func (t *telemetryCounters) IncrementKeyframeExpired() { t.keyframeNacksExpired.Add(1) }

func (t *telemetryCounters) IncrementKeyframeRateLimited() { t.keyframeNacksRateLimited.Add(1) }

func (t *telemetryCounters) IncrementCommandRejected() { t.commandsRejected.Add(1) }

func (t *telemetryCounters) Snapshot() telemetrySnapshot {
	return telemetrySnapshot{
		BytesSent:                t.bytesSent.Load(),
		PatchesSent:              t.patchesSent.Load(),
		FrameDuration:            t.frameDurationMillis.Load(),
		KeyframesBroadcast:       t.keyframesBroadcast.Load(),
		KeyframeJournalSize:      t.keyframeJournalSize.Load(),
		KeyframeOldestSequence:   t.keyframeOldestSequence.Load(),
		KeyframeNewestSequence:   t.keyframeNewestSequence.Load(),
		KeyframeRequests:         t.keyframeRequests.Load(),
		KeyframeNacksExpired:     t.keyframeNacksExpired.Load(),
		KeyframeNacksRateLimited: t.keyframeNacksRateLimited.Load(),
		KeyframeRequestLatencyMs: t.keyframeRequestLatencyMillis.Load(),
		CommandsRejected:         t.commandsRejected.Load(),
	}
}
