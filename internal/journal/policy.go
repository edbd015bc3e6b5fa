package journal

import (
	"fmt"
)

type ResyncReason struct {
	Kind     string
	EntityID string
}

type ResyncSignal struct {
	Anomalies   uint64
	TotalEvents uint64
	Reasons     []ResyncReason
}

// Policy tracks how often staged patches contradict each other. Once the
// anomaly rate crosses the threshold a resync is pending until consumed.
type Policy struct {
	totalEvents uint64
	anomalies   uint64
	pending     bool
	reasons     []ResyncReason
}

const anomalyThresholdPerTenThousand = 1
const resyncReasonLimit = 8

func NewPolicy() *Policy {
	return &Policy{reasons: make([]ResyncReason, 0, resyncReasonLimit)}
}

func (p *Policy) NoteEvent() {
	if p == nil {
		return
	}
	if p.totalEvents == ^uint64(0) {
		p.totalEvents = p.totalEvents / 2
		p.anomalies = p.anomalies / 2
	}
	p.totalEvents++
}

func (p *Policy) NoteAnomaly(kind, entityID string) {
	if p == nil {
		return
	}
	p.anomalies++
	if len(p.reasons) < resyncReasonLimit {
		p.reasons = append(p.reasons, ResyncReason{Kind: kind, EntityID: entityID})
	}
	p.evaluate()
}

// Request forces a pending resync, for example after a player reports a
// version gap.
func (p *Policy) Request(kind, entityID string) {
	if p == nil {
		return
	}
	if len(p.reasons) < resyncReasonLimit {
		p.reasons = append(p.reasons, ResyncReason{Kind: kind, EntityID: entityID})
	}
	p.pending = true
}

func (p *Policy) evaluate() {
	if p == nil || p.pending || p.anomalies == 0 {
		return
	}
	total := p.totalEvents
	if total == 0 {
		total = 1
	}
	if p.anomalies*10000 >= total*anomalyThresholdPerTenThousand {
		p.pending = true
	}
}

func (p *Policy) Consume() (ResyncSignal, bool) {
	if p == nil || !p.pending {
		return ResyncSignal{}, false
	}
	signal := ResyncSignal{
		Anomalies:   p.anomalies,
		TotalEvents: p.totalEvents,
		Reasons:     append([]ResyncReason(nil), p.reasons...),
	}
	p.pending = false
	p.totalEvents = 0
	p.anomalies = 0
	if len(p.reasons) > 0 {
		p.reasons = p.reasons[:0]
	}
	return signal, true
}

func (s ResyncSignal) Summary() string {
	if s.Anomalies == 0 && s.TotalEvents == 0 && len(s.Reasons) == 0 {
		return ""
	}
	return fmt.Sprintf("anomalies=%d total_events=%d reasons=%v", s.Anomalies, s.TotalEvents, s.Reasons)
}
