package estimate

import (
	"fmt"

	"github.com/sarchlab/akita/v4/sim"
	"github.com/sarchlab/npuc/cmdstream"
	"github.com/sarchlab/npuc/util"
)

// StripeCosts are the cycles each kind of cascade command keeps its unit
// busy.
type StripeCosts struct {
	IfmStripe uint64
	WgtStripe uint64
	PleCode   uint64
	MceStripe uint64
	PleStripe uint64
	OfmStripe uint64
}

func perStripe(total uint64, stripes uint32) uint64 {
	if stripes == 0 {
		return 0
	}
	return max(1, util.DivRoundUp(total, uint64(stripes)))
}

func dmaStripeCycles(m MemoryStats, stripes uint32) uint64 {
	bytes := uint64(m.DramParallelBytes) + uint64(m.DramNonParallelBytes)
	return perStripe(bytes/uint64(dmaBytesPerCycle), stripes)
}

// CostsFor spreads the statistics of a pass over the stripes of its
// cascade.
func CostsFor(s PassStats, c cmdstream.CascadeStream) StripeCosts {
	count := map[cmdstream.CommandType]uint32{}
	for _, list := range [][]cmdstream.CascadeCommand{c.DmaRdCommands, c.DmaWrCommands, c.MceCommands, c.PleCommands} {
		for _, cmd := range list {
			count[cmd.CommandType()]++
		}
	}

	return StripeCosts{
		IfmStripe: dmaStripeCycles(s.Input.MemoryStats, count[cmdstream.CommandLoadIfmStripe]),
		WgtStripe: dmaStripeCycles(s.Weights.MemoryStats, count[cmdstream.CommandLoadWgtStripe]),
		PleCode:   1,
		MceStripe: perStripe(uint64(s.Mce.CycleCount), count[cmdstream.CommandStartMceStripe]),
		PleStripe: perStripe(uint64(s.Ple.NumOfPatches), count[cmdstream.CommandStartPleStripe]),
		OfmStripe: dmaStripeCycles(s.Output.MemoryStats, count[cmdstream.CommandStoreOfmStripe]),
	}
}

// TimelineEvent is one agent command as it ran.
type TimelineEvent struct {
	Queue   string
	Command cmdstream.CommandType
	Stripe  uint32
	Start   uint64
	End     uint64
}

// TimelineResult is the outcome of a replay.
type TimelineResult struct {
	Cycles uint64
	Events []TimelineEvent
}

type commandQueue struct {
	name    string
	pending []cmdstream.CascadeCommand
	busy    uint64
	current *TimelineEvent
}

// Timeline replays a cascading command stream. Every queue is a hardware
// unit; a wait blocks its queue until the counter is reached, and an agent
// command keeps the queue busy for its cost and then advances a counter.
type Timeline struct {
	*sim.TickingComponent

	costs    StripeCosts
	queues   []*commandQueue
	counters map[cmdstream.CounterName]uint32
	cycle    uint64
	events   []TimelineEvent
}

// TimelineBuilder builds timelines.
type TimelineBuilder struct {
	engine sim.Engine
	freq   sim.Freq
}

func (b TimelineBuilder) WithEngine(engine sim.Engine) TimelineBuilder {
	b.engine = engine
	return b
}

func (b TimelineBuilder) WithFreq(freq sim.Freq) TimelineBuilder {
	b.freq = freq
	return b
}

func (b TimelineBuilder) Build(name string) *Timeline {
	t := &Timeline{}
	t.TickingComponent = sim.NewTickingComponent(name, b.engine, b.freq, t)
	return t
}

// Replay runs the stream to completion. It fails when the commands wait
// on each other forever.
func (t *Timeline) Replay(s cmdstream.CascadeStream, costs StripeCosts) (TimelineResult, error) {
	t.costs = costs
	t.cycle = 0
	t.events = nil
	t.counters = map[cmdstream.CounterName]uint32{}
	t.queues = []*commandQueue{
		{name: "DmaRd", pending: s.DmaRdCommands},
		{name: "DmaWr", pending: s.DmaWrCommands},
		{name: "Mce", pending: s.MceCommands},
		{name: "Ple", pending: s.PleCommands},
	}

	t.TickNow()
	if err := t.Engine.Run(); err != nil {
		return TimelineResult{}, fmt.Errorf("replay %s: %w", t.Name(), err)
	}

	for _, q := range t.queues {
		if len(q.pending) != 0 || q.current != nil {
			return TimelineResult{}, fmt.Errorf("replay %s: %s queue stalled at cycle %d with %d commands left",
				t.Name(), q.name, t.cycle, len(q.pending))
		}
	}

	util.Trace("Timeline replayed", "name", t.Name(), "cycles", t.cycle, "events", len(t.events))
	return TimelineResult{Cycles: t.cycle, Events: t.events}, nil
}

// Tick advances every queue by one cycle.
func (t *Timeline) Tick() (madeProgress bool) {
	if t.done() {
		return false
	}
	t.cycle++
	for _, q := range t.queues {
		madeProgress = t.step(q) || madeProgress
	}
	return madeProgress
}

func (t *Timeline) done() bool {
	for _, q := range t.queues {
		if len(q.pending) != 0 || q.current != nil {
			return false
		}
	}
	return true
}

func (t *Timeline) step(q *commandQueue) bool {
	if q.current != nil {
		q.busy--
		if q.busy == 0 {
			t.complete(q)
		}
		return true
	}

	progress := false
	for len(q.pending) > 0 && q.current == nil {
		switch cmd := q.pending[0].(type) {
		case cmdstream.WaitForCounterCommand:
			if t.counters[cmd.CounterName] < cmd.CounterValue {
				return progress
			}
			q.pending = q.pending[1:]
			progress = true
		case cmdstream.AgentCommand:
			q.pending = q.pending[1:]
			q.current = &TimelineEvent{Queue: q.name, Command: cmd.Type, Stripe: cmd.StripeID, Start: t.cycle}
			q.busy = t.cost(cmd.Type)
			if q.busy == 0 {
				t.complete(q)
			}
			progress = true
		default:
			panic(fmt.Sprintf("unknown cascade command %T", cmd))
		}
	}
	return progress
}

func (t *Timeline) complete(q *commandQueue) {
	ev := *q.current
	ev.End = t.cycle
	t.events = append(t.events, ev)
	q.current = nil

	if counter, ok := counterOf(ev.Command); ok {
		t.counters[counter]++
	}
}

func (t *Timeline) cost(c cmdstream.CommandType) uint64 {
	switch c {
	case cmdstream.CommandLoadIfmStripe:
		return t.costs.IfmStripe
	case cmdstream.CommandLoadWgtStripe:
		return t.costs.WgtStripe
	case cmdstream.CommandLoadPleCodeIntoSram, cmdstream.CommandLoadPleCodeIntoPleSram:
		return t.costs.PleCode
	case cmdstream.CommandStartMceStripe:
		return t.costs.MceStripe
	case cmdstream.CommandStartPleStripe:
		return t.costs.PleStripe
	case cmdstream.CommandStoreOfmStripe:
		return t.costs.OfmStripe
	}
	return 0
}

// counterOf is the counter a command advances once it completes.
func counterOf(c cmdstream.CommandType) (cmdstream.CounterName, bool) {
	switch c {
	case cmdstream.CommandLoadIfmStripe, cmdstream.CommandLoadWgtStripe, cmdstream.CommandLoadPleCodeIntoSram:
		return cmdstream.CounterDmaRd, true
	case cmdstream.CommandStoreOfmStripe:
		return cmdstream.CounterDmaWr, true
	case cmdstream.CommandConfigMceif:
		return cmdstream.CounterMceif, true
	case cmdstream.CommandStartMceStripe:
		return cmdstream.CounterMceStripe, true
	case cmdstream.CommandLoadPleCodeIntoPleSram:
		return cmdstream.CounterPleCodeLoadedIntoPleSram, true
	case cmdstream.CommandStartPleStripe:
		return cmdstream.CounterPleStripe, true
	}
	return 0, false
}
