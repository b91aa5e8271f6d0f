package transition

import (
	"fmt"
	"sync"

	"github.com/23skdu/longbow-precision/internal/precision"
	"github.com/looplab/fsm"
)

// Pipeline walks one expert's work through the stages and logs every
// legal move: dispatch → quantize → infer → compress → dispatch.
type Pipeline struct {
	mu   sync.Mutex
	fsm  *fsm.FSM
	log  *Log
	bits precision.BitDepth
}

func eventName(to Stage) string {
	return "to_" + string(to)
}

func NewPipeline(log *Log, bits precision.BitDepth) *Pipeline {
	p := &Pipeline{log: log, bits: bits}
	p.fsm = fsm.NewFSM(
		string(Dispatch),
		fsm.Events{
			{Name: eventName(Quantize), Src: []string{string(Dispatch)}, Dst: string(Quantize)},
			{Name: eventName(Infer), Src: []string{string(Quantize)}, Dst: string(Infer)},
			{Name: eventName(Compress), Src: []string{string(Infer)}, Dst: string(Compress)},
			{Name: eventName(Dispatch), Src: []string{string(Compress)}, Dst: string(Dispatch)},
		},
		fsm.Callbacks{
			"enter_state": func(e *fsm.Event) {
				p.log.LogTransition(Stage(e.Src), Stage(e.Dst), p.bits)
			},
		},
	)
	return p
}

// SetBitDepth changes the weight recorded for subsequent moves.
func (p *Pipeline) SetBitDepth(bits precision.BitDepth) {
	p.mu.Lock()
	p.bits = bits
	p.mu.Unlock()
}

func (p *Pipeline) Current() Stage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stage(p.fsm.Current())
}

// Advance moves to the given stage. Illegal moves return an error and
// are not logged.
func (p *Pipeline) Advance(to Stage) error {
	if !to.Valid() {
		return fmt.Errorf("unknown stage %q", to)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	from := p.fsm.Current()
	if err := p.fsm.Event(eventName(to)); err != nil {
		return fmt.Errorf("illegal transition %s -> %s: %w", from, to, err)
	}
	return nil
}

// Cycle runs one full loop from dispatch back to dispatch at bits.
func (p *Pipeline) Cycle(bits precision.BitDepth) error {
	p.SetBitDepth(bits)
	for _, s := range []Stage{Quantize, Infer, Compress, Dispatch} {
		if err := p.Advance(s); err != nil {
			return err
		}
	}
	return nil
}
