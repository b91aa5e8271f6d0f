package moe

import (
	"context"
	"sync"

	"github.com/23skdu/longbow-precision/internal/precision"
)

// Roster supplies the experts a policy selects precisions for. Gating
// and routing live behind it.
type Roster interface {
	Experts(ctx context.Context) ([]precision.ExpertID, error)
}

// StaticRoster is a fixed, replaceable expert list.
type StaticRoster struct {
	mu      sync.RWMutex
	experts []precision.ExpertID
}

func NewStaticRoster(experts ...precision.ExpertID) *StaticRoster {
	r := &StaticRoster{}
	r.Set(experts...)
	return r
}

func (r *StaticRoster) Experts(ctx context.Context) ([]precision.ExpertID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]precision.ExpertID, len(r.experts))
	copy(out, r.experts)
	return out, nil
}

func (r *StaticRoster) Set(experts ...precision.ExpertID) {
	cp := make([]precision.ExpertID, len(experts))
	copy(cp, experts)
	r.mu.Lock()
	r.experts = cp
	r.mu.Unlock()
}
