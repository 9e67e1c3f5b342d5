package actor

import (
	"context"
	"sync"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/smallbiznis/metergate/internal/clock"
	"github.com/smallbiznis/metergate/internal/entitlement/broadcast"
	"github.com/smallbiznis/metergate/internal/entitlement/exporter"
	"github.com/smallbiznis/metergate/internal/entitlement/ledger"
)

// Deps is everything an actor needs besides its customer key.
type Deps struct {
	fx.In

	Ledger   *ledger.Store
	Exporter *exporter.Exporter
	Hub      *broadcast.Hub
	Clock    clock.Clock
	GenID    *snowflake.Node
	Log      *zap.Logger
}

// Registry maps customer keys to their live actors, spawning lazily on
// first use. Different customers run fully in parallel; the registry
// only guards the map itself.
type Registry struct {
	mu     sync.RWMutex
	actors map[snowflake.ID]*Actor
	deps   Deps
}

func NewRegistry(deps Deps) *Registry {
	return &Registry{
		actors: make(map[snowflake.ID]*Actor),
		deps:   deps,
	}
}

// Get returns the customer's actor, spawning it when absent.
func (r *Registry) Get(customerID snowflake.ID) *Actor {
	r.mu.RLock()
	a := r.actors[customerID]
	r.mu.RUnlock()
	if a != nil {
		return a
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if a = r.actors[customerID]; a != nil {
		return a
	}
	a = newActor(customerID, r.deps)
	r.actors[customerID] = a
	return a
}

// Evict stops and removes one actor, e.g. after a successful reset.
func (r *Registry) Evict(customerID snowflake.ID) {
	r.mu.Lock()
	a := r.actors[customerID]
	delete(r.actors, customerID)
	r.mu.Unlock()
	if a != nil {
		a.stop()
	}
}

// Shutdown stops every actor. Queued operations finish first.
func (r *Registry) Shutdown(context.Context) error {
	r.mu.Lock()
	actors := make([]*Actor, 0, len(r.actors))
	for _, a := range r.actors {
		actors = append(actors, a)
	}
	r.actors = make(map[snowflake.ID]*Actor)
	r.mu.Unlock()

	for _, a := range actors {
		a.stop()
	}
	return nil
}

var Module = fx.Module("entitlement.actor",
	fx.Provide(NewRegistry),
	fx.Invoke(func(lc fx.Lifecycle, r *Registry) {
		lc.Append(fx.Hook{OnStop: r.Shutdown})
	}),
)
