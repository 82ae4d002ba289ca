package room

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

const attachRetryLimit = 3

// Registry maps document ids to live actors. Actors are created lazily on
// first access and evicted once a persistence tick finds them idle; a later
// access reconstructs them from the persisted snapshot.
type Registry struct {
	mu     sync.Mutex
	actors map[string]*Actor

	store    SnapshotStore
	logger   *zap.Logger
	interval time.Duration
}

// RegistryConfig describes the dependencies of the actor registry.
type RegistryConfig struct {
	Store           SnapshotStore
	Logger          *zap.Logger
	PersistInterval time.Duration
}

// NewRegistry constructs an empty registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Store == nil {
		return nil, errors.New("room: snapshot store is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := cfg.PersistInterval
	if interval <= 0 {
		interval = DefaultPersistInterval
	}
	return &Registry{
		actors:   make(map[string]*Actor),
		store:    cfg.Store,
		logger:   logger,
		interval: interval,
	}, nil
}

// Attach resolves (or cold-starts) the actor for a document and attaches the
// connection. An actor observed mid-shutdown is replaced and the attach
// retried.
func (r *Registry) Attach(ctx context.Context, documentID string, conn Conn) (*Actor, error) {
	for attempt := 0; attempt < attachRetryLimit; attempt++ {
		actor, err := r.actor(ctx, documentID)
		if err != nil {
			return nil, err
		}
		err = actor.Attach(conn)
		if err == nil {
			return actor, nil
		}
		if errors.Is(err, ErrActorStopped) {
			r.forget(documentID, actor)
			continue
		}
		return nil, err
	}
	return nil, ErrActorStopped
}

// FullState returns the authoritative serialization of a document, starting
// its actor if necessary.
func (r *Registry) FullState(ctx context.Context, documentID string) ([]byte, error) {
	for attempt := 0; attempt < attachRetryLimit; attempt++ {
		actor, err := r.actor(ctx, documentID)
		if err != nil {
			return nil, err
		}
		state, err := actor.FullState()
		if err == nil {
			return state, nil
		}
		if errors.Is(err, ErrActorStopped) {
			r.forget(documentID, actor)
			continue
		}
		return nil, err
	}
	return nil, ErrActorStopped
}

// DeleteDocument purges a document: the live actor (if any) clears and
// persists the emptied replica and disconnects its sessions, then the stored
// snapshot is removed.
func (r *Registry) DeleteDocument(ctx context.Context, documentID string) error {
	// The lock is held across the whole purge: an attach arriving mid-delete
	// must wait until the snapshot is gone, or it would cold-start a fresh
	// actor from the doomed snapshot and later re-persist the document.
	r.mu.Lock()
	defer r.mu.Unlock()
	actor := r.actors[documentID]
	delete(r.actors, documentID)

	if actor != nil {
		if err := actor.Delete(ctx); err != nil {
			return err
		}
	}
	return r.store.Delete(ctx, documentID)
}

// Shutdown stops every live actor, persisting final snapshots.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	actors := make([]*Actor, 0, len(r.actors))
	for _, actor := range r.actors {
		actors = append(actors, actor)
	}
	r.actors = make(map[string]*Actor)
	r.mu.Unlock()

	for _, actor := range actors {
		actor.Stop()
	}
}

func (r *Registry) actor(ctx context.Context, documentID string) (*Actor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if actor, ok := r.actors[documentID]; ok {
		return actor, nil
	}
	actor, err := NewActor(ctx, ActorConfig{
		DocumentID:      documentID,
		Store:           r.store,
		Logger:          r.logger,
		PersistInterval: r.interval,
		OnIdle:          r.evict,
	})
	if err != nil {
		return nil, err
	}
	r.actors[documentID] = actor
	return actor, nil
}

// evict runs from an actor's loop when an idle tick stops it.
func (r *Registry) evict(documentID string) {
	r.mu.Lock()
	delete(r.actors, documentID)
	r.mu.Unlock()
}

// forget drops a stale handle only when the map still points at it.
func (r *Registry) forget(documentID string, stale *Actor) {
	r.mu.Lock()
	if r.actors[documentID] == stale {
		delete(r.actors, documentID)
	}
	r.mu.Unlock()
}
