package room

import (
	"context"
	"testing"
	"time"

	"github.com/ensemble-studio/ensemble/internal/access"
	"github.com/ensemble-studio/ensemble/internal/protocol"
	"github.com/ensemble-studio/ensemble/internal/replica"
)

func newTestRegistry(t *testing.T, store SnapshotStore, interval time.Duration) *Registry {
	t.Helper()
	registry, err := NewRegistry(RegistryConfig{
		Store:           store,
		PersistInterval: interval,
	})
	if err != nil {
		t.Fatalf("failed to construct registry: %v", err)
	}
	t.Cleanup(registry.Shutdown)
	return registry
}

func TestRegistryRoutesSameDocumentToSameActor(t *testing.T) {
	registry := newTestRegistry(t, newMemStore(), time.Hour)

	first := newFakeConn("client-a", access.RoleEditor)
	second := newFakeConn("client-b", access.RoleEditor)

	actorA, err := registry.Attach(context.Background(), "doc-1", first)
	if err != nil {
		t.Fatalf("unexpected attach error: %v", err)
	}
	actorB, err := registry.Attach(context.Background(), "doc-1", second)
	if err != nil {
		t.Fatalf("unexpected attach error: %v", err)
	}
	if actorA != actorB {
		t.Fatalf("expected one actor per document")
	}
	mustReceive(t, first)
	mustReceive(t, second)
}

func TestRegistryIsolatesDocuments(t *testing.T) {
	registry := newTestRegistry(t, newMemStore(), time.Hour)

	first := newFakeConn("client-a", access.RoleEditor)
	second := newFakeConn("client-b", access.RoleEditor)

	actorA, err := registry.Attach(context.Background(), "doc-1", first)
	if err != nil {
		t.Fatalf("unexpected attach error: %v", err)
	}
	actorB, err := registry.Attach(context.Background(), "doc-2", second)
	if err != nil {
		t.Fatalf("unexpected attach error: %v", err)
	}
	if actorA == actorB {
		t.Fatalf("expected distinct actors per document")
	}

	base := mustReceive(t, first).Payload
	mustReceive(t, second)

	delta := editDelta(t, base, "node-1", "payload-1")
	actorA.Receive(first, protocol.Encode(protocol.FrameDelta, delta))
	assertNoFrame(t, second)
}

func TestRegistryEvictsIdleActorAndColdStartsAgain(t *testing.T) {
	store := newMemStore()
	registry := newTestRegistry(t, store, 30*time.Millisecond)

	conn := newFakeConn("client-a", access.RoleEditor)
	actor, err := registry.Attach(context.Background(), "doc-1", conn)
	if err != nil {
		t.Fatalf("unexpected attach error: %v", err)
	}
	base := mustReceive(t, conn).Payload
	delta := editDelta(t, base, "node-1", "payload-1")
	actor.Receive(conn, protocol.Encode(protocol.FrameDelta, delta))
	if _, err := actor.FullState(); err != nil {
		t.Fatalf("unexpected state error: %v", err)
	}
	actor.Detach(conn)

	// The next idle tick persists the snapshot and stops the actor.
	select {
	case <-actor.stopped:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for idle eviction")
	}

	snapshot, ok := store.snapshot("doc-1")
	if !ok {
		t.Fatalf("expected a snapshot persisted before eviction")
	}
	payload, err := stateNode(t, snapshot, "node-1")
	if err != nil {
		t.Fatalf("expected the edit in the snapshot: %v", err)
	}
	if payload != "payload-1" {
		t.Fatalf("unexpected payload: %s", payload)
	}

	// A later attach cold-starts a fresh actor from the snapshot, even if the
	// registry briefly still holds the stale handle.
	rejoined := newFakeConn("client-b", access.RoleEditor)
	fresh, err := registry.Attach(context.Background(), "doc-1", rejoined)
	if err != nil {
		t.Fatalf("unexpected attach error: %v", err)
	}
	if fresh == actor {
		t.Fatalf("expected a fresh actor after eviction")
	}
	frame := mustReceive(t, rejoined)
	restored, err := stateNode(t, frame.Payload, "node-1")
	if err != nil {
		t.Fatalf("expected the edit after cold start: %v", err)
	}
	if restored != "payload-1" {
		t.Fatalf("unexpected payload after cold start: %s", restored)
	}
}

func TestRegistryFullStateStartsActorOnDemand(t *testing.T) {
	registry := newTestRegistry(t, newMemStore(), time.Hour)
	state, err := registry.FullState(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("unexpected state error: %v", err)
	}
	if _, err := stateNode(t, state, "node-1"); err == nil {
		t.Fatalf("expected an empty document for an unseeded id")
	}
}

func TestDeleteDocumentRemovesSnapshotAndActor(t *testing.T) {
	store := newMemStore()
	registry := newTestRegistry(t, store, time.Hour)

	conn := newFakeConn("client-a", access.RoleEditor)
	actor, err := registry.Attach(context.Background(), "doc-1", conn)
	if err != nil {
		t.Fatalf("unexpected attach error: %v", err)
	}
	base := mustReceive(t, conn).Payload
	delta := editDelta(t, base, "node-1", "payload-1")
	actor.Receive(conn, protocol.Encode(protocol.FrameDelta, delta))
	if _, err := actor.FullState(); err != nil {
		t.Fatalf("unexpected state error: %v", err)
	}

	if err := registry.DeleteDocument(context.Background(), "doc-1"); err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}
	if _, ok := store.snapshot("doc-1"); ok {
		t.Fatalf("expected the stored snapshot to be removed")
	}
	if !conn.isClosed() {
		t.Fatalf("expected attached connections to be closed")
	}

	// A later attach starts over from an empty document.
	rejoined := newFakeConn("client-b", access.RoleEditor)
	if _, err := registry.Attach(context.Background(), "doc-1", rejoined); err != nil {
		t.Fatalf("unexpected attach error: %v", err)
	}
	frame := mustReceive(t, rejoined)
	if _, err := stateNode(t, frame.Payload, "node-1"); err == nil {
		t.Fatalf("expected a fresh empty document after deletion")
	}
}

// gatedDeleteStore blocks snapshot deletion until released, holding a purge
// open so concurrent registry calls can be observed against it.
type gatedDeleteStore struct {
	*memStore
	proceed chan struct{}
}

func (s *gatedDeleteStore) Delete(ctx context.Context, documentID string) error {
	<-s.proceed
	return s.memStore.Delete(ctx, documentID)
}

func TestAttachDuringDeleteWaitsForThePurge(t *testing.T) {
	store := &gatedDeleteStore{memStore: newMemStore(), proceed: make(chan struct{})}
	seeded := replica.New()
	if err := seeded.SetNode("node-1", "payload-1"); err != nil {
		t.Fatalf("unexpected seed error: %v", err)
	}
	if err := store.memStore.Save(context.Background(), "doc-1", seeded.Save()); err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}

	registry := newTestRegistry(t, store, time.Hour)

	deleteDone := make(chan error, 1)
	go func() {
		deleteDone <- registry.DeleteDocument(context.Background(), "doc-1")
	}()
	// Let the purge take the registry lock and park inside the store delete.
	time.Sleep(50 * time.Millisecond)

	attached := make(chan *fakeConn, 1)
	go func() {
		conn := newFakeConn("client-a", access.RoleEditor)
		if _, err := registry.Attach(context.Background(), "doc-1", conn); err != nil {
			t.Errorf("unexpected attach error: %v", err)
		}
		attached <- conn
	}()
	time.Sleep(50 * time.Millisecond)
	close(store.proceed)

	if err := <-deleteDone; err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}
	conn := <-attached
	// The attach must cold-start after the purge, from an empty document,
	// never from the snapshot the delete was about to remove.
	frame := mustReceive(t, conn)
	if _, err := stateNode(t, frame.Payload, "node-1"); err == nil {
		t.Fatalf("expected the purged document to come back empty")
	}
}

func TestShutdownPersistsEveryActor(t *testing.T) {
	store := newMemStore()
	registry, err := NewRegistry(RegistryConfig{Store: store, PersistInterval: time.Hour})
	if err != nil {
		t.Fatalf("failed to construct registry: %v", err)
	}

	conn := newFakeConn("client-a", access.RoleEditor)
	actor, err := registry.Attach(context.Background(), "doc-1", conn)
	if err != nil {
		t.Fatalf("unexpected attach error: %v", err)
	}
	base := mustReceive(t, conn).Payload
	delta := editDelta(t, base, "node-1", "payload-1")
	actor.Receive(conn, protocol.Encode(protocol.FrameDelta, delta))
	if _, err := actor.FullState(); err != nil {
		t.Fatalf("unexpected state error: %v", err)
	}

	registry.Shutdown()

	snapshot, ok := store.snapshot("doc-1")
	if !ok {
		t.Fatalf("expected a snapshot persisted on shutdown")
	}
	payload, err := stateNode(t, snapshot, "node-1")
	if err != nil {
		t.Fatalf("expected the edit in the snapshot: %v", err)
	}
	if payload != "payload-1" {
		t.Fatalf("unexpected payload: %s", payload)
	}
}
