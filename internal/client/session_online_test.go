package client

import (
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ensemble-studio/ensemble/internal/access"
	"github.com/ensemble-studio/ensemble/internal/auth"
	"github.com/ensemble-studio/ensemble/internal/replica"
	"github.com/ensemble-studio/ensemble/internal/room"
	"github.com/ensemble-studio/ensemble/internal/server"
)

const (
	relaySigningSecret = "test-signing-secret"
	relayCookieName    = "ensemble_session"
	relayIssuer        = "ensemble-relay"
)

type relayHarness struct {
	server *httptest.Server
	db     *gorm.DB
}

func newRelayHarness(t *testing.T) *relayHarness {
	t.Helper()

	dsn := fmt.Sprintf("file:client_relay_%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&room.DocumentSnapshot{},
		&access.Project{},
		&access.Membership{},
		&access.OrgMembership{},
		&access.Invite{},
		&access.Identity{},
	); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	sessions, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(relaySigningSecret),
		Issuer:        relayIssuer,
		CookieName:    relayCookieName,
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}

	gate, err := access.NewGate(access.GateConfig{
		Database:      db,
		IDProvider:    access.NewUUIDProvider(),
		TokenProvider: access.NewRandomTokenProvider(),
	})
	if err != nil {
		t.Fatalf("failed to construct gate: %v", err)
	}

	store, err := room.NewGormSnapshotStore(db, time.Now)
	if err != nil {
		t.Fatalf("failed to construct snapshot store: %v", err)
	}
	registry, err := room.NewRegistry(room.RegistryConfig{
		Store:           store,
		PersistInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to construct registry: %v", err)
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions: sessions,
		Gate:     gate,
		Registry: registry,
		Logger:   zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}

	relay := httptest.NewServer(handler)
	t.Cleanup(func() {
		relay.Close()
		registry.Shutdown()
	})
	return &relayHarness{server: relay, db: db}
}

func (h *relayHarness) wsURL() string {
	return "ws" + strings.TrimPrefix(h.server.URL, "http")
}

func (h *relayHarness) seedProject(t *testing.T, projectID, ownerID string) {
	t.Helper()
	if err := h.db.Create(&access.Project{ProjectID: projectID, OwnerUserID: ownerID}).Error; err != nil {
		t.Fatalf("failed to seed project: %v", err)
	}
}

func (h *relayHarness) grantEditor(t *testing.T, projectID, userID string) {
	t.Helper()
	if err := h.db.Create(&access.Membership{ProjectID: projectID, UserID: userID, Role: "editor"}).Error; err != nil {
		t.Fatalf("failed to seed membership: %v", err)
	}
}

func relayToken(t *testing.T, userID, displayName string) string {
	t.Helper()
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.SessionClaims{
		UserID:          userID,
		UserDisplayName: displayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    relayIssuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	})
	signed, err := token.SignedString([]byte(relaySigningSecret))
	if err != nil {
		t.Fatalf("failed to sign session token: %v", err)
	}
	return signed
}

func newNamedCache(t *testing.T, name string) *Cache {
	t.Helper()
	dsn := fmt.Sprintf("file:client_cache_%s_%s?mode=memory&cache=shared", t.Name(), name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	cache, err := NewCache(db, time.Now)
	if err != nil {
		t.Fatalf("failed to construct cache: %v", err)
	}
	return cache
}

func newRelaySession(t *testing.T, h *relayHarness, documentID, userID, displayName string) (*Session, *Cache) {
	t.Helper()
	cache := newNamedCache(t, userID)
	session, err := NewSession(context.Background(), SessionConfig{
		ServerURL:         h.wsURL(),
		DocumentID:        documentID,
		Scope:             userID,
		Cache:             cache,
		SessionCookieName: relayCookieName,
		SessionToken:      relayToken(t, userID, displayName),
		UserID:            userID,
		UserName:          displayName,
	})
	if err != nil {
		t.Fatalf("failed to construct session: %v", err)
	}
	t.Cleanup(session.Close)
	return session, cache
}

func waitUntil(t *testing.T, what string, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func nodeValue(s *Session, nodeID string) string {
	var value string
	s.Read(func(rep *replica.Replica) {
		value, _ = rep.Node(nodeID)
	})
	return value
}

func TestSessionAttachReceivesExistingState(t *testing.T) {
	harness := newRelayHarness(t)
	harness.seedProject(t, "doc-1", "user-a")
	harness.grantEditor(t, "doc-1", "user-b")

	owner, _ := newRelaySession(t, harness, "doc-1", "user-a", "Ada")
	owner.Connect()
	waitUntil(t, "owner attach", func() bool { return owner.State() == StateAttached })

	if err := owner.Edit(func(rep *replica.Replica) error {
		return rep.SetNode("node-1", "payload-1")
	}); err != nil {
		t.Fatalf("unexpected edit error: %v", err)
	}

	// A session connecting later starts from the server's merged state.
	peer, _ := newRelaySession(t, harness, "doc-1", "user-b", "Grace")
	peer.Connect()
	waitUntil(t, "peer attach", func() bool { return peer.State() == StateAttached })
	waitUntil(t, "peer convergence", func() bool { return nodeValue(peer, "node-1") == "payload-1" })
}

func TestRemoteDeltasConvergeWithoutEchoingBack(t *testing.T) {
	harness := newRelayHarness(t)
	harness.seedProject(t, "doc-1", "user-a")
	harness.grantEditor(t, "doc-1", "user-b")

	owner, _ := newRelaySession(t, harness, "doc-1", "user-a", "Ada")
	var ownerChanges atomic.Int32
	owner.OnChange(func() { ownerChanges.Add(1) })
	owner.Connect()
	waitUntil(t, "owner attach", func() bool { return owner.State() == StateAttached })

	peer, _ := newRelaySession(t, harness, "doc-1", "user-b", "Grace")
	peer.Connect()
	waitUntil(t, "peer attach", func() bool { return peer.State() == StateAttached })

	if err := owner.Edit(func(rep *replica.Replica) error {
		return rep.SetNode("node-1", "payload-1")
	}); err != nil {
		t.Fatalf("unexpected edit error: %v", err)
	}
	waitUntil(t, "peer convergence", func() bool { return nodeValue(peer, "node-1") == "payload-1" })

	// The relay excludes the sender from the broadcast, so the owner sees
	// exactly two changes: its own attach and its own edit.
	time.Sleep(200 * time.Millisecond)
	if changes := ownerChanges.Load(); changes != 2 {
		t.Fatalf("expected no echoed changes on the sender, got %d", changes)
	}
}

func TestOfflineEditsSurviveFirstConnect(t *testing.T) {
	harness := newRelayHarness(t)
	harness.seedProject(t, "doc-1", "user-a")
	harness.grantEditor(t, "doc-1", "user-b")

	peer, _ := newRelaySession(t, harness, "doc-1", "user-b", "Grace")
	peer.Connect()
	waitUntil(t, "peer attach", func() bool { return peer.State() == StateAttached })

	// A brand-new session that has never connected and never had a cached
	// mirror edits while offline, then connects for the first time.
	owner, ownerCache := newRelaySession(t, harness, "doc-1", "user-a", "Ada")
	if err := owner.Edit(func(rep *replica.Replica) error {
		return rep.SetNode("node-1", "offline payload")
	}); err != nil {
		t.Fatalf("unexpected edit error: %v", err)
	}

	owner.Connect()
	waitUntil(t, "owner attach", func() bool { return owner.State() == StateAttached })
	waitUntil(t, "offline edit propagation", func() bool {
		return nodeValue(peer, "node-1") == "offline payload"
	})

	// The edit survives on the session itself and in its local mirror.
	if value := nodeValue(owner, "node-1"); value != "offline payload" {
		t.Fatalf("expected the offline edit to survive attach, got %q", value)
	}
	mirrored, err := ownerCache.Load(context.Background(), "user-a", "doc-1")
	if err != nil {
		t.Fatalf("expected a mirrored snapshot: %v", err)
	}
	rep, err := replica.Load(mirrored)
	if err != nil {
		t.Fatalf("mirrored snapshot unreadable: %v", err)
	}
	if value, err := rep.Node("node-1"); err != nil || value != "offline payload" {
		t.Fatalf("expected the offline edit in the mirror, got %q %v", value, err)
	}
}
