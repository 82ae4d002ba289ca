package access

import (
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func mustProjectID(t *testing.T, value string) ProjectID {
	t.Helper()
	id, err := NewProjectID(value)
	if err != nil {
		t.Fatalf("unexpected project id error: %v", err)
	}
	return id
}

func mustUserID(t *testing.T, value string) UserID {
	t.Helper()
	id, err := NewUserID(value)
	if err != nil {
		t.Fatalf("unexpected user id error: %v", err)
	}
	return id
}

func mustRole(t *testing.T, value string) Role {
	t.Helper()
	role, err := NewRole(value)
	if err != nil {
		t.Fatalf("unexpected role error: %v", err)
	}
	return role
}

type staticIDGenerator struct {
	ids   []string
	index int
}

func (g *staticIDGenerator) NewID() (string, error) {
	if g.index >= len(g.ids) {
		return "", errors.New("exhausted ids")
	}
	id := g.ids[g.index]
	g.index++
	return id, nil
}

type staticTokenGenerator struct {
	tokens []string
	index  int
}

func (g *staticTokenGenerator) NewToken() (string, error) {
	if g.index >= len(g.tokens) {
		return "", errors.New("exhausted tokens")
	}
	token := g.tokens[g.index]
	g.index++
	return token, nil
}

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time {
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func newTestGate(t *testing.T, ids, tokens []string) (*Gate, *gorm.DB, *testClock) {
	t.Helper()

	dsn := fmt.Sprintf("file:access_test_%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Project{}, &Membership{}, &OrgMembership{}, &Invite{}, &Identity{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	clock := &testClock{now: time.Unix(1700000000, 0).UTC()}
	gate, err := NewGate(GateConfig{
		Database:      db,
		Clock:         clock.Now,
		IDProvider:    &staticIDGenerator{ids: ids},
		TokenProvider: &staticTokenGenerator{tokens: tokens},
	})
	if err != nil {
		t.Fatalf("failed to construct gate: %v", err)
	}
	return gate, db, clock
}

func seedProject(t *testing.T, db *gorm.DB, projectID, ownerID string) {
	t.Helper()
	if err := db.Create(&Project{ProjectID: projectID, OwnerUserID: ownerID}).Error; err != nil {
		t.Fatalf("failed to seed project: %v", err)
	}
}
