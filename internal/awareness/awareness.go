// Package awareness tracks ephemeral per-client presence. Entries are never
// persisted; they live exactly as long as the connection that owns them.
package awareness

import (
	"sync"

	"github.com/ensemble-studio/ensemble/internal/protocol"
)

// Entry is one client's presence state.
type Entry struct {
	ClientID  string
	UserID    string
	UserName  string
	Cursor    *protocol.Cursor
	Selection string
}

// ChangeFunc observes a single entry change. removed is true when the entry
// was cleared rather than updated.
type ChangeFunc func(entry Entry, removed bool)

// Table holds the presence entries of one document, keyed by client id.
// Every update it receives is delivered to observers; coalescing fast cursor
// movement is the transport's concern, not the table's.
type Table struct {
	mu        sync.Mutex
	entries   map[string]Entry
	observers []ChangeFunc
}

// NewTable returns an empty presence table.
func NewTable() *Table {
	return &Table{entries: make(map[string]Entry)}
}

// Set stores or replaces the entry for its client id and notifies observers.
func (t *Table) Set(entry Entry) {
	if entry.ClientID == "" {
		return
	}
	t.mu.Lock()
	t.entries[entry.ClientID] = entry
	observers := append([]ChangeFunc(nil), t.observers...)
	t.mu.Unlock()
	for _, observe := range observers {
		observe(entry, false)
	}
}

// Clear removes the entry for a client id, notifying observers when an entry
// actually existed.
func (t *Table) Clear(clientID string) {
	t.mu.Lock()
	entry, existed := t.entries[clientID]
	if existed {
		delete(t.entries, clientID)
	}
	observers := append([]ChangeFunc(nil), t.observers...)
	t.mu.Unlock()
	if !existed {
		return
	}
	for _, observe := range observers {
		observe(entry, true)
	}
}

// Entries returns a snapshot of all current entries.
func (t *Table) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	entries := make([]Entry, 0, len(t.entries))
	for _, entry := range t.entries {
		entries = append(entries, entry)
	}
	return entries
}

// OnChange registers an observer for every subsequent entry change.
func (t *Table) OnChange(observe ChangeFunc) {
	if observe == nil {
		return
	}
	t.mu.Lock()
	t.observers = append(t.observers, observe)
	t.mu.Unlock()
}

// FromPresence converts a decoded presence frame into a table entry.
func FromPresence(presence protocol.Presence) Entry {
	return Entry{
		ClientID:  presence.ClientID,
		UserID:    presence.UserID,
		UserName:  presence.UserName,
		Cursor:    presence.Cursor,
		Selection: presence.Selection,
	}
}

// ToPresence converts an entry back into its wire representation.
func ToPresence(entry Entry) protocol.Presence {
	return protocol.Presence{
		ClientID:  entry.ClientID,
		UserID:    entry.UserID,
		UserName:  entry.UserName,
		Cursor:    entry.Cursor,
		Selection: entry.Selection,
	}
}
