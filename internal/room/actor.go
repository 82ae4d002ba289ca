package room

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/ensemble-studio/ensemble/internal/access"
	"github.com/ensemble-studio/ensemble/internal/awareness"
	"github.com/ensemble-studio/ensemble/internal/protocol"
	"github.com/ensemble-studio/ensemble/internal/replica"
)

// DefaultPersistInterval is the documented default snapshot cadence.
const DefaultPersistInterval = 60 * time.Second

// ErrActorStopped indicates the actor has shut down and accepts no work.
var ErrActorStopped = errors.New("room: actor stopped")

// Conn is a relay connection attached to an actor. Send must not block the
// caller: implementations enqueue on a buffered channel and report an error
// once the connection is unusable.
type Conn interface {
	ClientID() string
	UserID() string
	UserName() string
	Role() access.Role
	Send(frame []byte) error
	Close()
}

type inboundFrame struct {
	conn Conn
	raw  []byte
}

// Actor is the single authoritative instance for one document. Every
// attach/receive/detach/timer callback is serialized through its run loop,
// so replica mutation never races.
type Actor struct {
	documentID string
	rep        *replica.Replica
	store      SnapshotStore
	presence   *awareness.Table
	logger     *zap.Logger
	interval   time.Duration
	onIdle     func(documentID string)

	conns map[Conn]bool

	attachCh  chan Conn
	detachCh  chan Conn
	inboundCh chan inboundFrame
	deleteCh  chan chan error
	stopCh    chan chan struct{}
	stopped   chan struct{}
}

// ActorConfig describes the dependencies of a room actor.
type ActorConfig struct {
	DocumentID      string
	Store           SnapshotStore
	Logger          *zap.Logger
	PersistInterval time.Duration
	// OnIdle is invoked from the run loop right before the actor stops
	// because a timer tick found no attached connections.
	OnIdle func(documentID string)
}

// NewActor performs the cold start for a document: the last snapshot is
// loaded when one exists, otherwise the actor begins from an empty replica.
// The run loop starts immediately.
func NewActor(ctx context.Context, cfg ActorConfig) (*Actor, error) {
	if cfg.DocumentID == "" {
		return nil, errors.New("room: document id is required")
	}
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

	var rep *replica.Replica
	snapshot, err := cfg.Store.Load(ctx, cfg.DocumentID)
	switch {
	case errors.Is(err, ErrSnapshotNotFound):
		rep = replica.New()
	case err != nil:
		return nil, err
	default:
		rep, err = replica.Load(snapshot)
		if err != nil {
			return nil, err
		}
	}

	actor := &Actor{
		documentID: cfg.DocumentID,
		rep:        rep,
		store:      cfg.Store,
		presence:   awareness.NewTable(),
		logger:     logger,
		interval:   interval,
		onIdle:     cfg.OnIdle,
		conns:      make(map[Conn]bool),
		attachCh:   make(chan Conn),
		detachCh:   make(chan Conn),
		inboundCh:  make(chan inboundFrame, 64),
		deleteCh:   make(chan chan error),
		stopCh:     make(chan chan struct{}),
		stopped:    make(chan struct{}),
	}
	go actor.run()
	return actor, nil
}

// DocumentID returns the document this actor owns.
func (a *Actor) DocumentID() string {
	return a.documentID
}

// Attach registers a connection. The connection's first frame is always the
// full current replica state, followed by the presence entries of every
// already-attached peer.
func (a *Actor) Attach(conn Conn) error {
	select {
	case a.attachCh <- conn:
		return nil
	case <-a.stopped:
		return ErrActorStopped
	}
}

// Detach removes a closed or erroring connection. Safe to call regardless of
// actor state.
func (a *Actor) Detach(conn Conn) {
	select {
	case a.detachCh <- conn:
	case <-a.stopped:
	}
}

// Receive hands raw frame bytes from a connection to the actor.
func (a *Actor) Receive(conn Conn, raw []byte) {
	select {
	case a.inboundCh <- inboundFrame{conn: conn, raw: raw}:
	case <-a.stopped:
	}
}

// Delete clears the document's collections in one commit, broadcasts the
// clearing delta, persists the cleared snapshot immediately, and disconnects
// every attached session. The actor stops afterwards.
func (a *Actor) Delete(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case a.deleteCh <- reply:
	case <-a.stopped:
		return nil
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop persists a final snapshot and halts the run loop. Used on process
// shutdown; attached connections are closed.
func (a *Actor) Stop() {
	reply := make(chan struct{})
	select {
	case a.stopCh <- reply:
		<-reply
	case <-a.stopped:
	}
}

// FullState returns the current replica serialization. Served through the
// run loop so it never observes a half-applied delta.
func (a *Actor) FullState() ([]byte, error) {
	conn := &stateProbe{frames: make(chan []byte, 1)}
	if err := a.Attach(conn); err != nil {
		return nil, err
	}
	defer a.Detach(conn)
	select {
	case frame := <-conn.frames:
		decoded, err := protocol.Decode(frame)
		if err != nil {
			return nil, err
		}
		return decoded.Payload, nil
	case <-a.stopped:
		return nil, ErrActorStopped
	}
}

func (a *Actor) run() {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case conn := <-a.attachCh:
			a.handleAttach(conn)
		case conn := <-a.detachCh:
			a.handleDetach(conn)
		case frame := <-a.inboundCh:
			a.handleInbound(frame)
		case <-ticker.C:
			a.persist()
			if len(a.conns) == 0 {
				close(a.stopped)
				if a.onIdle != nil {
					a.onIdle(a.documentID)
				}
				return
			}
		case reply := <-a.deleteCh:
			reply <- a.handleDelete()
			close(a.stopped)
			return
		case reply := <-a.stopCh:
			a.persist()
			for conn := range a.conns {
				conn.Close()
			}
			close(a.stopped)
			close(reply)
			return
		}
	}
}

func (a *Actor) handleAttach(conn Conn) {
	a.conns[conn] = true

	if err := conn.Send(protocol.Encode(protocol.FrameFullState, a.rep.Save())); err != nil {
		a.logger.Warn("full state send failed",
			zap.String("document_id", a.documentID),
			zap.String("client_id", conn.ClientID()),
			zap.Error(err))
		a.dropConn(conn)
		return
	}

	// Replay current presence so the joiner renders peers immediately.
	for _, entry := range a.presence.Entries() {
		frame, err := protocol.EncodePresence(awareness.ToPresence(entry))
		if err != nil {
			continue
		}
		if err := conn.Send(frame); err != nil {
			a.dropConn(conn)
			return
		}
	}
}

func (a *Actor) handleDetach(conn Conn) {
	if _, attached := a.conns[conn]; !attached {
		return
	}
	a.dropConn(conn)
}

// dropConn removes bookkeeping for a connection, clears its presence entry,
// and announces the departure to the remaining peers.
func (a *Actor) dropConn(conn Conn) {
	delete(a.conns, conn)
	conn.Close()

	clientID := conn.ClientID()
	if clientID == "" {
		return
	}
	a.presence.Clear(clientID)
	frame, err := protocol.EncodePresence(protocol.Presence{ClientID: clientID, Left: true})
	if err != nil {
		return
	}
	a.broadcast(frame, nil)
}

func (a *Actor) handleInbound(inbound inboundFrame) {
	frame, err := protocol.Decode(inbound.raw)
	if err != nil {
		a.logger.Warn("malformed frame dropped",
			zap.String("document_id", a.documentID),
			zap.String("client_id", inbound.conn.ClientID()),
			zap.Error(err))
		return
	}

	switch frame.Kind {
	case protocol.FrameDelta:
		a.handleDelta(inbound.conn, inbound.raw, frame.Payload)
	case protocol.FramePresence:
		a.handlePresence(inbound.conn, inbound.raw, frame.Payload)
	default:
		a.logger.Warn("unexpected frame kind from client dropped",
			zap.String("document_id", a.documentID),
			zap.String("client_id", inbound.conn.ClientID()))
	}
}

func (a *Actor) handleDelta(conn Conn, raw []byte, delta []byte) {
	if !conn.Role().CanWrite() {
		a.logger.Warn("delta from read-only connection dropped",
			zap.String("document_id", a.documentID),
			zap.String("client_id", conn.ClientID()),
			zap.String("role", conn.Role().String()))
		return
	}
	if err := a.rep.ApplyDelta(delta); err != nil {
		// Fail-soft: a corrupt frame must not take the room down or even
		// cost the sender its connection.
		a.logger.Warn("malformed delta dropped",
			zap.String("document_id", a.documentID),
			zap.String("client_id", conn.ClientID()),
			zap.Error(err))
		return
	}
	a.broadcast(raw, conn)
}

func (a *Actor) handlePresence(conn Conn, raw []byte, payload []byte) {
	presence, err := protocol.DecodePresence(payload)
	if err != nil {
		a.logger.Warn("malformed presence dropped",
			zap.String("document_id", a.documentID),
			zap.String("client_id", conn.ClientID()),
			zap.Error(err))
		return
	}
	if presence.ClientID != conn.ClientID() {
		// A client may only publish its own entry.
		return
	}
	if presence.Left {
		a.presence.Clear(presence.ClientID)
	} else {
		a.presence.Set(awareness.FromPresence(presence))
	}
	a.broadcast(raw, conn)
}

// broadcast delivers a frame to every attached connection except the sender.
// Send failures are isolated per connection: the failing peer is detached
// and delivery continues to the rest.
func (a *Actor) broadcast(frame []byte, sender Conn) {
	var failed []Conn
	for conn := range a.conns {
		if conn == sender {
			continue
		}
		if err := conn.Send(frame); err != nil {
			a.logger.Warn("broadcast send failed",
				zap.String("document_id", a.documentID),
				zap.String("client_id", conn.ClientID()),
				zap.Error(err))
			failed = append(failed, conn)
		}
	}
	for _, conn := range failed {
		a.dropConn(conn)
	}
}

// persist writes the current snapshot unconditionally. On failure the
// in-memory replica stays authoritative and the next tick retries.
func (a *Actor) persist() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.store.Save(ctx, a.documentID, a.rep.Save()); err != nil {
		a.logger.Error("snapshot persist failed",
			zap.String("document_id", a.documentID),
			zap.Error(err))
	}
}

func (a *Actor) handleDelete() error {
	clearDelta, err := a.rep.Clear()
	if err != nil {
		return err
	}
	if len(clearDelta) > 0 {
		a.broadcast(protocol.Encode(protocol.FrameDelta, clearDelta), nil)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	saveErr := a.store.Save(ctx, a.documentID, a.rep.Save())

	for conn := range a.conns {
		conn.Close()
	}
	a.conns = make(map[Conn]bool)
	return saveErr
}

// stateProbe is an internal one-shot connection used by FullState to read
// the authoritative serialization through the actor's own loop.
type stateProbe struct {
	frames chan []byte
}

func (p *stateProbe) ClientID() string  { return "" }
func (p *stateProbe) UserID() string    { return "" }
func (p *stateProbe) UserName() string  { return "" }
func (p *stateProbe) Role() access.Role { return access.RoleViewer }
func (p *stateProbe) Close()            {}

func (p *stateProbe) Send(frame []byte) error {
	select {
	case p.frames <- frame:
	default:
	}
	return nil
}
