package client

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ensemble-studio/ensemble/internal/awareness"
	"github.com/ensemble-studio/ensemble/internal/protocol"
	"github.com/ensemble-studio/ensemble/internal/replica"
)

// State is the sync session's connection state.
type State string

const (
	// StateDisconnected means no relay connection exists.
	StateDisconnected State = "disconnected"
	// StateConnecting means a dial or handshake is in flight.
	StateConnecting State = "connecting"
	// StateAttached means the session is live on the relay.
	StateAttached State = "attached"
)

const (
	backoffInitial = 500 * time.Millisecond
	backoffMax     = 30 * time.Second
	dialTimeout    = 10 * time.Second
	writeTimeout   = 10 * time.Second
)

// ErrSessionClosed indicates the session has been shut down.
var ErrSessionClosed = errors.New("client: session closed")

// SessionConfig describes a client sync session.
type SessionConfig struct {
	// ServerURL is the relay base, e.g. "ws://localhost:8080".
	ServerURL  string
	DocumentID string
	// Scope is the ownership scope the local cache is keyed under; an
	// anonymous scope keeps pre-authentication documents recoverable.
	Scope string
	Cache *Cache
	// SessionCookieName and SessionToken authenticate the dial.
	SessionCookieName string
	SessionToken      string
	UserID            string
	UserName          string
	// ReadOnly suppresses all outbound document propagation. Set for
	// viewer-role sessions; the relay independently drops viewer deltas.
	ReadOnly bool
	Logger   *zap.Logger
	Clock    func() time.Time
	Dialer   *websocket.Dialer
}

// Session keeps a local replica convergent with the document's room actor
// while tolerating disconnects. The local cache mirrors the replica
// continuously, so a session that never reaches the network still holds a
// valid document.
type Session struct {
	cfg      SessionConfig
	clientID string
	logger   *zap.Logger
	clock    func() time.Time
	dialer   *websocket.Dialer

	mu            sync.Mutex
	rep           *replica.Replica
	hadLocalState bool
	pending       [][]byte
	state         State
	conn          *websocket.Conn
	writeMu       sync.Mutex

	// applyingRemote marks the window in which the session itself is the
	// cause of replica changes, so the local-edit path can tell a genuine
	// edit from the echo of a just-merged remote delta.
	applyingRemote atomic.Bool

	ownPresence awareness.Entry
	peers       *awareness.Table

	onState  func(State)
	onChange func()

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// NewSession builds a session, seeding the replica from the local cache when
// a mirror exists.
func NewSession(ctx context.Context, cfg SessionConfig) (*Session, error) {
	if cfg.DocumentID == "" {
		return nil, errors.New("client: document id is required")
	}
	if cfg.Cache == nil {
		return nil, errors.New("client: cache is required")
	}
	if cfg.Scope == "" {
		return nil, errors.New("client: ownership scope is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: dialTimeout}
	}

	session := &Session{
		cfg:      cfg,
		clientID: uuid.NewString(),
		logger:   logger,
		clock:    clock,
		dialer:   dialer,
		state:    StateDisconnected,
		peers:    awareness.NewTable(),
		closed:   make(chan struct{}),
	}
	session.ownPresence = awareness.Entry{
		ClientID: session.clientID,
		UserID:   cfg.UserID,
		UserName: cfg.UserName,
	}

	cached, err := cfg.Cache.Load(ctx, cfg.Scope, cfg.DocumentID)
	switch {
	case errors.Is(err, ErrCacheMiss):
		session.rep = replica.New()
	case err != nil:
		return nil, err
	default:
		rep, loadErr := replica.Load(cached)
		if loadErr != nil {
			// A corrupt mirror is disposable; the authoritative state
			// lives on the relay.
			logger.Warn("cached replica unreadable, starting empty",
				zap.String("document_id", cfg.DocumentID),
				zap.Error(loadErr))
			session.rep = replica.New()
		} else {
			session.rep = rep
			session.hadLocalState = true
		}
	}
	return session, nil
}

// ClientID returns the session's locally-unique client identifier.
func (s *Session) ClientID() string {
	return s.clientID
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnState registers a callback for connection-state transitions.
func (s *Session) OnState(callback func(State)) {
	s.mu.Lock()
	s.onState = callback
	s.mu.Unlock()
}

// OnChange registers a callback fired after every replica change, local or
// remote.
func (s *Session) OnChange(callback func()) {
	s.mu.Lock()
	s.onChange = callback
	s.mu.Unlock()
}

// OnPresence registers an observer for peer presence changes.
func (s *Session) OnPresence(observe awareness.ChangeFunc) {
	s.peers.OnChange(observe)
}

// Peers returns the current presence entries of all peers.
func (s *Session) Peers() []awareness.Entry {
	return s.peers.Entries()
}

// Connect starts the maintain loop: dial, attach, pump inbound frames, and
// reconnect with exponential backoff until Close.
func (s *Session) Connect() {
	s.wg.Add(1)
	go s.maintain()
}

// Close stops the session, persisting a final mirror of the replica.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
	})
	s.wg.Wait()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.mirror(ctx)
}

// Edit applies a local mutation to the replica, mirrors it to the cache, and
// propagates the resulting delta when attached and not read-only. Deltas
// produced while disconnected or mid-remote-apply are queued and drained on
// the next opportunity; a reattach reconciles everything regardless.
func (s *Session) Edit(mutate func(rep *replica.Replica) error) error {
	select {
	case <-s.closed:
		return ErrSessionClosed
	default:
	}

	s.mu.Lock()
	if err := mutate(s.rep); err != nil {
		s.mu.Unlock()
		return err
	}
	// The replica now carries state worth keeping; an attach must merge the
	// server copy in rather than replace the replica with it.
	s.hadLocalState = true
	delta := s.rep.FlushDelta()
	snapshot := s.rep.Save()
	conn := s.conn
	sendable := s.state == StateAttached && conn != nil && !s.cfg.ReadOnly && !s.applyingRemote.Load()
	if len(delta) > 0 && !sendable && !s.cfg.ReadOnly {
		s.pending = append(s.pending, delta)
		delta = nil
	}
	onChange := s.onChange
	s.mu.Unlock()

	s.persistMirror(snapshot)

	if len(delta) > 0 && sendable {
		if err := s.writeFrame(conn, protocol.Encode(protocol.FrameDelta, delta)); err != nil {
			s.logger.Warn("delta send failed",
				zap.String("document_id", s.cfg.DocumentID),
				zap.Error(err))
		}
	}
	if onChange != nil {
		onChange()
	}
	return nil
}

// drainPending flushes queued local deltas onto a live connection.
func (s *Session) drainPending() {
	s.mu.Lock()
	conn := s.conn
	attached := s.state == StateAttached
	queued := s.pending
	s.pending = nil
	s.mu.Unlock()

	if !attached || conn == nil || s.cfg.ReadOnly {
		return
	}
	for _, delta := range queued {
		if err := s.writeFrame(conn, protocol.Encode(protocol.FrameDelta, delta)); err != nil {
			s.logger.Warn("queued delta send failed",
				zap.String("document_id", s.cfg.DocumentID),
				zap.Error(err))
			return
		}
	}
}

// Read runs fn against the replica under the session lock.
func (s *Session) Read(fn func(rep *replica.Replica)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.rep)
}

// SetCursor publishes the local cursor position.
func (s *Session) SetCursor(x, y float64) {
	s.mu.Lock()
	s.ownPresence.Cursor = &protocol.Cursor{X: x, Y: y}
	s.mu.Unlock()
	s.publishPresence(false)
}

// SetSelection publishes the local active-selection reference.
func (s *Session) SetSelection(ref string) {
	s.mu.Lock()
	s.ownPresence.Selection = ref
	s.mu.Unlock()
	s.publishPresence(false)
}

// ClearPresence withdraws the local presence entry from all peers.
func (s *Session) ClearPresence() {
	s.mu.Lock()
	s.ownPresence.Cursor = nil
	s.ownPresence.Selection = ""
	s.mu.Unlock()
	s.publishPresence(true)
}

func (s *Session) publishPresence(left bool) {
	s.mu.Lock()
	conn := s.conn
	attached := s.state == StateAttached
	presence := awareness.ToPresence(s.ownPresence)
	s.mu.Unlock()
	if !attached || conn == nil {
		return
	}
	presence.Left = left
	frame, err := protocol.EncodePresence(presence)
	if err != nil {
		return
	}
	if err := s.writeFrame(conn, frame); err != nil {
		s.logger.Debug("presence send failed", zap.Error(err))
	}
}

func (s *Session) maintain() {
	defer s.wg.Done()
	backoff := backoffInitial
	for {
		select {
		case <-s.closed:
			return
		default:
		}

		s.setState(StateConnecting)
		conn, err := s.dial()
		if err != nil {
			s.setState(StateDisconnected)
			s.logger.Debug("relay dial failed",
				zap.String("document_id", s.cfg.DocumentID),
				zap.Error(err))
			if !s.sleep(backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}

		backoff = backoffInitial
		s.serve(conn)
		s.setState(StateDisconnected)

		if !s.sleep(backoffInitial) {
			return
		}
	}
}

func (s *Session) dial() (*websocket.Conn, error) {
	header := http.Header{}
	if s.cfg.SessionCookieName != "" && s.cfg.SessionToken != "" {
		cookie := &http.Cookie{Name: s.cfg.SessionCookieName, Value: s.cfg.SessionToken}
		header.Set("Cookie", cookie.String())
	}
	conn, _, err := s.dialer.Dial(s.cfg.ServerURL+"/sync/"+s.cfg.DocumentID, header)
	return conn, err
}

// serve pumps inbound frames until the connection fails. The first frame is
// always the authoritative full state.
func (s *Session) serve(conn *websocket.Conn) {
	defer conn.Close()

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
	}()

	first := true
	for {
		select {
		case <-s.closed:
			return
		default:
		}

		messageType, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		frame, err := protocol.Decode(raw)
		if err != nil {
			s.logger.Warn("malformed inbound frame dropped", zap.Error(err))
			continue
		}

		if first {
			if frame.Kind != protocol.FrameFullState {
				s.logger.Warn("relay violated full-state-first, dropping connection")
				return
			}
			if err := s.attach(conn, frame.Payload); err != nil {
				s.logger.Warn("attach reconciliation failed", zap.Error(err))
				return
			}
			first = false
			continue
		}

		switch frame.Kind {
		case protocol.FrameDelta:
			s.applyRemoteDelta(frame.Payload)
		case protocol.FramePresence:
			s.applyRemotePresence(frame.Payload)
		case protocol.FrameFullState:
			// Not expected mid-stream, but merging it is harmless.
			s.applyRemoteDelta(frame.Payload)
		}
	}
}

// attach reconciles the server's full state with whatever is locally
// present. Local offline edits are offered back as one delta; the merge
// primitive deduplicates anything the server already has.
func (s *Session) attach(conn *websocket.Conn, fullState []byte) error {
	s.mu.Lock()
	var reconcile []byte
	if s.hadLocalState {
		s.applyingRemote.Store(true)
		err := s.rep.ApplyDelta(fullState)
		s.applyingRemote.Store(false)
		if err != nil {
			s.mu.Unlock()
			return err
		}
		reconcile = s.rep.Save()
	} else if len(fullState) > 0 {
		rep, err := replica.Load(fullState)
		if err != nil {
			s.mu.Unlock()
			return err
		}
		s.rep = rep
		s.hadLocalState = true
	}
	snapshot := s.rep.Save()
	// The full save carries any offline edits, so queued deltas are covered.
	s.pending = nil
	s.state = StateAttached
	onState := s.onState
	onChange := s.onChange
	s.mu.Unlock()

	s.persistMirror(snapshot)
	if onState != nil {
		onState(StateAttached)
	}
	if onChange != nil {
		onChange()
	}

	if len(reconcile) > 0 && !s.cfg.ReadOnly {
		if err := s.writeFrame(conn, protocol.Encode(protocol.FrameDelta, reconcile)); err != nil {
			return err
		}
	}
	s.publishPresence(false)
	return nil
}

// applyRemoteDelta merges inbound bytes under the applyingRemote flag so the
// local-change path never mistakes the echo of a remote delta for a fresh
// local edit.
func (s *Session) applyRemoteDelta(delta []byte) {
	s.applyingRemote.Store(true)
	s.mu.Lock()
	err := s.rep.ApplyDelta(delta)
	if err != nil {
		s.mu.Unlock()
		s.applyingRemote.Store(false)
		s.logger.Warn("remote delta rejected",
			zap.String("document_id", s.cfg.DocumentID),
			zap.Error(err))
		return
	}
	snapshot := s.rep.Save()
	onChange := s.onChange
	s.mu.Unlock()

	s.persistMirror(snapshot)
	if onChange != nil {
		// The guard stays up through the callback: a data-binding layer
		// writing remote values back into the model must not re-emit them.
		onChange()
	}
	s.applyingRemote.Store(false)
	s.drainPending()
}

func (s *Session) applyRemotePresence(payload []byte) {
	presence, err := protocol.DecodePresence(payload)
	if err != nil {
		s.logger.Debug("malformed presence dropped", zap.Error(err))
		return
	}
	if presence.ClientID == s.clientID {
		return
	}
	if presence.Left {
		s.peers.Clear(presence.ClientID)
		return
	}
	s.peers.Set(awareness.FromPresence(presence))
}

func (s *Session) writeFrame(conn *websocket.Conn, frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.BinaryMessage, frame)
}

// mirror writes the current replica through to the local cache.
func (s *Session) mirror(ctx context.Context) {
	s.mu.Lock()
	snapshot := s.rep.Save()
	s.mu.Unlock()
	if err := s.cfg.Cache.Save(ctx, s.cfg.Scope, s.cfg.DocumentID, snapshot); err != nil {
		s.logger.Warn("local mirror write failed",
			zap.String("document_id", s.cfg.DocumentID),
			zap.Error(err))
	}
}

func (s *Session) persistMirror(snapshot []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.cfg.Cache.Save(ctx, s.cfg.Scope, s.cfg.DocumentID, snapshot); err != nil {
		s.logger.Warn("local mirror write failed",
			zap.String("document_id", s.cfg.DocumentID),
			zap.Error(err))
	}
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	changed := s.state != state
	s.state = state
	onState := s.onState
	s.mu.Unlock()
	if changed && onState != nil {
		onState(state)
	}
}

func (s *Session) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-s.closed:
		return false
	}
}

func nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > backoffMax {
		return backoffMax
	}
	return next
}
