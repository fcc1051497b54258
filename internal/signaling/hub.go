package signaling

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"dropmesh/internal/config"
	"dropmesh/internal/metrics"
)

// RoomAdmissionPolicy decides whether principal may join roomID. The
// default implementation admits any room id and defers entirely to the
// admission controller's per-IP/per-user tiers (SPEC_FULL.md §9's open
// question on P2P room-id scope).
type RoomAdmissionPolicy func(roomID string, principal Principal) bool

// AllowAnyRoom is the default RoomAdmissionPolicy.
func AllowAnyRoom(string, Principal) bool { return true }

// Principal is the identity the admission controller resolved for this
// connection, or the anonymous zero value.
type Principal struct {
	UserID      string
	IsAnonymous bool
	IPHash      string
}

// Hub owns the room registry. Room and peer state are in-memory and
// process-local; a restart wipes signaling state, which is acceptable
// because P2P sessions are short-lived (SPEC_FULL.md §4.1).
type Hub struct {
	cfg     config.Config
	logger  *zap.Logger
	policy  RoomAdmissionPolicy
	metrics *metrics.Metrics

	upgrader websocket.Upgrader

	mu       sync.Mutex
	rooms    map[string]*Room
	sessions map[string]string // sessionID -> roomID, for cross-room detection

	sessionSeq uint64
	seqMu      sync.Mutex

	closing   chan struct{}
	closeOnce sync.Once
}

// NewHub wires a Hub from the Signaling section of Config. m may be nil, in
// which case join/error counts are skipped.
func NewHub(cfg config.Config, logger *zap.Logger, policy RoomAdmissionPolicy, m *metrics.Metrics) *Hub {
	if policy == nil {
		policy = AllowAnyRoom
	}
	h := &Hub{
		cfg:      cfg,
		logger:   logger,
		policy:   policy,
		metrics:  m,
		rooms:    make(map[string]*Room),
		sessions: make(map[string]string),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		closing: make(chan struct{}),
	}
	go h.reap()
	return h
}

// Close stops the background reaper. Individual peers are closed as their
// connections drop; Close does not forcibly disconnect live peers.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.closing) })
}

func (h *Hub) nextSessionID() string {
	h.seqMu.Lock()
	defer h.seqMu.Unlock()
	h.sessionSeq++
	return formatSessionID(h.sessionSeq)
}

// RoomCount reports the number of live rooms, for metrics/tests.
func (h *Hub) RoomCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

// PeerCount reports the number of sessions currently attached to a room,
// across the whole hub, for metrics/tests.
func (h *Hub) PeerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

func (h *Hub) recordError(code string) {
	if h.metrics != nil {
		h.metrics.SignalingErrorsTotal.WithLabelValues(code).Inc()
	}
}

func (h *Hub) getOrCreateRoom(roomID string) (*Room, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if room, ok := h.rooms[roomID]; ok {
		return room, true
	}
	if len(h.rooms) >= h.cfg.Signaling.MaxRooms {
		return nil, false
	}
	room := newRoom(roomID, h.cfg.Signaling.MaxPeersPerRoom)
	h.rooms[roomID] = room
	return room, true
}

// dropRoomIfEmpty garbage-collects a room immediately once its last peer
// leaves (SPEC_FULL.md §4.1).
func (h *Hub) dropRoomIfEmpty(roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if room, ok := h.rooms[roomID]; ok && room.len() == 0 {
		delete(h.rooms, roomID)
	}
}

func (h *Hub) registerSession(sessionID, roomID string) {
	h.mu.Lock()
	h.sessions[sessionID] = roomID
	h.mu.Unlock()
}

func (h *Hub) unregisterSession(sessionID string) {
	h.mu.Lock()
	delete(h.sessions, sessionID)
	h.mu.Unlock()
}

// roomOf reports which room a session belongs to, across the whole hub, so
// handleDirected can tell "unknown everywhere" from "known but elsewhere".
func (h *Hub) roomOf(sessionID string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	roomID, ok := h.sessions[sessionID]
	return roomID, ok
}

// ServeWS upgrades the HTTP request to a websocket connection and runs the
// peer's read/write pumps until it disconnects. principal has already been
// resolved by the admission controller/auth middleware.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, principal Principal) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	conn.SetReadLimit(int64(h.cfg.Signaling.MaxFrameBytes))

	session := &connSession{
		hub:       h,
		conn:      conn,
		principal: principal,
	}
	session.run()
	return nil
}

// connSession tracks the per-connection state before/after it has joined a
// room (a connection may join at most one room per spec.md's model).
type connSession struct {
	hub       *Hub
	conn      *websocket.Conn
	principal Principal

	mu   sync.Mutex
	peer *Peer
	room *Room
}

func (s *connSession) run() {
	defer s.teardown()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				s.writeError(ErrFrameTooLarge, "frame exceeds max_frame_bytes")
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.writeError(ErrValidationFailed, "malformed envelope")
			continue
		}

		if p := s.currentPeer(); p != nil {
			p.touch()
		}

		switch env.Type {
		case TypeJoinRoom:
			s.handleJoin(env)
		case TypeWebRTCOffer, TypeWebRTCAnswer, TypeICECandidate:
			s.handleDirected(env)
		case TypeLeaveRoom:
			return // teardown() handles peer_left broadcast and cleanup
		case TypePing:
			s.writeDirect(Envelope{Type: TypePong})
		default:
			s.writeError(ErrValidationFailed, "unknown message type")
		}
	}
}

// writeError sends an error envelope and records it against the hub's
// signaling error counter, by code.
func (s *connSession) writeError(code, message string) {
	s.hub.recordError(code)
	s.writeDirect(errorEnvelope(code, message))
}

func (s *connSession) currentPeer() *Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer
}

func (s *connSession) handleJoin(env Envelope) {
	s.mu.Lock()
	if s.peer != nil {
		s.mu.Unlock()
		s.writeError(ErrValidationFailed, "already joined a room")
		return
	}
	s.mu.Unlock()

	if env.RoomID == "" {
		s.writeError(ErrValidationFailed, "room_id is required")
		return
	}
	if !s.hub.policy(env.RoomID, s.principal) {
		s.writeError(ErrValidationFailed, "room not permitted by policy")
		return
	}

	room, ok := s.hub.getOrCreateRoom(env.RoomID)
	if !ok {
		s.writeError(ErrValidationFailed, "room capacity exhausted")
		return
	}

	sessionID := s.hub.nextSessionID()
	peer := newPeer(sessionID, env.RoomID, env.DeviceName, s.conn, s.hub.cfg.Signaling.SendQueueLen)

	existing := room.snapshot()
	if !room.add(peer) {
		s.writeError(ErrValidationFailed, "room full")
		return
	}
	peer.setState(stateJoined)
	s.hub.registerSession(sessionID, env.RoomID)

	s.mu.Lock()
	s.peer = peer
	s.room = room
	s.mu.Unlock()

	if s.hub.metrics != nil {
		s.hub.metrics.SignalingJoinsTotal.Inc()
	}

	infos := make([]PeerInfo, 0, len(existing))
	for _, p := range existing {
		infos = append(infos, p.info())
	}
	s.writeDirect(Envelope{Type: TypeJoined, SessionID: sessionID, Peers: infos})

	room.broadcastExcept(sessionID, func(*Peer) []byte {
		b, _ := json.Marshal(Envelope{Type: TypePeerJoined, SessionID: sessionID, DeviceName: peer.deviceName, JoinedAt: peer.joinedAt})
		return b
	})

	go s.writePump(peer)
}

// handleDirected forwards webrtc_offer/webrtc_answer/ice_candidate to
// target_session verbatim, stamping sender_session, and applies the
// routing rules from SPEC_FULL.md §4.1: unknown peer in the same room is
// dropped with unknown_peer, a target in a different room is
// cross_room_forbidden.
func (s *connSession) handleDirected(env Envelope) {
	sender := s.currentPeer()
	if sender == nil {
		s.writeError(ErrValidationFailed, "must join a room first")
		return
	}
	s.mu.Lock()
	room := s.room
	s.mu.Unlock()

	target, ok := room.get(env.TargetSession)
	if !ok {
		if otherRoom, known := s.hub.roomOf(env.TargetSession); known && otherRoom != room.id {
			s.writeError(ErrCrossRoomForbidden, "target_session is in a different room")
			return
		}
		s.writeError(ErrUnknownPeer, "target_session not found")
		return
	}
	env.SenderSession = sender.sessionID
	env.TargetSession = ""
	env.SessionID = ""
	env.JoinedAt = time.Time{}
	b, _ := json.Marshal(env)
	if !target.enqueue(b) {
		s.hub.recordError(ErrSendBufferExhausted)
		target.notifyOverflow()
		target.close()
		return
	}
}

// writeDirect writes env straight to the connection, bypassing the send
// queue — used for replies to the session's own messages (errors, pong,
// joined) rather than fan-out from other peers. Once joined, writePump
// becomes a second writer for the same conn, so this takes the peer's
// writeMu too.
func (s *connSession) writeDirect(env Envelope) {
	b, err := json.Marshal(env)
	if err != nil {
		return
	}
	if p := s.currentPeer(); p != nil {
		p.writeMu.Lock()
		defer p.writeMu.Unlock()
	}
	_ = s.conn.WriteMessage(websocket.TextMessage, b)
}

// writePump drains the peer's send queue onto the connection. It shares the
// connection with writeDirect and notifyOverflow, and every one of them holds
// the peer's writeMu around conn.WriteMessage, since gorilla/websocket
// connections are not safe for concurrent writers.
func (s *connSession) writePump(p *Peer) {
	for {
		select {
		case b, ok := <-p.send:
			if !ok {
				return
			}
			p.writeMu.Lock()
			err := p.conn.WriteMessage(websocket.TextMessage, b)
			p.writeMu.Unlock()
			if err != nil {
				p.close()
				return
			}
		case <-p.closed:
			return
		}
	}
}

func (s *connSession) teardown() {
	s.mu.Lock()
	peer, room := s.peer, s.room
	s.mu.Unlock()

	if peer == nil || room == nil {
		return
	}
	peer.setState(stateLeaving)
	room.remove(peer.sessionID)
	s.hub.unregisterSession(peer.sessionID)
	peer.setState(stateClosed)
	peer.close()

	room.broadcastExcept(peer.sessionID, func(*Peer) []byte {
		b, _ := json.Marshal(Envelope{Type: TypePeerLeft, SessionID: peer.sessionID})
		return b
	})

	s.hub.dropRoomIfEmpty(room.id)
}

// reap closes peers idle for longer than IdleTimeout, every HeartbeatEvery
// (SPEC_FULL.md §4.1), a ticker-driven sweep over a snapshot of live peers.
func (h *Hub) reap() {
	interval := h.cfg.Signaling.HeartbeatEvery
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.closing:
			return
		case <-ticker.C:
			h.sweepIdlePeers()
		}
	}
}

func (h *Hub) sweepIdlePeers() {
	idleTimeout := h.cfg.Signaling.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = 60 * time.Second
	}
	cutoff := time.Now().Add(-idleTimeout)

	h.mu.Lock()
	rooms := make([]*Room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.mu.Unlock()

	for _, room := range rooms {
		for _, p := range room.snapshot() {
			if p.idleSince().Before(cutoff) {
				p.close() // triggers ReadMessage error in run(), teardown follows
			}
		}
	}
}

func formatSessionID(n uint64) string {
	return "sess-" + strconv.FormatUint(n, 10)
}
