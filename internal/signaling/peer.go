package signaling

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// peerState is the state machine from SPEC_FULL.md §4.1:
// connecting -> joined -> leaving -> closed. Once closed, a session_id is
// never reused.
type peerState int32

const (
	stateConnecting peerState = iota
	stateJoined
	stateLeaving
	stateClosed
)

// Peer is one connected browser session. It holds only a room_id (an
// identifier, not a pointer to the *Room), so the peer/room graph has no
// ownership cycle (SPEC_FULL.md §9).
type Peer struct {
	sessionID  string
	roomID     string
	deviceName string
	joinedAt   time.Time

	conn    *websocket.Conn
	send    chan []byte
	writeMu sync.Mutex // serializes conn.WriteMessage between writePump and notifyOverflow

	mu       sync.Mutex
	state    peerState
	lastSeen time.Time

	closeOnce sync.Once
	closed    chan struct{}
}

func newPeer(sessionID, roomID, deviceName string, conn *websocket.Conn, sendQueueLen int) *Peer {
	now := time.Now()
	return &Peer{
		sessionID:  sessionID,
		roomID:     roomID,
		deviceName: deviceName,
		joinedAt:   now,
		conn:       conn,
		send:       make(chan []byte, sendQueueLen),
		state:      stateConnecting,
		lastSeen:   now,
		closed:     make(chan struct{}),
	}
}

func (p *Peer) touch() {
	p.mu.Lock()
	p.lastSeen = time.Now()
	p.mu.Unlock()
}

func (p *Peer) idleSince() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSeen
}

func (p *Peer) setState(s peerState) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *Peer) getState() peerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// enqueue attempts a non-blocking send; it reports false on backpressure
// overflow, which the caller treats as SPEC_FULL.md §4.1's
// send_buffer_exhausted close.
func (p *Peer) enqueue(b []byte) bool {
	select {
	case p.send <- b:
		return true
	default:
		return false
	}
}

// notifyOverflow best-effort delivers a send_buffer_exhausted error envelope
// ahead of a forced close. The channel is already full by definition when
// this is called, so it writes directly rather than going through enqueue,
// taking writeMu to stay a well-behaved co-writer with writePump. A short
// write deadline bounds this write itself; acquiring writeMu still waits for
// any write writePump has in progress, which carries no deadline.
func (p *Peer) notifyOverflow() {
	b, err := json.Marshal(errorEnvelope(ErrSendBufferExhausted, "send buffer exhausted"))
	if err != nil {
		return
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	_ = p.conn.WriteMessage(websocket.TextMessage, b)
	_ = p.conn.SetWriteDeadline(time.Time{})
}

// close is idempotent: the closed signal channel and the underlying
// connection are only torn down once regardless of how many error paths call
// it. The send channel is left open.
func (p *Peer) close() {
	p.closeOnce.Do(func() {
		p.setState(stateClosed)
		close(p.closed)
		_ = p.conn.Close()
	})
}

func (p *Peer) info() PeerInfo {
	return PeerInfo{SessionID: p.sessionID, DeviceName: p.deviceName, JoinedAt: p.joinedAt}
}
