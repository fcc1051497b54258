package signaling

import "sync"

// Room is an ephemeral group of peer sessions sharing a room_id. Its peer
// set is guarded by its own mutex — fine-grained, per-room locking rather
// than one global lock across the registry (SPEC_FULL.md §5), the same
// shape used for guarding per-address connection lists in pooled-connection
// designs.
type Room struct {
	id       string
	maxPeers int

	mu    sync.Mutex
	peers map[string]*Peer
}

func newRoom(id string, maxPeers int) *Room {
	return &Room{id: id, maxPeers: maxPeers, peers: make(map[string]*Peer)}
}

// add registers peer if the room has capacity. Held only for an O(1)
// map write, never across I/O (SPEC_FULL.md §5's locking discipline).
func (r *Room) add(p *Peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.maxPeers > 0 && len(r.peers) >= r.maxPeers {
		return false
	}
	r.peers[p.sessionID] = p
	return true
}

func (r *Room) remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, sessionID)
}

func (r *Room) get(sessionID string) (*Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[sessionID]
	return p, ok
}

func (r *Room) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

// snapshot returns the current peers as a slice, safe to range over after
// the lock is released (SPEC_FULL.md §5: never hold a room lock across I/O,
// so fan-out enumerates a snapshot and sends outside the lock).
func (r *Room) snapshot() []*Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	return out
}

// broadcastExcept enqueues env on every peer in the room except the one
// identified by exceptSessionID (empty to include everyone). Enumeration
// happens over a snapshot, outside the room lock.
func (r *Room) broadcastExcept(exceptSessionID string, encode func(*Peer) []byte) {
	for _, p := range r.snapshot() {
		if p.sessionID == exceptSessionID {
			continue
		}
		b := encode(p)
		if !p.enqueue(b) {
			p.notifyOverflow()
			p.close()
		}
	}
}
