package signaling

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"dropmesh/internal/config"
)

func testConfig() config.Config {
	var cfg config.Config
	cfg.Signaling.MaxRooms = 100
	cfg.Signaling.MaxPeersPerRoom = 4
	cfg.Signaling.MaxFrameBytes = 64 * 1024
	cfg.Signaling.SendQueueLen = 8
	cfg.Signaling.HeartbeatEvery = 20 * time.Millisecond
	cfg.Signaling.IdleTimeout = 60 * time.Second
	return cfg
}

func newTestServer(t *testing.T, hub *Hub) (*httptest.Server, string) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = hub.ServeWS(w, r, Principal{IsAnonymous: true})
	}))
	t.Cleanup(srv.Close)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	return srv, wsURL
}

func dial(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read envelope: %v", err)
	}
	return env
}

func joinRoom(t *testing.T, conn *websocket.Conn, roomID, device string) Envelope {
	t.Helper()
	if err := conn.WriteJSON(Envelope{Type: TypeJoinRoom, RoomID: roomID, DeviceName: device}); err != nil {
		t.Fatalf("write join: %v", err)
	}
	return readEnvelope(t, conn)
}

func TestJoinRoomAndOfferAnswerRelay(t *testing.T) {
	hub := NewHub(testConfig(), zap.NewNop(), nil, nil)
	defer hub.Close()
	_, wsURL := newTestServer(t, hub)

	connA := dial(t, wsURL)
	joinedA := joinRoom(t, connA, "room-1", "alice-phone")
	if joinedA.Type != TypeJoined {
		t.Fatalf("expected joined, got %+v", joinedA)
	}
	if len(joinedA.Peers) != 0 {
		t.Fatalf("expected no existing peers, got %d", len(joinedA.Peers))
	}

	connB := dial(t, wsURL)
	joinedB := joinRoom(t, connB, "room-1", "bob-laptop")
	if len(joinedB.Peers) != 1 || joinedB.Peers[0].SessionID != joinedA.SessionID {
		t.Fatalf("expected B to see A as existing peer, got %+v", joinedB.Peers)
	}

	// A should have observed bob's peer_joined broadcast.
	peerJoined := readEnvelope(t, connA)
	if peerJoined.Type != TypePeerJoined || peerJoined.SessionID != joinedB.SessionID {
		t.Fatalf("expected peer_joined for B, got %+v", peerJoined)
	}

	offer := Envelope{Type: TypeWebRTCOffer, TargetSession: joinedB.SessionID, Offer: []byte(`{"sdp":"v=0"}`)}
	if err := connA.WriteJSON(offer); err != nil {
		t.Fatalf("write offer: %v", err)
	}
	gotOffer := readEnvelope(t, connB)
	if gotOffer.Type != TypeWebRTCOffer || gotOffer.SenderSession != joinedA.SessionID {
		t.Fatalf("expected offer stamped with sender A, got %+v", gotOffer)
	}
	if gotOffer.TargetSession != "" {
		t.Fatalf("expected target_session cleared on relay, got %q", gotOffer.TargetSession)
	}

	answer := Envelope{Type: TypeWebRTCAnswer, TargetSession: joinedA.SessionID, Answer: []byte(`{"sdp":"v=0"}`)}
	if err := connB.WriteJSON(answer); err != nil {
		t.Fatalf("write answer: %v", err)
	}
	gotAnswer := readEnvelope(t, connA)
	if gotAnswer.Type != TypeWebRTCAnswer || gotAnswer.SenderSession != joinedB.SessionID {
		t.Fatalf("expected answer stamped with sender B, got %+v", gotAnswer)
	}
}

func TestCrossRoomTargetIsForbidden(t *testing.T) {
	hub := NewHub(testConfig(), zap.NewNop(), nil, nil)
	defer hub.Close()
	_, wsURL := newTestServer(t, hub)

	connA := dial(t, wsURL)
	joinedA := joinRoom(t, connA, "room-1", "alice")

	connC := dial(t, wsURL)
	joinedC := joinRoom(t, connC, "room-2", "carol")

	if err := connA.WriteJSON(Envelope{Type: TypeICECandidate, TargetSession: joinedC.SessionID, Candidate: []byte(`{}`)}); err != nil {
		t.Fatalf("write candidate: %v", err)
	}
	errEnv := readEnvelope(t, connA)
	if errEnv.Type != TypeError || errEnv.Code != ErrCrossRoomForbidden {
		t.Fatalf("expected cross_room_forbidden, got %+v", errEnv)
	}
}

func TestUnknownTargetSession(t *testing.T) {
	hub := NewHub(testConfig(), zap.NewNop(), nil, nil)
	defer hub.Close()
	_, wsURL := newTestServer(t, hub)

	connA := dial(t, wsURL)
	joinRoom(t, connA, "room-1", "alice")

	if err := connA.WriteJSON(Envelope{Type: TypeICECandidate, TargetSession: "sess-does-not-exist", Candidate: []byte(`{}`)}); err != nil {
		t.Fatalf("write candidate: %v", err)
	}
	errEnv := readEnvelope(t, connA)
	if errEnv.Type != TypeError || errEnv.Code != ErrUnknownPeer {
		t.Fatalf("expected unknown_peer, got %+v", errEnv)
	}
}

func TestPeerLeftBroadcastOnDisconnect(t *testing.T) {
	hub := NewHub(testConfig(), zap.NewNop(), nil, nil)
	defer hub.Close()
	_, wsURL := newTestServer(t, hub)

	connA := dial(t, wsURL)
	joinRoom(t, connA, "room-1", "alice")

	connB := dial(t, wsURL)
	joinedB := joinRoom(t, connB, "room-1", "bob")

	// Drain A's peer_joined broadcast for B before closing B.
	readEnvelope(t, connA)

	_ = connB.Close()

	left := readEnvelope(t, connA)
	if left.Type != TypePeerLeft || left.SessionID != joinedB.SessionID {
		t.Fatalf("expected peer_left for B, got %+v", left)
	}
}

func TestRoomGarbageCollectedWhenEmpty(t *testing.T) {
	hub := NewHub(testConfig(), zap.NewNop(), nil, nil)
	defer hub.Close()
	_, wsURL := newTestServer(t, hub)

	connA := dial(t, wsURL)
	joinRoom(t, connA, "solo-room", "alice")
	if hub.RoomCount() != 1 {
		t.Fatalf("expected 1 room, got %d", hub.RoomCount())
	}
	_ = connA.Close()

	deadline := time.Now().Add(time.Second)
	for hub.RoomCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if hub.RoomCount() != 0 {
		t.Fatalf("expected room to be garbage collected, still have %d", hub.RoomCount())
	}
}

func TestRoomAdmissionPolicyRejectsRoom(t *testing.T) {
	deny := func(roomID string, _ Principal) bool { return roomID != "blocked-room" }
	hub := NewHub(testConfig(), zap.NewNop(), deny, nil)
	defer hub.Close()
	_, wsURL := newTestServer(t, hub)

	conn := dial(t, wsURL)
	if err := conn.WriteJSON(Envelope{Type: TypeJoinRoom, RoomID: "blocked-room", DeviceName: "alice"}); err != nil {
		t.Fatalf("write join: %v", err)
	}
	errEnv := readEnvelope(t, conn)
	if errEnv.Type != TypeError || errEnv.Code != ErrValidationFailed {
		t.Fatalf("expected validation_failed, got %+v", errEnv)
	}
}

func TestIdlePeerIsReaped(t *testing.T) {
	cfg := testConfig()
	cfg.Signaling.IdleTimeout = 30 * time.Millisecond
	cfg.Signaling.HeartbeatEvery = 10 * time.Millisecond
	hub := NewHub(cfg, zap.NewNop(), nil, nil)
	defer hub.Close()
	_, wsURL := newTestServer(t, hub)

	conn := dial(t, wsURL)
	joinRoom(t, conn, "room-1", "alice")

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if err == nil {
		t.Fatal("expected connection to be closed by idle reaper")
	}
}

func TestOversizedFrameGetsFrameTooLargeEnvelope(t *testing.T) {
	cfg := testConfig()
	// Room for the ~100-byte join frame, well below the oversized candidate.
	cfg.Signaling.MaxFrameBytes = 1024
	hub := NewHub(cfg, zap.NewNop(), nil, nil)
	defer hub.Close()
	_, wsURL := newTestServer(t, hub)

	conn := dial(t, wsURL)
	joinRoom(t, conn, "room-1", "alice")

	oversized := strings.Repeat("x", 4096)
	if err := conn.WriteJSON(Envelope{Type: TypeICECandidate, TargetSession: "sess-does-not-exist", Candidate: []byte(`"` + oversized + `"`)}); err != nil {
		t.Fatalf("write oversized candidate: %v", err)
	}

	errEnv := readEnvelope(t, conn)
	if errEnv.Type != TypeError || errEnv.Code != ErrFrameTooLarge {
		t.Fatalf("expected frame_too_large, got %+v", errEnv)
	}
}

func TestSendBufferExhaustionGetsErrorEnvelopeBeforeClose(t *testing.T) {
	cfg := testConfig()
	cfg.Signaling.SendQueueLen = 1
	hub := NewHub(cfg, zap.NewNop(), nil, nil)
	defer hub.Close()
	_, wsURL := newTestServer(t, hub)

	connA := dial(t, wsURL)
	joinedA := joinRoom(t, connA, "room-1", "alice")

	connB := dial(t, wsURL)
	joinedB := joinRoom(t, connB, "room-1", "bob")
	readEnvelope(t, connA) // drain A's peer_joined for bob

	// Flood B's tiny send queue with large directed messages from A without
	// ever letting B read them, forcing an overflow on one of the enqueues
	// once B's send channel and TCP buffers are both saturated.
	big := `"` + strings.Repeat("x", 32*1024) + `"`
	for i := 0; i < 200; i++ {
		offer := Envelope{Type: TypeWebRTCOffer, TargetSession: joinedB.SessionID, Offer: []byte(big)}
		if err := connA.WriteJSON(offer); err != nil {
			t.Fatalf("write offer %d: %v", i, err)
		}
	}

	_ = connB.SetReadDeadline(time.Now().Add(5 * time.Second))
	sawOverflow := false
	for i := 0; i < 300; i++ {
		var env Envelope
		if err := connB.ReadJSON(&env); err != nil {
			break
		}
		if env.Type == TypeError && env.Code == ErrSendBufferExhausted {
			sawOverflow = true
			break
		}
	}
	if !sawOverflow {
		t.Fatal("expected send_buffer_exhausted envelope before B's connection was closed")
	}
	_ = joinedA
}

func TestPingPong(t *testing.T) {
	hub := NewHub(testConfig(), zap.NewNop(), nil, nil)
	defer hub.Close()
	_, wsURL := newTestServer(t, hub)

	conn := dial(t, wsURL)
	joinRoom(t, conn, "room-1", "alice")

	if err := conn.WriteJSON(Envelope{Type: TypePing}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	pong := readEnvelope(t, conn)
	if pong.Type != TypePong {
		t.Fatalf("expected pong, got %+v", pong)
	}
}
