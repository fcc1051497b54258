package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/zap"

	"dropmesh/internal/authsession"
	"dropmesh/internal/config"
	"dropmesh/internal/metrics"
	"dropmesh/internal/ratelimit"
	"dropmesh/internal/repository"
	"dropmesh/internal/signaling"
	"dropmesh/internal/storage"
)

type fakeStore struct {
	mu      sync.Mutex
	objects map[string]int64
}

func newFakeStore() *fakeStore { return &fakeStore{objects: map[string]int64{}} }

func (f *fakeStore) PresignPut(ctx context.Context, key string, ttl time.Duration, contentType string) (string, map[string]string, error) {
	return "https://store.example/put/" + key, map[string]string{"Content-Type": contentType}, nil
}
func (f *fakeStore) PresignGet(ctx context.Context, key string, ttl time.Duration, filename string) (string, error) {
	return "https://store.example/get/" + key, nil
}
func (f *fakeStore) Exists(ctx context.Context, key string) (bool, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	size, ok := f.objects[key]
	return ok, size, nil
}
func (f *fakeStore) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	return nil
}
func (f *fakeStore) put(key string, size int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = size
}

type testStack struct {
	router  http.Handler
	store   *fakeStore
	authMgr *authsession.Manager
}

func newTestStack(t *testing.T) *testStack {
	return newTestStackWithTiers(t, nil)
}

// newTestStackWithTiers builds the same stack as newTestStack, but lets a
// test override specific rate-limit tiers (e.g. to drive a bucket's
// ip_ceiling down independently of its authenticated tier).
func newTestStackWithTiers(t *testing.T, tierOverrides map[string]config.TierLimit) *testStack {
	t.Helper()
	repo, err := repository.NewSQLite("file::memory:?cache=shared")
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	var cfg config.Config
	cfg.Storage.MaxObjectBytes = 10 << 20
	cfg.Storage.AllowedMIME = []string{"*"}
	cfg.Storage.UploadURLTTL = 15 * time.Minute
	cfg.Storage.DownloadURLTTL = 5 * time.Minute
	cfg.Policy.AllowedExpiries = []time.Duration{2 * time.Hour}
	cfg.Policy.AllowAnonymousShares = true
	cfg.Policy.PerUserStorageQuota = 1 << 30
	cfg.Policy.PerUserInflightUpload = 5
	cfg.Auth.JWTSigningKey = "test-signing-key"
	cfg.Auth.SessionCookieName = "dropmesh_session"
	cfg.Auth.SessionTTL = time.Hour
	cfg.RateLimit.Tiers = map[string]config.TierLimit{
		"api":      {AnonymousPerWindow: 1000, AuthenticatedPerWindow: 1000, IPCeilingPerWindow: 1000, Window: time.Second},
		"upload":   {AnonymousPerWindow: 1000, AuthenticatedPerWindow: 1000, IPCeilingPerWindow: 1000, Window: time.Second},
		"download": {AnonymousPerWindow: 1000, AuthenticatedPerWindow: 1000, IPCeilingPerWindow: 1000, Window: time.Second},
	}
	cfg.Signaling.MaxRooms = 10
	cfg.Signaling.MaxPeersPerRoom = 4
	cfg.Signaling.MaxFrameBytes = 64 * 1024
	cfg.Signaling.SendQueueLen = 8
	cfg.Signaling.HeartbeatEvery = time.Minute
	cfg.Signaling.IdleTimeout = time.Minute
	for bucket, limit := range tierOverrides {
		cfg.RateLimit.Tiers[bucket] = limit
	}

	store := newFakeStore()
	log := logrus.New()
	log.SetOutput(testWriter{t})

	m := metrics.New()
	gw := storage.NewGateway(store, repo, &cfg, log)
	authMgr := authsession.NewManager(cfg)
	limiter := ratelimit.New(cfg, log, m)
	t.Cleanup(func() { _ = limiter.Close() })
	hub := signaling.NewHub(cfg, zap.NewNop(), nil, m)
	t.Cleanup(hub.Close)

	return &testStack{
		router:  NewRouter(gw, repo, authMgr, limiter, hub, m, log),
		store:   store,
		authMgr: authMgr,
	}
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) { return len(p), nil }

func doJSON(t *testing.T, router http.Handler, method, path string, body interface{}, cookie string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if cookie != "" {
		req.AddCookie(&http.Cookie{Name: "dropmesh_session", Value: cookie})
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestHealth(t *testing.T) {
	stack := newTestStack(t)
	rr := doJSON(t, stack.router, http.MethodGet, "/health", nil, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestUploadFinalizeDownloadFlow(t *testing.T) {
	stack := newTestStack(t)

	rr := doJSON(t, stack.router, http.MethodPost, "/upload/presign", presignUploadRequest{
		Filename: "report.pdf", SizeByte: 1024, MimeType: "application/pdf", ExpiryS: 7200,
	}, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var presignResp map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &presignResp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	shareID := presignResp["share_id"].(string)
	if shareID == "" {
		t.Fatal("expected non-empty share_id")
	}

	stack.store.put(shareID+"/report.pdf", 1024)

	rr = doJSON(t, stack.router, http.MethodPost, "/upload/finalize", finalizeUploadRequest{ShareID: shareID, ActualSize: 1024}, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("finalize expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = doJSON(t, stack.router, http.MethodGet, "/share/"+shareID, nil, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("get share expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var meta map[string]interface{}
	_ = json.Unmarshal(rr.Body.Bytes(), &meta)
	if meta["has_password"] != false {
		t.Fatalf("expected has_password false, got %v", meta["has_password"])
	}

	rr = doJSON(t, stack.router, http.MethodPost, "/share/"+shareID+"/download", downloadRequest{}, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("download expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var dl map[string]interface{}
	_ = json.Unmarshal(rr.Body.Bytes(), &dl)
	if dl["download_url"] == "" {
		t.Fatal("expected non-empty download_url")
	}
}

func TestListFilesRequiresAuth(t *testing.T) {
	stack := newTestStack(t)
	rr := doJSON(t, stack.router, http.MethodGet, "/files", nil, "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestListFilesAndRevokeWithAuth(t *testing.T) {
	stack := newTestStack(t)
	token, err := stack.authMgr.Issue("user-7")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	rr := doJSON(t, stack.router, http.MethodPost, "/upload/presign", presignUploadRequest{
		Filename: "mine.pdf", SizeByte: 10, MimeType: "application/pdf", ExpiryS: 7200,
	}, token)
	var presignResp map[string]interface{}
	_ = json.Unmarshal(rr.Body.Bytes(), &presignResp)
	shareID := presignResp["share_id"].(string)
	stack.store.put(shareID+"/mine.pdf", 10)
	doJSON(t, stack.router, http.MethodPost, "/upload/finalize", finalizeUploadRequest{ShareID: shareID, ActualSize: 10}, token)

	rr = doJSON(t, stack.router, http.MethodGet, "/files", nil, token)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var listed map[string]interface{}
	_ = json.Unmarshal(rr.Body.Bytes(), &listed)
	shares := listed["shares"].([]interface{})
	if len(shares) != 1 {
		t.Fatalf("expected 1 share, got %d", len(shares))
	}

	rr = doJSON(t, stack.router, http.MethodDelete, "/files/"+shareID, nil, token)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestRevokeByNonOwnerIsForbidden(t *testing.T) {
	stack := newTestStack(t)
	ownerToken, _ := stack.authMgr.Issue("owner-1")
	otherToken, _ := stack.authMgr.Issue("other-1")

	rr := doJSON(t, stack.router, http.MethodPost, "/upload/presign", presignUploadRequest{
		Filename: "x.pdf", SizeByte: 10, MimeType: "application/pdf", ExpiryS: 7200,
	}, ownerToken)
	var presignResp map[string]interface{}
	_ = json.Unmarshal(rr.Body.Bytes(), &presignResp)
	shareID := presignResp["share_id"].(string)
	stack.store.put(shareID+"/x.pdf", 10)
	doJSON(t, stack.router, http.MethodPost, "/upload/finalize", finalizeUploadRequest{ShareID: shareID, ActualSize: 10}, ownerToken)

	rr = doJSON(t, stack.router, http.MethodDelete, "/files/"+shareID, nil, otherToken)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", rr.Code, rr.Body.String())
	}
}

// TestUploadIPCeilingAppliesToAuthenticatedCaller exercises SPEC_FULL.md
// §4.5's composite enforcement: even though the authenticated tier has
// plenty of headroom, a starved ip_ceiling on the same bucket must still
// reject the request.
func TestUploadIPCeilingAppliesToAuthenticatedCaller(t *testing.T) {
	stack := newTestStackWithTiers(t, map[string]config.TierLimit{
		"upload": {AnonymousPerWindow: 1000, AuthenticatedPerWindow: 1000, IPCeilingPerWindow: 1, Window: time.Minute},
	})
	token, err := stack.authMgr.Issue("user-ip-ceiling")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	rr := doJSON(t, stack.router, http.MethodPost, "/upload/presign", presignUploadRequest{
		Filename: "a.pdf", SizeByte: 10, MimeType: "application/pdf", ExpiryS: 7200,
	}, token)
	if rr.Code != http.StatusOK {
		t.Fatalf("first request expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = doJSON(t, stack.router, http.MethodPost, "/upload/presign", presignUploadRequest{
		Filename: "b.pdf", SizeByte: 10, MimeType: "application/pdf", ExpiryS: 7200,
	}, token)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("second request expected 429 from the exhausted ip_ceiling, got %d: %s", rr.Code, rr.Body.String())
	}
}

// TestDownloadAuthenticatedTierAppliesDespiteRoomyIPCeiling is the mirror
// case: a starved authenticated tier must reject even though ip_ceiling
// still has room, confirming the lower of the two limits wins either way.
func TestDownloadAuthenticatedTierAppliesDespiteRoomyIPCeiling(t *testing.T) {
	stack := newTestStackWithTiers(t, map[string]config.TierLimit{
		"download": {AnonymousPerWindow: 1000, AuthenticatedPerWindow: 1, IPCeilingPerWindow: 1000, Window: time.Minute},
	})
	token, err := stack.authMgr.Issue("user-tier-ceiling")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	rr := doJSON(t, stack.router, http.MethodPost, "/upload/presign", presignUploadRequest{
		Filename: "a.pdf", SizeByte: 10, MimeType: "application/pdf", ExpiryS: 7200,
	}, token)
	var presignResp map[string]interface{}
	_ = json.Unmarshal(rr.Body.Bytes(), &presignResp)
	shareID := presignResp["share_id"].(string)
	stack.store.put(shareID+"/a.pdf", 10)
	doJSON(t, stack.router, http.MethodPost, "/upload/finalize", finalizeUploadRequest{ShareID: shareID, ActualSize: 10}, token)

	rr = doJSON(t, stack.router, http.MethodPost, "/share/"+shareID+"/download", downloadRequest{}, token)
	if rr.Code != http.StatusOK {
		t.Fatalf("first download expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = doJSON(t, stack.router, http.MethodPost, "/share/"+shareID+"/download", downloadRequest{}, token)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("second download expected 429 from the exhausted authenticated tier, got %d: %s", rr.Code, rr.Body.String())
	}
}
