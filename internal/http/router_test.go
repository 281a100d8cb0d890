package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/onechat-realtime/internal/bus"
	"github.com/tbourn/onechat-realtime/internal/config"
	"github.com/tbourn/onechat-realtime/internal/domain"
	"github.com/tbourn/onechat-realtime/internal/http/middleware"
	"github.com/tbourn/onechat-realtime/internal/presence"
	"github.com/tbourn/onechat-realtime/internal/repo"
	"github.com/tbourn/onechat-realtime/internal/services"
	"github.com/tbourn/onechat-realtime/internal/session"
)

func testConfig() config.Config {
	return config.Config{
		APIBasePath:     "/api/v1",
		RateRPS:         1000,
		RateBurst:       1000,
		TrustUserHeader: true,
		OTEL:            config.OTELConfig{ServiceName: "onechat-test"},
		RealtimeConfig: config.RealtimeConfig{
			HeartbeatInterval: time.Minute,
			WSPongWait:        time.Minute,
			WSReadLimit:       64 << 10,
		},
	}
}

// newTestServer builds an engine over a fresh in-memory database.
func newTestServer(t *testing.T, cfg config.Config) (*gin.Engine, *session.Hub) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:router_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	if err := repo.EnsureGlobalRoom(context.Background(), db); err != nil {
		t.Fatalf("global room: %v", err)
	}

	b := bus.New()
	users := services.NewUserService(db)
	hub := session.NewHub(
		services.NewConversationService(db, b),
		services.NewRequestService(db, b, users),
		users,
		presence.NewRegistry(presence.NewMemoryStore(), presence.DefaultWindow),
		b,
	)
	t.Cleanup(hub.CloseAll)

	r := gin.New()
	RegisterRoutes(r, hub, cfg)
	return r, hub
}

func call(r http.Handler, method, path, uid string, body any, hdr map[string]string) *httptest.ResponseRecorder {
	var rd *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		rd = bytes.NewReader(raw)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if uid != "" {
		req.Header.Set(middleware.HeaderUserID, uid)
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

type errBody struct {
	RequestID string `json:"request_id"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

func TestRegisterRoutes_HealthMetricsFallbacks(t *testing.T) {
	r, _ := newTestServer(t, testConfig())

	w := call(r, http.MethodGet, "/health", "", nil, map[string]string{"Origin": "https://app.example"})
	if w.Code != http.StatusOK {
		t.Fatalf("GET /health = %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("allow-all CORS expected '*', got %q", got)
	}
	if w.Header().Get("X-Request-ID") == "" || w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("missing request id or security headers: %v", w.Header())
	}
	if h := decode[map[string]any](t, w); h["status"] != "ok" || h["sessions"] != float64(0) {
		t.Fatalf("health body = %v", h)
	}

	w = call(r, http.MethodGet, "/metrics", "", nil, nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "http_requests_total") {
		t.Fatalf("GET /metrics: code=%d", w.Code)
	}

	w = call(r, http.MethodGet, "/nope", "", nil, nil)
	if e := decode[errBody](t, w); w.Code != http.StatusNotFound || e.Code != "not_found" || e.RequestID == "" {
		t.Fatalf("404 envelope: %d %+v", w.Code, e)
	}

	w = call(r, http.MethodDelete, "/health", "", nil, nil)
	if e := decode[errBody](t, w); w.Code != http.StatusMethodNotAllowed || e.Code != "method_not_allowed" {
		t.Fatalf("405 envelope: %d %+v", w.Code, e)
	}
}

func TestRegisterRoutes_CORSAllowList(t *testing.T) {
	cfg := testConfig()
	cfg.CORS.AllowedOrigins = []string{"https://good.example"}
	r, _ := newTestServer(t, cfg)

	w := call(r, http.MethodGet, "/health", "", nil, map[string]string{"Origin": "https://good.example"})
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://good.example" {
		t.Fatalf("allowed origin echoed as %q", got)
	}
	w = call(r, http.MethodGet, "/health", "", nil, map[string]string{"Origin": "https://evil.example"})
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("disallowed origin got %q", got)
	}
}

func TestAPI_RequiresIdentity(t *testing.T) {
	r, _ := newTestServer(t, testConfig())

	w := call(r, http.MethodGet, "/api/v1/conversations", "", nil, nil)
	if e := decode[errBody](t, w); w.Code != http.StatusUnauthorized || e.Code != "unauthorized" {
		t.Fatalf("no identity: %d %+v", w.Code, e)
	}
}

func TestAPI_BearerToken(t *testing.T) {
	cfg := testConfig()
	cfg.JWTSecret = "test-secret"
	cfg.TrustUserHeader = false
	r, _ := newTestServer(t, cfg)

	if w := call(r, http.MethodGet, "/api/v1/conversations", "forged", nil, nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("header identity must be ignored with a secret, got %d", w.Code)
	}

	tok, err := middleware.NewAuthenticator(cfg.JWTSecret, false).Sign("u-token", "token@example.com", time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	auth := map[string]string{"Authorization": "Bearer " + tok}

	w := call(r, http.MethodPut, "/api/v1/me", "", map[string]any{}, auth)
	if w.Code != http.StatusOK {
		t.Fatalf("PUT /me = %d %s", w.Code, w.Body.String())
	}
	if u := decode[domain.User](t, w); u.ID != "u-token" || u.Email != "token@example.com" {
		t.Fatalf("profile from claims = %+v", u)
	}
}

func TestAPI_ChatFlow(t *testing.T) {
	r, _ := newTestServer(t, testConfig())
	const base = "/api/v1"

	for _, u := range []string{"alice", "bob", "carol"} {
		if w := call(r, http.MethodPut, base+"/me", u, map[string]string{"email": u + "@example.com"}, nil); w.Code != http.StatusOK {
			t.Fatalf("PUT /me %s = %d %s", u, w.Code, w.Body.String())
		}
	}

	// request, inbox, outgoing
	w := call(r, http.MethodPost, base+"/chat-requests", "alice", map[string]string{"email": "bob@example.com"}, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("start chat = %d %s", w.Code, w.Body.String())
	}
	started := decode[services.StartResult](t, w)
	if started.Request == nil || started.Request.Status != domain.RequestPending {
		t.Fatalf("start result = %+v", started)
	}
	reqID := started.Request.ID

	w = call(r, http.MethodPost, base+"/chat-requests", "alice", map[string]string{"email": "bob@example.com"}, nil)
	if e := decode[errBody](t, w); w.Code != http.StatusConflict || e.Code != "duplicate_request" {
		t.Fatalf("duplicate request: %d %+v", w.Code, e)
	}

	w = call(r, http.MethodGet, base+"/chat-requests", "bob", nil, nil)
	if p := decode[struct {
		Requests []domain.RequestView `json:"requests"`
	}](t, w); len(p.Requests) != 1 || p.Requests[0].Requester.Email != "alice@example.com" {
		t.Fatalf("pending = %s", w.Body.String())
	}
	w = call(r, http.MethodGet, base+"/chat-requests/outgoing", "alice", nil, nil)
	if !strings.Contains(w.Body.String(), reqID) {
		t.Fatalf("outgoing = %s", w.Body.String())
	}

	if w = call(r, http.MethodPost, base+"/chat-requests/"+reqID+"/accept", "alice", nil, nil); w.Code != http.StatusForbidden {
		t.Fatalf("requester accepting = %d", w.Code)
	}
	w = call(r, http.MethodPost, base+"/chat-requests/"+reqID+"/accept", "bob", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("accept = %d %s", w.Code, w.Body.String())
	}
	convID := decode[map[string]string](t, w)["conversation_id"]
	if convID == "" {
		t.Fatalf("accept returned no conversation id")
	}
	w = call(r, http.MethodPost, base+"/chat-requests/"+reqID+"/ignore", "bob", nil, nil)
	if e := decode[errBody](t, w); w.Code != http.StatusConflict || e.Code != "already_resolved" {
		t.Fatalf("ignore after accept: %d %+v", w.Code, e)
	}

	w = call(r, http.MethodPost, base+"/chat-requests", "alice", map[string]string{"email": "bob@example.com"}, nil)
	if res := decode[services.StartResult](t, w); w.Code != http.StatusOK || res.ConversationID != convID {
		t.Fatalf("start with existing conversation: %d %s", w.Code, w.Body.String())
	}

	// idempotent send
	msgs := base + "/conversations/" + convID + "/messages"
	key := map[string]string{middleware.HeaderIdempotencyKey: "send-1"}
	w = call(r, http.MethodPost, msgs, "alice", map[string]string{"content": "  hello bob  "}, key)
	if w.Code != http.StatusCreated {
		t.Fatalf("send = %d %s", w.Code, w.Body.String())
	}
	first := decode[struct {
		Message domain.Message `json:"message"`
	}](t, w).Message
	if first.Content != "hello bob" {
		t.Fatalf("content not trimmed: %q", first.Content)
	}
	w = call(r, http.MethodPost, msgs, "alice", map[string]string{"content": "hello bob"}, key)
	if w.Code != http.StatusOK || w.Header().Get(middleware.HeaderIdempotencyReplayed) != "true" {
		t.Fatalf("replay = %d %v", w.Code, w.Header())
	}
	if again := decode[struct {
		Message domain.Message `json:"message"`
	}](t, w).Message; again.ID != first.ID {
		t.Fatalf("replay returned %s; want %s", again.ID, first.ID)
	}
	if w = call(r, http.MethodPost, msgs, "alice", map[string]string{"content": "   "}, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("blank content = %d", w.Code)
	}
	w = call(r, http.MethodPost, msgs, "carol", map[string]string{"content": "hi"}, nil)
	if e := decode[errBody](t, w); w.Code != http.StatusForbidden || e.Code != "not_participant" {
		t.Fatalf("outsider send: %d %+v", w.Code, e)
	}

	// conditional history
	w = call(r, http.MethodGet, msgs, "bob", nil, nil)
	etag := w.Header().Get("ETag")
	if w.Code != http.StatusOK || etag == "" || !strings.Contains(w.Body.String(), first.ID) {
		t.Fatalf("history = %d etag=%q", w.Code, etag)
	}
	if w = call(r, http.MethodGet, msgs, "bob", nil, map[string]string{"If-None-Match": etag}); w.Code != http.StatusNotModified {
		t.Fatalf("conditional history = %d", w.Code)
	}
	if w = call(r, http.MethodGet, msgs+"?limit=-1", "bob", nil, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("negative limit = %d", w.Code)
	}
	if w = call(r, http.MethodGet, msgs, "carol", nil, nil); w.Code != http.StatusForbidden {
		t.Fatalf("outsider history = %d", w.Code)
	}

	// edit and delete
	msgPath := base + "/messages/" + first.ID
	w = call(r, http.MethodPatch, msgPath, "bob", map[string]string{"content": "hijack"}, nil)
	if e := decode[errBody](t, w); w.Code != http.StatusForbidden || e.Code != "not_author" {
		t.Fatalf("edit by non-author: %d %+v", w.Code, e)
	}
	w = call(r, http.MethodPatch, msgPath, "alice", map[string]string{"content": "hello again"}, nil)
	if m := decode[struct {
		Message domain.Message `json:"message"`
	}](t, w).Message; w.Code != http.StatusOK || !m.IsEdited || m.Content != "hello again" {
		t.Fatalf("edit = %d %s", w.Code, w.Body.String())
	}
	if w = call(r, http.MethodGet, msgs, "bob", nil, map[string]string{"If-None-Match": etag}); w.Code == http.StatusNotModified {
		t.Fatalf("etag must change after an edit")
	}
	if w = call(r, http.MethodDelete, msgPath, "alice", nil, nil); w.Code != http.StatusNoContent {
		t.Fatalf("delete = %d", w.Code)
	}
	if w = call(r, http.MethodDelete, msgPath, "alice", nil, nil); w.Code != http.StatusNotFound {
		t.Fatalf("second delete = %d", w.Code)
	}

	// conversation list
	w = call(r, http.MethodGet, base+"/conversations", "alice", nil, nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), convID) || w.Header().Get("ETag") == "" {
		t.Fatalf("conversations = %d %s", w.Code, w.Body.String())
	}
	w = call(r, http.MethodPost, base+"/conversations", "carol", map[string]string{"email": "alice@example.com"}, nil)
	if c := decode[domain.Conversation](t, w); w.Code != http.StatusOK || c.ID == "" || c.ID == convID {
		t.Fatalf("open conversation = %d %s", w.Code, w.Body.String())
	}
}

func TestAPI_ConditionalListsTrackMutations(t *testing.T) {
	r, _ := newTestServer(t, testConfig())
	const base = "/api/v1"
	for _, u := range []string{"alice", "bob"} {
		if w := call(r, http.MethodPut, base+"/me", u, map[string]string{"email": u + "@example.com"}, nil); w.Code != http.StatusOK {
			t.Fatalf("PUT /me %s = %d", u, w.Code)
		}
	}
	w := call(r, http.MethodPost, base+"/conversations", "alice", map[string]string{"email": "bob@example.com"}, nil)
	conv := decode[domain.Conversation](t, w)
	if w.Code != http.StatusOK || conv.ID == "" {
		t.Fatalf("open conversation = %d %s", w.Code, w.Body.String())
	}
	msgs := base + "/conversations/" + conv.ID + "/messages"

	post := func(text string) domain.Message {
		t.Helper()
		w := call(r, http.MethodPost, msgs, "alice", map[string]string{"content": text}, nil)
		if w.Code != http.StatusCreated {
			t.Fatalf("post %q = %d", text, w.Code)
		}
		return decode[struct {
			Message domain.Message `json:"message"`
		}](t, w).Message
	}
	listETag := func() string {
		t.Helper()
		w := call(r, http.MethodGet, base+"/conversations", "bob", nil, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("conversations = %d", w.Code)
		}
		return w.Header().Get("ETag")
	}

	post("first")
	secret := post("oops secret")
	before := listETag()

	// Deleting the newest message leaves updated_at alone; the preview changes.
	if w := call(r, http.MethodDelete, base+"/messages/"+secret.ID, "alice", nil, nil); w.Code != http.StatusNoContent {
		t.Fatalf("delete = %d", w.Code)
	}
	w = call(r, http.MethodGet, base+"/conversations", "bob", nil, map[string]string{"If-None-Match": before})
	if w.Code != http.StatusOK || strings.Contains(w.Body.String(), "oops secret") {
		t.Fatalf("conversations after delete = %d %s", w.Code, w.Body.String())
	}
	afterDelete := w.Header().Get("ETag")
	if afterDelete == before {
		t.Fatalf("etag unchanged after delete: %s", before)
	}

	// Editing the newest message changes the preview too.
	w = call(r, http.MethodGet, msgs, "bob", nil, nil)
	newest := decode[messageList](t, w).Messages[0]
	if w := call(r, http.MethodPatch, base+"/messages/"+newest.ID, "alice", map[string]string{"content": "first!"}, nil); w.Code != http.StatusOK {
		t.Fatalf("edit = %d", w.Code)
	}
	w = call(r, http.MethodGet, base+"/conversations", "bob", nil, map[string]string{"If-None-Match": afterDelete})
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "first!") {
		t.Fatalf("conversations after edit = %d %s", w.Code, w.Body.String())
	}
	current := w.Header().Get("ETag")
	if w = call(r, http.MethodGet, base+"/conversations", "bob", nil, map[string]string{"If-None-Match": current}); w.Code != http.StatusNotModified {
		t.Fatalf("unchanged list = %d", w.Code)
	}

	// One ETag per limit.
	post("second")
	w = call(r, http.MethodGet, msgs+"?limit=1", "bob", nil, nil)
	one := w.Header().Get("ETag")
	if w.Code != http.StatusOK || len(decode[messageList](t, w).Messages) != 1 {
		t.Fatalf("limit=1 = %d %s", w.Code, w.Body.String())
	}
	w = call(r, http.MethodGet, msgs, "bob", nil, map[string]string{"If-None-Match": one})
	if w.Code != http.StatusOK || len(decode[messageList](t, w).Messages) != 2 {
		t.Fatalf("full history with the limit=1 etag = %d %s", w.Code, w.Body.String())
	}
	if w = call(r, http.MethodGet, msgs+"?limit=1", "bob", nil, map[string]string{"If-None-Match": one}); w.Code != http.StatusNotModified {
		t.Fatalf("same limit, same etag = %d", w.Code)
	}
}

// messageList is the body of GET /conversations/:id/messages.
type messageList struct {
	Messages []domain.Message `json:"messages"`
}

func TestAPI_Presence(t *testing.T) {
	r, _ := newTestServer(t, testConfig())
	const base = "/api/v1"

	if w := call(r, http.MethodPost, base+"/presence/heartbeat", "alice", nil, nil); w.Code != http.StatusNoContent {
		t.Fatalf("heartbeat = %d", w.Code)
	}

	w := call(r, http.MethodGet, base+"/presence?user_id=alice,ghost&user_id=alice", "bob", nil, nil)
	out := decode[struct {
		Presence []domain.PresenceStatus `json:"presence"`
	}](t, w)
	if len(out.Presence) != 2 || out.Presence[0].UserID != "alice" || !out.Presence[0].IsOnline {
		t.Fatalf("presence = %s", w.Body.String())
	}
	if out.Presence[1].UserID != "ghost" || out.Presence[1].IsOnline || out.Presence[1].LastSeen != nil {
		t.Fatalf("unknown user = %+v", out.Presence[1])
	}

	if w = call(r, http.MethodGet, base+"/presence", "bob", nil, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("missing ids = %d", w.Code)
	}

	w = call(r, http.MethodGet, base+"/presence/recent?limit=5", "bob", nil, nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"alice"`) {
		t.Fatalf("recent = %d %s", w.Code, w.Body.String())
	}
}

func TestAPI_RateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.RateRPS = 0.001
	cfg.RateBurst = 1
	r, _ := newTestServer(t, cfg)

	if w := call(r, http.MethodGet, "/api/v1/conversations", "alice", nil, nil); w.Code != http.StatusOK {
		t.Fatalf("first = %d", w.Code)
	}
	w := call(r, http.MethodGet, "/api/v1/conversations", "alice", nil, nil)
	if w.Code != http.StatusTooManyRequests || w.Header().Get("Retry-After") == "" {
		t.Fatalf("second = %d", w.Code)
	}
	if w = call(r, http.MethodGet, "/api/v1/conversations", "bob", nil, nil); w.Code != http.StatusOK {
		t.Fatalf("limits are per user, bob got %d", w.Code)
	}
}

// --- websocket ---

func dialWS(t *testing.T, srv *httptest.Server, uid string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws"
	hdr := http.Header{}
	hdr.Set(middleware.HeaderUserID, uid)
	conn, resp, err := websocket.DefaultDialer.Dial(url, hdr)
	if err != nil {
		t.Fatalf("dial: %v (resp=%v)", err, resp)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f map[string]any
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

func TestWebsocket_RequiresIdentity(t *testing.T) {
	r, _ := newTestServer(t, testConfig())
	if w := call(r, http.MethodGet, "/api/v1/ws", "", nil, nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous ws = %d", w.Code)
	}
}

func TestWebsocket_SessionLifecycle(t *testing.T) {
	r, hub := newTestServer(t, testConfig())
	srv := httptest.NewServer(r)
	defer srv.Close()

	ctx := context.Background()
	for _, u := range []string{"alice", "bob"} {
		if _, err := hub.Actor(u).UpdateProfile(ctx, domain.User{Email: u + "@example.com"}); err != nil {
			t.Fatalf("profile %s: %v", u, err)
		}
	}
	res, err := hub.Actor("alice").StartChat(ctx, "bob@example.com", nil)
	if err != nil {
		t.Fatalf("start chat: %v", err)
	}
	convID, err := hub.Actor("bob").AcceptRequest(ctx, res.Request.ID)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	conn := dialWS(t, srv, "bob")
	hello := readFrame(t, conn)
	if hello["type"] != "connected" || hello["user_id"] != "bob" || hello["session_id"] == "" {
		t.Fatalf("connected frame = %v", hello)
	}
	if hub.Sessions() != 1 {
		t.Fatalf("sessions = %d", hub.Sessions())
	}

	_ = conn.WriteJSON(map[string]string{"type": "subscribe", "ref": "s1", "conversation_id": convID})
	if f := readFrame(t, conn); f["type"] != "subscribed" || f["ref"] != "s1" {
		t.Fatalf("subscribe ack = %v", f)
	}

	if _, err := hub.Actor("alice").SendMessage(ctx, convID, "hi bob"); err != nil {
		t.Fatalf("send: %v", err)
	}
	ev := readFrame(t, conn)
	payload, _ := ev["payload"].(map[string]any)
	if ev["type"] != string(bus.KindMessageCreated) || ev["conversation_id"] != convID || payload["content"] != "hi bob" {
		t.Fatalf("event = %v", ev)
	}
	if seq, _ := ev["seq"].(float64); seq < 1 {
		t.Fatalf("event seq = %v", ev["seq"])
	}

	// a send from the socket yields both the ack and the fan-out event
	_ = conn.WriteJSON(map[string]string{"type": "send", "ref": "m1", "conversation_id": convID, "content": "hey alice"})
	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		f := readFrame(t, conn)
		seen[f["type"].(string)] = true
		if f["type"] == "sent" && f["ref"] != "m1" {
			t.Fatalf("sent ack ref = %v", f["ref"])
		}
	}
	if !seen["sent"] || !seen[string(bus.KindMessageCreated)] {
		t.Fatalf("frames seen = %v", seen)
	}

	_ = conn.WriteJSON(map[string]string{"type": "subscribe", "ref": "s2", "conversation_id": uuid.NewString()})
	if f := readFrame(t, conn); f["type"] != "error" || f["ref"] != "s2" || f["code"] == "" {
		t.Fatalf("bad subscribe = %v", f)
	}
	_ = conn.WriteJSON(map[string]string{"type": "bogus", "ref": "x"})
	if f := readFrame(t, conn); f["type"] != "error" || f["code"] != "unsupported_type" {
		t.Fatalf("unsupported = %v", f)
	}
	_ = conn.WriteMessage(websocket.TextMessage, []byte("{not json"))
	if f := readFrame(t, conn); f["type"] != "error" || f["code"] != "bad_request" {
		t.Fatalf("invalid frame = %v", f)
	}
	_ = conn.WriteJSON(map[string]string{"type": "heartbeat", "ref": "h"})
	if f := readFrame(t, conn); f["type"] != "heartbeat_ack" {
		t.Fatalf("heartbeat = %v", f)
	}

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Sessions() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("session not released, sessions = %d", hub.Sessions())
		}
		time.Sleep(10 * time.Millisecond)
	}
	if conv, inbox, sessions := hub.Bus.Stats(); conv+inbox+sessions != 0 {
		t.Fatalf("bus still holds subscriptions: %d %d %d", conv, inbox, sessions)
	}
}

func TestWebsocket_InboxReceivesRequests(t *testing.T) {
	r, hub := newTestServer(t, testConfig())
	srv := httptest.NewServer(r)
	defer srv.Close()

	ctx := context.Background()
	for _, u := range []string{"alice", "bob"} {
		if _, err := hub.Actor(u).UpdateProfile(ctx, domain.User{Email: u + "@example.com"}); err != nil {
			t.Fatalf("profile %s: %v", u, err)
		}
	}

	conn := dialWS(t, srv, "bob")
	readFrame(t, conn)
	_ = conn.WriteJSON(map[string]string{"type": "subscribe_inbox", "ref": "i"})
	if f := readFrame(t, conn); f["type"] != "inbox_subscribed" {
		t.Fatalf("inbox ack = %v", f)
	}

	if _, err := hub.Actor("alice").StartChat(ctx, "bob@example.com", nil); err != nil {
		t.Fatalf("start chat: %v", err)
	}
	if f := readFrame(t, conn); f["type"] != string(bus.KindRequestCreated) {
		t.Fatalf("inbox event = %v", f)
	}

	hub.CloseAll()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Fatalf("expected going-away close, got %v", err)
	}
}
