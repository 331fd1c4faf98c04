package bridge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/zulandar/gatherchat/internal/chat"
	"github.com/zulandar/gatherchat/internal/config"
	"github.com/zulandar/gatherchat/internal/credential"
	"github.com/zulandar/gatherchat/internal/db"
	"github.com/zulandar/gatherchat/internal/models"
	"github.com/zulandar/gatherchat/internal/store"
	"github.com/zulandar/gatherchat/internal/transport"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testEnv struct {
	router   *gin.Engine
	registry *chat.Registry
	store    *store.Store
	broker   *transport.MockBroker
}

func setup(t *testing.T) *testEnv {
	t.Helper()
	gdb, err := db.Open(config.StoreConfig{Driver: config.DriverSQLite, Path: ":memory:"})
	if err != nil {
		t.Fatalf("db.Open: %v", err)
	}
	st, err := store.New(gdb)
	if err != nil {
		t.Fatal(err)
	}
	broker := transport.NewMockBroker()
	registry := chat.NewRegistry(func(ctx context.Context, eventID, userID, userName string) (*chat.Session, error) {
		conn, err := transport.NewConn(transport.ConnOpts{
			Link:        broker.Link(),
			TopicPrefix: config.DefaultTopicPrefix,
			Policy:      transport.ReconnectPolicy{Interval: 5 * time.Millisecond},
		})
		if err != nil {
			return nil, err
		}
		return chat.Open(ctx, chat.SessionOpts{
			Store: st, Transport: conn, EventID: eventID, UserID: userID, UserName: userName,
		})
	})
	t.Cleanup(func() { registry.CloseAll() })

	router, err := NewRouter(StartOpts{Registry: registry, Store: st, Heartbeat: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	return &testEnv{router: router, registry: registry, store: st, broker: broker}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) openAlice(t *testing.T) *chat.Session {
	t.Helper()
	w := e.do(t, http.MethodPost, "/api/events/evt-1/sessions", gin.H{"userId": "alice", "userName": "Alice"})
	if w.Code != http.StatusCreated {
		t.Fatalf("open status = %d, body %s", w.Code, w.Body.String())
	}
	s, ok := e.registry.Get("evt-1", "alice")
	if !ok {
		t.Fatal("session not registered")
	}
	deadline := time.Now().Add(3 * time.Second)
	for s.State() != transport.Connected {
		if time.Now().After(deadline) {
			t.Fatal("session never connected")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return s
}

func TestNewRouter_Validation(t *testing.T) {
	if _, err := NewRouter(StartOpts{}); err == nil || !strings.Contains(err.Error(), "registry is required") {
		t.Errorf("error = %v, want registry is required", err)
	}
	r := chat.NewRegistry(nil)
	if _, err := NewRouter(StartOpts{Registry: r}); err == nil || !strings.Contains(err.Error(), "store is required") {
		t.Errorf("error = %v, want store is required", err)
	}
}

func TestHealthz(t *testing.T) {
	e := setup(t)
	w := e.do(t, http.MethodGet, "/healthz", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"status":"ok"`) {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestOpenSession_CreatedThenReused(t *testing.T) {
	e := setup(t)
	e.openAlice(t)

	w := e.do(t, http.MethodPost, "/api/events/evt-1/sessions", gin.H{"userId": "alice"})
	if w.Code != http.StatusOK {
		t.Errorf("reopen status = %d, want 200", w.Code)
	}
	var resp snapshotResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.EventID != "evt-1" || len(resp.Messages) != 0 {
		t.Errorf("response = %+v", resp)
	}
}

func TestOpenSession_MissingUser(t *testing.T) {
	e := setup(t)
	w := e.do(t, http.MethodPost, "/api/events/evt-1/sessions", gin.H{"userName": "nobody"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestPostMessage(t *testing.T) {
	e := setup(t)
	e.openAlice(t)

	w := e.do(t, http.MethodPost, "/api/events/evt-1/messages", gin.H{"userId": "alice", "text": "hello all"})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var msg models.ChatMessage
	if err := json.Unmarshal(w.Body.Bytes(), &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Text != "hello all" || msg.SenderID != "alice" || msg.SenderName != "Alice" || msg.ID == "" {
		t.Errorf("message = %+v", msg)
	}

	w = e.do(t, http.MethodGet, "/api/events/evt-1/messages?user=alice", nil)
	var resp snapshotResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Messages) != 1 || resp.Messages[0].ID != msg.ID {
		t.Errorf("messages = %+v", resp.Messages)
	}
	if resp.State != "connected" {
		t.Errorf("state = %q", resp.State)
	}
}

func TestPostMessage_EmptyText(t *testing.T) {
	e := setup(t)
	e.openAlice(t)

	for _, text := range []string{"", "   "} {
		w := e.do(t, http.MethodPost, "/api/events/evt-1/messages", gin.H{"userId": "alice", "text": text})
		if w.Code != http.StatusBadRequest {
			t.Errorf("text %q: status = %d, want 400", text, w.Code)
		}
	}
	if n := len(e.broker.Published()); n != 0 {
		t.Errorf("published = %d, want 0", n)
	}
}

func TestPostMessage_NoSession(t *testing.T) {
	e := setup(t)
	w := e.do(t, http.MethodPost, "/api/events/evt-1/messages", gin.H{"userId": "ghost", "text": "boo"})
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestListMessages_RequiresUser(t *testing.T) {
	e := setup(t)
	w := e.do(t, http.MethodGet, "/api/events/evt-1/messages", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestCloseSession(t *testing.T) {
	e := setup(t)
	e.openAlice(t)

	w := e.do(t, http.MethodDelete, "/api/events/evt-1/sessions/alice", nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", w.Code)
	}
	w = e.do(t, http.MethodDelete, "/api/events/evt-1/sessions/alice", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("second close status = %d, want 404", w.Code)
	}
}

func TestTicketCode(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	e.store.PutTicket(ctx, models.Ticket{ID: "tk-1", EventID: "evt-1", OwnerID: "alice", ValidationToken: "s3cret"})
	e.store.PutTicket(ctx, models.Ticket{ID: "tk-2", EventID: "evt-1", OwnerID: "alice", ValidationToken: "x", Status: models.TicketUsed})

	before := time.Now()
	w := e.do(t, http.MethodGet, "/api/tickets/tk-1/code", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var resp struct {
		Code     string `json:"code"`
		Window   int64  `json:"window"`
		TimeLeft int    `json:"timeLeft"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !credential.Verify(resp.Code, "tk-1", "s3cret", before, 1) {
		t.Errorf("code %s does not verify", resp.Code)
	}
	if resp.TimeLeft < 1 || resp.TimeLeft > 5 {
		t.Errorf("timeLeft = %d", resp.TimeLeft)
	}
	if strings.Contains(w.Body.String(), "s3cret") {
		t.Error("response leaks the validation token")
	}

	if w := e.do(t, http.MethodGet, "/api/tickets/tk-2/code", nil); w.Code != http.StatusConflict {
		t.Errorf("used ticket status = %d, want 409", w.Code)
	}
	if w := e.do(t, http.MethodGet, "/api/tickets/nope/code", nil); w.Code != http.StatusNotFound {
		t.Errorf("missing ticket status = %d, want 404", w.Code)
	}
}

func TestStream(t *testing.T) {
	e := setup(t)
	e.openAlice(t)
	srv := httptest.NewServer(e.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events/evt-1/stream?user=alice", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	post := func() {
		body := strings.NewReader(`{"userId":"alice","text":"streamed"}`)
		req := httptest.NewRequest(http.MethodPost, "/api/events/evt-1/messages", body)
		req.Header.Set("Content-Type", "application/json")
		e.router.ServeHTTP(httptest.NewRecorder(), req)
	}

	scanner := bufio.NewScanner(resp.Body)
	seen := map[string]bool{}
	sent, streamed := false, false
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			seen[strings.TrimPrefix(line, "event: ")] = true
		case strings.HasPrefix(line, "data: ") && strings.Contains(line, "streamed"):
			streamed = true
		}
		if seen["connected"] && seen["snapshot"] && !sent {
			sent = true
			go post()
		}
		if streamed && seen["heartbeat"] {
			return
		}
	}
	t.Fatalf("stream ended early; saw %v (err %v)", seen, scanner.Err())
}
