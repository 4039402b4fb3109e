//go:build integration
// +build integration

package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	httpapi "github.com/diary-hub/diary-hub/internal/api/http"
	"github.com/diary-hub/diary-hub/internal/api/ws"
	"github.com/diary-hub/diary-hub/internal/application/auth"
	"github.com/diary-hub/diary-hub/internal/application/chat"
	"github.com/diary-hub/diary-hub/internal/application/dispatch"
	"github.com/diary-hub/diary-hub/internal/application/session"
	"github.com/diary-hub/diary-hub/internal/domain/user"
	"github.com/diary-hub/diary-hub/internal/infrastructure/memstore"
	"github.com/diary-hub/diary-hub/internal/infrastructure/scheduler"
)

const testToken = "S3cure!T0ken"

const aliceProfile = `{
	"id": "alice",
	"lang": "en",
	"timezone": "Europe/Moscow",
	"polls": [
		{
			"name": "Evening Diary",
			"oncePerDay": true,
			"reminderTime": "21:00",
			"questions": [
				{"id": "mood", "prompt": "Mood?", "kind": "select",
				 "select": [{"value": "good", "label": "Good"}, {"value": "bad", "label": "Bad"}]},
				{"id": "reason", "prompt": "What happened?", "kind": "text",
				 "dependsOn": "mood == \"bad\"", "optional": true},
				{"id": "logged_at", "kind": "timestamp", "default": "auto"}
			]
		}
	]
}`

func newTestServer(t *testing.T) (*httptest.Server, func()) {
	t.Helper()
	logger := zerolog.Nop()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "alice.json"), []byte(aliceProfile), 0o644); err != nil {
		t.Fatal(err)
	}
	profiles, err := user.LoadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	users := user.NewRegistry(profiles...)

	hash, err := auth.HashToken(testToken)
	if err != nil {
		t.Fatal(err)
	}
	authSvc, err := auth.NewService("alice:"+hash, logger)
	if err != nil {
		t.Fatal(err)
	}

	store := memstore.New()
	sessions := session.NewRegistry(logger)
	dispatcher := dispatch.New(sessions, logger)
	sched := scheduler.New(logger)
	manager := chat.NewManager(users, store, sched, dispatcher, 30*time.Minute, logger)

	ctx, cancel := context.WithCancel(context.Background())
	go dispatcher.Run(ctx)

	gateway := ws.NewGateway(sessions, manager, store, authSvc, dispatcher, logger)
	srv := httptest.NewServer(httpapi.NewServer(gateway, store, authSvc).Router())

	cleanup := func() {
		srv.Close()
		cancel()
		sched.StopAll()
	}
	return srv, cleanup
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") +
		fmt.Sprintf("/v1/ws?user_id=alice&token=%s", testToken)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	return conn
}

type frame struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

func readF(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatal(err)
	}
	return f
}

func rpc(t *testing.T, conn *websocket.Conn, id int, method string, params interface{}) frame {
	t.Helper()
	req := map[string]interface{}{"id": id, "method": method}
	if params != nil {
		req["params"] = params
	}
	if err := conn.WriteJSON(req); err != nil {
		t.Fatal(err)
	}
	for {
		f := readF(t, conn)
		if f.Event != "" {
			continue
		}
		return f
	}
}

func TestDiaryConversationIntegration(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	conn := dialWS(t, srv)
	defer conn.Close()
	if f := readF(t, conn); f.Event != "session-ready" {
		t.Fatalf("expected session-ready, got %+v", f)
	}

	f := rpc(t, conn, 1, "startPoll", map[string]string{"pollId": "evening_diary"})
	if f.Error != nil {
		t.Fatalf("startPoll: %+v", f.Error)
	}
	if !strings.Contains(string(f.Result), `"mood"`) {
		t.Fatalf("expected the first question, got %s", f.Result)
	}

	f = rpc(t, conn, 2, "submitAnswer", map[string]string{"questionId": "mood", "value": "bad"})
	if f.Error != nil {
		t.Fatalf("submitAnswer: %+v", f.Error)
	}
	if !strings.Contains(string(f.Result), `"reason"`) {
		t.Fatalf("expected the follow-up question, got %s", f.Result)
	}

	f = rpc(t, conn, 3, "submitAnswer", map[string]string{"questionId": "reason", "value": "long day"})
	if f.Error != nil {
		t.Fatalf("submitAnswer: %+v", f.Error)
	}
	if !strings.Contains(string(f.Result), "COMPLETED") {
		t.Fatalf("expected completion, got %s", f.Result)
	}

	// The finished entry is visible over REST with the same credentials.
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v1/records", nil)
	req.Header.Set("Authorization", "Bearer alice:"+testToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("records status %d", resp.StatusCode)
	}
	var listing struct {
		Records []struct {
			PollID  string `json:"pollId"`
			DateKey string `json:"dateKey"`
			Answers []struct {
				QuestionID string `json:"questionId"`
				Value      string `json:"value"`
			} `json:"answers"`
		} `json:"records"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		t.Fatal(err)
	}
	if len(listing.Records) != 1 {
		t.Fatalf("expected one record, got %d", len(listing.Records))
	}
	rec := listing.Records[0]
	if rec.PollID != "evening_diary" {
		t.Fatalf("unexpected poll id %s", rec.PollID)
	}
	// mood, reason and the auto-filled timestamp.
	if len(rec.Answers) != 3 {
		t.Fatalf("expected three answers, got %+v", rec.Answers)
	}
}

func TestSecondSessionSeesLiveEvents(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	first := dialWS(t, srv)
	defer first.Close()
	readF(t, first) // session-ready

	second := dialWS(t, srv)
	defer second.Close()
	readF(t, second) // session-ready

	// The first session hears about the second connecting, not vice versa.
	if f := readF(t, first); f.Event != "client-connected" {
		t.Fatalf("expected client-connected, got %+v", f)
	}

	rpc(t, first, 1, "startPoll", map[string]string{"pollId": "evening_diary"})
	rpc(t, first, 2, "submitAnswer", map[string]string{"questionId": "mood", "value": "good"})

	// Completion reaches the passive session as a push.
	for {
		f := readF(t, second)
		if f.Event == "record-changed" {
			break
		}
	}

	// Closing the second session produces a disconnect event for the first.
	second.Close()
	for {
		f := readF(t, first)
		if f.Event == "client-disconnected" {
			return
		}
	}
}
