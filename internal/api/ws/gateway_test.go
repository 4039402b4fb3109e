package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diary-hub/diary-hub/internal/application/auth"
	"github.com/diary-hub/diary-hub/internal/application/chat"
	"github.com/diary-hub/diary-hub/internal/application/dispatch"
	"github.com/diary-hub/diary-hub/internal/application/session"
	"github.com/diary-hub/diary-hub/internal/domain/poll"
	"github.com/diary-hub/diary-hub/internal/domain/reminder"
	"github.com/diary-hub/diary-hub/internal/domain/user"
	"github.com/diary-hub/diary-hub/internal/infrastructure/memstore"
)

type noopScheduler struct{}

func (noopScheduler) Schedule(string, string, string, reminder.Trigger, func()) (reminder.Handle, error) {
	return 1, nil
}
func (noopScheduler) Cancel(reminder.Handle) {}

func testServer(t *testing.T) *httptest.Server {
	t.Helper()

	p := &user.Profile{
		ID: "alice",
		Polls: []poll.Definition{
			{Name: "Mood", OncePerDay: true, Questions: []poll.Question{
				{ID: "mood", Prompt: "Mood?", Kind: poll.KindSelect, Select: []poll.Option{
					{Value: "good"}, {Value: "bad"},
				}},
			}},
		},
	}
	require.NoError(t, p.Validate())

	hash, err := auth.HashToken("s3cret")
	require.NoError(t, err)
	authSvc, err := auth.NewService("alice:"+hash, zerolog.Nop())
	require.NoError(t, err)

	store := memstore.New()
	sessions := session.NewRegistry(zerolog.Nop())
	dispatcher := dispatch.New(sessions, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go dispatcher.Run(ctx)
	manager := chat.NewManager(user.NewRegistry(p), store, noopScheduler{}, dispatcher,
		30*time.Minute, zerolog.Nop())
	gw := NewGateway(sessions, manager, store, authSvc, dispatcher, zerolog.Nop())

	srv := httptest.NewServer(http.HandlerFunc(gw.ServeHTTP))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, userID, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") +
		fmt.Sprintf("?user_id=%s&token=%s", userID, token)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]json.RawMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

func call(t *testing.T, conn *websocket.Conn, id int, method string, params interface{}) Response {
	t.Helper()
	req := map[string]interface{}{"id": id, "method": method}
	if params != nil {
		req["params"] = params
	}
	require.NoError(t, conn.WriteJSON(req))

	// Skip pushes until the matching response arrives.
	for {
		frame := readFrame(t, conn)
		if _, isPush := frame["event"]; isPush {
			continue
		}
		var resp Response
		var gotID int
		require.NoError(t, json.Unmarshal(frame["id"], &gotID))
		require.Equal(t, id, gotID)
		if raw, ok := frame["result"]; ok {
			resp.Result = raw
		}
		if raw, ok := frame["error"]; ok {
			var rpcErr RPCError
			require.NoError(t, json.Unmarshal(raw, &rpcErr))
			resp.Error = &rpcErr
		}
		return resp
	}
}

func TestDialRequiresValidToken(t *testing.T) {
	srv := testServer(t)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?user_id=alice&token=wrong"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	url = "ws" + strings.TrimPrefix(srv.URL, "http")
	_, resp, err = websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSessionReadyFrame(t *testing.T) {
	srv := testServer(t)
	conn := dial(t, srv, "alice", "s3cret")

	frame := readFrame(t, conn)
	var kind string
	require.NoError(t, json.Unmarshal(frame["event"], &kind))
	assert.Equal(t, "session-ready", kind)
	assert.Contains(t, string(frame["payload"]), "sessionId")
}

func TestPollConversationOverWire(t *testing.T) {
	srv := testServer(t)
	conn := dial(t, srv, "alice", "s3cret")
	readFrame(t, conn) // session-ready

	resp := call(t, conn, 1, "startPoll", map[string]string{"pollId": "mood"})
	require.Nil(t, resp.Error)
	assert.Contains(t, string(resp.Result.(json.RawMessage)), `"mood"`)

	resp = call(t, conn, 2, "submitAnswer", map[string]string{
		"questionId": "mood", "value": "good",
	})
	require.Nil(t, resp.Error)
	assert.Contains(t, string(resp.Result.(json.RawMessage)), "COMPLETED")

	resp = call(t, conn, 3, "listRecords", nil)
	require.Nil(t, resp.Error)
	assert.Contains(t, string(resp.Result.(json.RawMessage)), `"dateKey"`)
}

func TestErrorCodesOverWire(t *testing.T) {
	srv := testServer(t)
	conn := dial(t, srv, "alice", "s3cret")
	readFrame(t, conn)

	resp := call(t, conn, 1, "submitAnswer", map[string]string{
		"questionId": "mood", "value": "good",
	})
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeNoActive, resp.Error.Code)

	resp = call(t, conn, 2, "startPoll", map[string]string{"pollId": "mood"})
	require.Nil(t, resp.Error)

	resp = call(t, conn, 3, "startPoll", map[string]string{"pollId": "mood"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeConflict, resp.Error.Code)

	resp = call(t, conn, 4, "submitAnswer", map[string]string{
		"questionId": "mood", "value": "meh",
	})
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeValidation, resp.Error.Code)

	resp = call(t, conn, 5, "frobnicate", nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeNoMethod, resp.Error.Code)
}

func TestRecordChangedPushedToOtherSession(t *testing.T) {
	srv := testServer(t)
	first := dial(t, srv, "alice", "s3cret")
	readFrame(t, first) // session-ready

	second := dial(t, srv, "alice", "s3cret")
	readFrame(t, second)             // session-ready
	readFrame(t, first)              // client-connected push for the second session

	// Run the conversation on the first session.
	resp := call(t, first, 1, "startPoll", map[string]string{"pollId": "mood"})
	require.Nil(t, resp.Error)
	require.NoError(t, first.WriteJSON(map[string]interface{}{
		"id": 2, "method": "submitAnswer",
		"params": map[string]string{"questionId": "mood", "value": "good"},
	}))

	// Both sessions receive the record-changed push; on the originating
	// session it may arrive before or after the RPC response.
	awaitEvent(t, first, "record-changed")
	awaitEvent(t, second, "record-changed")
}

func awaitEvent(t *testing.T, conn *websocket.Conn, kind string) {
	t.Helper()
	for i := 0; i < 10; i++ {
		frame := readFrame(t, conn)
		raw, ok := frame["event"]
		if !ok {
			continue
		}
		var got string
		require.NoError(t, json.Unmarshal(raw, &got))
		if got == kind {
			return
		}
	}
	t.Fatalf("event %s never arrived", kind)
}
