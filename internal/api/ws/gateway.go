package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/diary-hub/diary-hub/internal/application/auth"
	"github.com/diary-hub/diary-hub/internal/application/chat"
	"github.com/diary-hub/diary-hub/internal/application/dispatch"
	"github.com/diary-hub/diary-hub/internal/application/session"
	"github.com/diary-hub/diary-hub/internal/domain/event"
	"github.com/diary-hub/diary-hub/internal/domain/record"
)

const (
	pongWait     = 60 * time.Second
	pingInterval = 25 * time.Second
	writeWait    = 10 * time.Second
	maxFrameSize = 65536
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // clients are first-party apps; tokens gate access
	},
}

// Gateway upgrades authenticated connections, registers them as sessions and
// runs one read pump and one write pump per connection. All outbound traffic,
// RPC responses and pushes alike, flows through the session queue so the
// single connection writer stays race-free.
type Gateway struct {
	registry *session.Registry
	manager  *chat.Manager
	store    record.Store
	auth     *auth.Service
	bus      *dispatch.Dispatcher
	logger   zerolog.Logger
}

func NewGateway(
	registry *session.Registry,
	manager *chat.Manager,
	store record.Store,
	authSvc *auth.Service,
	bus *dispatch.Dispatcher,
	logger zerolog.Logger,
) *Gateway {
	return &Gateway{
		registry: registry,
		manager:  manager,
		store:    store,
		auth:     authSvc,
		bus:      bus,
		logger:   logger.With().Str("service", "ws").Logger(),
	}
}

// ServeHTTP handles GET /v1/ws?user_id=...&token=...
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	token := r.URL.Query().Get("token")
	if userID == "" || token == "" {
		http.Error(w, "user_id and token required", http.StatusBadRequest)
		return
	}
	if err := g.auth.Authenticate(userID, token); err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := g.registry.Register(userID, conn)
	g.logger.Info().
		Str("user_id", userID).
		Str("session_id", client.SessionID.String()).
		Msg("session connected")

	// The first frame tells the new session its own id; the connected event
	// goes to the user's other sessions only.
	if hello, err := json.Marshal(map[string]interface{}{
		"event":   "session-ready",
		"payload": map[string]string{"sessionId": client.SessionID.String()},
	}); err == nil {
		client.TrySend(hello)
	}
	if ev, err := event.New(event.KindClientConnected, userID,
		event.ClientPayload{SessionID: client.SessionID.String()}); err == nil {
		ev.WithSource(client.SessionID).Excluding(client.SessionID)
		_ = g.bus.Publish(ev)
	}

	go g.writePump(conn, client)
	g.readPump(r.Context(), conn, client)
}

func (g *Gateway) readPump(ctx context.Context, conn *websocket.Conn, client *session.Client) {
	defer func() {
		if removed := g.registry.Unregister(client.SessionID); removed != nil {
			g.bus.SessionGone(removed)
			g.logger.Info().
				Str("user_id", removed.UserID).
				Str("session_id", removed.SessionID.String()).
				Msg("session disconnected")
		}
		_ = conn.Close()
	}()

	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		g.registry.Heartbeat(client.SessionID)
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		g.registry.Heartbeat(client.SessionID)

		resp := g.handle(ctx, client, data)
		frame, err := json.Marshal(resp)
		if err != nil {
			continue
		}
		if !client.TrySend(frame) {
			return
		}
	}
}

func (g *Gateway) writePump(conn *websocket.Conn, client *session.Client) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case frame, ok := <-client.Queue():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(writeWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

type chatParams struct {
	ChatID     string `json:"chatId"`
	PollID     string `json:"pollId"`
	QuestionID string `json:"questionId"`
	Value      string `json:"value"`
	Limit      int    `json:"limit"`
}

// handle routes one request to its operation. Panics from a faulty handler
// are contained to the request: the chat layer has already released its
// slot, the connection answers with an internal error and stays up.
func (g *Gateway) handle(ctx context.Context, client *session.Client, data []byte) (resp *Response) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return &Response{Error: &RPCError{Code: codeParse, Message: "malformed request"}}
	}

	defer func() {
		if r := recover(); r != nil {
			g.logger.Error().
				Str("method", req.Method).
				Str("session_id", client.SessionID.String()).
				Interface("panic", r).
				Msg("handler panicked")
			resp = &Response{ID: req.ID, Error: &RPCError{Code: codeInternal, Message: "internal error"}}
		}
	}()

	var p chatParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return &Response{ID: req.ID, Error: &RPCError{Code: codeParse, Message: "malformed params"}}
		}
	}
	if p.ChatID == "" {
		p.ChatID = client.UserID // single-chat clients omit the id
	}

	var result interface{}
	var err error
	switch req.Method {
	case "startPoll":
		result, err = g.manager.StartPoll(ctx, client.UserID, p.ChatID, p.PollID)
	case "submitAnswer":
		result, err = g.manager.RouteAnswer(ctx, client.UserID, p.ChatID, p.QuestionID, p.Value, nil)
	case "confirmPoll":
		result, err = g.manager.ConfirmPoll(ctx, client.UserID, p.ChatID, nil)
	case "finalizePoll":
		result, err = g.manager.FinalizePoll(ctx, client.UserID, p.ChatID, nil)
	case "cancelPoll":
		err = g.manager.CancelPoll(ctx, client.UserID, p.ChatID)
		if err == nil {
			result = map[string]bool{"cancelled": true}
		}
	case "getPolls":
		result, err = g.manager.Polls(client.UserID)
	case "listRecords":
		result, err = g.store.List(ctx, client.UserID, p.PollID, p.Limit)
		if err != nil {
			err = fmt.Errorf("%w: %v", record.ErrStore, err)
		}
	default:
		return &Response{ID: req.ID, Error: &RPCError{Code: codeNoMethod, Message: "unknown method " + req.Method}}
	}

	if err != nil {
		return &Response{ID: req.ID, Error: rpcError(err)}
	}
	return &Response{ID: req.ID, Result: result}
}
