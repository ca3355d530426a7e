package gateway

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const sendBufferSize = 64

// ChannelController is the channel-lifecycle plane this gateway fronts.
// Per spec.md §1 the chat-platform adapters themselves are external
// collaborators; this interface is the narrow control surface the gateway
// dispatches "channels.*" RPCs onto.
type ChannelController interface {
	Status(ctx context.Context, channelID string) (StatusResult, error)
	Start(ctx context.Context, channelID string) error
	Stop(ctx context.Context, channelID string) error
	Restart(ctx context.Context, channelID string) error
}

// Gateway serves the JSON-RPC control plane and broadcaster event stream
// over a single websocket connection per client.
type Gateway struct {
	Broadcaster *Broadcaster
	Channels    ChannelController
	upgrader    websocket.Upgrader
}

// New builds a Gateway. The upgrader accepts any origin, matching the
// teacher's existing posture of trusting callers authenticated upstream
// (the HTTP controller layer, out of scope per spec.md §1) rather than
// re-implementing origin checks here.
func New(broadcaster *Broadcaster, channels ChannelController) *Gateway {
	return &Gateway{
		Broadcaster: broadcaster,
		Channels:    channels,
		upgrader:    websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
}

// ServeWS upgrades r to a websocket and serves it until the client
// disconnects: a write pump streams broadcaster events, while inbound
// JSON-RPC requests are dispatched and answered on the same connection.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		zap.L().Warn("gateway: websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	clientID := uuid.NewString()
	events := g.Broadcaster.Subscribe(clientID)
	defer g.Broadcaster.Unsubscribe(clientID)

	send := make(chan any, sendBufferSize)
	done := make(chan struct{})
	defer close(done)

	go writePump(conn, send, done)
	go forwardEvents(events, send, done)

	g.readLoop(r.Context(), conn, send)
}

func (g *Gateway) readLoop(ctx context.Context, conn *websocket.Conn, send chan<- any) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req Request
		if err := json.Unmarshal(raw, &req); err != nil {
			send <- errorResponse(nil, CodeParseError, "invalid JSON")
			continue
		}
		send <- g.dispatch(ctx, req)
	}
}

// dispatch resolves one JSON-RPC request against the control-plane method
// table. Message delivery to the caller never happens here — only
// lifecycle status/result payloads — per spec.md §4.11.
func (g *Gateway) dispatch(ctx context.Context, req Request) Response {
	switch req.Method {
	case MethodPing:
		return resultResponse(req.ID, PongResult{Pong: true})
	case MethodStatus:
		return resultResponse(req.ID, StatusResult{State: "ok"})
	case MethodChannelsStatus:
		return g.channelCall(ctx, req, func(ctx context.Context, id string) (any, error) {
			return g.Channels.Status(ctx, id)
		})
	case MethodChannelsStart:
		return g.channelCall(ctx, req, func(ctx context.Context, id string) (any, error) {
			return StatusResult{ChannelID: id, State: "started"}, g.Channels.Start(ctx, id)
		})
	case MethodChannelsStop:
		return g.channelCall(ctx, req, func(ctx context.Context, id string) (any, error) {
			return StatusResult{ChannelID: id, State: "stopped"}, g.Channels.Stop(ctx, id)
		})
	case MethodChannelsRestart:
		return g.channelCall(ctx, req, func(ctx context.Context, id string) (any, error) {
			return StatusResult{ChannelID: id, State: "restarted"}, g.Channels.Restart(ctx, id)
		})
	default:
		return errorResponse(req.ID, CodeMethodNotFound, "unknown method: "+string(req.Method))
	}
}

type channelParams struct {
	ChannelID string `json:"channel_id"`
}

func (g *Gateway) channelCall(ctx context.Context, req Request, call func(context.Context, string) (any, error)) Response {
	if g.Channels == nil {
		return errorResponse(req.ID, CodeInternalError, "no channel controller configured")
	}
	var params channelParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errorResponse(req.ID, CodeInvalidParams, "invalid params")
		}
	}
	if params.ChannelID == "" {
		return errorResponse(req.ID, CodeInvalidParams, "channel_id is required")
	}
	result, err := call(ctx, params.ChannelID)
	if err != nil {
		return errorResponse(req.ID, CodeInternalError, err.Error())
	}
	return resultResponse(req.ID, result)
}

func writePump(conn *websocket.Conn, send <-chan any, done <-chan struct{}) {
	for {
		select {
		case msg := <-send:
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func forwardEvents(events <-chan Event, send chan<- any, done <-chan struct{}) {
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			select {
			case send <- event:
			case <-done:
				return
			}
		case <-done:
			return
		}
	}
}
