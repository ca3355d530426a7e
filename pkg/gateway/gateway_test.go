package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type fakeChannelController struct {
	started  []string
	stopped  []string
	restarts []string
}

func (f *fakeChannelController) Status(_ context.Context, id string) (StatusResult, error) {
	return StatusResult{ChannelID: id, State: "running"}, nil
}

func (f *fakeChannelController) Start(_ context.Context, id string) error {
	f.started = append(f.started, id)
	return nil
}

func (f *fakeChannelController) Stop(_ context.Context, id string) error {
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeChannelController) Restart(_ context.Context, id string) error {
	f.restarts = append(f.restarts, id)
	return nil
}

func dialGateway(t *testing.T, gw *Gateway) (*websocket.Conn, func()) {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(gw.ServeWS))
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		server.Close()
		t.Fatalf("dial: %v", err)
	}
	return conn, func() { conn.Close(); server.Close() }
}

func call(t *testing.T, conn *websocket.Conn, id, method string, params any) Response {
	t.Helper()
	req := map[string]any{"id": json.RawMessage(id), "method": method}
	if params != nil {
		p, _ := json.Marshal(params)
		req["params"] = json.RawMessage(p)
	}
	if err := conn.WriteJSON(req); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var resp Response
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("read: %v", err)
	}
	return resp
}

func TestPingReturnsPong(t *testing.T) {
	gw := New(NewBroadcaster(4), &fakeChannelController{})
	conn, closeFn := dialGateway(t, gw)
	defer closeFn()

	resp := call(t, conn, "1", string(MethodPing), nil)
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
}

func TestChannelsStartDispatchesToController(t *testing.T) {
	controller := &fakeChannelController{}
	gw := New(NewBroadcaster(4), controller)
	conn, closeFn := dialGateway(t, gw)
	defer closeFn()

	resp := call(t, conn, "2", string(MethodChannelsStart), channelParams{ChannelID: "discord-1"})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	if len(controller.started) != 1 || controller.started[0] != "discord-1" {
		t.Fatalf("expected controller.Start called with discord-1, got %v", controller.started)
	}
}

func TestUnknownMethodReturnsMethodNotFound(t *testing.T) {
	gw := New(NewBroadcaster(4), &fakeChannelController{})
	conn, closeFn := dialGateway(t, gw)
	defer closeFn()

	resp := call(t, conn, "3", "bogus.method", nil)
	if resp.Error == nil || resp.Error.Code != CodeMethodNotFound {
		t.Fatalf("expected CodeMethodNotFound, got %+v", resp.Error)
	}
}

func TestChannelsStartMissingChannelIDReturnsInvalidParams(t *testing.T) {
	gw := New(NewBroadcaster(4), &fakeChannelController{})
	conn, closeFn := dialGateway(t, gw)
	defer closeFn()

	resp := call(t, conn, "4", string(MethodChannelsStart), channelParams{})
	if resp.Error == nil || resp.Error.Code != CodeInvalidParams {
		t.Fatalf("expected CodeInvalidParams, got %+v", resp.Error)
	}
}

func TestBroadcastEventDeliveredOverSameConnection(t *testing.T) {
	bus := NewBroadcaster(4)
	gw := New(bus, &fakeChannelController{})
	conn, closeFn := dialGateway(t, gw)
	defer closeFn()

	// give ServeWS a moment to register the subscription before publishing
	time.Sleep(50 * time.Millisecond)
	bus.Publish(Event{Type: "event", Event: EventAgentResponse, Data: "hello"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var evt Event
	if err := conn.ReadJSON(&evt); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if evt.Event != EventAgentResponse {
		t.Fatalf("expected agent.response event, got %+v", evt)
	}
}
