package broadcast

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

func dialHub(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForClients(t *testing.T, h *WSHub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.ClientCount() < n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d clients, have %d", n, h.ClientCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWSHub_RoomFiltering(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewWSHub(nil)
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	gameOnly := dialHub(t, srv, "?room=game")
	everything := dialHub(t, srv, "")
	waitForClients(t, hub, 2)

	hub.Emit(RoomMarket, EventPriceUpdate, PriceUpdate{PlayerID: "p1", Seq: 1})
	hub.Emit(RoomGame, EventGameScore, GameScore{HomeScore: 10, AwayScore: 8})

	// The unfiltered client sees both, in emit order.
	for _, want := range []string{EventPriceUpdate, EventGameScore} {
		everything.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := everything.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if msg.Event != want {
			t.Errorf("expected %s, got %s", want, msg.Event)
		}
	}

	// The game-room client only sees the score.
	gameOnly.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := gameOnly.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg Message
	json.Unmarshal(data, &msg)
	if msg.Event != EventGameScore || msg.Room != RoomGame {
		t.Errorf("game client got %s/%s", msg.Room, msg.Event)
	}
}

func TestWSHub_EmitNeverBlocks(t *testing.T) {
	hub := NewWSHub(nil) // run loop not started: buffer fills up

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5000; i++ {
			hub.Emit(RoomMarket, EventPriceUpdate, PriceUpdate{Seq: uint64(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked with a full buffer")
	}
}

func TestRecorder_Named(t *testing.T) {
	r := NewRecorder()
	r.Emit(RoomMarket, EventPriceUpdate, 1)
	r.Emit(RoomGame, EventGameScore, 2)
	r.Emit(RoomMarket, EventPriceUpdate, 3)

	got := r.Named(EventPriceUpdate)
	if len(got) != 2 || got[0].Payload != 1 || got[1].Payload != 3 {
		t.Errorf("unexpected recorded updates: %+v", got)
	}
	r.Reset()
	if len(r.Messages()) != 0 {
		t.Error("expected empty recorder after Reset")
	}
}
