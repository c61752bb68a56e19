package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/gorilla/websocket"
	"go.viam.com/test"

	"github.com/skyhook-robotics/eskf/fusion"
	"github.com/skyhook-robotics/eskf/spatial"
)

type stubSource struct {
	poses chan fusion.FusedPose
}

func (s *stubSource) Subscribe(buffer int) (<-chan fusion.FusedPose, func()) {
	return s.poses, func() {}
}

func TestPoseFeed(t *testing.T) {
	logger := golog.NewTestLogger(t)
	src := &stubSource{poses: make(chan fusion.FusedPose, 4)}
	server := NewServer("127.0.0.1:0", src, logger)
	test.That(t, server.Start(context.Background()), test.ShouldBeNil)
	defer func() {
		test.That(t, server.Close(), test.ShouldBeNil)
	}()

	conn, resp, err := websocket.DefaultDialer.Dial(
		fmt.Sprintf("ws://%s/pose", server.Addr()), nil)
	test.That(t, err, test.ShouldBeNil)
	if resp != nil {
		test.That(t, resp.Body.Close(), test.ShouldBeNil)
	}
	defer func() {
		test.That(t, conn.Close(), test.ShouldBeNil)
	}()

	// Give the hub a beat to register the join before broadcasting.
	time.Sleep(50 * time.Millisecond)

	want := fusion.FusedPose{
		Orientation: spatial.NewZeroRotation(),
		Position:    r3.Vector{X: 1, Y: 2, Z: -3},
		Seq:         7,
		Stamp:       time.Now().UTC(),
	}
	src.poses <- want

	test.That(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)), test.ShouldBeNil)
	_, msg, err := conn.ReadMessage()
	test.That(t, err, test.ShouldBeNil)

	var got fusion.FusedPose
	test.That(t, json.Unmarshal(msg, &got), test.ShouldBeNil)
	test.That(t, got.Seq, test.ShouldEqual, uint64(7))
	test.That(t, got.Position.X, test.ShouldAlmostEqual, 1)
	test.That(t, got.Position.Z, test.ShouldAlmostEqual, -3)
	test.That(t, got.Orientation.W, test.ShouldAlmostEqual, 1)
}

func TestHealthz(t *testing.T) {
	logger := golog.NewTestLogger(t)
	src := &stubSource{poses: make(chan fusion.FusedPose)}
	server := NewServer("127.0.0.1:0", src, logger)
	test.That(t, server.Start(context.Background()), test.ShouldBeNil)
	defer func() {
		test.That(t, server.Close(), test.ShouldBeNil)
	}()

	resp, err := http.Get(fmt.Sprintf("http://%s/healthz", server.Addr()))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusOK)
	test.That(t, resp.Body.Close(), test.ShouldBeNil)
}

func TestCloseDisconnectsClients(t *testing.T) {
	logger := golog.NewTestLogger(t)
	src := &stubSource{poses: make(chan fusion.FusedPose)}
	server := NewServer("127.0.0.1:0", src, logger)
	test.That(t, server.Start(context.Background()), test.ShouldBeNil)

	conn, resp, err := websocket.DefaultDialer.Dial(
		fmt.Sprintf("ws://%s/pose", server.Addr()), nil)
	test.That(t, err, test.ShouldBeNil)
	if resp != nil {
		test.That(t, resp.Body.Close(), test.ShouldBeNil)
	}
	time.Sleep(50 * time.Millisecond)

	test.That(t, server.Close(), test.ShouldBeNil)

	test.That(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)), test.ShouldBeNil)
	_, _, err = conn.ReadMessage()
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, conn.Close(), test.ShouldBeNil)
}
