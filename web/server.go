// Package web serves the node's telemetry surface: a websocket feed of
// fused poses at /pose and a plain health endpoint.
package web

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/edaniels/golog"
	goutils "go.viam.com/utils"

	"github.com/skyhook-robotics/eskf/fusion"
)

// PoseSource is the slice of the node the server consumes.
type PoseSource interface {
	Subscribe(buffer int) (<-chan fusion.FusedPose, func())
}

const (
	clientSendBuffer = 16
	poseSubBuffer    = 64
)

// Server broadcasts fused poses to websocket clients.
type Server struct {
	logger golog.Logger
	source PoseSource

	httpServer *http.Server
	listener   net.Listener

	join    chan *client
	leave   chan *client
	done    chan struct{}
	clients map[*client]bool

	cancel  context.CancelFunc
	workers sync.WaitGroup
}

// NewServer creates a telemetry server bound to addr.
func NewServer(addr string, source PoseSource, logger golog.Logger) *Server {
	s := &Server{
		logger:  logger,
		source:  source,
		join:    make(chan *client),
		leave:   make(chan *client),
		done:    make(chan struct{}),
		clients: map[*client]bool{},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/pose", s.servePose)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, err := w.Write([]byte("ok"))
		goutils.UncheckedError(err)
	})
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Addr reports the bound listen address. Only valid after Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.httpServer.Addr
	}
	return s.listener.Addr().String()
}

// Start binds the listener and launches the broadcast hub.
func (s *Server) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	s.listener = lis

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	poses, unsubscribe := s.source.Subscribe(poseSubBuffer)

	s.workers.Add(1)
	goutils.PanicCapturingGo(func() {
		defer s.workers.Done()
		defer unsubscribe()
		s.hubLoop(runCtx, poses)
	})

	s.workers.Add(1)
	goutils.PanicCapturingGo(func() {
		defer s.workers.Done()
		s.logger.Infow("telemetry listening", "addr", s.Addr())
		if err := s.httpServer.Serve(lis); err != nil && err != http.ErrServerClosed {
			s.logger.Errorw("telemetry server failed", "error", err)
		}
	})
	return nil
}

// hubLoop owns the client set: joins, leaves and pose broadcast all
// funnel through here, so no locking is needed around the map.
func (s *Server) hubLoop(ctx context.Context, poses <-chan fusion.FusedPose) {
	defer func() {
		close(s.done)
		for c := range s.clients {
			close(c.send)
			goutils.UncheckedErrorFunc(c.conn.Close)
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-s.join:
			s.clients[c] = true
			s.logger.Debugw("telemetry client joined", "clients", len(s.clients))
		case c := <-s.leave:
			if s.clients[c] {
				delete(s.clients, c)
				close(c.send)
			}
			s.logger.Debugw("telemetry client left", "clients", len(s.clients))
		case pose := <-poses:
			msg, err := json.Marshal(pose)
			if err != nil {
				s.logger.Errorw("marshaling pose", "error", err)
				continue
			}
			for c := range s.clients {
				select {
				case c.send <- msg:
				default:
					// Slow client: skip this pose for it.
				}
			}
		}
	}
}

// Close shuts down the HTTP listener and the hub.
func (s *Server) Close() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.httpServer.Shutdown(shutdownCtx)
	if s.cancel != nil {
		s.cancel()
	}
	s.workers.Wait()
	return err
}
