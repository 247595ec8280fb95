// Package proxy implements the viewer-facing RTSP server: the listener,
// the per-connection session state machine, and the registry that maps
// camera hashes to their upstream session and subscriber set.
package proxy

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/ethan/rtsp-cam-proxy/pkg/camera"
	"github.com/ethan/rtsp-cam-proxy/pkg/config"
	"github.com/ethan/rtsp-cam-proxy/pkg/logger"
)

// Server owns the immutable configuration and the camera registry. It is
// passed by handle to every subscriber task; there is no other shared state.
type Server struct {
	cfg *config.Config
	log *logger.Logger

	listener net.Listener
	entries  map[string]*cameraEntry
	wg       sync.WaitGroup
	closed   atomic.Bool
}

// cameraEntry is one registry slot: the optional upstream session and the
// viewers subscribed to it, in insertion order. All mutations are serialized
// by mu; the fan-out path snapshots the subscriber set under the same lock.
type cameraEntry struct {
	hash  string
	index int

	mu     sync.Mutex
	camera *camera.Camera
	subs   map[string]*Subscriber
	order  []string
}

// sinks returns a snapshot of the subscriber set for the fan-out loops
func (e *cameraEntry) sinks() []camera.Sink {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]camera.Sink, 0, len(e.order))
	for _, sid := range e.order {
		out = append(out, e.subs[sid])
	}
	return out
}

// NewServer builds the registry from the configured camera set
func NewServer(cfg *config.Config, log *logger.Logger) *Server {
	srv := &Server{
		cfg:     cfg,
		log:     log,
		entries: make(map[string]*cameraEntry, cfg.Cameras.Len()),
	}
	for i, hash := range cfg.Cameras.Hashes() {
		srv.entries[hash] = &cameraEntry{
			hash:  hash,
			index: i,
			subs:  make(map[string]*Subscriber),
		}
	}
	return srv
}

// ListenAndServe accepts viewer connections until Close. One listener
// serves all cameras.
func (s *Server) ListenAndServe() error {
	addr := net.JoinHostPort(s.cfg.RTSPHost, strconv.Itoa(s.cfg.RTSPPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	s.listener = ln

	s.log.Info("start listening", "addr", addr, "tcp_mode", s.cfg.TCPMode)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Addr returns the bound listener address, nil before ListenAndServe
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops the listener and tears down every subscriber registered by
// PLAY; the last one of each camera closes its upstream. Connections that
// have not reached PLAY are not closed, and Close waits for their handlers
// to return. An upstream with no subscriber is not closed.
func (s *Server) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}

	for _, entry := range s.entries {
		entry.mu.Lock()
		victims := make([]*Subscriber, 0, len(entry.order))
		for _, sid := range entry.order {
			victims = append(victims, entry.subs[sid])
		}
		entry.mu.Unlock()

		for _, sub := range victims {
			s.cleanup(sub)
		}
	}

	s.wg.Wait()
	s.log.Info("server stopped")
}

// ensureCamera opens the upstream for the entry if it is not already open.
// The entry lock is held across negotiation so concurrent first-subscribers
// share a single connect. On failure the entry keeps upstream=nil and a
// later subscriber may retry.
func (s *Server) ensureCamera(entry *cameraEntry) (*camera.Camera, error) {
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.camera != nil {
		return entry.camera, nil
	}

	camCfg, _ := s.cfg.Cameras.Get(entry.hash)
	cam, err := camera.New(entry.hash, camCfg.URL, entry.index,
		s.cfg.StartUDPPort, s.cfg.TCPMode, s.log)
	if err != nil {
		return nil, err
	}
	cam.Subscribers = entry.sinks

	if err := cam.Connect(); err != nil {
		return nil, err
	}

	entry.camera = cam
	return cam, nil
}

// detach removes a subscriber from its camera's registry slot. The last
// detach closes the upstream.
func (s *Server) detach(sub *Subscriber) {
	entry := s.entries[sub.cameraHash]
	if entry == nil {
		return
	}

	entry.mu.Lock()
	existing, ok := entry.subs[sub.sessionID]
	if !ok || existing != sub {
		entry.mu.Unlock()
		return
	}
	delete(entry.subs, sub.sessionID)
	for i, sid := range entry.order {
		if sid == sub.sessionID {
			entry.order = append(entry.order[:i], entry.order[i+1:]...)
			break
		}
	}

	var cam *camera.Camera
	if len(entry.subs) == 0 {
		cam = entry.camera
		entry.camera = nil
	}
	entry.mu.Unlock()

	s.log.Info("client closed",
		"camera", sub.cameraHash,
		"session", sub.sessionID,
		"host", sub.host)

	if cam != nil {
		cam.Close()
	}
}

// cleanup detaches the subscriber and closes its socket. Idempotent; every
// error path and the fan-out write failure handler funnel through here.
func (s *Server) cleanup(sub *Subscriber) {
	if !sub.closed.CompareAndSwap(false, true) {
		return
	}
	s.detach(sub)
	_ = sub.conn.Close()
}

// checkWebLimit enforces the external-viewer cap for one camera after a new
// PLAY: when more than web_limit subscribers classified as web are attached,
// the oldest excess connections are dropped. Local viewers are never
// counted nor evicted.
func (s *Server) checkWebLimit(entry *cameraEntry, sub *Subscriber) {
	if s.cfg.WebLimit == 0 || isLocal(sub.host, s.cfg.LocalIP) {
		return
	}

	entry.mu.Lock()
	var webSubs []*Subscriber
	for _, sid := range entry.order {
		if !isLocal(entry.subs[sid].host, s.cfg.LocalIP) {
			webSubs = append(webSubs, entry.subs[sid])
		}
	}
	entry.mu.Unlock()

	if len(webSubs) <= s.cfg.WebLimit {
		return
	}
	for _, victim := range webSubs[:len(webSubs)-s.cfg.WebLimit] {
		s.log.Info("web limit exceeded, close old connection",
			"camera", entry.hash, "session", victim.sessionID)
		s.cleanup(victim)
	}
}

// isLocal classifies a peer host. A peer inside the 192.168.0.0/16 range
// that matches local_ip is still classified web; the asymmetry is part of
// the proxy's observable behavior and is kept.
func isLocal(host, localIP string) bool {
	if host == "127.0.0.1" || host == "localhost" {
		return true
	}
	if len(host) >= 8 && host[:8] == "192.168." && host != localIP {
		return true
	}
	return false
}
