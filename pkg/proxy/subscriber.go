package proxy

import (
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethan/rtsp-cam-proxy/pkg/camera"
	"github.com/ethan/rtsp-cam-proxy/pkg/logger"
	"github.com/ethan/rtsp-cam-proxy/pkg/rtsp"
)

const (
	// readChunkSize bounds every viewer socket read
	readChunkSize = 2048

	writeTimeout = 5 * time.Second

	sessionIDAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	sessionIDLength   = 9
)

// Subscriber is one viewer connection. It runs the downstream RTSP state
// machine and, once playing, acts as a fan-out sink. It holds the camera
// hash, never the registry entry.
type Subscriber struct {
	server *Server
	conn   net.Conn
	log    *logger.Logger

	host    string
	tcpPort int
	peerIP  net.IP

	cameraHash string
	sessionID  string
	userAgent  string
	lastCSeq   int

	// client_port pairs by track index, recorded at SETUP (UDP mode)
	udpPorts    [2][2]int
	tracksSetUp int

	writeMu sync.Mutex
	closed  atomic.Bool
}

func newSessionID() string {
	b := make([]byte, sessionIDLength)
	for i := range b {
		b[i] = sessionIDAlphabet[rand.Intn(len(sessionIDAlphabet))]
	}
	return string(b)
}

// handleConn runs the RTSP request loop for one viewer connection
func (s *Server) handleConn(conn net.Conn) {
	sub := &Subscriber{
		server:    s,
		conn:      conn,
		log:       s.log,
		userAgent: rtsp.DefaultUserAgent,
	}
	if addr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		sub.host = addr.IP.String()
		sub.tcpPort = addr.Port
		sub.peerIP = addr.IP
	}

	s.log.DebugRTSP("new connection", "host", sub.host, "port", sub.tcpPort)

	buf := make([]byte, readChunkSize)
	for {
		n, err := conn.Read(buf)
		if err != nil || n == 0 {
			s.cleanup(sub)
			s.log.DebugRTSP("connection closed", "host", sub.host, "port", sub.tcpPort)
			return
		}
		data := buf[:n]

		// Viewers may push interleaved receiver reports on the RTSP
		// socket after SETUP; they are not requests
		if rtsp.IsInterleaved(data) {
			continue
		}

		streaming, err := sub.handleRequest(data)
		if err != nil {
			s.log.Warn("can't handle request",
				"host", sub.host, "camera", sub.cameraHash, "error", err)
			s.cleanup(sub)
			return
		}
		if streaming {
			// TCP mode: the socket is a pure media broadcast target now
			return
		}
	}
}

// handleRequest parses and dispatches one request. The returned flag stops
// the request loop once the connection switches to interleaved streaming.
// Any error closes the connection without a reply.
func (sub *Subscriber) handleRequest(data []byte) (bool, error) {
	srv := sub.server

	req, err := rtsp.ParseRequest(data)
	if err != nil {
		return false, err
	}

	sub.log.DebugRTSP("client read", "request", string(data))

	sub.lastCSeq = req.CSeq
	sub.userAgent = req.UserAgent

	if sub.cameraHash == "" {
		hash := req.Path()
		if !srv.cfg.Cameras.Has(hash) {
			return false, fmt.Errorf("invalid camera hash %q", hash)
		}
		sub.cameraHash = hash
	}

	if sub.sessionID == "" && req.Session != "" {
		sub.sessionID = req.Session
	}

	entry := srv.entries[sub.cameraHash]

	switch req.Method {
	case "OPTIONS":
		return false, sub.respond("Public: OPTIONS, DESCRIBE, SETUP, TEARDOWN, PLAY")

	case "DESCRIBE":
		cam, err := srv.ensureCamera(entry)
		if err != nil {
			return false, err
		}
		desc := cam.Description().Marshal(srv.cfg.LocalIP)
		return false, sub.respond(
			"Content-Type: application/sdp",
			fmt.Sprintf("Content-Length: %d", len(desc)+4),
			"",
			desc)

	case "SETUP":
		if sub.sessionID == "" {
			sub.sessionID = newSessionID()
		}
		transport, err := sub.transportReply(req.Transport)
		if err != nil {
			return false, err
		}
		return false, sub.respond(transport,
			fmt.Sprintf("Session: %s;timeout=60", sub.sessionID))

	case "PLAY":
		return sub.handlePlay(entry)

	case "TEARDOWN":
		if err := sub.respond("Session: " + sub.sessionID); err != nil {
			return false, err
		}
		srv.detach(sub)
		return false, nil

	default:
		// Unsupported methods get no reply, matching the proxy's
		// advertised Public set
		sub.log.DebugRTSP("unsupported method", "method", req.Method)
		return false, nil
	}
}

// handlePlay registers the subscriber, brings the upstream to PLAYING, and
// answers with the rewritten RTP-Info. Registration happens before the
// upstream PLAY so the first relayed frame already reaches this viewer.
func (sub *Subscriber) handlePlay(entry *cameraEntry) (bool, error) {
	srv := sub.server

	cam, err := srv.ensureCamera(entry)
	if err != nil {
		return false, err
	}

	if sub.sessionID == "" {
		sub.sessionID = newSessionID()
	}

	entry.mu.Lock()
	if _, ok := entry.subs[sub.sessionID]; !ok {
		entry.subs[sub.sessionID] = sub
		entry.order = append(entry.order, sub.sessionID)
	}
	err = cam.Play()
	entry.mu.Unlock()
	if err != nil {
		return false, err
	}

	lines := []string{"Session: " + sub.sessionID}
	if !srv.cfg.TCPMode {
		if info := sub.rtpInfoLine(cam); info != "" {
			lines = append(lines, info)
		}
	}
	if err := sub.respond(lines...); err != nil {
		return false, err
	}

	srv.checkWebLimit(entry, sub)

	srv.log.Info("client play",
		"camera", sub.cameraHash,
		"session", sub.sessionID,
		"host", sub.host,
		"user_agent", sub.userAgent)

	return srv.cfg.TCPMode, nil
}

// respond sends a 200 OK reply echoing the request's CSeq
func (sub *Subscriber) respond(lines ...string) error {
	out := rtsp.EmitResponse(sub.lastCSeq, lines...)

	sub.log.DebugRTSP("client write", "reply", string(out))

	sub.writeMu.Lock()
	defer sub.writeMu.Unlock()
	if err := sub.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	_, err := sub.conn.Write(out)
	return err
}

// transportReply builds the Transport header for a SETUP reply and records
// the viewer's media destination. Tracks are indexed by SETUP order: the
// first SETUP on a connection is track 0, the next is track 1.
func (sub *Subscriber) transportReply(transport string) (string, error) {
	if sub.server.cfg.TCPMode {
		channels := rtsp.TransportChannels(transport)
		return fmt.Sprintf("Transport: RTP/AVP/TCP;unicast;interleaved=%s", channels), nil
	}

	rtpPort, rtcpPort, err := rtsp.TransportClientPorts(transport)
	if err != nil {
		return "", err
	}

	idx := sub.tracksSetUp
	if idx > 1 {
		idx = 1
	}
	sub.udpPorts[idx] = [2]int{rtpPort, rtcpPort}
	if sub.tracksSetUp < 2 {
		sub.tracksSetUp++
	}

	return fmt.Sprintf("Transport: RTP/AVP;unicast;client_port=%d-%d;server_port=5998-5999",
		rtpPort, rtcpPort), nil
}

// rtpInfoLine rewrites the upstream RTP-Info for this viewer: sequence
// numbers pass through, rtptime advances by the wall time elapsed since the
// upstream PLAY, scaled by each track's clock frequency.
func (sub *Subscriber) rtpInfoLine(cam *camera.Camera) string {
	info := cam.Info()
	if info == nil {
		return ""
	}
	desc := cam.Description()
	cfg := sub.server.cfg

	delta := time.Since(info.Start).Seconds()

	rtptime, _ := strconv.ParseInt(info.Rtptime[0], 10, 64)
	rtptime += int64(delta * float64(desc.ClockFrequency(0)))

	res := fmt.Sprintf("RTP-Info: url=rtsp://%s:%d/track1;seq=%s;rtptime=%d",
		cfg.LocalIP, cfg.RTSPPort, info.Seq[0], rtptime)

	if len(info.Seq) < 2 {
		return res
	}

	rtptime, _ = strconv.ParseInt(info.Rtptime[1], 10, 64)
	rtptime += int64(delta * float64(desc.ClockFrequency(1)))

	return res + fmt.Sprintf(",url=rtsp://%s:%d/track2;seq=%s;rtptime=%d",
		cfg.LocalIP, cfg.RTSPPort, info.Seq[1], rtptime)
}

// WriteInterleaved relays one raw chunk from the camera to this viewer.
// A failed write drops the subscriber; the fan-out continues with the rest.
func (sub *Subscriber) WriteInterleaved(frame []byte) error {
	if sub.closed.Load() {
		return net.ErrClosed
	}

	sub.writeMu.Lock()
	err := sub.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err == nil {
		_, err = sub.conn.Write(frame)
	}
	sub.writeMu.Unlock()

	if err != nil {
		sub.server.cleanup(sub)
	}
	return err
}

// UDPTarget returns the viewer's datagram destination for the given track,
// nil when the track was never set up
func (sub *Subscriber) UDPTarget(track int) *net.UDPAddr {
	if track < 0 || track >= sub.tracksSetUp || sub.peerIP == nil {
		return nil
	}
	return &net.UDPAddr{IP: sub.peerIP, Port: sub.udpPorts[track][0]}
}
