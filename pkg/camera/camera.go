// Package camera maintains the upstream RTSP session for a single camera:
// connection negotiation, the interleaved TCP read loop, and the UDP
// datagram endpoints that feed the viewer fan-out.
package camera

import (
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/ethan/rtsp-cam-proxy/pkg/logger"
	"github.com/ethan/rtsp-cam-proxy/pkg/rtsp"
	"github.com/ethan/rtsp-cam-proxy/pkg/sdp"
)

const (
	dialTimeout    = 10 * time.Second
	requestTimeout = 10 * time.Second

	// readChunkSize bounds every socket read on the upstream connection,
	// both during negotiation and in the interleaved relay loop
	readChunkSize = 2048
)

var (
	ErrUpstream       = errors.New("upstream protocol error")
	ErrAuthRejected   = errors.New("upstream rejected digest credentials")
	ErrInvalidSession = errors.New("invalid session id in reply")
)

// Sink is one downstream viewer as seen by the fan-out path
type Sink interface {
	// WriteInterleaved relays a raw chunk read from the camera's TCP socket
	WriteInterleaved(frame []byte) error
	// UDPTarget returns the viewer's datagram destination for the given
	// track index, or nil if the viewer never set the track up
	UDPTarget(track int) *net.UDPAddr
}

// RTPInfo captures the synchronization values of the upstream PLAY reply
// together with the wall time they were observed at
type RTPInfo struct {
	Seq     []string
	Rtptime []string
	Start   time.Time
}

// Camera is one upstream RTSP session. The registry opens it for the first
// viewer that DESCRIBEs or PLAYs and closes it when the last subscribed
// viewer detaches. A viewer that leaves before PLAY is never subscribed, so
// its leaving does not close a camera opened for it.
type Camera struct {
	Hash string

	url          *rtsp.URL
	tcpMode      bool
	index        int
	startUDPPort int
	log          *logger.Logger

	// Subscribers returns a snapshot of the current viewer set. Set by the
	// registry before Connect; the fan-out loops call it per frame/datagram.
	Subscribers func() []Sink

	conn net.Conn
	cseq int
	auth rtsp.Digest

	sessionID   string
	description *sdp.Description
	trackIDs    []string
	rtpInfo     *RTPInfo

	udpPorts [2][2]int
	udpConns map[int]*net.UDPConn

	playing    bool
	tcpStarted bool

	closed atomic.Bool
	done   chan struct{}

	videoPackets atomic.Uint64
	audioPackets atomic.Uint64
	rtcpPackets  atomic.Uint64
	startTime    time.Time
}

// New builds an upstream session for the camera at the given config index.
// The URL must parse; nothing is dialed yet.
func New(hash, rawURL string, index, startUDPPort int, tcpMode bool, log *logger.Logger) (*Camera, error) {
	u, err := rtsp.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("camera %s: %w", hash, err)
	}

	return &Camera{
		Hash:         hash,
		url:          u,
		tcpMode:      tcpMode,
		index:        index,
		startUDPPort: startUDPPort,
		log:          log.With("camera", hash),
		auth:         rtsp.Digest{Login: u.Login, Password: u.Password},
		cseq:         1,
		udpConns:     make(map[int]*net.UDPConn),
		done:         make(chan struct{}),
	}, nil
}

// Description returns the parsed upstream SDP. Valid after Connect.
func (c *Camera) Description() *sdp.Description {
	return c.description
}

// Info returns the captured RTP-Info values, nil before PLAY
func (c *Camera) Info() *RTPInfo {
	return c.rtpInfo
}

// UDPPorts returns the camera's local receive ports for the given track
func (c *Camera) UDPPorts(track int) [2]int {
	return c.udpPorts[track]
}

// selfUDPPorts derives the camera's receive port block from its position in
// the configuration: four consecutive ports starting at
// start_udp_port + 4*index
func (c *Camera) selfUDPPorts() [2][2]int {
	base := c.startUDPPort + c.index*4
	return [2][2]int{
		{base, base + 1},
		{base + 2, base + 3},
	}
}

// Connect dials the camera and negotiates OPTIONS, DESCRIBE (with a single
// 401 Digest retry) and SETUP for the first announced track and, if there
// is one, the second. Further tracks are not set up.
func (c *Camera) Connect() error {
	c.udpPorts = c.selfUDPPorts()

	dialer := &net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.Dial("tcp", c.url.Addr())
	if err != nil {
		return fmt.Errorf("can't connect [%s]: %w", c.Hash, err)
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		// Media frames must not sit in Nagle buffers
		_ = tcpConn.SetNoDelay(true)
	}
	c.conn = conn
	c.startTime = time.Now()

	if _, err := c.request("OPTIONS", c.url.String()); err != nil {
		c.abort()
		return err
	}

	resp, err := c.request("DESCRIBE", c.url.String(), "Accept: application/sdp")
	if err != nil {
		c.abort()
		return err
	}

	if resp.Code == 401 {
		if err := c.auth.Challenge(resp.Header("WWW-Authenticate")); err != nil {
			c.abort()
			return err
		}
		resp, err = c.request("DESCRIBE", c.url.String(), "Accept: application/sdp")
		if err != nil {
			c.abort()
			return err
		}
		if resp.Code == 401 {
			c.abort()
			return fmt.Errorf("%w [%s]", ErrAuthRejected, c.Hash)
		}
	}
	if resp.Code != 200 {
		c.abort()
		return fmt.Errorf("%w: DESCRIBE returned %d [%s]", ErrUpstream, resp.Code, c.Hash)
	}

	c.description, err = sdp.ParseDescribe(resp.Body)
	if err != nil {
		c.abort()
		return fmt.Errorf("[%s] %w", c.Hash, err)
	}

	c.trackIDs, err = sdp.TrackControlIDs(resp.Body)
	if err != nil {
		c.abort()
		return fmt.Errorf("[%s] %w", c.Hash, err)
	}

	c.log.DebugSDP("camera tracks parsed",
		"tracks", len(c.trackIDs),
		"has_audio", c.description.HasAudio())

	resp, err = c.request("SETUP",
		fmt.Sprintf("%s/%s", c.url.String(), c.trackIDs[0]),
		c.transportLine(0))
	if err != nil {
		c.abort()
		return err
	}
	if resp.Code != 200 {
		c.abort()
		return fmt.Errorf("%w: SETUP returned %d [%s]", ErrUpstream, resp.Code, c.Hash)
	}

	session := resp.Header("Session")
	if session == "" {
		c.abort()
		return fmt.Errorf("%w [%s]", ErrInvalidSession, c.Hash)
	}
	c.sessionID = rtsp.SessionID(session)

	if len(c.trackIDs) > 1 {
		resp, err = c.request("SETUP",
			fmt.Sprintf("%s/%s", c.url.String(), c.trackIDs[1]),
			c.transportLine(1),
			fmt.Sprintf("Session: %s", c.sessionID))
		if err != nil {
			c.abort()
			return err
		}
		if resp.Code != 200 {
			c.abort()
			return fmt.Errorf("%w: SETUP returned %d [%s]", ErrUpstream, resp.Code, c.Hash)
		}
	}

	go c.statsLoop()

	c.log.Info("camera connected", "url", c.url.String())
	return nil
}

// Play moves the upstream to PLAYING and starts the fan-out path. Invoked
// for every viewer PLAY; only the first one talks to the camera.
func (c *Camera) Play() error {
	if c.playing {
		return nil
	}

	resp, err := c.request("PLAY", c.url.String(),
		fmt.Sprintf("Session: %s", c.sessionID),
		"Range: npt=0.000-")
	if err != nil {
		return err
	}
	if resp.Code != 200 {
		return fmt.Errorf("%w: PLAY returned %d [%s]", ErrUpstream, resp.Code, c.Hash)
	}

	if info := resp.Header("RTP-Info"); info != "" {
		parsed, err := rtsp.ParseRTPInfo(info)
		if err != nil {
			return fmt.Errorf("[%s] %w", c.Hash, err)
		}
		c.rtpInfo = &RTPInfo{Seq: parsed.Seq, Rtptime: parsed.Rtptime, Start: time.Now()}
	}

	c.playing = true

	if c.tcpMode {
		if !c.tcpStarted {
			c.tcpStarted = true
			go c.interleave()
		}
		return nil
	}

	if err := c.startUDPEndpoint(0); err != nil {
		return err
	}
	if c.description.HasAudio() {
		if err := c.startUDPEndpoint(1); err != nil {
			return err
		}
	}
	return nil
}

// Close shuts the upstream down: the TCP writer and, in UDP mode, every
// datagram endpoint. Invoked when the last viewer detaches.
func (c *Camera) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	close(c.done)

	if c.conn != nil {
		_ = c.conn.Close()
	}
	for _, uc := range c.udpConns {
		_ = uc.Close()
	}

	c.log.Info("camera closed",
		"uptime", time.Since(c.startTime).Round(time.Second),
		"video_packets", int(c.videoPackets.Load()),
		"audio_packets", int(c.audioPackets.Load()),
		"rtcp_packets", int(c.rtcpPackets.Load()))
}

// abort tears the half-negotiated connection down after a Connect failure
func (c *Camera) abort() {
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

// transportLine builds the Transport header for the given track index
func (c *Camera) transportLine(idx int) string {
	if c.tcpMode {
		channel := "0-1"
		if idx > 0 {
			channel = "2-3"
		}
		return fmt.Sprintf("Transport: RTP/AVP/TCP;unicast;interleaved=%s", channel)
	}
	return fmt.Sprintf("Transport: RTP/AVP;unicast;client_port=%d-%d",
		c.udpPorts[idx][0], c.udpPorts[idx][1])
}

// request sends one RTSP request and reads the camera's reply. The CSeq
// counter advances per request; once a Digest challenge has been captured,
// every request carries an Authorization line.
func (c *Camera) request(method, uri string, lines ...string) (*rtsp.Response, error) {
	if c.auth.Ready() {
		lines = append([]string{c.auth.AuthorizationLine(method, c.url.String())}, lines...)
	}

	out := rtsp.EmitRequest(method, uri, c.cseq, lines...)
	c.cseq++

	c.log.DebugRTSP("camera write", "request", string(out))

	if err := c.conn.SetWriteDeadline(time.Now().Add(requestTimeout)); err != nil {
		return nil, err
	}
	if _, err := c.conn.Write(out); err != nil {
		return nil, fmt.Errorf("%s write [%s]: %w", method, c.Hash, err)
	}

	return c.readReply(method)
}

// readReply reads one reply off the upstream socket. Interleaved data
// arriving instead of text is not an error: it is reported as a bare 200 so
// negotiation code can move on.
func (c *Camera) readReply(method string) (*rtsp.Response, error) {
	buf := make([]byte, readChunkSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(requestTimeout)); err != nil {
		return nil, err
	}
	n, err := c.conn.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("%s read [%s]: %w", method, c.Hash, err)
	}
	data := buf[:n]

	if rtsp.IsInterleaved(data) {
		c.log.DebugRTSP("camera read: interleaved binary data")
		return &rtsp.Response{Code: 200}, nil
	}

	resp := rtsp.ParseResponse(data)

	// The first read may cut the body short; keep reading until
	// Content-Length is satisfied
	for want := resp.ContentLength(); want > len(resp.Body); {
		if err := c.conn.SetReadDeadline(time.Now().Add(requestTimeout)); err != nil {
			return nil, err
		}
		n, err := c.conn.Read(buf)
		if err != nil {
			return nil, fmt.Errorf("%s read [%s]: %w", method, c.Hash, err)
		}
		data = append(data, buf[:n]...)
		resp = rtsp.ParseResponse(data)
	}

	c.log.DebugRTSP("camera read", "reply", resp.Raw)

	if resp.Code == 0 {
		return resp, fmt.Errorf("%w: unparseable reply to %s [%s]", ErrUpstream, method, c.Hash)
	}
	return resp, nil
}

// statsLoop logs per-camera throughput while the upstream is alive
func (c *Camera) statsLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.log.Info("camera statistics",
				"uptime", time.Since(c.startTime).Round(time.Second),
				"video_packets", int(c.videoPackets.Load()),
				"audio_packets", int(c.audioPackets.Load()),
				"rtcp_packets", int(c.rtcpPackets.Load()))
		}
	}
}
