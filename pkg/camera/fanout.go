package camera

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/ethan/rtsp-cam-proxy/pkg/logger"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"golang.org/x/time/rate"
)

// warnEvery bounds how often fan-out write failures hit the log; a flapping
// viewer produces one per relayed frame otherwise
var warnEvery = rate.Every(time.Second)

// noDeadline clears a previously set socket deadline
var noDeadline = time.Time{}

// interleave is the TCP-mode fan-out loop: raw chunks from the camera
// socket are broadcast verbatim to every subscribed viewer. The loop ends
// when the viewer set becomes empty or the upstream socket dies.
func (c *Camera) interleave() {
	limiter := rate.NewLimiter(warnEvery, 1)
	buf := make([]byte, readChunkSize)

	for {
		// Fan-out reads have no deadline: an idle camera just blocks here
		if err := c.conn.SetReadDeadline(noDeadline); err != nil {
			return
		}
		n, err := c.conn.Read(buf)
		if err != nil {
			if !c.closed.Load() {
				c.log.Warn("camera interleave read failed", "error", err)
			}
			return
		}
		frame := buf[:n]

		c.inspectInterleaved(frame)

		sinks := c.Subscribers()
		if len(sinks) == 0 {
			c.log.DebugFanout("no subscribers left, interleave loop done")
			return
		}

		for _, s := range sinks {
			if err := s.WriteInterleaved(frame); err != nil && limiter.Allow() {
				c.log.Warn("subscriber write failed", "error", err)
			}
		}
	}
}

// startUDPEndpoint binds the camera's RTP and RTCP receive ports for one
// track and starts the datagram relay. Idempotent per track.
func (c *Camera) startUDPEndpoint(track int) error {
	if _, ok := c.udpConns[track*2]; ok {
		return nil
	}

	rtpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: c.udpPorts[track][0]})
	if err != nil {
		return fmt.Errorf("can't bind udp port %d [%s]: %w", c.udpPorts[track][0], c.Hash, err)
	}
	c.udpConns[track*2] = rtpConn
	go c.relayDatagrams(rtpConn, track)

	rtcpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: c.udpPorts[track][1]})
	if err != nil {
		return fmt.Errorf("can't bind udp port %d [%s]: %w", c.udpPorts[track][1], c.Hash, err)
	}
	c.udpConns[track*2+1] = rtcpConn
	go c.drainRTCP(rtcpConn, track)

	return nil
}

// relayDatagrams copies every RTP datagram received from the camera to each
// viewer's client_port for the track. Viewers joining concurrently become
// visible to the next datagram.
func (c *Camera) relayDatagrams(conn *net.UDPConn, track int) {
	limiter := rate.NewLimiter(warnEvery, 1)
	buf := make([]byte, readChunkSize)

	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if !c.closed.Load() {
				c.log.Warn("udp endpoint read failed", "track", track, "error", err)
			}
			return
		}
		data := buf[:n]

		c.countRTP(data, track)

		for _, s := range c.Subscribers() {
			addr := s.UDPTarget(track)
			if addr == nil {
				continue
			}
			if _, err := conn.WriteToUDP(data, addr); err != nil && limiter.Allow() {
				c.log.Warn("udp relay write failed", "track", track, "error", err)
			}
		}
	}
}

// drainRTCP receives the camera's RTCP reports. They are not forwarded;
// every datagram bumps the RTCP counter, and decoded sender reports feed
// debug logging.
func (c *Camera) drainRTCP(conn *net.UDPConn, track int) {
	buf := make([]byte, readChunkSize)

	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		c.rtcpPackets.Add(1)

		if c.log.CategoryEnabled(logger.DebugRTP) {
			if pkts, err := rtcp.Unmarshal(append([]byte(nil), buf[:n]...)); err == nil {
				for _, p := range pkts {
					if sr, ok := p.(*rtcp.SenderReport); ok {
						c.log.DebugRTP("camera sender report",
							"track", track,
							"ssrc", int(sr.SSRC),
							"packets", int(sr.PacketCount),
							"octets", int(sr.OctetCount))
					}
				}
			}
		}
	}
}

// countRTP updates the packet counters and, with the rtp debug category on,
// decodes the header for logging
func (c *Camera) countRTP(data []byte, track int) {
	if track == 0 {
		c.videoPackets.Add(1)
	} else {
		c.audioPackets.Add(1)
	}

	if c.log.CategoryEnabled(logger.DebugRTP) {
		var pkt rtp.Packet
		if err := pkt.Unmarshal(data); err == nil {
			c.log.DebugRTPPacket(pkt.SequenceNumber, pkt.Timestamp, pkt.PayloadType, len(pkt.Payload))
		}
	}
}

// inspectInterleaved updates counters from a TCP relay chunk when it starts
// on a frame boundary. Chunks are relayed verbatim either way; this is
// bookkeeping only.
func (c *Camera) inspectInterleaved(frame []byte) {
	if len(frame) < 4 || frame[0] != 0x24 {
		return
	}
	channel := frame[1]
	size := int(binary.BigEndian.Uint16(frame[2:4]))
	if 4+size > len(frame) {
		return
	}
	payload := frame[4 : 4+size]

	if channel%2 == 1 {
		c.rtcpPackets.Add(1)
		return
	}

	track := int(channel) / 2
	c.countRTP(payload, track)
}
