// Package sdp extracts the track details the proxy needs from a camera's
// DESCRIBE reply and regenerates the session description served to viewers.
package sdp

import (
	"errors"
	"fmt"
	"math/rand"
	"regexp"
	"strconv"
	"strings"

	pionsdp "github.com/pion/sdp/v3"
)

var (
	ErrInvalidSDP     = errors.New("invalid session description")
	ErrNoTrackControl = errors.New("no track control id in reply")
)

// trackControlRe matches the control token appended to the camera URL on
// SETUP: the substring starting at "track" or "stream" up to and including
// the first following digit
var trackControlRe = regexp.MustCompile(`(?:track|stream).*?\d`)

// Track holds the per-media details carried over into the proxy SDP
type Track struct {
	Media          string // media line remainder, e.g. "0 RTP/AVP 96"
	Bandwidth      string // b= value, e.g. "AS:5000"; empty if absent
	Rtpmap         string // a=rtpmap value, e.g. "96 H264/90000"
	ClockFrequency int    // Hz, from the rtpmap value
	Format         string // a=fmtp value; empty if absent
}

// Description holds the first video and first audio track of a camera's SDP.
// Audio-only cameras leave Video nil.
type Description struct {
	Video *Track
	Audio *Track
}

// HasAudio reports whether the camera advertises an audio track
func (d *Description) HasAudio() bool {
	return d.Audio != nil
}

// ClockFrequency returns the clock rate of the given track index
// (0 = video, 1 = audio)
func (d *Description) ClockFrequency(idx int) int {
	if idx == 0 && d.Video != nil {
		return d.Video.ClockFrequency
	}
	if idx == 1 && d.Audio != nil {
		return d.Audio.ClockFrequency
	}
	return 0
}

// mediaLine rebuilds the media line remainder "port proto formats"
func mediaLine(m *pionsdp.MediaDescription) string {
	return fmt.Sprintf("%d %s %s",
		m.MediaName.Port.Value,
		strings.Join(m.MediaName.Protos, "/"),
		strings.Join(m.MediaName.Formats, " "))
}

// attr returns the first value of the named attribute, "" if absent
func attr(m *pionsdp.MediaDescription, key string) string {
	for _, a := range m.Attributes {
		if a.Key == key {
			return a.Value
		}
	}
	return ""
}

// clockFromRtpmap extracts the clock rate: the integer between the first
// and second slash of the rtpmap value, e.g. 90000 in "96 H264/90000"
// and 48000 in "97 MPEG4-GENERIC/48000/2"
func clockFromRtpmap(rtpmap string) int {
	parts := strings.Split(rtpmap, "/")
	if len(parts) < 2 {
		return 0
	}
	clock, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0
	}
	return clock
}

func parseTrack(m *pionsdp.MediaDescription) *Track {
	t := &Track{Media: mediaLine(m)}

	if len(m.Bandwidth) > 0 {
		b := m.Bandwidth[0]
		typ := b.Type
		if b.Experimental {
			typ = "X-" + typ
		}
		t.Bandwidth = fmt.Sprintf("%s:%d", typ, b.Bandwidth)
	}

	t.Rtpmap = attr(m, "rtpmap")
	t.ClockFrequency = clockFromRtpmap(t.Rtpmap)
	t.Format = attr(m, "fmtp")

	return t
}

// ParseDescribe parses the SDP body of a DESCRIBE reply. Only the first
// video and first audio media blocks are used. A missing video block is not
// an error (some cameras are audio-only).
func ParseDescribe(body []byte) (*Description, error) {
	var sd pionsdp.SessionDescription
	if err := sd.Unmarshal(body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSDP, err)
	}

	desc := &Description{}
	for _, m := range sd.MediaDescriptions {
		switch m.MediaName.Media {
		case "video":
			if desc.Video == nil {
				desc.Video = parseTrack(m)
			}
		case "audio":
			if desc.Audio == nil {
				desc.Audio = parseTrack(m)
			}
		}
	}

	if desc.Video == nil && desc.Audio == nil {
		return nil, ErrInvalidSDP
	}

	return desc, nil
}

// TrackControlIDs returns the SDP a=control tokens in source order. The
// reply must name at least one track.
func TrackControlIDs(body []byte) ([]string, error) {
	var ids []string
	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "a=control:") {
			continue
		}
		if id := trackControlRe.FindString(line[len("a=control:"):]); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, ErrNoTrackControl
	}
	return ids, nil
}

// Marshal regenerates the session description served to viewers. Control
// identifiers are always renamed to track1/track2 regardless of the
// camera's naming, and the proxy's address replaces the camera's. The last
// line has no line ending; the DESCRIBE reply appends CRLFCRLF and counts
// those four bytes in its Content-Length.
func (d *Description) Marshal(localIP string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "v=0\r\no=- %d %d IN IP4 %s\r\ns=python-rtsp-server\r\nt=0 0",
		100000+rand.Intn(900000), 1+rand.Intn(9), localIP)

	if d.Video == nil {
		return b.String()
	}
	fmt.Fprintf(&b, "\r\nm=video %s\r\nc=IN IP4 0.0.0.0\r\nb=%s\r\na=rtpmap:%s\r\na=fmtp:%s\r\na=control:track1",
		d.Video.Media, d.Video.Bandwidth, d.Video.Rtpmap, d.Video.Format)

	if d.Audio == nil {
		return b.String()
	}
	fmt.Fprintf(&b, "\r\nm=audio %s\r\na=rtpmap:%s\r\na=control:track2",
		d.Audio.Media, d.Audio.Rtpmap)

	return b.String()
}
