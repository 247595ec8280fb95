package rtsp

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseRequest(t *testing.T) {
	data := []byte("SETUP rtsp://192.168.1.10:4554/cam-hall/track1 RTSP/1.0\r\n" +
		"CSeq: 4\r\n" +
		"User-Agent: LibVLC/3.0.18 (LIVE555 Streaming Media v2016.11.28)\r\n" +
		"Transport: RTP/AVP;unicast;client_port=6000-6001\r\n" +
		"Session: a1b2c3d4e;timeout=60\r\n" +
		"\r\n")

	req, err := ParseRequest(data)
	require.NoError(t, err)
	require.Equal(t, "SETUP", req.Method)
	require.Equal(t, 4, req.CSeq)
	require.Equal(t, "a1b2c3d4e", req.Session)
	require.Equal(t, "LibVLC/3.0.18 (LIVE555 Streaming Media v2016.11.28)", req.UserAgent)
	require.Equal(t, "RTP/AVP;unicast;client_port=6000-6001", req.Transport)
	require.Equal(t, "/cam-hall/track1", req.URL.Path)
	require.Equal(t, 4554, req.URL.TCPPort)
}

func TestParseRequestPathDecoding(t *testing.T) {
	data := []byte("OPTIONS rtsp://10.0.0.1:4554/cam%20front RTSP/1.0\r\nCSeq: 1\r\n\r\n")

	req, err := ParseRequest(data)
	require.NoError(t, err)
	require.Equal(t, "cam front", req.Path())
}

func TestParseRequestDefaults(t *testing.T) {
	data := []byte("OPTIONS rtsp://10.0.0.1:4554/cam1 RTSP/1.0\r\nCSeq: 1\r\n\r\n")

	req, err := ParseRequest(data)
	require.NoError(t, err)
	require.Equal(t, DefaultUserAgent, req.UserAgent)
	require.Empty(t, req.Session)
	require.Empty(t, req.Transport)
}

func TestParseRequestErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"Missing CSeq", "OPTIONS rtsp://10.0.0.1:4554/cam1 RTSP/1.0\r\n\r\n"},
		{"Non-numeric CSeq", "OPTIONS rtsp://10.0.0.1:4554/cam1 RTSP/1.0\r\nCSeq: abc\r\n\r\n"},
		{"HTTP request", "GET /does-not-exist HTTP/1.1\r\nHost: x\r\n\r\n"},
		{"Garbage", "\x01\x02\x03"},
		{"Missing version", "OPTIONS rtsp://10.0.0.1:4554/cam1\r\nCSeq: 1\r\n\r\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRequest([]byte(tt.data))
			require.Error(t, err)
		})
	}
}

func TestParseRequestCaseInsensitiveHeaders(t *testing.T) {
	data := []byte("PLAY rtsp://10.0.0.1:4554/cam1 RTSP/1.0\r\n" +
		"cseq: 7\r\n" +
		"USER-AGENT: ffplay\r\n" +
		"\r\n")

	req, err := ParseRequest(data)
	require.NoError(t, err)
	require.Equal(t, 7, req.CSeq)
	require.Equal(t, "ffplay", req.UserAgent)
}

func TestParseResponse(t *testing.T) {
	data := []byte("RTSP/1.0 401 Unauthorized\r\n" +
		"CSeq: 2\r\n" +
		"WWW-Authenticate: Digest realm=\"CAM\", nonce=\"abc123\"\r\n" +
		"\r\n")

	resp := ParseResponse(data)
	require.Equal(t, 401, resp.Code)
	require.Equal(t, "Unauthorized", resp.Reason)
	require.Equal(t, `Digest realm="CAM", nonce="abc123"`, resp.Header("WWW-Authenticate"))
	require.Equal(t, `Digest realm="CAM", nonce="abc123"`, resp.Header("www-authenticate"))
}

func TestParseResponseWithBody(t *testing.T) {
	body := "v=0\r\no=- 0 0 IN IP4 10.0.0.5\r\ns=Media\r\nt=0 0\r\n"
	data := []byte(fmt.Sprintf("RTSP/1.0 200 OK\r\nCSeq: 2\r\nContent-Length: %d\r\n\r\n%s",
		len(body), body))

	resp := ParseResponse(data)
	require.Equal(t, 200, resp.Code)
	require.Equal(t, body, string(resp.Body))
	require.Equal(t, len(body), resp.ContentLength())
}

func TestParseResponseMalformed(t *testing.T) {
	for _, data := range []string{"garbage\r\n\r\n", "RTSP/1.0 xyz bad\r\n\r\n", ""} {
		resp := ParseResponse([]byte(data))
		require.Equal(t, 0, resp.Code, "input %q", data)
	}
}

func TestEmitRequest(t *testing.T) {
	out := EmitRequest("DESCRIBE", "rtsp://10.0.0.5:554/stream1", 2,
		"Accept: application/sdp", "")

	expected := "DESCRIBE rtsp://10.0.0.5:554/stream1 RTSP/1.0\r\n" +
		"CSeq: 2\r\n" +
		"Accept: application/sdp\r\n" +
		"\r\n"
	require.Equal(t, expected, string(out))
}

func TestEmitResponse(t *testing.T) {
	out := EmitResponse(3, "Session: abc", "")

	expected := "RTSP/1.0 200 OK\r\nCSeq: 3\r\nSession: abc\r\n\r\n\r\n"
	require.Equal(t, expected, string(out))
}

// The DESCRIBE reply frames its body with a trailing CRLFCRLF; the advertised
// Content-Length is the body length plus those four bytes
func TestEmitResponseBodyFraming(t *testing.T) {
	body := "v=0\r\ns=x\r\nt=0 0"
	out := EmitResponse(2,
		"Content-Type: application/sdp",
		"Content-Length: 19",
		"",
		body)

	expected := "RTSP/1.0 200 OK\r\n" +
		"CSeq: 2\r\n" +
		"Content-Type: application/sdp\r\n" +
		"Content-Length: 19\r\n" +
		"\r\n" +
		body + "\r\n" +
		"\r\n"
	require.Equal(t, expected, string(out))
	require.Equal(t, len(body)+4, 19)
}

func TestIsInterleaved(t *testing.T) {
	require.True(t, IsInterleaved([]byte{0x24, 0x00, 0x01, 0x02}))
	require.False(t, IsInterleaved([]byte("RTSP/1.0 200 OK")))
	require.False(t, IsInterleaved(nil))
}

func TestSessionID(t *testing.T) {
	require.Equal(t, "12345678", SessionID("12345678;timeout=60"))
	require.Equal(t, "12345678", SessionID("12345678"))
	require.Equal(t, "abc", SessionID(" abc ;timeout=60"))
}

func TestTransportClientPorts(t *testing.T) {
	rtpPort, rtcpPort, err := TransportClientPorts("RTP/AVP;unicast;client_port=6000-6001")
	require.NoError(t, err)
	require.Equal(t, 6000, rtpPort)
	require.Equal(t, 6001, rtcpPort)

	_, _, err = TransportClientPorts("RTP/AVP/TCP;unicast;interleaved=0-1")
	require.Error(t, err)
}

func TestTransportChannels(t *testing.T) {
	require.Equal(t, "2-3", TransportChannels("RTP/AVP/TCP;unicast;interleaved=2-3"))
	require.Equal(t, "0-1", TransportChannels("RTP/AVP;unicast"))
}

func TestParseRTPInfo(t *testing.T) {
	info, err := ParseRTPInfo("url=rtsp://10.0.0.5:554/trackID=1;seq=1234;rtptime=1000000," +
		"url=rtsp://10.0.0.5:554/trackID=2;seq=5678;rtptime=2000000")
	require.NoError(t, err)
	require.Equal(t, []string{"1234", "5678"}, info.Seq)
	require.Equal(t, []string{"1000000", "2000000"}, info.Rtptime)

	_, err = ParseRTPInfo("url=rtsp://10.0.0.5:554/trackID=1")
	require.Error(t, err)
}
