package rtsp

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// RFC 2069 §2.4 example: Mufasa asking for /dir/index.html
func TestDigestResponseRFC2069Vector(t *testing.T) {
	d := Digest{
		Login:    "Mufasa",
		Password: "CircleOfLife",
		Realm:    "testrealm@host.com",
		Nonce:    "dcd98b7102dd2f0e8b11d0f600bfb0c093",
	}

	require.Equal(t, "1949323746fe6a43ef61f9606e7febea", d.Response("GET", "/dir/index.html"))
}

func TestDigestChallenge(t *testing.T) {
	var d Digest
	require.False(t, d.Ready())

	err := d.Challenge(`Digest realm="CAM", nonce="abc123", stale="FALSE"`)
	require.NoError(t, err)
	require.True(t, d.Ready())
	require.Equal(t, "CAM", d.Realm)
	require.Equal(t, "abc123", d.Nonce)
}

func TestDigestChallengeNoSpace(t *testing.T) {
	var d Digest
	require.NoError(t, d.Challenge(`Digest realm="IP Camera",nonce="5d1a3a08"`))
	require.Equal(t, "IP Camera", d.Realm)
	require.Equal(t, "5d1a3a08", d.Nonce)
}

func TestDigestChallengeInvalid(t *testing.T) {
	var d Digest
	require.ErrorIs(t, d.Challenge(`Basic realm="CAM"`), ErrInvalidChallenge)
}

// The header keeps the original formatting byte for byte: a comma after the
// username parameter but only a space between realm and nonce
func TestDigestAuthorizationLine(t *testing.T) {
	d := Digest{Login: "u", Password: "p", Realm: "CAM", Nonce: "abc123"}
	uri := "rtsp://10.0.0.5:554/stream1"

	line := d.AuthorizationLine("DESCRIBE", uri)

	expected := `Authorization: Digest username="u", realm="CAM" nonce="abc123", ` +
		`uri="rtsp://10.0.0.5:554/stream1", response="0002a2a9c1870b14eb76656ad6c1ee4d"`
	require.Equal(t, expected, line)
}
