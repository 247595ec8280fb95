package rtsp

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
)

// digestChallengeRe matches the realm/nonce pair of an RFC 2069-style
// challenge. Parameters other than realm and nonce are ignored; qop is not
// supported by the cameras this proxy targets.
var digestChallengeRe = regexp.MustCompile(`realm="(.+?)", ?nonce="(.+?)"`)

// ErrInvalidChallenge is returned when a 401 reply carries no usable
// WWW-Authenticate challenge
var ErrInvalidChallenge = errors.New("invalid digest auth reply")

// Digest computes RFC 2069 Digest responses for one upstream connection.
// Realm and Nonce are captured from the camera's 401 challenge.
type Digest struct {
	Login    string
	Password string
	Realm    string
	Nonce    string
}

// Ready reports whether a challenge has been captured
func (d *Digest) Ready() bool {
	return d.Realm != "" && d.Nonce != ""
}

// Challenge captures realm and nonce from a WWW-Authenticate header value
func (d *Digest) Challenge(wwwAuthenticate string) error {
	m := digestChallengeRe.FindStringSubmatch(wwwAuthenticate)
	if m == nil {
		return ErrInvalidChallenge
	}
	d.Realm = m[1]
	d.Nonce = m[2]
	return nil
}

func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// Response computes MD5(HA1:nonce:HA2) for the given method and URI
func (d *Digest) Response(method, uri string) string {
	ha1 := md5hex(fmt.Sprintf("%s:%s:%s", d.Login, d.Realm, d.Password))
	ha2 := md5hex(fmt.Sprintf("%s:%s", method, uri))
	return md5hex(fmt.Sprintf("%s:%s:%s", ha1, d.Nonce, ha2))
}

// AuthorizationLine builds the Authorization header for the given request.
// The missing comma between realm and nonce is deliberate: some cameras
// reject the stricter formatting, so the exact byte sequence is kept.
func (d *Digest) AuthorizationLine(method, uri string) string {
	return fmt.Sprintf(
		`Authorization: Digest username="%s", realm="%s" nonce="%s", uri="%s", response="%s"`,
		d.Login, d.Realm, d.Nonce, uri, d.Response(method, uri))
}
