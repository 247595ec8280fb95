package rtsp

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// ErrInvalidURL is returned for URLs the proxy cannot split into components
var ErrInvalidURL = errors.New("invalid rtsp url")

// URL holds the components of an RTSP camera URL. Credentials are kept
// separately and never appear in the canonical form.
type URL struct {
	Scheme   string
	Login    string
	Password string
	Host     string
	TCPPort  int
	Path     string
}

// ParseURL splits an RTSP URL of the form
// [scheme://][login[:password]@]host[:port][/path] into its components.
// The scheme defaults to rtsp and the port to 554.
func ParseURL(raw string) (*URL, error) {
	u := &URL{Scheme: "rtsp", TCPPort: 554}

	rest := raw
	if idx := strings.Index(rest, "://"); idx >= 0 {
		if idx == 0 {
			return nil, ErrInvalidURL
		}
		u.Scheme = rest[:idx]
		rest = rest[idx+3:]
	}

	if idx := strings.LastIndexByte(rest, '@'); idx >= 0 {
		userinfo := rest[:idx]
		rest = rest[idx+1:]
		if colon := strings.IndexByte(userinfo, ':'); colon >= 0 {
			u.Login = userinfo[:colon]
			u.Password = userinfo[colon+1:]
		} else {
			u.Login = userinfo
		}
	}

	if idx := strings.IndexByte(rest, '/'); idx >= 0 {
		u.Path = rest[idx:]
		rest = rest[:idx]
	}

	if colon := strings.IndexByte(rest, ':'); colon >= 0 {
		port, err := strconv.Atoi(rest[colon+1:])
		if err != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("%w: bad port %q", ErrInvalidURL, rest[colon+1:])
		}
		u.TCPPort = port
		rest = rest[:colon]
	}

	if rest == "" {
		return nil, ErrInvalidURL
	}
	u.Host = rest

	return u, nil
}

// Addr returns the host:port dial target
func (u *URL) Addr() string {
	return net.JoinHostPort(u.Host, strconv.Itoa(u.TCPPort))
}

// String returns the canonical form scheme://host:port/path, without
// credentials. This is the URI used on the wire and in Digest hashing.
func (u *URL) String() string {
	return fmt.Sprintf("%s://%s:%d%s", u.Scheme, u.Host, u.TCPPort, u.Path)
}
