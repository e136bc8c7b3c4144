// Package ntrip implements the upstream (caster-facing) side of the proxy: a
// raw TCP dial followed by the NTRIP v2 GET request. The caster's reply,
// response header block included, is treated as an opaque byte stream and is
// never parsed here.
package ntrip

import (
	"context"
	"encoding/base64"
	"net"
	"strconv"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

const (
	// DefaultUserAgent is sent when the proxy config does not name one.
	DefaultUserAgent = "NTRIP Client/1.0"

	// DialTimeout bounds the upstream connect.
	DialTimeout = 10 * time.Second
)

// Link is a live connection to an upstream caster, tagged with the mount
// point it serves. A Link is owned by exactly one rover session.
type Link struct {
	MountPoint string
	conn       net.Conn
}

// Dial connects to host:port with a 10 second timeout and issues the NTRIP
// GET for mount. Callers forward whatever the caster sends back.
func Dial(ctx context.Context, host string, port int, mount, username, password, userAgent string,
	logger golog.Logger,
) (*Link, error) {
	if host == "" {
		return nil, errors.New("upstream host is required")
	}
	if port < 1 || port > 65535 {
		return nil, errors.Errorf("upstream port %d out of range", port)
	}
	if mount == "" {
		return nil, errors.New("upstream mount point is required")
	}
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	dialer := net.Dialer{Timeout: DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot connect to caster %s", addr)
	}

	credentials := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
	request := "GET /" + mount + " HTTP/1.1\r\n" +
		"Host: " + addr + "\r\n" +
		"Ntrip-Version: Ntrip/2.0\r\n" +
		"User-Agent: " + userAgent + "\r\n" +
		"Connection: keep-alive\r\n" +
		"Authorization: Basic " + credentials + "\r\n" +
		"\r\n"
	if _, err := conn.Write([]byte(request)); err != nil {
		return nil, multierr.Combine(errors.Wrapf(err, "cannot send request to caster %s", addr), conn.Close())
	}

	logger.Debugf("dialed caster %s for mount point %s", addr, mount)
	return &Link{MountPoint: mount, conn: conn}, nil
}

func (l *Link) Read(p []byte) (int, error) {
	return l.conn.Read(p)
}

func (l *Link) Write(p []byte) (int, error) {
	return l.conn.Write(p)
}

// CloseWrite half-closes the sending direction so the caster sees EOF while
// already-buffered correction bytes can still drain toward the rover.
func (l *Link) CloseWrite() error {
	if tcpConn, ok := l.conn.(*net.TCPConn); ok {
		return tcpConn.CloseWrite()
	}
	return nil
}

// Close tears the connection down.
func (l *Link) Close() error {
	return l.conn.Close()
}

// IsTimeout reports whether err was a connect timeout rather than a refusal
// or reset.
func IsTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
