package supervisor

import (
	"log/slog"
	"net"
	"net/netip"

	"slug/internal/logging"
)

// loopbackListener drops every accepted connection whose peer is not a
// loopback address.
type loopbackListener struct {
	net.Listener
	logger *slog.Logger
}

func (l loopbackListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}
		if IsLoopbackAddr(conn.RemoteAddr()) {
			return conn, nil
		}
		logging.WarnWithContext(l.logger, "non-loopback connection refused", "connection_refused",
			logging.String("remote", conn.RemoteAddr().String()),
			logging.String(logging.FieldImpact, "connection closed before any request was read"),
		)
		_ = conn.Close()
	}
}

// IsLoopbackAddr reports whether addr is a loopback TCP endpoint.
func IsLoopbackAddr(addr net.Addr) bool {
	if addr == nil {
		return false
	}
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.IsLoopback()
	}
	return IsLoopbackHost(addr.String())
}

// IsLoopbackHost reports whether hostport (as found in
// http.Request.RemoteAddr) names a loopback address.
func IsLoopbackHost(hostport string) bool {
	host := hostport
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		host = h
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	return ip.Unmap().IsLoopback()
}
