package relay

import (
	"context"
	"io"
	"net"
	"strconv"

	"github.com/shadowmesh/tcptun/pkg/socks5"
)

// authenticate performs the method-negotiation and username/password
// sub-negotiation as the server side of the handshake in pkg/socks5.
func (s *Server) authenticate(stream Stream) (bool, error) {
	offered, err := socks5.ReadMethodNegotiation(stream)
	if err != nil {
		return false, err
	}
	if !offered {
		socks5.WriteMethodSelection(stream, false)
		return false, nil
	}
	if err := socks5.WriteMethodSelection(stream, true); err != nil {
		return false, err
	}

	username, password, err := socks5.ReadUserPassAuth(stream)
	if err != nil {
		return false, err
	}
	ok := s.auth.Authenticate(username, password)
	if err := socks5.WriteAuthReply(stream, ok); err != nil {
		return false, err
	}
	return ok, nil
}

// handleConnect reads a CONNECT request off stream, dials the requested
// IPv4 destination, replies, and then splices bytes between the substream
// and the dialed connection until either side closes.
func (s *Server) handleConnect(ctx context.Context, stream Stream) {
	ip, port, err := socks5.ReadConnectRequest(stream)
	if err != nil {
		s.log.WithError(err).Debug("malformed CONNECT request")
		return
	}

	target := net.JoinHostPort(net.IP(ip[:]).String(), strconv.Itoa(int(port)))
	conn, err := s.dialer.DialContext(ctx, "tcp4", target)
	if err != nil {
		s.log.WithField("target", target).WithError(err).Warn("CONNECT dial failed")
		socks5.WriteConnectReply(stream, 0x01, [4]byte{}, 0)
		return
	}
	defer conn.Close()

	boundIP, boundPort := boundAddr(conn.LocalAddr())
	if err := socks5.WriteConnectReply(stream, socks5.StatusSucceeded, boundIP, boundPort); err != nil {
		s.log.WithError(err).Debug("failed to write CONNECT reply")
		return
	}

	splice(stream, conn)
}

// splice copies bytes in both directions and returns as soon as one
// direction ends; the caller's closing of both ends then unblocks the
// other direction.
func splice(a Stream, b net.Conn) {
	done := make(chan struct{}, 2)
	go func() {
		io.Copy(b, a)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(a, b)
		done <- struct{}{}
	}()
	<-done
}

func boundAddr(addr net.Addr) (ip [4]byte, port uint16) {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return ip, 0
	}
	v4 := tcpAddr.IP.To4()
	if v4 == nil {
		return ip, 0
	}
	copy(ip[:], v4)
	return ip, uint16(tcpAddr.Port)
}
