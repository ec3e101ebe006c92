// Package flowkey defines the identifier shared by the tunnel engine and
// the upstream multiplexer for a single intercepted TCP flow.
package flowkey

import (
	"fmt"
	"net"
)

// FlowKey identifies an intercepted flow uniquely within the client. The
// local source IP is fixed (the virtual interface's peer address) and is
// therefore not part of the key.
type FlowKey struct {
	RemoteIP   [4]byte
	RemotePort uint16
	LocalPort  uint16
}

// New builds a FlowKey from a remote IP, remote port, and local port.
func New(remoteIP net.IP, remotePort, localPort uint16) FlowKey {
	var ip [4]byte
	copy(ip[:], remoteIP.To4())
	return FlowKey{RemoteIP: ip, RemotePort: remotePort, LocalPort: localPort}
}

// IP returns the remote IP as a net.IP.
func (k FlowKey) IP() net.IP {
	return net.IPv4(k.RemoteIP[0], k.RemoteIP[1], k.RemoteIP[2], k.RemoteIP[3])
}

// String renders the key for logging.
func (k FlowKey) String() string {
	return fmt.Sprintf("%s:%d<-%d", k.IP(), k.RemotePort, k.LocalPort)
}
