// Package ipv4tcp builds and parses raw IPv4+TCP packets with no options,
// the minimal shape the tunnel engine needs to synthesize responses and
// parse host-originated segments.
package ipv4tcp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
)

// TCP flag bits recognized by this package. Unknown bits are ignored.
const (
	FlagFIN = 0x01
	FlagSYN = 0x02
	FlagPSH = 0x08
	FlagACK = 0x10
	FlagRST = 0x04
)

const (
	ipv4HeaderLen = 20
	tcpHeaderLen  = 20
	defaultTTL    = 64
	defaultWindow = 65535
)

// ErrNotIPv4 is returned when Build is asked to address an IPv6 endpoint.
var ErrNotIPv4 = errors.New("ipv4tcp: only IPv4 endpoints are supported")

// ErrTruncated is returned when Parse is given fewer bytes than a valid
// IPv4+TCP packet requires.
var ErrTruncated = errors.New("ipv4tcp: packet truncated")

// ErrNotTCP is returned when Parse is given an IPv4 packet whose protocol
// field is not 6 (TCP).
var ErrNotTCP = errors.New("ipv4tcp: not a TCP packet")

// Endpoint is an IPv4 address plus a TCP port.
type Endpoint struct {
	IP   net.IP
	Port uint16
}

// BuildParams are the inputs to Build.
type BuildParams struct {
	Src     Endpoint
	Dst     Endpoint
	Seq     uint32
	Ack     uint32
	Flags   uint8
	Payload []byte
}

// Build produces a complete IPv4 header + TCP header + payload byte buffer
// with correct checksums, TTL=64, advertised window=65535, and no TCP
// options. It is pure: it performs no allocation beyond the returned
// buffer.
func Build(p BuildParams) ([]byte, error) {
	srcIP := p.Src.IP.To4()
	dstIP := p.Dst.IP.To4()
	if srcIP == nil || dstIP == nil {
		return nil, ErrNotIPv4
	}

	totalLen := ipv4HeaderLen + tcpHeaderLen + len(p.Payload)
	buf := make([]byte, totalLen)

	// IPv4 header.
	buf[0] = 0x45 // version 4, IHL 5 (20 bytes, no options)
	buf[1] = 0x00 // DSCP/ECN
	binary.BigEndian.PutUint16(buf[2:4], uint16(totalLen))
	binary.BigEndian.PutUint16(buf[4:6], 0) // identification
	binary.BigEndian.PutUint16(buf[6:8], 0) // flags/fragment offset
	buf[8] = defaultTTL
	buf[9] = 6 // protocol: TCP
	binary.BigEndian.PutUint16(buf[10:12], 0) // checksum placeholder
	copy(buf[12:16], srcIP)
	copy(buf[16:20], dstIP)
	binary.BigEndian.PutUint16(buf[10:12], checksum(buf[:ipv4HeaderLen]))

	// TCP header.
	tcp := buf[ipv4HeaderLen:]
	binary.BigEndian.PutUint16(tcp[0:2], p.Src.Port)
	binary.BigEndian.PutUint16(tcp[2:4], p.Dst.Port)
	binary.BigEndian.PutUint32(tcp[4:8], p.Seq)
	binary.BigEndian.PutUint32(tcp[8:12], p.Ack)
	tcp[12] = (tcpHeaderLen / 4) << 4 // data offset, no options
	tcp[13] = p.Flags & (FlagFIN | FlagSYN | FlagRST | FlagPSH | FlagACK)
	binary.BigEndian.PutUint16(tcp[14:16], defaultWindow)
	binary.BigEndian.PutUint16(tcp[16:18], 0) // checksum placeholder
	binary.BigEndian.PutUint16(tcp[18:20], 0) // urgent pointer
	copy(tcp[tcpHeaderLen:], p.Payload)

	binary.BigEndian.PutUint16(tcp[16:18], tcpChecksum(srcIP, dstIP, tcp))

	return buf, nil
}

// Segment is a parsed IPv4+TCP packet, materializing exactly the fields the
// tunnel engine's dispatch logic consumes.
type Segment struct {
	SrcIP   net.IP
	SrcPort uint16
	DstIP   net.IP
	DstPort uint16
	Seq     uint32
	Ack     uint32
	Flags   uint8
	Payload []byte
}

// Parse extracts a TCP segment from a raw IPv4 packet. Non-IPv4 packets,
// malformed packets, and non-TCP IPv4 packets are reported as errors so the
// caller can drop them silently per the dispatch table.
func Parse(packet []byte) (*Segment, error) {
	if len(packet) < ipv4HeaderLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrTruncated, len(packet))
	}
	version := packet[0] >> 4
	if version != 4 {
		return nil, fmt.Errorf("ipv4tcp: unsupported IP version %d", version)
	}

	ihl := int(packet[0]&0x0F) * 4
	if ihl < ipv4HeaderLen || len(packet) < ihl {
		return nil, fmt.Errorf("%w: bad IHL", ErrTruncated)
	}
	if packet[9] != 6 {
		return nil, ErrNotTCP
	}

	tcp := packet[ihl:]
	if len(tcp) < tcpHeaderLen {
		return nil, fmt.Errorf("%w: short TCP header", ErrTruncated)
	}
	dataOffset := int(tcp[12]>>4) * 4
	if dataOffset < tcpHeaderLen || len(tcp) < dataOffset {
		return nil, fmt.Errorf("%w: bad TCP data offset", ErrTruncated)
	}

	return &Segment{
		SrcIP:   net.IPv4(packet[12], packet[13], packet[14], packet[15]),
		DstIP:   net.IPv4(packet[16], packet[17], packet[18], packet[19]),
		SrcPort: binary.BigEndian.Uint16(tcp[0:2]),
		DstPort: binary.BigEndian.Uint16(tcp[2:4]),
		Seq:     binary.BigEndian.Uint32(tcp[4:8]),
		Ack:     binary.BigEndian.Uint32(tcp[8:12]),
		Flags:   tcp[13],
		Payload: tcp[dataOffset:],
	}, nil
}

// checksum computes the Internet checksum (RFC 1071) over b.
func checksum(b []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(b); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(b[i : i+2]))
	}
	if len(b)%2 == 1 {
		sum += uint32(b[len(b)-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	return ^uint16(sum)
}

// tcpChecksum computes the TCP checksum over a pseudo-header plus the TCP
// segment (header with checksum field zeroed, plus payload).
func tcpChecksum(srcIP, dstIP net.IP, tcpSegment []byte) uint16 {
	var pseudo [12]byte
	copy(pseudo[0:4], srcIP)
	copy(pseudo[4:8], dstIP)
	pseudo[8] = 0
	pseudo[9] = 6 // protocol: TCP
	binary.BigEndian.PutUint16(pseudo[10:12], uint16(len(tcpSegment)))

	// The pseudo-header is 12 bytes (even), so summing it and the segment
	// separately gives the same ones'-complement sum as one concatenation.
	var sum uint32
	for i := 0; i < len(pseudo); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(pseudo[i : i+2]))
	}
	for i := 0; i+1 < len(tcpSegment); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(tcpSegment[i : i+2]))
	}
	if len(tcpSegment)%2 == 1 {
		sum += uint32(tcpSegment[len(tcpSegment)-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	return ^uint16(sum)
}
