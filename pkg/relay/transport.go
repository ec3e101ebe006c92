// Package relay implements C7: accepting inbound transport connections,
// authenticating the first substream, and relaying CONNECT requests on
// every subsequent substream to their real destination.
package relay

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"

	"github.com/hashicorp/yamux"
	"github.com/quic-go/quic-go"

	"github.com/shadowmesh/tcptun/pkg/aeadframe"
	"github.com/shadowmesh/tcptun/pkg/framedstream"
)

// Stream is the minimal surface the proxy handshake and splice logic need
// from an accepted substream.
type Stream interface {
	io.ReadWriteCloser
}

// Session is one accepted, long-lived transport connection capable of
// accepting many substreams.
type Session interface {
	AcceptStream(ctx context.Context) (Stream, error)
	Close() error
}

// Listener accepts inbound transport connections.
type Listener interface {
	Accept(ctx context.Context) (Session, error)
	Close() error
}

// TransportMode selects which concrete listener backs the gateway.
type TransportMode string

const (
	TransportQUIC TransportMode = "quic"
	TransportTLS  TransportMode = "tls"
	TransportTCP  TransportMode = "tcp"
)

// ListenConfig parameterizes Listen.
type ListenConfig struct {
	Mode       TransportMode
	ListenAddr string

	TLSCertFile string
	TLSKeyFile  string

	// AEADKey is required in TransportTCP; every yamux stream is wrapped
	// in the C1/C2 framed-stream adapter under this key.
	AEADKey []byte
}

// Listen constructs the Listener selected by cfg.Mode.
func Listen(cfg ListenConfig) (Listener, error) {
	switch cfg.Mode {
	case TransportQUIC:
		return listenQUIC(cfg)
	case TransportTLS:
		return listenTLSYamux(cfg)
	case TransportTCP:
		return listenTCPYamux(cfg)
	default:
		return nil, fmt.Errorf("relay: unknown transport mode %q", cfg.Mode)
	}
}

func (cfg ListenConfig) tlsConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
	if err != nil {
		return nil, fmt.Errorf("relay: loading certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// --- QUIC ---

type quicListener struct {
	listener *quic.Listener
}

type quicSession struct {
	conn *quic.Conn
}

func listenQUIC(cfg ListenConfig) (Listener, error) {
	tlsCfg, err := cfg.tlsConfig()
	if err != nil {
		return nil, err
	}
	udpAddr, err := net.ResolveUDPAddr("udp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("relay: resolving listen address: %w", err)
	}
	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("relay: udp listen: %w", err)
	}
	listener, err := quic.Listen(udpConn, tlsCfg, &quic.Config{MaxIncomingStreams: 4096})
	if err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("relay: quic listen: %w", err)
	}
	return &quicListener{listener: listener}, nil
}

func (l *quicListener) Accept(ctx context.Context) (Session, error) {
	conn, err := l.listener.Accept(ctx)
	if err != nil {
		return nil, err
	}
	return &quicSession{conn: conn}, nil
}

func (l *quicListener) Close() error { return l.listener.Close() }

func (s *quicSession) AcceptStream(ctx context.Context) (Stream, error) {
	stream, err := s.conn.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	return stream, nil
}

func (s *quicSession) Close() error { return s.conn.CloseWithError(0, "closing") }

// --- TLS + yamux ---

type netListener struct {
	listener net.Listener
}

type yamuxSession struct {
	session *yamux.Session
}

func listenTLSYamux(cfg ListenConfig) (Listener, error) {
	tlsCfg, err := cfg.tlsConfig()
	if err != nil {
		return nil, err
	}
	listener, err := tls.Listen("tcp", cfg.ListenAddr, tlsCfg)
	if err != nil {
		return nil, fmt.Errorf("relay: tls listen: %w", err)
	}
	return &netListener{listener: listener}, nil
}

func (l *netListener) Accept(ctx context.Context) (Session, error) {
	conn, err := l.listener.Accept()
	if err != nil {
		return nil, err
	}
	session, err := yamux.Server(conn, yamux.DefaultConfig())
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("relay: yamux server: %w", err)
	}
	return &yamuxSession{session: session}, nil
}

func (l *netListener) Close() error { return l.listener.Close() }

func (s *yamuxSession) AcceptStream(ctx context.Context) (Stream, error) {
	stream, err := s.session.AcceptStream()
	if err != nil {
		return nil, err
	}
	return stream, nil
}

func (s *yamuxSession) Close() error { return s.session.Close() }

// --- plain TCP + yamux + AEAD framed stream ---

type framedYamuxListener struct {
	listener net.Listener
	codec    *aeadframe.Codec
}

type framedYamuxSession struct {
	session *yamux.Session
	codec   *aeadframe.Codec
}

func listenTCPYamux(cfg ListenConfig) (Listener, error) {
	codec, err := aeadframe.New(cfg.AEADKey)
	if err != nil {
		return nil, fmt.Errorf("relay: building AEAD codec: %w", err)
	}
	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("relay: tcp listen: %w", err)
	}
	return &framedYamuxListener{listener: listener, codec: codec}, nil
}

func (l *framedYamuxListener) Accept(ctx context.Context) (Session, error) {
	conn, err := l.listener.Accept()
	if err != nil {
		return nil, err
	}
	session, err := yamux.Server(conn, yamux.DefaultConfig())
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("relay: yamux server: %w", err)
	}
	return &framedYamuxSession{session: session, codec: l.codec}, nil
}

func (l *framedYamuxListener) Close() error { return l.listener.Close() }

func (s *framedYamuxSession) AcceptStream(ctx context.Context) (Stream, error) {
	stream, err := s.session.AcceptStream()
	if err != nil {
		return nil, err
	}
	return framedstream.New(stream, s.codec), nil
}

func (s *framedYamuxSession) Close() error { return s.session.Close() }
