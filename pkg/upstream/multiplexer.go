package upstream

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/shadowmesh/tcptun/pkg/flowkey"
	"github.com/shadowmesh/tcptun/pkg/socks5"
)

// IngressPayload is a chunk of bytes arriving from the gateway for a
// specific flow, destined for the tunnel engine's ingress channel.
type IngressPayload struct {
	FlowKey flowkey.FlowKey
	Payload []byte
}

// DialError, AuthError and the re-exported ConnectRejected are the error
// kinds open_connection and NewMultiplexer can surface to their caller.
var (
	ErrDial = errors.New("upstream: dial failed")
	ErrAuth = errors.New("upstream: authentication failed")
)

// ConnectRejected is returned when the gateway's CONNECT reply carries a
// non-success status.
type ConnectRejected = socks5.ConnectRejected

// Multiplexer owns the single long-lived transport connection to the
// gateway and opens one substream per flow on demand.
type Multiplexer struct {
	session  Session
	username string
	password string
	log      *logrus.Entry
}

// NewMultiplexer dials the gateway and performs the one-time method/auth
// handshake on a dedicated first substream, per §4.5/§4.7.
func NewMultiplexer(ctx context.Context, dialer Dialer, username, password string, log *logrus.Logger) (*Multiplexer, error) {
	session, err := dialer.Dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDial, err)
	}

	authStream, err := session.OpenStream(ctx)
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("%w: opening auth substream: %v", ErrDial, err)
	}

	if err := performAuthHandshake(authStream, username, password); err != nil {
		authStream.Close()
		session.Close()
		return nil, fmt.Errorf("%w: %v", ErrAuth, err)
	}
	authStream.Close()

	m := &Multiplexer{
		session:  session,
		username: username,
		password: password,
		log:      log.WithField("component", "upstream"),
	}
	m.log.Info("authenticated with gateway")
	return m, nil
}

func performAuthHandshake(stream Stream, username, password string) error {
	if err := socks5.WriteMethodNegotiation(stream); err != nil {
		return fmt.Errorf("writing method negotiation: %w", err)
	}
	if err := socks5.ReadMethodSelection(stream); err != nil {
		return fmt.Errorf("reading method selection: %w", err)
	}
	if err := socks5.WriteUserPassAuth(stream, username, password); err != nil {
		return fmt.Errorf("writing user/pass auth: %w", err)
	}
	if err := socks5.ReadAuthReply(stream); err != nil {
		return fmt.Errorf("reading auth reply: %w", err)
	}
	return nil
}

// OpenConnection opens a fresh substream for flowKey, performs the CONNECT
// handshake synchronously, and on success spawns a worker that pumps bytes
// between egressSource and the substream, tagging ingress payloads with
// flowKey into ingressSink. It returns a cancel handle the caller may
// invoke to request worker termination.
func (m *Multiplexer) OpenConnection(
	ctx context.Context,
	key flowkey.FlowKey,
	egressSource <-chan []byte,
	ingressSink chan<- IngressPayload,
) (context.CancelFunc, error) {
	stream, err := m.session.OpenStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: opening flow substream: %v", ErrDial, err)
	}

	if err := socks5.WriteConnectRequest(stream, key.RemoteIP, key.RemotePort); err != nil {
		stream.Close()
		return nil, fmt.Errorf("upstream: writing CONNECT request: %w", err)
	}
	if _, _, err := socks5.ReadConnectReply(stream); err != nil {
		stream.Close()
		var rejected *socks5.ConnectRejected
		if errors.As(err, &rejected) {
			return nil, rejected
		}
		return nil, fmt.Errorf("upstream: reading CONNECT reply: %w", err)
	}

	workerCtx, cancel := context.WithCancel(ctx)
	go m.runWorker(workerCtx, stream, key, egressSource, ingressSink)
	return cancel, nil
}

// runWorker drains egressSource into the substream and reads the
// substream into ingressSink until the egress source closes, the
// substream closes or errors, or ctx is canceled.
func (m *Multiplexer) runWorker(
	ctx context.Context,
	stream Stream,
	key flowkey.FlowKey,
	egressSource <-chan []byte,
	ingressSink chan<- IngressPayload,
) {
	defer stream.Close()

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		buf := make([]byte, 16384)
		for {
			n, err := stream.Read(buf)
			if n > 0 {
				payload := make([]byte, n)
				copy(payload, buf[:n])
				select {
				case ingressSink <- IngressPayload{FlowKey: key, Payload: payload}:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				m.log.WithField("flow", key.String()).WithError(err).Debug("substream read ended")
				return
			}
		}
	}()

	for {
		select {
		case b, ok := <-egressSource:
			if !ok {
				return
			}
			if _, err := stream.Write(b); err != nil {
				m.log.WithField("flow", key.String()).WithError(err).Debug("substream write failed")
				return
			}
		case <-ctx.Done():
			return
		case <-readerDone:
			return
		}
	}
}

// Close shuts down the underlying transport connection.
func (m *Multiplexer) Close() error {
	return m.session.Close()
}
