package relay

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Authenticator checks the username/password carried on each session's
// first substream.
type Authenticator interface {
	Authenticate(username, password string) bool
}

// staticAuthenticator is the configured single-credential pair used by the
// gateway binary.
type staticAuthenticator struct {
	username, password string
}

func (a staticAuthenticator) Authenticate(username, password string) bool {
	return username == a.username && password == a.password
}

// NewStaticAuthenticator builds an Authenticator that accepts exactly one
// username/password pair, as configured.
func NewStaticAuthenticator(username, password string) Authenticator {
	return staticAuthenticator{username: username, password: password}
}

// Dialer opens the real TCP connection to a CONNECT target. net.Dialer
// satisfies this directly.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Server accepts transport sessions, authenticates the first substream on
// each, and relays every subsequent substream's CONNECT request to its
// target, splicing bytes until either side closes.
type Server struct {
	listener Listener
	auth     Authenticator
	dialer   Dialer

	log *logrus.Entry

	totalSessions  atomic.Uint64
	activeSessions atomic.Int64

	wg sync.WaitGroup
}

// NewServer constructs a Server over an already-built Listener.
func NewServer(listener Listener, auth Authenticator, dialer Dialer, log *logrus.Logger) *Server {
	return &Server{
		listener: listener,
		auth:     auth,
		dialer:   dialer,
		log:      log.WithField("component", "relay"),
	}
}

// Run accepts sessions until ctx is canceled or the listener reports a
// fatal error.
func (s *Server) Run(ctx context.Context) error {
	defer s.wg.Wait()

	for {
		session, err := s.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("relay: accept failed: %w", err)
		}

		s.totalSessions.Add(1)
		s.activeSessions.Add(1)
		s.log.WithField("total", s.totalSessions.Load()).Info("accepted transport session")

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.activeSessions.Add(-1)
			defer session.Close()
			s.handleSession(ctx, session)
		}()
	}
}

// Close shuts down the underlying listener, unblocking Run.
func (s *Server) Close() error {
	return s.listener.Close()
}

// handleSession authenticates the first substream, then serves every
// subsequent substream as an independent CONNECT request.
func (s *Server) handleSession(ctx context.Context, session Session) {
	authStream, err := session.AcceptStream(ctx)
	if err != nil {
		s.log.WithError(err).Debug("session closed before auth substream arrived")
		return
	}

	ok, err := s.authenticate(authStream)
	authStream.Close()
	if err != nil {
		s.log.WithError(err).Warn("auth substream handshake failed")
		return
	}
	if !ok {
		s.log.Warn("rejected session: bad credentials")
		return
	}
	s.log.Debug("session authenticated")

	for {
		stream, err := session.AcceptStream(ctx)
		if err != nil {
			s.log.WithError(err).Debug("session ended")
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer stream.Close()
			s.handleConnect(ctx, stream)
		}()
	}
}
