package main

import (
	"context"
	"errors"
	"net"
	"syscall"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
)

// Cycle is the application side of the server. OnServerStart runs once
// before the first accept; OnRequest owns its connection, including closing it.
type Cycle interface {
	OnServerStart()
	OnRequest(conn net.Conn)
}

// Server owns the listening socket and runs one goroutine per connection.
type Server struct {
	Host       string
	Port       int
	ReusePort  bool          // SO_REUSEPORT on the listening socket
	RetryDelay time.Duration // back-off after a transient accept failure
	Logger     zerolog.Logger

	cycle Cycle
	conns *xsync.MapOf[net.Conn, time.Time]
	sleep func(time.Duration)
}

func NewServer(cycle Cycle, logger zerolog.Logger) *Server {
	return &Server{
		Host:       "0.0.0.0",
		Port:       8080,
		RetryDelay: time.Second,
		Logger:     logger,
		cycle:      cycle,
		conns:      xsync.NewMapOf[net.Conn, time.Time](),
		sleep:      time.Sleep,
	}
}

// ActiveConns reports the connections currently being handled.
func (s *Server) ActiveConns() int {
	return s.conns.Size()
}

func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := listen(ctx, s.Host, s.Port, s.ReusePort)
	if err != nil {
		return err
	}
	s.Logger.Info().Msgf("Http server starting at %s:%d", s.Host, s.Port)
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done, which closes ln and
// returns nil. Transient resource exhaustion is retried after RetryDelay;
// any other accept failure is returned as a fatal *Error.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	s.startCycle()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.Logger.Info().Int("active", s.ActiveConns()).Msg("server stopped")
				return nil
			}
			if isTransientAcceptError(err) {
				s.Logger.Warn().Err(err).Dur("retry", s.RetryDelay).Msg("accept exhausted resources")
				s.sleep(s.RetryDelay)
				continue
			}
			return &Error{Message: "accept failed", Fatal: true, Err: err}
		}
		go s.handle(conn) // the goroutine takes the ownership of |conn|
	}
}

func (s *Server) startCycle() {
	defer func() {
		if r := recover(); r != nil {
			s.Logger.Error().Interface("panic", r).Msg("server start hook failed")
		}
	}()
	s.cycle.OnServerStart()
}

func (s *Server) handle(conn net.Conn) {
	s.conns.Store(conn, time.Now())
	defer func() {
		s.conns.Delete(conn)
		if r := recover(); r != nil {
			s.Logger.Error().Interface("panic", r).Msg("connection handler failed")
			conn.Close()
		}
	}()
	s.cycle.OnRequest(conn)
}

func isTransientAcceptError(err error) bool {
	return errors.Is(err, syscall.EMFILE) ||
		errors.Is(err, syscall.ENFILE) ||
		errors.Is(err, syscall.ENOMEM)
}
