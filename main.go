package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

var (
	host       = flag.String("host", "0.0.0.0", "bind address")
	port       = flag.Int("port", 8080, "port number")
	publicRoot = flag.String("public", "./public", "static file root")
	retryDelay = flag.Duration("retry-delay", time.Second, "accept back-off on resource exhaustion")
	maxBody    = flag.Int("max-body", 8<<20, "max request body size in bytes")
	readTO     = flag.Duration("read-timeout", 30*time.Second, "deadline for receiving one request")
	reusePort  = flag.Bool("reuseport", false, "set SO_REUSEPORT on the listening socket")
	logLevel   = flag.String("log-level", "info", "debug, info, warn or error")
	logPretty  = flag.Bool("log-pretty", false, "human readable console logs")
)

// logEvents reports the request lifecycle at debug level.
type logEvents struct {
	log zerolog.Logger
}

func (e logEvents) RequestReceived(req *AppRequest) {
	e.log.Debug().Str("method", req.Method).Str("path", req.Path).Msg("request received")
}

func (e logEvents) RequestHandled(req *AppRequest, res AppResponse) {
	ev := e.log.Debug().Str("path", req.Path)
	if !isNilResponse(res) {
		ev = ev.Int("status", res.base().Status)
	}
	ev.Msg("request handled")
}

func (e logEvents) RequestTerminated(req *AppRequest, res AppResponse) {
	e.log.Debug().Str("path", req.Path).Msg("request terminated")
}

func newLogger() zerolog.Logger {
	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if *logPretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Logger()
}

func main() {
	flag.Parse()
	logger := newLogger()

	cycle := &KernelCycle{
		Kernel:      &demoKernel{publicRoot: *publicRoot, maxAscii: 64 << 20},
		Public:      os.DirFS(*publicRoot),
		Events:      logEvents{logger},
		MaxBodySize: *maxBody,
		ReadTimeout: *readTO,
		Logger:      logger,
	}
	server := NewServer(cycle, logger)
	server.Host = *host
	server.Port = *port
	server.ReusePort = *reusePort
	server.RetryDelay = *retryDelay

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := server.ListenAndServe(ctx); err != nil {
		logger.Fatal().Err(err).Msg("server terminated")
	}
}
