package main

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"time"

	"github.com/rs/zerolog"
)

// KernelCycle is the Cycle that serves each connection with a Worker
// dispatching to Kernel.
type KernelCycle struct {
	Kernel      Kernel
	Public      fs.FS  // static root for the asset prefixes
	Events      Events // optional
	MaxBodySize int           // zero means defaultMaxBodySize
	ReadTimeout time.Duration // zero means no deadline
	Logger      zerolog.Logger
}

func (c *KernelCycle) OnServerStart() {
	c.Logger.Info().Msg("kernel cycle ready")
}

// OnRequest takes the ownership of conn.
func (c *KernelCycle) OnRequest(conn net.Conn) {
	NewWorker(c).Start(conn)
}

// Worker handles the single request of one connection
type Worker struct {
	cycle      *KernelCycle
	log        zerolog.Logger
	clientConn net.Conn
	reader     *bufio.Reader
	raw        *Request
	req        *AppRequest
	appRes     AppResponse
	res        *Response
	closed     bool
}

const defaultMaxBodySize = 8 << 20

type stateFunc func(*Worker) stateFunc

func NewWorker(cycle *KernelCycle) *Worker {
	return &Worker{
		cycle: cycle,
		log:   cycle.Logger,
	}
}

func (w *Worker) Start(conn net.Conn) {
	w.clientConn = conn
	w.reader = bufio.NewReader(conn)
	if t := w.cycle.ReadTimeout; t > 0 {
		conn.SetReadDeadline(time.Now().Add(t))
	}
	if addr := conn.RemoteAddr(); addr != nil {
		w.log = w.log.With().Str("remote", addr.String()).Logger()
	}
	defer func() {
		if r := recover(); r != nil {
			w.log.Error().Interface("panic", r).Msg("worker aborted")
			finishWorker(w)
		}
	}()

	for state := waitForRequest; state != nil; {
		state = state(w)
	}
}

func (w *Worker) serverParams(raw *Request) map[string]string {
	params := map[string]string{
		"SERVER_PROTOCOL": raw.Version,
	}
	if a := w.clientConn.RemoteAddr(); a != nil {
		params["REMOTE_ADDR"] = a.String()
	}
	if a := w.clientConn.LocalAddr(); a != nil {
		params["SERVER_ADDR"] = a.String()
	}
	return params
}

func (w *Worker) requestReceived(raw *Request) stateFunc {
	raw.ServerParams = w.serverParams(raw)
	w.raw = raw
	w.log.Debug().Str("method", raw.Method).Str("uri", raw.URI).Msg("request received")

	if isStaticPath(raw.Path) {
		w.res = serveStatic(w.cycle.Public, raw.Path)
		return sendResponse
	}
	w.req = NormalizeRequest(raw)
	return dispatchRequest
}

// handle calls the kernel, turning a panic into an error.
func (w *Worker) handle() (res AppResponse, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("kernel panic: %v", r)
		}
	}()
	return w.cycle.Kernel.Handle(w.req)
}

// notify runs an event hook. A failing hook never aborts the request.
func (w *Worker) notify(name string, fn func(Events)) {
	ev := w.cycle.Events
	if ev == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			w.log.Warn().Str("event", name).Interface("panic", r).Msg("event hook failed")
		}
	}()
	fn(ev)
}

// state funcs

func waitForRequest(w *Worker) stateFunc {
	w.log.Debug().Msg("waiting request")
	maxBody := w.cycle.MaxBodySize
	if maxBody <= 0 {
		maxBody = defaultMaxBodySize
	}
	r := NewRequestReader(w.reader, maxBody)
	r.Start()
	select {
	case req := <-r.RequestReceived():
		return w.requestReceived(req)
	case err := <-r.ErrorOccurred():
		if errors.Is(err, errNoRequest) {
			return finishWorker
		}
		var perr *Error
		if errors.As(err, &perr) {
			w.res = errorResponse(perr.Code, perr.Message)
		} else {
			w.res = errorResponse(400, err.Error())
		}
		return sendErrorResponse
	}
}

func dispatchRequest(w *Worker) stateFunc {
	w.notify("received", func(ev Events) { ev.RequestReceived(w.req) })

	res, err := w.handle()
	if err != nil {
		w.log.Error().Err(err).Str("path", w.req.Path).Msg("kernel failed")
		w.res = ResponseInternalError
		return sendErrorResponse
	}
	w.appRes = res
	w.notify("handled", func(ev Events) { ev.RequestHandled(w.req, res) })

	wire, err := TranslateResponse(res)
	switch {
	case errors.Is(err, ErrUnsupportedResponse):
		w.res = errorResponse(510, fmt.Sprintf("Response Type is not supported: %T", res))
		return sendErrorResponse
	case err != nil:
		w.log.Error().Err(err).Msg("response translation failed")
		w.res = ResponseInternalError
		return sendErrorResponse
	}
	w.res = wire
	return sendResponse
}

func sendResponse(w *Worker) stateFunc {
	if err := WriteResponse(w.clientConn, w.res); err != nil {
		w.log.Warn().Err(err).Msg("write response failed")
	}
	return finishWorker
}

func sendErrorResponse(w *Worker) stateFunc {
	w.log.Error().Int("status", w.res.Status).Bytes("message", w.res.Body).Msg("sending error response")
	if err := WriteResponse(w.clientConn, w.res); err != nil {
		w.log.Warn().Err(err).Msg("write error response failed")
	}
	return finishWorker
}

func finishWorker(w *Worker) stateFunc {
	if w.closed {
		return nil
	}
	w.closed = true
	if w.clientConn != nil {
		w.clientConn.Close()
	}
	if w.req != nil {
		w.notify("terminated", func(ev Events) { ev.RequestTerminated(w.req, w.appRes) })
	}
	w.log.Debug().Msg("worker finished")
	return nil
}
