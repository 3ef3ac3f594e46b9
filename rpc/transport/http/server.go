package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/ValentinKolb/dProxy/lib/util"
	"github.com/ValentinKolb/dProxy/rpc/common"
	vmetrics "github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("transport/rpc")

const (
	// HeaderBodyType carries the body type of the injected message
	HeaderBodyType = "X-Body-Type"
	// HeaderMask optionally carries a group mask (decimal or 0x hex)
	HeaderMask = "X-Mask"

	maxBodySize = 16 << 20
)

// IngressHandler receives every message injected over HTTP. The returned error decides
// the status code of the response.
type IngressHandler func(ctx context.Context, msg *common.Message) error

// Ingress is the optional HTTP endpoint of a sidecar. It accepts messages with
// POST /{destination} and exposes the metrics with GET /metrics.
type Ingress struct {
	handler  IngressHandler
	debug    bool
	listener net.Listener
	server   *http.Server
}

// NewIngress creates the ingress, debug enables request logging
func NewIngress(handler IngressHandler, debug bool) *Ingress {
	return &Ingress{
		handler: handler,
		debug:   debug,
	}
}

// Listen binds the endpoint
func (t *Ingress) Listen(endpoint string) error {
	mux := http.NewServeMux()

	if t.debug {
		mux.HandleFunc("POST /{destination}", loggerMiddleware(t.handleMessage))
	} else {
		mux.HandleFunc("POST /{destination}", t.handleMessage)
	}
	mux.HandleFunc("GET /metrics", func(w http.ResponseWriter, _ *http.Request) {
		vmetrics.WritePrometheus(w, true)
	})

	listener, err := net.Listen("tcp", endpoint)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", endpoint, err)
	}
	t.listener = listener
	t.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	Logger.Infof("Starting HTTP ingress on %s", listener.Addr())
	return nil
}

// Addr returns the bound address
func (t *Ingress) Addr() string {
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}

// Serve handles requests until ctx ends or Close is called
func (t *Ingress) Serve(ctx context.Context) error {
	if t.server == nil {
		return fmt.Errorf("Serve called before Listen")
	}
	stop := context.AfterFunc(ctx, func() { t.Close() })
	defer stop()

	if err := t.server.Serve(t.listener); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close stops the server, requests in flight get one second to finish
func (t *Ingress) Close() error {
	if t.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return t.server.Shutdown(ctx)
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// handleMessage turns the request into a message and hands it to the handler
func (t *Ingress) handleMessage(w http.ResponseWriter, r *http.Request) {
	dest, err := common.ParseIdent(r.PathValue("destination"), util.HashIdent)
	if err != nil {
		http.Error(w, "Invalid destination: "+err.Error(), http.StatusBadRequest)
		return
	}

	var mask uint32
	if m := r.Header.Get(HeaderMask); m != "" {
		v, err := strconv.ParseUint(m, 0, 32)
		if err != nil {
			http.Error(w, "Invalid mask", http.StatusBadRequest)
			return
		}
		mask = uint32(v)
	}

	// Read request body
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	defer r.Body.Close()
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusInternalServerError)
		return
	}
	if len(body) > maxBodySize {
		http.Error(w, "Request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	msg := common.NewMessage(0, dest, r.Header.Get(HeaderBodyType), body)
	msg.Header.Mask = mask
	msg.Peer = r.RemoteAddr

	if err := t.handler(r.Context(), msg); err != nil {
		http.Error(w, err.Error(), statusOf(err))
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// statusOf maps the error taxonomy to http status codes
func statusOf(err error) int {
	switch common.CodeOf(err) {
	case common.ErrCNotFound:
		return http.StatusNotFound
	case common.ErrCBackpressure, common.ErrCShuttingDown:
		return http.StatusServiceUnavailable
	case common.ErrCProtocol:
		return http.StatusBadRequest
	case common.ErrCTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// --------------------------------------------------------------------------
// Middleware (logging)
// --------------------------------------------------------------------------

// responseWriter is a custom ResponseWriter that captures status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

// WriteHeader captures the status code before writing it
func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// loggerMiddleware is a middleware that logs HTTP requests
func loggerMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Create custom response writer to capture status code
		rw := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		// Process request
		next.ServeHTTP(rw, r)

		// Log the request
		duration := time.Since(start)
		Logger.Debugf("%s %s => %d took %s", r.Method, r.URL.Path, rw.statusCode, duration)
	}
}
