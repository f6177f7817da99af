package proxy

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"subroute/manager"
	"subroute/observability"
	"subroute/types"
)

const (
	notFoundBody    = "Container not found"
	proxyFailedBody = "Proxy failed"
)

// Options configures a Router.
type Options struct {
	// Timeout bounds how long the router waits for a backend to answer.
	Timeout time.Duration
	// ChangeOrigin rewrites the Host header to the backend address instead of
	// passing the client's Host through.
	ChangeOrigin bool
	Metrics      *observability.Metrics
}

type entryKey struct{}

// Router forwards requests to the container named by the first label of the Host header.
type Router struct {
	registry manager.Registry
	proxy    *httputil.ReverseProxy
	logger   *zap.Logger
	metrics  *observability.Metrics
}

// NewRouter creates a Router resolving backends from registry.
func NewRouter(registry manager.Registry, logger *zap.Logger, opts Options) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}

	r := &Router{
		registry: registry,
		logger:   logger,
		metrics:  opts.Metrics,
	}
	r.proxy = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			entry := pr.In.Context().Value(entryKey{}).(types.RoutingEntry)
			pr.SetURL(&url.URL{Scheme: "http", Host: entry.Target()})
			pr.SetXForwarded()
			if !opts.ChangeOrigin {
				pr.Out.Host = pr.In.Host
			}
		},
		Transport:    newTransport(opts.Timeout),
		ErrorHandler: r.proxyError,
	}
	return r
}

func newTransport(timeout time.Duration) *http.Transport {
	return &http.Transport{
		Proxy: nil, // Backends are local container addresses
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: timeout,
	}
}

// ServeHTTP routes a single request.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	start := time.Now()
	hostname := Hostname(req.Host)
	service := ServiceName(hostname)
	wrapped := &responseWriter{ResponseWriter: w}

	defer func() {
		status := wrapped.status()
		r.metrics.RecordProxyRequest(status, time.Since(start))
	}()

	entry, ok := r.registry.Get(service)
	if !ok {
		r.logger.Debug("No route for host",
			zap.String("host", hostname), zap.String("method", req.Method), zap.String("path", req.URL.Path))
		writeText(wrapped, http.StatusNotFound, notFoundBody)
		return
	}

	ctx := context.WithValue(req.Context(), entryKey{}, entry)
	r.proxy.ServeHTTP(wrapped, req.WithContext(ctx))

	r.logger.Info("Forwarded request",
		zap.String("host", hostname),
		zap.String("method", req.Method),
		zap.String("path", req.URL.Path),
		zap.String("target", "http://"+entry.Target()),
		zap.Int("status", wrapped.status()),
		zap.Duration("duration", time.Since(start)))
}

func (r *Router) proxyError(w http.ResponseWriter, req *http.Request, err error) {
	target := ""
	if entry, ok := req.Context().Value(entryKey{}).(types.RoutingEntry); ok {
		target = entry.Target()
	}
	r.logger.Error("Proxy error",
		zap.String("host", req.Host), zap.String("target", target), zap.Error(err))
	writeText(w, http.StatusInternalServerError, proxyFailedBody)
}

// Hostname strips an optional port from a Host header value.
func Hostname(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

// ServiceName returns the part of hostname before the first ".".
func ServiceName(hostname string) string {
	name, _, _ := strings.Cut(hostname, ".")
	return name
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	io.WriteString(w, body)
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(code int) {
	if w.statusCode == 0 {
		w.statusCode = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWriter) Write(b []byte) (int, error) {
	if w.statusCode == 0 {
		w.statusCode = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach Flush and Hijack on the underlying writer.
func (w *responseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (w *responseWriter) status() int {
	if w.statusCode == 0 {
		return http.StatusOK
	}
	return w.statusCode
}
