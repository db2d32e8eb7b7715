package context

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"gitlab.com/gitlab-org/labkit/correlation"
)

// Common errors used with this package.
var (
	ErrNoRequestContext        = errors.New("no http request in context")
	ErrNoResponseWriterContext = errors.New("no http response in context")
)

// CFRayIDHeader is the name of the header used by Cloudflare to carry the
// request ray ID.
const CFRayIDHeader = "CF-ray"

// CFRayIDKey is the context key type for the Cloudflare ray ID.
type CFRayIDKey string

// CFRayIDLogKey is the context/log key under which the ray ID is stored.
const CFRayIDLogKey CFRayIDKey = "CF_ray_id"

// WithCFRayID stores the value of the CF-ray request header in the context,
// when the header is present on the request.
func WithCFRayID(ctx Context, r *http.Request) Context {
	if values, ok := r.Header[http.CanonicalHeaderKey(CFRayIDHeader)]; ok {
		val := ""
		if len(values) > 0 {
			val = values[0]
		}
		return context.WithValue(ctx, CFRayIDLogKey, val)
	}
	return ctx
}

func parseIP(ipStr string) net.IP {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		GetLogger(Background()).Warnf("invalid remote IP address: %q", ipStr)
	}
	return ip
}

// RemoteAddr extracts a remote address from an http.Request. This will not
// always be the actual address when behind a proxy: the X-Forwarded-For and
// X-Real-Ip headers are consulted first.
func RemoteAddr(r *http.Request) string {
	if prior := r.Header.Get("X-Forwarded-For"); prior != "" {
		remoteAddr, _, _ := strings.Cut(prior, ",")
		remoteAddr = strings.Trim(remoteAddr, " ")
		if parseIP(remoteAddr) != nil {
			return remoteAddr
		}
	}

	if realIP := r.Header.Get("X-Real-Ip"); realIP != "" {
		if parseIP(realIP) != nil {
			return realIP
		}
	}

	return r.RemoteAddr
}

// RemoteIP extracts a remote IP address from an http.Request, with the port
// stripped when present.
func RemoteIP(r *http.Request) string {
	addr := RemoteAddr(r)

	// Try parsing it as "IP:port"
	if ip, _, err := net.SplitHostPort(addr); err == nil {
		return ip
	}

	return addr
}

// WithRequest places the request on the context. The context of the request
// is assigned a unique id, available at "http.request.id". The request
// itself is available at "http.request". Other common attributes are
// available under the prefix "http.request.", as well as under short mapped
// names suitable for structured log fields.
func WithRequest(ctx Context, r *http.Request) Context {
	if ctx.Value("http.request") != nil {
		// Shouldn't call WithRequest twice.
		panic("only one request per context")
	}

	return &httpRequestContext{
		Context:   ctx,
		startedAt: time.Now(),
		id:        uuid.NewString(),
		r:         r,
	}
}

// GetRequestID attempts to resolve the current request id, if possible. An
// error is returned if it is not available on the context.
func GetRequestID(ctx Context) string {
	return GetStringValue(ctx, "http.request.id")
}

// GetRequestCorrelationID returns the correlation ID propagated by the
// correlation middleware, if any.
func GetRequestCorrelationID(ctx Context) string {
	return correlation.ExtractFromContext(ctx)
}

// WithResponseWriter returns a new context and response writer that makes
// interesting response statistics available within the context.
func WithResponseWriter(ctx Context, w http.ResponseWriter) (Context, http.ResponseWriter) {
	irw := instrumentedResponseWriter{
		ResponseWriter: w,
		Context:        ctx,
	}
	return &irw, &irw
}

// GetResponseWriter returns the http.ResponseWriter from the provided
// context. If not present, ErrNoResponseWriterContext is returned.
func GetResponseWriter(ctx Context) (http.ResponseWriter, error) {
	v := ctx.Value("http.response")

	rw, ok := v.(http.ResponseWriter)
	if !ok || rw == nil {
		return nil, ErrNoResponseWriterContext
	}

	return rw, nil
}

// getVarsFromRequest let's us change request vars implementation for
// testing and maybe future changes.
var getVarsFromRequest = mux.Vars

// WithVars extracts gorilla/mux vars and makes them available on the
// returned context. Variables are available at keys with the "vars." prefix
// followed by the variable name, such as "vars.name".
func WithVars(ctx Context, r *http.Request) Context {
	return &muxVarsContext{
		Context: ctx,
		vars:    getVarsFromRequest(r),
	}
}

// GetRequestLogger returns a logger that contains fields from the request in
// the current context. If the request is not available in the context, no
// fields will display. Request loggers can safely be pushed onto the
// context.
func GetRequestLogger(ctx Context) Logger {
	return GetLogger(ctx,
		"http.request.id",
		"http.request.method",
		"http.request.host",
		"http.request.uri",
		"http.request.referer",
		"http.request.useragent",
		"http.request.remoteaddr",
		"http.request.contenttype")
}

// GetMappedRequestLogger is like GetRequestLogger but uses short field names
// matching the access log vocabulary.
func GetMappedRequestLogger(ctx Context) Logger {
	return GetLogger(ctx,
		"method",
		"host",
		"uri",
		"referer",
		"user_agent",
		"remote_addr")
}

// GetResponseLogger reads the current response stats and builds a logger.
// Because the values are read at call time, pushing a logger returned from
// this function on the context will lead to missing or invalid data. Only
// call this at the end of a request, after the response has been written.
func GetResponseLogger(ctx Context) Logger {
	l := getLogrusLogger(ctx,
		"http.response.written",
		"http.response.status",
		"http.response.contenttype")

	duration := Since(ctx, "http.request.startedat")

	if duration > 0 {
		l = l.WithField("http.response.duration", duration.String())
	}

	return l
}

// httpRequestContext makes information about a request available to context.
type httpRequestContext struct {
	Context

	startedAt time.Time
	id        string
	r         *http.Request
}

// Value returns a keyed element of the request for use in the context. To
// get the request itself, query "request". For the start time, query
// "request.startedat". For other request attributes, the keys "method",
// "host", etc. are mapped directly under the "http.request." prefix as well
// as under their short names.
func (ctx *httpRequestContext) Value(key any) any {
	if keyStr, ok := key.(string); ok {
		switch keyStr {
		case "http.request":
			return ctx.r
		case "http.request.id", "request_id":
			return ctx.id
		case "http.request.startedat":
			return ctx.startedAt
		case "http.request.method", "method":
			return ctx.r.Method
		case "http.request.host", "host":
			return ctx.r.Host
		case "http.request.uri", "uri":
			return ctx.r.RequestURI
		case "http.request.referer", "referer":
			if referer := ctx.r.Referer(); referer != "" {
				return referer
			}
		case "http.request.useragent", "user_agent":
			return ctx.r.UserAgent()
		case "http.request.remoteaddr", "remote_addr":
			return RemoteAddr(ctx.r)
		case "http.request.contenttype", "content_type":
			if ct := ctx.r.Header.Get("Content-Type"); ct != "" {
				return ct
			}
		}
	}

	return ctx.Context.Value(key)
}

type muxVarsContext struct {
	Context
	vars map[string]string
}

func (ctx *muxVarsContext) Value(key any) any {
	if keyStr, ok := key.(string); ok {
		if keyStr == "vars" {
			return ctx.vars
		}

		// TODO(stevvooe): This is a bit of a hack. Strip off the
		// vars prefix to lookup the variable by name.
		keyStr = strings.TrimPrefix(keyStr, "vars.")

		if v, ok := ctx.vars[keyStr]; ok {
			return v
		}
	}

	return ctx.Context.Value(key)
}

// instrumentedResponseWriter provides response writer information in a
// context. This variant is only valid for non-CloseNotifier response
// writers.
type instrumentedResponseWriter struct {
	http.ResponseWriter
	Context

	mu      sync.Mutex
	status  int
	written int64
}

func (irw *instrumentedResponseWriter) Write(p []byte) (n int, err error) {
	n, err = irw.ResponseWriter.Write(p)

	irw.mu.Lock()
	irw.written += int64(n)

	// Guess the likely status if not set.
	if irw.status == 0 {
		irw.status = http.StatusOK
	}

	irw.mu.Unlock()

	return n, err
}

func (irw *instrumentedResponseWriter) WriteHeader(status int) {
	irw.ResponseWriter.WriteHeader(status)

	irw.mu.Lock()
	irw.status = status
	irw.mu.Unlock()
}

func (irw *instrumentedResponseWriter) Flush() {
	if flusher, ok := irw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (irw *instrumentedResponseWriter) Value(key any) any {
	if keyStr, ok := key.(string); ok {
		if keyStr == "http.response" {
			return irw
		}

		irw.mu.Lock()
		defer irw.mu.Unlock()

		switch keyStr {
		case "http.response.written":
			return irw.written
		case "http.response.status":
			return irw.status
		case "http.response.contenttype":
			if ct := irw.Header().Get("Content-Type"); ct != "" {
				return ct
			}
		}
	}

	return irw.Context.Value(key)
}
