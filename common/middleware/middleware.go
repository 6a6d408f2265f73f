package middleware

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/bluele/gcache"
	"github.com/google/uuid"
	hr "github.com/julienschmidt/httprouter"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
	"wuyrush.io/linkvault/common/logging"
	"wuyrush.io/linkvault/common/metrics"
	cst "wuyrush.io/linkvault/constants"
	se "wuyrush.io/linkvault/errors"
	md "wuyrush.io/linkvault/models"
)

type Middleware func(hr.Handle) hr.Handle

// Chain composites given handler and middlewares. The last middleware is the outermost one
func Chain(h hr.Handle, ms ...Middleware) hr.Handle {
	for _, m := range ms {
		h = m(h)
	}
	return h
}

// PanicRecoverer recovers from panic of underlying handlers
func PanicRecoverer() Middleware {
	return func(h hr.Handle) hr.Handle {
		return func(w http.ResponseWriter, r *http.Request, p hr.Params) {
			defer func() {
				if rec := recover(); rec != nil {
					logging.FromContext(r.Context(), log.WithField("panicReason", rec)).
						Error("got panic from underlying handler")
					writeErr(w, se.NewServiceFailure("internal error"))
				}
			}()
			h(w, r, p)
		}
	}
}

// RequestID tags the request with an id, reusing the one given by client via X-Request-ID if any
func RequestID() Middleware {
	return func(h hr.Handle) hr.Handle {
		return func(w http.ResponseWriter, r *http.Request, p hr.Params) {
			id := r.Header.Get(cst.HeaderRequestID)
			if id == "" {
				id = uuid.NewString()
			}
			w.Header().Set(cst.HeaderRequestID, id)
			h(w, r.WithContext(logging.WithRequestID(r.Context(), id)), p)
		}
	}
}

// RateLimiter limits the call rate of underlying handler per client IP with token bucket of given rate
// and burst. Limiters of up to cacheSize most recent clients are tracked.
func RateLimiter(perMinute, burst, cacheSize int) Middleware {
	limit := rate.Limit(float64(perMinute) / 60.)
	limiters := gcache.New(cacheSize).LRU().LoaderFunc(func(interface{}) (interface{}, error) {
		return rate.NewLimiter(limit, burst), nil
	}).Build()
	return func(h hr.Handle) hr.Handle {
		return func(w http.ResponseWriter, r *http.Request, p hr.Params) {
			v, err := limiters.Get(clientIP(r))
			if err != nil {
				// let the request through rather than failing it on limiter bookkeeping
				logging.FromContext(r.Context(), logging.WithFuncName()).WithError(err).Error("error loading rate limiter")
				h(w, r, p)
				return
			}
			if !v.(*rate.Limiter).Allow() {
				w.Header().Set("Retry-After", "60")
				writeJSON(w, http.StatusTooManyRequests, "too many requests")
				return
			}
			h(w, r, p)
		}
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Instrument records request count and latency of underlying handler, labelled with the given route
// pattern instead of the raw path to keep label cardinality bounded
func Instrument(route string) Middleware {
	return func(h hr.Handle) hr.Handle {
		return func(w http.ResponseWriter, r *http.Request, p hr.Params) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			h(sw, r, p)
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(sw.status)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		}
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// TokenParser resolves a bearer token to the user it identifies
type TokenParser interface {
	Parse(raw string) (*md.User, *se.Err)
}

type ctxKeyUser struct{}

// Authenticated resolves the requester from the Authorization header and rejects the request with 403
// if it does not carry a valid bearer token
func Authenticated(tp TokenParser, bearer func(string) string) Middleware {
	return func(h hr.Handle) hr.Handle {
		return func(w http.ResponseWriter, r *http.Request, p hr.Params) {
			raw := bearer(r.Header.Get("Authorization"))
			if raw == "" {
				writeErr(w, se.NewForbidden("authentication required"))
				return
			}
			u, err := tp.Parse(raw)
			if err != nil {
				logging.FromContext(r.Context(), logging.WithFuncName()).WithError(err).Info("rejected bearer token")
				writeErr(w, err)
				return
			}
			ctx := context.WithValue(r.Context(), ctxKeyUser{}, u)
			h(w, r.WithContext(ctx), p)
		}
	}
}

// OptionallyAuthenticated resolves the requester like Authenticated does, but lets requests without a
// valid bearer token through as anonymous ones
func OptionallyAuthenticated(tp TokenParser, bearer func(string) string) Middleware {
	return func(h hr.Handle) hr.Handle {
		return func(w http.ResponseWriter, r *http.Request, p hr.Params) {
			raw := bearer(r.Header.Get("Authorization"))
			if raw == "" {
				h(w, r, p)
				return
			}
			u, err := tp.Parse(raw)
			if err != nil {
				logging.FromContext(r.Context(), logging.WithFuncName()).WithError(err).Debug("ignored bearer token")
				h(w, r, p)
				return
			}
			h(w, r.WithContext(context.WithValue(r.Context(), ctxKeyUser{}, u)), p)
		}
	}
}

// UserFrom returns the authenticated requester carried by ctx, or nil if there is none
func UserFrom(ctx context.Context) *md.User {
	u, _ := ctx.Value(ctxKeyUser{}).(*md.User)
	return u
}

func writeErr(w http.ResponseWriter, err *se.Err) {
	writeJSON(w, err.StatusCode(), err.Error())
}

func writeJSON(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{"success": false, "message": msg})
}
