package main

import (
	"net/http"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"wuyrush.io/linkvault/common/auth"
	mw "wuyrush.io/linkvault/common/middleware"
	se "wuyrush.io/linkvault/errors"
)

const (
	routeUpload    = "/api/upload"
	routeContent   = "/api/content/:id"
	routeDownload  = "/api/download/:id"
	routeMyUploads = "/api/my-uploads"
	routeHealth    = "/health"
	routeMetrics   = "/metrics"
)

// set up routes
func (s *linkVaultServer) SetupMux() {
	r := httprouter.New()
	limited := mw.RateLimiter(s.cfg.RateLimitPerMinute, s.cfg.RateLimitBurst, rateLimiterCacheSize)
	authn := mw.Authenticated(s.Auth, auth.BearerToken)
	optAuthn := mw.OptionallyAuthenticated(s.Auth, auth.BearerToken)

	r.POST(routeUpload, route(routeUpload, s.HandleTaskUpload(), optAuthn, limited))
	r.POST(routeContent, route(routeContent, s.HandleTaskGetContent(), optAuthn, limited))
	r.GET(routeDownload, route(routeDownload, s.HandleTaskDownload(), limited))
	r.DELETE(routeContent, route(routeContent, s.HandleTaskDeleteContent(), authn))
	r.GET(routeMyUploads, route(routeMyUploads, s.HandleTaskListMyUploads(), authn))
	r.GET(routeHealth, route(routeHealth, s.HandleHealth()))
	r.Handler(http.MethodGet, routeMetrics, promhttp.Handler())
	r.NotFound = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		writeErr(w, se.NewNotFound("resource not found"))
	})

	s.Router = r
}

// route wraps h with given middlewares plus the ones every route shares. Shared middlewares are the
// outermost, so that panics and rejections of inner middlewares are still instrumented.
func route(pattern string, h httprouter.Handle, ms ...mw.Middleware) httprouter.Handle {
	ms = append(ms, mw.PanicRecoverer(), mw.RequestID(), mw.Instrument(pattern))
	return mw.Chain(h, ms...)
}
