// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package api is the HTTP interface to the boop submitter.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/happychain/boopd/boop"
	"github.com/happychain/boopd/server/simulate"
	"github.com/happychain/boopd/server/submit"
	"github.com/happychain/boopd/sub"
)

const (
	// rpcTimeout bounds reads of a request and writes of a response that
	// isn't for an execute request.
	rpcTimeout = 10 * time.Second

	DefaultRatePerSec   = 100
	DefaultBurst        = 1000
	DefaultIPRatePerSec = 10
	DefaultIPBurst      = 50

	// ipLimiterExpiry is how long an idle client's limiter is kept.
	ipLimiterExpiry = time.Minute
)

// Core is satisfied by *submit.Submitter.
type Core interface {
	Simulate(ctx context.Context, in *submit.Input) (*simulate.Output, error)
	Submit(ctx context.Context, in *submit.Input) (*submit.SubmitOutput, error)
	Execute(ctx context.Context, in *submit.Input) (*submit.ExecuteOutput, error)
	GetState(ctx context.Context, boopHash common.Hash) (*submit.State, error)
	GetPending(account common.Address) []*boop.PendingInfo
}

// Config is the configuration for a Server.
type Config struct {
	Core Core
	// Addr is the listen address, e.g. "127.0.0.1:3001".
	Addr string
	// ExecuteTimeout bounds the write of an execute response, which waits
	// for a receipt. It should exceed the submitter's receipt timeout.
	ExecuteTimeout time.Duration
	// RatePerSec and Burst limit the requests of all clients together.
	RatePerSec float64
	Burst      int
	// IPRatePerSec and IPBurst limit the requests of one client address.
	IPRatePerSec float64
	IPBurst      int
	Log          sub.Logger
}

// ipRateLimiter is used to track an IPs HTTP request rate.
type ipRateLimiter struct {
	*rate.Limiter
	lastHit time.Time
}

// Server is the HTTP API server.
type Server struct {
	cfg  Config
	core Core
	log  sub.Logger
	mux  *chi.Mux

	global     *rate.Limiter
	limiterMtx sync.Mutex
	limiters   map[string]*ipRateLimiter
}

// NewServer is the constructor for a new Server.
func NewServer(cfg *Config) (*Server, error) {
	if cfg.Core == nil {
		return nil, errors.New("no core")
	}
	c := *cfg
	if c.ExecuteTimeout <= 0 {
		c.ExecuteTimeout = submit.DefaultReceiptTimeout + rpcTimeout
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = DefaultRatePerSec
	}
	if c.Burst <= 0 {
		c.Burst = DefaultBurst
	}
	if c.IPRatePerSec <= 0 {
		c.IPRatePerSec = DefaultIPRatePerSec
	}
	if c.IPBurst <= 0 {
		c.IPBurst = DefaultIPBurst
	}
	if c.Log == nil {
		c.Log = sub.Disabled
	}

	s := &Server{
		cfg:      c,
		core:     c.Core,
		log:      c.Log,
		mux:      chi.NewRouter(),
		global:   rate.NewLimiter(rate.Limit(c.RatePerSec), c.Burst),
		limiters: make(map[string]*ipRateLimiter),
	}

	s.mux.Use(middleware.RealIP)
	s.mux.Use(middleware.Recoverer)

	s.mux.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.apiHealth)
		r.Route("/boop", func(rr chi.Router) {
			rr.Use(s.limitRate)
			rr.With(middleware.AllowContentType("application/json")).Post("/simulate", s.apiSimulate)
			rr.With(middleware.AllowContentType("application/json")).Post("/submit", s.apiSubmit)
			rr.With(middleware.AllowContentType("application/json"), s.extendWrite).Post("/execute", s.apiExecute)
			rr.Get("/state/{"+hashKey+"}", s.apiState)
			rr.Get("/pending/{"+accountKey+"}", s.apiPending)
		})
	})
	return s, nil
}

// ServeHTTP makes the Server an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Run starts the server and blocks until the context is canceled.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("can't listen on %s: %w", s.cfg.Addr, err)
	}

	httpServer := &http.Server{
		Handler:      s,
		ReadTimeout:  rpcTimeout, // slow requests should not hold connections opened
		WriteTimeout: s.cfg.ExecuteTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.sweepLimiters()
			case <-ctx.Done():
				return
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		ctxTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctxTimeout); err != nil {
			s.log.Warnf("http.Server.Shutdown: %v", err)
		}
	}()

	s.log.Infof("API server listening on %s", listener.Addr())
	err = httpServer.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	wg.Wait()
	s.log.Infof("API server off")
	return err
}

// limitRate is middleware that enforces the global and per-client request
// rates.
func (s *Server) limitRate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.global.Allow() {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		if !s.ipLimiter(clientIP(r)).Allow() {
			s.log.Debugf("rate limiting %s", r.RemoteAddr)
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// extendWrite is middleware that extends the write deadline of a long
// request.
func (s *Server) extendWrite(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc := http.NewResponseController(w)
		if err := rc.SetWriteDeadline(time.Now().Add(s.cfg.ExecuteTimeout)); err != nil &&
			!errors.Is(err, http.ErrNotSupported) {
			s.log.Debugf("SetWriteDeadline: %v", err)
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP is the host part of the request's remote address, which
// middleware.RealIP has already replaced where the headers say so.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ipLimiter gets the limiter for the client address, creating it if it
// doesn't exist.
func (s *Server) ipLimiter(ip string) *ipRateLimiter {
	s.limiterMtx.Lock()
	defer s.limiterMtx.Unlock()
	limiter := s.limiters[ip]
	if limiter != nil {
		limiter.lastHit = time.Now()
		return limiter
	}
	limiter = &ipRateLimiter{
		Limiter: rate.NewLimiter(rate.Limit(s.cfg.IPRatePerSec), s.cfg.IPBurst),
		lastHit: time.Now(),
	}
	s.limiters[ip] = limiter
	return limiter
}

func (s *Server) sweepLimiters() {
	s.limiterMtx.Lock()
	defer s.limiterMtx.Unlock()
	for ip, limiter := range s.limiters {
		if time.Since(limiter.lastHit) > ipLimiterExpiry {
			delete(s.limiters, ip)
		}
	}
}
