// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package admin provides a password protected https server to inspect and
// operate a running boop submitter.
package admin

import (
	"context"
	"crypto/elliptic"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/decred/dcrd/certgen"
	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/happychain/boopd/sub"
)

const (
	// rpcTimeoutSeconds is the number of seconds a connection to the
	// server is allowed to stay open without authenticating before it
	// is closed.
	rpcTimeoutSeconds = 10

	addressKey = "address"
	clientKey  = "client"
)

// ErrUnknownAccount is returned by SvrCore.Resync for an address that is not
// an execution account.
const ErrUnknownAccount = sub.ErrorKind("unknown execution account")

// ErrUnknownClient is returned by SvrCore.Reconfigure for a client name other
// than "read" or "send".
const ErrUnknownClient = sub.ErrorKind("unknown rpc client")

// SvrCore is the submitter state available to the admin server.
type SvrCore interface {
	Status() *Status
	ExecutionAccounts() []*AccountInfo
	Resync(addr common.Address) error
	Reconfigure(ctx context.Context, client string, endpoints []string) error
}

// Server is a multi-client https server.
type Server struct {
	core      SvrCore
	addr      string
	tlsConfig *tls.Config
	srv       *http.Server
	mux       *chi.Mux
	authSHA   [32]byte
	log       sub.Logger
}

// SrvConfig holds variables needed to create a new Server.
type SrvConfig struct {
	Core            SvrCore
	Addr, Cert, Key string
	AuthSHA         [32]byte
	Log             sub.Logger
}

// fileExists reports whether the named file or directory exists.
func fileExists(name string) bool {
	_, err := os.Stat(name)
	return !os.IsNotExist(err)
}

// genCertPair generates a key/cert pair to the paths provided.
func genCertPair(certFile, keyFile string, log sub.Logger) error {
	log.Infof("Generating TLS certificates...")

	org := "boopd autogenerated cert"
	validUntil := time.Now().Add(10 * 365 * 24 * time.Hour)
	cert, key, err := certgen.NewTLSCertPair(elliptic.P521(), org, validUntil, nil)
	if err != nil {
		return err
	}

	// Write cert and key files.
	if err = os.WriteFile(certFile, cert, 0644); err != nil {
		return err
	}
	if err = os.WriteFile(keyFile, key, 0600); err != nil {
		os.Remove(certFile)
		return err
	}

	log.Infof("Done generating TLS certificates")
	return nil
}

// NewServer is the constructor for a new Server. A key pair is generated if
// neither file exists.
func NewServer(cfg *SrvConfig) (*Server, error) {
	if cfg.Core == nil {
		return nil, errors.New("no core")
	}
	log := cfg.Log
	if log == nil {
		log = sub.Disabled
	}

	// Find or create the key pair.
	keyExists, certExists := fileExists(cfg.Key), fileExists(cfg.Cert)
	if certExists != keyExists {
		return nil, fmt.Errorf("missing cert pair file")
	}
	if !keyExists {
		if err := genCertPair(cfg.Cert, cfg.Key, log); err != nil {
			return nil, err
		}
	}
	keypair, err := tls.LoadX509KeyPair(cfg.Cert, cfg.Key)
	if err != nil {
		return nil, err
	}

	// Prepare the TLS configuration.
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{keypair},
		MinVersion:   tls.VersionTLS12,
	}

	// Create an HTTP router.
	mux := chi.NewRouter()
	httpServer := &http.Server{
		Handler:      mux,
		ReadTimeout:  rpcTimeoutSeconds * time.Second, // slow requests should not hold connections opened
		WriteTimeout: rpcTimeoutSeconds * time.Second, // hung responses must die
	}

	// Make the server.
	s := &Server{
		core:      cfg.Core,
		srv:       httpServer,
		mux:       mux,
		addr:      cfg.Addr,
		tlsConfig: tlsConfig,
		authSHA:   cfg.AuthSHA,
		log:       log,
	}

	// Middleware
	mux.Use(middleware.Recoverer)
	mux.Use(middleware.RealIP)
	mux.Use(oneTimeConnection)
	mux.Use(s.authMiddleware)

	// api endpoints
	mux.Route("/api", func(r chi.Router) {
		r.Get("/ping", s.apiPing)
		r.Get("/status", s.apiStatus)
		r.Get("/accounts", s.apiAccounts)
		r.Post("/accounts/{"+addressKey+"}/resync", s.apiResync)
		r.Put("/rpc/{"+clientKey+"}", s.apiReconfigure)
	})

	return s, nil
}

// Run starts the server.
func (s *Server) Run(ctx context.Context) {
	// Create listener.
	listener, err := tls.Listen("tcp", s.addr, s.tlsConfig)
	if err != nil {
		s.log.Errorf("can't listen on %s. admin server quitting: %v", s.addr, err)
		return
	}

	// Close the listener on context cancellation.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()

		if err := s.srv.Shutdown(context.Background()); err != nil {
			// Error from closing listeners:
			s.log.Errorf("HTTP server Shutdown: %v", err)
		}
	}()
	s.log.Infof("admin server listening on %s", s.addr)
	if err := s.srv.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
		s.log.Warnf("unexpected (http.Server).Serve error: %v", err)
	}

	// Wait for Shutdown.
	wg.Wait()
	s.log.Infof("admin server off")
}

// oneTimeConnection sets fields in the header and request that indicate this
// connection should not be reused.
func oneTimeConnection(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Connection", "close")
		r.Close = true
		next.ServeHTTP(w, r)
	})
}

// authMiddleware checks incoming requests for authentication.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// User is ignored.
		_, pass, ok := r.BasicAuth()
		authSHA := sha256.Sum256([]byte(pass))
		if !ok || subtle.ConstantTimeCompare(s.authSHA[:], authSHA[:]) != 1 {
			s.log.Warnf("server authentication failure from ip: %s", r.RemoteAddr)
			w.Header().Add("WWW-Authenticate", `Basic realm="boopd admin"`)
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		s.log.Debugf("server authenticated ip: %s", r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}

// writeJSON marshals the provided interface and writes the bytes to the
// ResponseWriter. The response code is assumed to be StatusOK.
func (s *Server) writeJSON(w http.ResponseWriter, thing any) {
	s.writeJSONWithStatus(w, thing, http.StatusOK)
}

// writeJSONWithStatus marshals the provided interface and writes the bytes to
// the ResponseWriter with the specified response code.
func (s *Server) writeJSONWithStatus(w http.ResponseWriter, thing any, code int) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "    ")
	if err := encoder.Encode(thing); err != nil {
		s.log.Errorf("JSON encode error: %v", err)
	}
}
