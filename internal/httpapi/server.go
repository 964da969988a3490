// Copyright (c) 2014 The AUTHORS
//
// Use of this source code is governed by the MIT license
// that can be found in the LICENSE file.

// Package httpapi implements spec §6's HTTP surface: the gin-routed
// REST collaborator through which the outside world drives a branch's
// App/Instance/Queue actors. Grounded on the pack's gin+gin-contrib/cors
// wiring (cyw0ng95-v2e/cmd/access/server.go): gin.New() with an
// explicit recovery writer rather than gin.Default()'s built-in
// logger, CORS via gin-contrib/cors, and a plain net/http.Server
// wrapper so Start/Stop can satisfy internal/branch's HTTPServer
// contract.
package httpapi

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/celery/cyme/internal/controller"
	"github.com/celery/cyme/internal/logx"
	"github.com/celery/cyme/internal/supervisor"
)

// Deps bundles everything a branch's HTTP surface needs to serve spec
// §6's routes.
type Deps struct {
	BranchID    string
	BranchShort string
	URLs        func() []string
	Manager     *supervisor.LocalInstanceManager
	Controller  *controller.Controller
	Ledger      *TaskLedger
}

// Server wraps a gin engine in a plain net/http.Server so it can
// satisfy internal/branch.HTTPServer (Start() error / Stop(ctx) error).
type Server struct {
	addr   string
	engine *gin.Engine
	http   *http.Server
}

// NewServer builds the gin engine, registers CORS and the full spec §6
// route table, and binds addr without yet listening.
func NewServer(addr string, deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)

	engine := gin.New()
	engine.Use(gin.RecoveryWithWriter(recoveryWriter{}))
	engine.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Accept", "Authorization"},
		MaxAge:          86400 * time.Second,
	}))

	registerRoutes(engine, deps)

	return &Server{
		addr:   addr,
		engine: engine,
		http:   &http.Server{Addr: addr, Handler: engine},
	}
}

// Start begins serving in the background; Serve's terminal
// http.ErrServerClosed is swallowed since it is the expected result of
// a clean Stop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	go func() {
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			logx.For("httpapi").Error().Err(err).Msg("http server exited")
		}
	}()
	logx.For("httpapi").Info().Str("addr", s.addr).Msg("http api listening")
	return nil
}

// Stop gracefully shuts the server down within ctx's deadline.
func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

type recoveryWriter struct{}

func (recoveryWriter) Write(p []byte) (int, error) {
	logx.For("httpapi").Error().Msg(string(p))
	return len(p), nil
}
