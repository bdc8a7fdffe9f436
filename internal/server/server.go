// Package server implements RORI's HTTPS control surface: the read-only
// Directory Service lookups and task management endpoints external tools
// use to introspect and schedule against a running instance.
package server

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"strings"

	"github.com/rakunlabs/ada"

	mcors "github.com/rakunlabs/ada/middleware/cors"
	mlog "github.com/rakunlabs/ada/middleware/log"
	mrecover "github.com/rakunlabs/ada/middleware/recover"
	mrequestid "github.com/rakunlabs/ada/middleware/requestid"
	mserver "github.com/rakunlabs/ada/middleware/server"
	mtelemetry "github.com/rakunlabs/ada/middleware/telemetry"

	"github.com/rakunlabs/at/internal/config"
	"github.com/rakunlabs/at/internal/directory"
	"github.com/rakunlabs/at/internal/store"
)

// Server is the HTTPS control surface over the Directory Service and task
// store.
type Server struct {
	config config.Server

	server *ada.Server

	directory *directory.Directory
	tasks     store.TaskStorer
	modules   store.ModuleStorer
}

// New builds a Server and registers every route. Routes are protected by a
// bearer admin token when cfg.AdminToken is set; otherwise every request is
// rejected, mirroring the teacher's fail-closed adminAuthMiddleware.
func New(cfg config.Server, dir *directory.Directory, tasks store.TaskStorer, modules store.ModuleStorer) (*Server, error) {
	mux := ada.New()
	mux.Use(
		mrecover.Middleware(),
		mserver.Middleware(config.Service),
		mcors.Middleware(),
		mrequestid.Middleware(),
		mlog.Middleware(),
		mtelemetry.Middleware(),
	)

	s := &Server{
		config:    cfg,
		server:    mux,
		directory: dir,
		tasks:     tasks,
		modules:   modules,
	}

	group := mux.Group(cfg.BasePath)
	if cfg.AdminToken != "" {
		group.Use(s.adminAuthMiddleware())
	} else {
		group.Use(s.denyAllMiddleware())
	}

	group.GET("/name/{name}", s.ByNameAPI)
	group.GET("/addr/{hash}", s.ByAddressAPI)
	group.GET("/module/{name}", s.ModuleAPI)
	group.POST("/task/add", s.AddTaskAPI)
	group.POST("/task/update", s.UpdateTaskAPI)
	group.DELETE("/task/{id}", s.DeleteTaskAPI)
	group.POST("/task/search/{module_name}", s.SearchTasksAPI)

	return s, nil
}

// Start serves the control surface until ctx is canceled, over TLS when
// both TLSCert and TLSKey are configured.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.config.Host, s.config.Port)

	if s.config.TLSCert == "" || s.config.TLSKey == "" {
		return s.server.StartWithContext(ctx, addr)
	}

	cert, err := tls.LoadX509KeyPair(s.config.TLSCert, s.config.TLSKey)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:      addr,
		Handler:   s.server,
		TLSConfig: &tls.Config{Certificates: []tls.Certificate{cert}},
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	go func() {
		<-ctx.Done()
		httpServer.Close()
	}()

	err = httpServer.ListenAndServeTLS("", "")
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// adminAuthMiddleware protects every control-surface endpoint with bearer
// token authentication.
func (s *Server) adminAuthMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			token := strings.TrimPrefix(auth, "Bearer ")
			if auth == "" || token == auth || token != s.config.AdminToken {
				httpError(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// denyAllMiddleware rejects every request when no admin token is configured,
// the same fail-closed posture the teacher's server used for unconfigured
// admin endpoints: a control surface carrying device and task data should
// never be reachable unauthenticated by default.
func (s *Server) denyAllMiddleware() func(http.Handler) http.Handler {
	return func(http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			httpError(w, "admin token not configured", http.StatusForbidden)
		})
	}
}
