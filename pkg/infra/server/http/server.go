// Package http runs the gin engine behind a net/http server with the
// middleware chain every fincheck endpoint shares.
package http

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/kart-io/logger"

	httpopts "github.com/kart-io/fincheck/pkg/options/http"
	apierrors "github.com/kart-io/fincheck/pkg/utils/errors"
	"github.com/kart-io/fincheck/pkg/utils/response"
	"github.com/kart-io/fincheck/pkg/utils/validator"
)

// Server is the HTTP server implementation.
type Server struct {
	opts   *httpopts.Options
	engine *gin.Engine
	server *http.Server
}

// Option customizes the middleware chain.
type Option func(*config)

type config struct {
	serviceName string
	skipPaths   []string
}

// WithServiceName sets the tracer name used by the tracing middleware.
func WithServiceName(name string) Option {
	return func(c *config) {
		c.serviceName = name
	}
}

// WithSkipPaths excludes paths from access logging and tracing.
func WithSkipPaths(paths ...string) Option {
	return func(c *config) {
		c.skipPaths = append(c.skipPaths, paths...)
	}
}

// NewServer creates a new HTTP server with the given options.
func NewServer(opts *httpopts.Options, options ...Option) *Server {
	if opts == nil {
		opts = httpopts.NewOptions()
	}
	cfg := &config{serviceName: "fincheck"}
	for _, o := range options {
		o(cfg)
	}

	gin.SetMode(opts.Mode)
	binding.Validator = validator.Global()

	engine := gin.New()
	engine.ContextWithFallback = true

	// 中间件必须在注册路由之前应用，子路由组才会继承
	engine.Use(
		Recovery(),
		RequestID(),
		Logger(cfg.skipPaths...),
		Tracing(cfg.serviceName, cfg.skipPaths...),
		BodyLimit(opts.MaxUploadSize),
	)
	if opts.Gzip {
		engine.Use(gzip.Gzip(gzip.DefaultCompression))
	}

	engine.NoRoute(func(c *gin.Context) {
		response.Fail(c, apierrors.ErrRouteNotFound)
	})
	engine.NoMethod(func(c *gin.Context) {
		response.Fail(c, apierrors.ErrRouteNotFound)
	})

	return &Server{opts: opts, engine: engine}
}

// Name returns the server name.
func (s *Server) Name() string {
	return "http[gin]"
}

// Engine returns the underlying gin.Engine for route registration.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Handler returns the engine as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.server = &http.Server{
		Handler:      s.engine,
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
		IdleTimeout:  s.opts.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infow("HTTP server listening", "addr", ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()

	logger.Infow("HTTP server shutting down", "timeout", s.opts.ShutdownTimeout.String())
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
