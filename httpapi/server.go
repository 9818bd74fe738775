package httpapi

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/isdmx/execbox/catalog"
	"github.com/isdmx/execbox/config"
	"github.com/isdmx/execbox/model"
	"github.com/isdmx/execbox/orchestrator"
)

// ServiceName is reported by the health endpoint
const ServiceName = "execbox"

// defaultBodyLimit leaves room for base64 archives on top of the raw limits
const defaultBodyLimit = 4 * model.MiB

// Executor runs and cancels submissions
type Executor interface {
	Execute(ctx context.Context, sub model.Submission) (model.ExecutionResult, error)
	Cancel(id string) bool
	InUse() int
	Capacity() int
}

// Languages lists what the catalog can run
type Languages interface {
	Images() []model.SandboxImage
	Version() uint64
}

// Server is the REST intake
type Server struct {
	logger    *zap.Logger
	exec      Executor
	languages Languages
	gatherer  prometheus.Gatherer
	addr      string
	app       *fiber.App

	// base parents every request context; abort cancels in-flight executions
	base  context.Context
	abort context.CancelFunc
}

// Option defines a functional option for Server
type Option func(*serverOptions)

type serverOptions struct {
	addr      string
	bodyLimit int
	gatherer  prometheus.Gatherer
}

// WithAddr sets the listen address used by Start
func WithAddr(addr string) Option {
	return func(o *serverOptions) {
		o.addr = addr
	}
}

// WithBodyLimit sets the largest accepted request body
func WithBodyLimit(n int) Option {
	return func(o *serverOptions) {
		o.bodyLimit = n
	}
}

// WithGatherer sets the registry served on /metrics
func WithGatherer(g prometheus.Gatherer) Option {
	return func(o *serverOptions) {
		o.gatherer = g
	}
}

// New creates the REST server and registers its routes
func New(logger *zap.Logger, exec Executor, languages Languages, opts ...Option) *Server {
	o := serverOptions{
		addr:      ":5001",
		bodyLimit: defaultBodyLimit,
		gatherer:  prometheus.DefaultGatherer,
	}
	for _, opt := range opts {
		opt(&o)
	}

	s := &Server{
		logger:    logger,
		exec:      exec,
		languages: languages,
		gatherer:  o.gatherer,
		addr:      o.addr,
	}
	s.base, s.abort = context.WithCancel(context.Background())
	s.app = fiber.New(fiber.Config{
		AppName:               ServiceName,
		BodyLimit:             o.bodyLimit,
		DisableStartupMessage: true,
		ErrorHandler:          s.handleError,
	})
	s.app.Use(recover.New())
	s.app.Use(s.requestContext)
	s.setupRoutes()
	return s
}

// NewFromConfig creates the REST server listening on server.api_port
func NewFromConfig(
	cfg *config.Config,
	logger *zap.Logger,
	orch *orchestrator.Orchestrator,
	cat *catalog.Catalog,
	reg *prometheus.Registry,
) *Server {
	limit := 2*(cfg.Limits.MaxSourceBytes+cfg.Limits.MaxStdinBytes+cfg.Limits.MaxArchiveBytes) + model.MiB
	return New(logger, orch, cat,
		WithAddr(fmt.Sprintf(":%d", cfg.Server.APIPort)),
		WithBodyLimit(max(limit, defaultBodyLimit)),
		WithGatherer(reg),
	)
}

func (s *Server) setupRoutes() {
	api := s.app.Group("/api")
	api.Post("/execute", s.handleExecute)
	api.Post("/execute/quick", s.handleQuick)
	api.Delete("/executions/:id", s.handleCancel)
	api.Get("/languages", s.handleLanguages)

	s.app.Get("/health", s.handleHealth)
	s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	s.app.Use(func(*fiber.Ctx) error {
		return fiber.NewError(fiber.StatusNotFound, "Endpoint not found")
	})
}

// App returns the underlying fiber app
func (s *Server) App() *fiber.App {
	return s.app
}

// Start listens in the background until Shutdown
func (s *Server) Start() {
	s.logger.Info("Starting REST API", zap.String("addr", s.addr))
	go func() {
		if err := s.app.Listen(s.addr); err != nil {
			s.logger.Error("REST API stopped", zap.Error(err))
		}
	}()
}

// requestContext gives each request a context that ends with the handler.
// fasthttp does not report client disconnects, so a dropped client does not
// cancel its execution; DELETE /api/executions/:id does.
func (s *Server) requestContext(c *fiber.Ctx) error {
	ctx, cancel := context.WithCancel(s.base)
	defer cancel()
	c.SetUserContext(ctx)
	return c.Next()
}

// Shutdown stops accepting requests and waits for in-flight ones. Once ctx
// ends, in-flight executions are cancelled and report as killed.
func (s *Server) Shutdown(ctx context.Context) error {
	stop := context.AfterFunc(ctx, s.abort)
	defer stop()
	return s.app.ShutdownWithContext(ctx)
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Field   string `json:"field,omitempty"`
}

func (s *Server) handleError(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	resp := errorResponse{Error: err.Error()}

	var fe *fiber.Error
	var ve *orchestrator.ValidationError
	switch {
	case errors.As(err, &fe):
		status = fe.Code
	case errors.As(err, &ve):
		status = fiber.StatusBadRequest
		resp.Field = ve.Field
	case errors.Is(err, catalog.ErrNotFound):
		status = fiber.StatusNotFound
	case errors.Is(err, orchestrator.ErrCapacityExceeded):
		status = fiber.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = fiber.StatusRequestTimeout
	default:
		s.logger.Error("Request failed", zap.String("path", c.Path()), zap.Error(err))
		resp.Error = "Internal server error"
	}

	return c.Status(status).JSON(resp)
}
