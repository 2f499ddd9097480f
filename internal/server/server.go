package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/mohammad-safakhou/sentinel/internal/agent/core"
	"github.com/mohammad-safakhou/sentinel/internal/errs"
	"github.com/mohammad-safakhou/sentinel/internal/helpers"
	"github.com/mohammad-safakhou/sentinel/internal/runner"
	"github.com/mohammad-safakhou/sentinel/internal/store"
)

// Assessor runs or serves cached assessments; *runner.Runner implements it.
type Assessor interface {
	Assess(ctx context.Context, req runner.Request) (*runner.Result, error)
	Start(ctx context.Context, req runner.Request) (string, <-chan runner.Outcome, error)
	Status(runID string) (core.RunStatus, error)
}

// Options configures the HTTP API.
type Options struct {
	Assessor    Assessor
	Store       store.Store
	Metrics     http.Handler
	Ops         OpsSource
	CORSOrigins []string
	Logger      *log.Logger
}

// Server is the thin HTTP surface over the run coordinator and the store.
type Server struct {
	echo   *echo.Echo
	opts   Options
	logger *log.Logger
}

func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	}
	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	s := &Server{echo: e, opts: opts, logger: opts.Logger}
	e.HTTPErrorHandler = s.handleError
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: origins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderContentType},
	}))

	e.GET("/healthz", s.health)
	if opts.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(opts.Metrics))
	}
	registerDocs(e)

	api := e.Group("/api")
	api.POST("/assessments", s.createAssessment)
	api.GET("/assessments", s.listAssessments)
	api.GET("/assessments/:id", s.getAssessment)
	api.GET("/runs/:id", s.runStatus)
	if opts.Ops != nil {
		registerOps(api.Group("/ops"), opts.Ops)
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.echo }

func (s *Server) Start(addr string) error {
	s.logger.Printf("listening on %s", addr)
	err := s.echo.Start(addr)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error { return s.echo.Shutdown(ctx) }

// handleError renders every failure as {"error": ...} and logs it.
func (s *Server) handleError(err error, c echo.Context) {
	code := http.StatusInternalServerError
	body := map[string]any{"error": err.Error()}

	var (
		he         *echo.HTTPError
		incomplete *errs.IncompleteRunError
		cfgErr     errs.ConfigurationError
		upstream   errs.UpstreamGenerationError
		invalid    errs.SchemaValidationError
	)
	switch {
	case errors.As(err, &he):
		code = he.Code
		if he.Message != nil {
			body["error"] = fmt.Sprint(he.Message)
		}
	case errors.As(err, &incomplete):
		code = http.StatusBadGateway
		body["error"] = "assessment incomplete"
		body["run_id"] = incomplete.RunID
		body["missing"] = incomplete.Missing
		body["completed"] = incomplete.Completed
		if incomplete.Cancelled {
			code = http.StatusGatewayTimeout
			body["error"] = "assessment cancelled"
			body["reason"] = incomplete.Reason
		}
	case errors.As(err, &cfgErr):
		code = http.StatusInternalServerError
	case errors.As(err, &upstream):
		code = http.StatusBadGateway
	case errors.As(err, &invalid):
		code = http.StatusBadGateway
	case errors.Is(err, core.ErrRunExists):
		code = http.StatusConflict
	case errors.Is(err, store.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, store.ErrInvalidKey), errors.Is(err, runner.ErrEmptyQuery):
		code = http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		code = http.StatusGatewayTimeout
	}

	req := c.Request()
	s.logger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
	if !c.Response().Committed {
		_ = c.JSON(code, body)
	}
}

func (s *Server) health(c echo.Context) error {
	if s.opts.Store != nil {
		if err := s.opts.Store.Ping(c.Request().Context()); err != nil {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "store unavailable")
		}
	}
	return c.String(http.StatusOK, "ok")
}

var (
	roles = map[string]bool{"executive": true, "security": true, "compliance": true, "technical": true, "global": true}
	sizes = map[string]bool{"small": true, "medium": true, "large": true}
	risks = map[string]bool{"low": true, "medium": true, "high": true}
)

// AssessmentRequest is the POST /api/assessments body. Role, size and risk
// describe the requester; they are validated and logged but do not change the
// assessment. RunID lets a caller poll /api/runs/:id while a synchronous
// request is in flight; Async returns 202 with the run id immediately.
type AssessmentRequest struct {
	Name   string `json:"name"`
	URL    string `json:"url"`
	Vendor string `json:"vendor"`
	Role   string `json:"role"`
	Size   string `json:"size"`
	Risk   string `json:"risk"`
	Force  bool   `json:"force"`
	RunID  string `json:"run_id"`
	Async  bool   `json:"async"`
}

func (r *AssessmentRequest) normalize() error {
	r.Name = strings.TrimSpace(helpers.StripHTML(r.Name))
	r.URL = strings.TrimSpace(r.URL)
	r.Vendor = strings.TrimSpace(helpers.StripHTML(r.Vendor))
	r.RunID = strings.TrimSpace(r.RunID)
	if r.RunID != "" && store.ValidateKey(r.RunID) != nil {
		return fmt.Errorf("invalid run_id %q", r.RunID)
	}
	if r.Name == "" && r.URL == "" {
		return fmt.Errorf("one of name or url is required")
	}
	if r.Name == "" && r.Vendor != "" {
		return fmt.Errorf("vendor requires name")
	}
	r.Role = strings.ToLower(strings.TrimSpace(r.Role))
	r.Size = strings.ToLower(strings.TrimSpace(r.Size))
	r.Risk = strings.ToLower(strings.TrimSpace(r.Risk))
	if r.Role == "" {
		r.Role = "global"
	}
	if r.Size == "" {
		r.Size = "medium"
	}
	if r.Risk == "" {
		r.Risk = "medium"
	}
	switch {
	case !roles[r.Role]:
		return fmt.Errorf("invalid role %q", r.Role)
	case !sizes[r.Size]:
		return fmt.Errorf("invalid size %q", r.Size)
	case !risks[r.Risk]:
		return fmt.Errorf("invalid risk %q", r.Risk)
	}
	return nil
}

func (s *Server) createAssessment(c echo.Context) error {
	var body AssessmentRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body")
	}
	if err := body.normalize(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	query := body.Name
	if query == "" {
		query = body.URL
	}
	s.logger.Printf("assessment requested: %q vendor=%q role=%s size=%s risk=%s", query, body.Vendor, body.Role, body.Size, body.Risk)
	req := runner.Request{Query: query, Vendor: body.Vendor, Force: body.Force, RunID: body.RunID}
	if body.Async {
		runID, outcome, err := s.opts.Assessor.Start(c.Request().Context(), req)
		if err != nil {
			return err
		}
		go s.logOutcome(runID, outcome)
		return c.JSON(http.StatusAccepted, map[string]any{"run_id": runID, "status_url": "/api/runs/" + runID})
	}
	res, err := s.opts.Assessor.Assess(c.Request().Context(), req)
	if err != nil {
		return err
	}
	out := map[string]any{"id": res.ID, "cached": res.Cached}
	if res.RunID != "" {
		out["run_id"] = res.RunID
	}
	return c.JSON(http.StatusCreated, out)
}

func (s *Server) logOutcome(runID string, outcome <-chan runner.Outcome) {
	o := <-outcome
	if o.Err != nil {
		s.logger.Printf("run %s failed: %v", runID, o.Err)
		return
	}
	s.logger.Printf("run %s stored %s (cached=%v)", runID, o.Result.ID, o.Result.Cached)
}

func (s *Server) listAssessments(c echo.Context) error {
	ids, err := s.opts.Store.List(c.Request().Context())
	if err != nil {
		return err
	}
	if ids == nil {
		ids = []string{}
	}
	return c.JSON(http.StatusOK, map[string]any{"assessments": ids})
}

func (s *Server) getAssessment(c echo.Context) error {
	id := c.Param("id")
	if err := store.ValidateKey(id); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid assessment id")
	}
	data, err := s.opts.Store.Get(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.Blob(http.StatusOK, echo.MIMEApplicationJSONCharsetUTF8, data)
}

func (s *Server) runStatus(c echo.Context) error {
	status, err := s.opts.Assessor.Status(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.JSON(http.StatusOK, status)
}
