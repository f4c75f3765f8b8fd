package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
	"golang.org/x/time/rate"

	"github.com/samcharles93/kiln/internal/history"
	"github.com/samcharles93/kiln/internal/metrics"
)

// Admission defaults: one new compilation every 10s with a burst of 4.
const (
	DefaultRatePerSecond = 0.1
	DefaultBurst         = 4
)

type ServerConfig struct {
	Service *CompileService
	Metrics *metrics.Metrics
	// RatePerSecond and Burst bound POST /v1/compilations. Zero selects the
	// defaults; a negative rate disables limiting.
	RatePerSecond float64
	Burst         int
}

type Server struct {
	service *CompileService
	metrics *metrics.Metrics
	limiter *rate.Limiter
}

func NewServer(cfg ServerConfig) *Server {
	s := &Server{service: cfg.Service, metrics: cfg.Metrics}
	if s.service == nil {
		s.service = NewCompileService(ServiceConfig{Metrics: cfg.Metrics})
	}
	switch {
	case cfg.RatePerSecond < 0:
		s.limiter = rate.NewLimiter(rate.Inf, 0)
	default:
		r, burst := cfg.RatePerSecond, cfg.Burst
		if r == 0 {
			r = DefaultRatePerSecond
		}
		if burst <= 0 {
			burst = DefaultBurst
		}
		s.limiter = rate.NewLimiter(rate.Limit(r), burst)
	}
	return s
}

func (s *Server) Register(e *echo.Echo) {
	e.POST("/v1/compilations", s.handleCreateCompilation)
	e.GET("/v1/compilations", s.handleListCompilations)
	e.GET("/v1/compilations/:id", s.handleGetCompilation)
	e.GET("/v1/capabilities", s.handleCapabilities)
	if s.metrics != nil {
		h := s.metrics.Handler()
		e.GET("/metrics", func(c *echo.Context) error {
			h.ServeHTTP(c.Response(), c.Request())
			return nil
		})
	}
}

func (s *Server) handleCreateCompilation(c *echo.Context) error {
	req, err := decodeJSON[CompilationRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if req.Output, err = s.service.confineOutput(req.Output); err != nil {
		return writeErr(c, err)
	}
	if !s.limiter.Allow() {
		s.metrics.Observe(strategyLabel(req.Strategy), req.Quantization.String(), metrics.OutcomeRejected, 0)
		return writeErr(c, ErrBusy)
	}

	comp, err := s.service.Compile(c.Request().Context(), req)
	if err != nil {
		if comp.ID == "" {
			return writeErr(c, err)
		}
		status, _ := httpStatus(err)
		return c.JSON(status, comp)
	}
	if comp.Status == history.StatusNotApplicable {
		return c.JSON(http.StatusOK, comp)
	}
	return c.JSON(http.StatusCreated, comp)
}

func (s *Server) handleGetCompilation(c *echo.Context) error {
	comp, err := s.service.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeErr(c, err)
	}
	return c.JSON(http.StatusOK, comp)
}

func (s *Server) handleListCompilations(c *echo.Context) error {
	f := history.Filter{
		Strategy: c.QueryParam("strategy"),
		Status:   c.QueryParam("status"),
	}
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return writeBadRequest(c, "limit must be a positive integer")
		}
		f.Limit = n
	}
	list, err := s.service.List(c.Request().Context(), f)
	if err != nil {
		return writeErr(c, err)
	}
	if list == nil {
		list = []Compilation{}
	}
	return c.JSON(http.StatusOK, CompilationList{Object: "list", Data: list})
}

func (s *Server) handleCapabilities(c *echo.Context) error {
	return c.JSON(http.StatusOK, s.service.Capabilities())
}

func writeBadRequest(c *echo.Context, msg string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg)
}

func writeErr(c *echo.Context, err error) error {
	status, errType := httpStatus(err)
	return writeError(c, status, errType, err.Error())
}

func writeError(c *echo.Context, status int, errType, msg string) error {
	return c.JSON(status, map[string]any{
		"error": ErrorBody{Message: msg, Type: errType},
	})
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	if err := json.NewDecoder(r).Decode(&out); err != nil {
		if errors.Is(err, io.EOF) {
			return out, errors.New("request body is empty")
		}
		return out, err
	}
	return out, nil
}

func strategyLabel(name string) string {
	if name == "" {
		return "interchange"
	}
	return name
}
