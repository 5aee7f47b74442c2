// Package api exposes a sharded engine fleet over HTTP.
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/coldreason/oslo-custom/internal/config"
	"github.com/coldreason/oslo-custom/internal/engine"
	"github.com/coldreason/oslo-custom/internal/logger"
	"github.com/coldreason/oslo-custom/internal/parallel"
)

// Engine is the slice of the inference engine the handlers need.
type Engine interface {
	Generate(ctx context.Context, prompt []int, steps int) ([]int, error)
	Plan() *parallel.Plan
	WorldSize() int
	Config() *config.Model
}

type Server struct {
	engine Engine
	log    logger.Logger
	clock  func() time.Time
}

func NewServer(engine Engine, log logger.Logger) *Server {
	if log == nil {
		log = logger.Default()
	}
	return &Server{
		engine: engine,
		log:    log,
		clock:  time.Now,
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.POST("/v1/completions", s.handleCompletion)
	e.GET("/v1/plan", s.handlePlan)
	e.GET("/healthz", s.handleHealth)
}

// CompletionRequest asks for steps greedily decoded tokens after prompt.
// The engine works on token ids directly; tokenization happens client-side.
type CompletionRequest struct {
	Prompt []int `json:"prompt"`
	Steps  int   `json:"steps,omitempty"`
}

type CompletionResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	Model   string `json:"model"`
	Tokens  []int  `json:"tokens"`
}

type PlanResponse struct {
	Model     string         `json:"model"`
	WorldSize int            `json:"world_size"`
	Plan      *parallel.Plan `json:"plan"`
}

const defaultSteps = 16

func (s *Server) handleCompletion(c *echo.Context) error {
	req, err := decodeJSON[CompletionRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if len(req.Prompt) == 0 {
		return writeBadRequest(c, "prompt is required and must not be empty")
	}
	if req.Steps < 0 {
		return writeBadRequest(c, "steps must not be negative")
	}
	if req.Steps == 0 {
		req.Steps = defaultSteps
	}
	for _, id := range req.Prompt {
		if id < 0 || id >= s.engine.Config().VocabSize {
			return writeBadRequest(c, "prompt contains a token id outside the vocabulary")
		}
	}

	tokens, err := s.engine.Generate(c.Request().Context(), req.Prompt, req.Steps)
	if err != nil {
		s.log.Error("completion failed", "error", err)
		if errors.Is(err, engine.ErrUnusable) {
			return writeError(c, http.StatusServiceUnavailable, "engine_unavailable", err.Error())
		}
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error())
	}

	return c.JSON(http.StatusOK, CompletionResponse{
		ID:      "cmpl-" + uuid.NewString(),
		Object:  "completion",
		Created: s.clock().Unix(),
		Model:   s.engine.Config().ModelType,
		Tokens:  tokens,
	})
}

func (s *Server) handlePlan(c *echo.Context) error {
	return c.JSON(http.StatusOK, PlanResponse{
		Model:     s.engine.Config().ModelType,
		WorldSize: s.engine.WorldSize(),
		Plan:      s.engine.Plan(),
	})
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":     "ok",
		"world_size": s.engine.WorldSize(),
	})
}

type ResponseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func writeBadRequest(c *echo.Context, msg string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg)
}

func writeError(c *echo.Context, status int, errType, msg string) error {
	return c.JSON(status, map[string]any{
		"error": ResponseError{
			Message: msg,
			Type:    errType,
		},
	})
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(r)
	if err := dec.Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}
