// Package api serves the engine's status over HTTP: group residency,
// device memory, queue counters, phase switches and benchmark forwards.
package api

import (
	"cmp"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"slices"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/hetmoe/internal/group"
	"github.com/samcharles93/hetmoe/internal/moe"
)

// MaxForwardTokens bounds a single forward request.
const MaxForwardTokens = 1 << 16

type Server struct {
	engine  *moe.Engine
	clock   func() time.Time
	started time.Time

	// run serializes forwards and phase switches; the session's staging
	// buffers allow one chunk in flight.
	run sync.Mutex
}

func NewServer(engine *moe.Engine) *Server {
	return &Server{
		engine:  engine,
		clock:   time.Now,
		started: time.Now(),
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/v1/status", s.handleStatus)
	e.GET("/v1/groups", s.handleListGroups)
	e.GET("/v1/groups/:key", s.handleGetGroup)
	e.GET("/v1/devices", s.handleDevices)
	e.GET("/v1/queue", s.handleQueue)
	e.PUT("/v1/phase", s.handleSetPhase)
	e.POST("/v1/forward", s.handleForward)
}

func (s *Server) handleStatus(c *echo.Context) error {
	sess := s.engine.Session()
	return c.JSON(http.StatusOK, StatusResponse{
		Session:   sess.ID(),
		Phase:     s.engine.Phase(),
		Blocks:    len(s.engine.Blocks()),
		Groups:    len(s.engine.Status()),
		MaxChunk:  sess.MaxChunk(),
		UptimeSec: s.clock().Sub(s.started).Seconds(),
	})
}

func (s *Server) handleListGroups(c *echo.Context) error {
	return c.JSON(http.StatusOK, GroupsResponse{Object: "list", Data: s.engine.Status()})
}

func (s *Server) handleGetGroup(c *echo.Context) error {
	key := c.Param("key")
	for _, st := range s.engine.Status() {
		if st.Key == key {
			return c.JSON(http.StatusOK, st)
		}
	}
	return writeNotFound(c, fmt.Sprintf("no group %q", key))
}

func (s *Server) handleDevices(c *echo.Context) error {
	sess := s.engine.Session()
	snap := sess.Tracker().Snapshot()
	out := DevicesResponse{Devices: make([]DeviceResidency, 0, len(snap)), Staging: sess.StagingBytes()}
	for dev, bytes := range snap {
		out.Devices = append(out.Devices, DeviceResidency{Device: dev, Resident: bytes})
	}
	slices.SortFunc(out.Devices, func(a, b DeviceResidency) int { return cmp.Compare(a.Device, b.Device) })
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleQueue(c *echo.Context) error {
	return c.JSON(http.StatusOK, QueueResponse{s.engine.Session().Queue().Stats()})
}

func (s *Server) handleSetPhase(c *echo.Context) error {
	req, err := decodeJSON[PhaseRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	p, err := group.ParsePhase(req.Phase)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	s.run.Lock()
	defer s.run.Unlock()
	start := s.clock()
	if err := s.engine.SetPhase(p); err != nil {
		return writeError(c, http.StatusInternalServerError, "load_error", err.Error())
	}
	return c.JSON(http.StatusOK, PhaseResponse{Phase: p, ElapsedMS: ms(s.clock().Sub(start))})
}

func (s *Server) handleForward(c *echo.Context) error {
	req, err := decodeJSON[ForwardRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	x, err := s.forwardInput(req)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}

	s.run.Lock()
	defer s.run.Unlock()
	start := s.clock()
	out, err := s.engine.Forward(x, req.Tokens, req.Overlap)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, group.ErrNotLoaded) {
			status = http.StatusConflict
		}
		return writeError(c, status, "forward_error", err.Error())
	}
	elapsed := s.clock().Sub(start)

	resp := ForwardResponse{
		ID:        "fwd_" + uuid.NewString(),
		Phase:     s.engine.Phase(),
		Tokens:    req.Tokens,
		ElapsedMS: ms(elapsed),
		Norm:      norm(out),
	}
	if elapsed > 0 {
		resp.TokensPerSec = float64(req.Tokens) / elapsed.Seconds()
	}
	if req.Output {
		resp.Output = out
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) forwardInput(req ForwardRequest) ([]float32, error) {
	blocks := s.engine.Blocks()
	if len(blocks) == 0 {
		return nil, newInvalidRequest("engine has no blocks")
	}
	if req.Tokens <= 0 || req.Tokens > MaxForwardTokens {
		return nil, newInvalidRequest(fmt.Sprintf("tokens must be in [1, %d]", MaxForwardTokens))
	}
	hidden := blocks[0].Hidden
	if req.Input != nil {
		if len(req.Input) != req.Tokens*hidden {
			return nil, newInvalidRequest(fmt.Sprintf("input has %d values, want %d", len(req.Input), req.Tokens*hidden))
		}
		return req.Input, nil
	}
	return moe.Input(req.Tokens, hidden), nil
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(r)
	if err := dec.Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}

func ms(d time.Duration) float64 { return float64(d.Microseconds()) / 1000 }

func norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}
