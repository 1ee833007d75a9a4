package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/docker/go-units"
	"github.com/labstack/echo/v4"

	"github.com/wharfd/wharfd/internal/domain"
	"github.com/wharfd/wharfd/internal/engine"
	"github.com/wharfd/wharfd/pkg/duration"
)

type createContainerRequest struct {
	Name   string        `json:"name"`
	Image  string        `json:"image"`
	Config domain.Config `json:"config"`

	// Memory and MemorySwap accept human-readable sizes ("256m", "1g")
	// and override the numeric limits in Config when set.
	Memory     string `json:"memory,omitempty"`
	MemorySwap string `json:"memory_swap,omitempty"`
}

func (s *Server) createContainer(c echo.Context) error {
	var req createContainerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if req.Memory != "" {
		n, err := units.RAMInBytes(req.Memory)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid memory size")
		}
		req.Config.Limits.MemoryBytes = n
	}
	if req.MemorySwap != "" {
		n, err := units.RAMInBytes(req.MemorySwap)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid memory_swap size")
		}
		req.Config.Limits.MemorySwapBytes = n
	}
	created, err := s.engine.Create(c.Request().Context(), engine.CreateRequest{
		Name:   req.Name,
		Image:  req.Image,
		Config: req.Config,
	})
	if err != nil {
		return fail(err)
	}
	return c.JSON(http.StatusCreated, created)
}

func (s *Server) listContainers(c echo.Context) error {
	filter := domain.ContainerFilter{
		State: domain.State(c.QueryParam("state")),
		Name:  c.QueryParam("name"),
	}
	out, err := s.engine.List(c.Request().Context(), filter)
	if err != nil {
		return fail(err)
	}
	if out == nil {
		out = []*domain.Container{}
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) getContainer(c echo.Context) error {
	got, err := s.engine.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return fail(err)
	}
	return c.JSON(http.StatusOK, got)
}

func (s *Server) startContainer(c echo.Context) error {
	if err := s.engine.Start(c.Request().Context(), c.Param("id")); err != nil {
		return fail(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) stopContainer(c echo.Context) error {
	// grace accepts human-friendly durations ("30s", "1m"); absent means
	// the engine default, "0" an immediate kill.
	grace := -1 * time.Second
	if raw := c.QueryParam("grace"); raw != "" {
		if raw == "0" {
			grace = 0
		} else {
			d, err := duration.Parse(raw)
			if err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid grace period")
			}
			grace = d
		}
	}
	if err := s.engine.Stop(c.Request().Context(), c.Param("id"), grace); err != nil {
		return fail(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) killContainer(c echo.Context) error {
	if err := s.engine.Kill(c.Request().Context(), c.Param("id"), c.QueryParam("signal")); err != nil {
		return fail(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) pauseContainer(c echo.Context) error {
	if err := s.engine.Pause(c.Request().Context(), c.Param("id")); err != nil {
		return fail(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) unpauseContainer(c echo.Context) error {
	if err := s.engine.Unpause(c.Request().Context(), c.Param("id")); err != nil {
		return fail(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) waitContainer(c echo.Context) error {
	outcome, err := s.engine.Wait(c.Request().Context(), c.Param("id"))
	if err != nil {
		return fail(err)
	}
	return c.JSON(http.StatusOK, outcome)
}

func (s *Server) removeContainer(c echo.Context) error {
	force, _ := strconv.ParseBool(c.QueryParam("force"))
	if err := s.engine.Remove(c.Request().Context(), c.Param("id"), force); err != nil {
		return fail(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) containerStats(c echo.Context) error {
	snap, err := s.engine.Usage(c.Request().Context(), c.Param("id"))
	if err != nil {
		return fail(err)
	}
	return c.JSON(http.StatusOK, snap)
}
