package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

type createNetworkRequest struct {
	Name   string `json:"name"`
	Subnet string `json:"subnet"`
}

func (s *Server) createNetwork(c echo.Context) error {
	var req createNetworkRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	n, err := s.networks.Create(c.Request().Context(), req.Name, req.Subnet)
	if err != nil {
		return fail(err)
	}
	return c.JSON(http.StatusCreated, n)
}

func (s *Server) listNetworks(c echo.Context) error {
	out, err := s.networks.List(c.Request().Context())
	if err != nil {
		return fail(err)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) getNetwork(c echo.Context) error {
	n, err := s.networks.Get(c.Request().Context(), c.Param("ref"))
	if err != nil {
		return fail(err)
	}
	return c.JSON(http.StatusOK, n)
}

func (s *Server) removeNetwork(c echo.Context) error {
	if err := s.networks.Remove(c.Request().Context(), c.Param("ref")); err != nil {
		return fail(err)
	}
	return c.NoContent(http.StatusNoContent)
}

type attachRequest struct {
	Container string   `json:"container"`
	Aliases   []string `json:"aliases"`
}

func (s *Server) connectNetwork(c echo.Context) error {
	var req attachRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	target, err := s.engine.Get(c.Request().Context(), req.Container)
	if err != nil {
		return fail(err)
	}
	ep, err := s.networks.Connect(c.Request().Context(), c.Param("ref"), target.ID, req.Aliases)
	if err != nil {
		return fail(err)
	}
	return c.JSON(http.StatusCreated, ep)
}

func (s *Server) disconnectNetwork(c echo.Context) error {
	var req attachRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	target, err := s.engine.Get(c.Request().Context(), req.Container)
	if err != nil {
		return fail(err)
	}
	if err := s.networks.Disconnect(c.Request().Context(), c.Param("ref"), target.ID); err != nil {
		return fail(err)
	}
	return c.NoContent(http.StatusNoContent)
}
