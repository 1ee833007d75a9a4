package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

type createVolumeRequest struct {
	Name string `json:"name"`
}

func (s *Server) createVolume(c echo.Context) error {
	var req createVolumeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	v, err := s.volumes.Create(c.Request().Context(), req.Name)
	if err != nil {
		return fail(err)
	}
	return c.JSON(http.StatusCreated, v)
}

func (s *Server) listVolumes(c echo.Context) error {
	out, err := s.volumes.List(c.Request().Context())
	if err != nil {
		return fail(err)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) getVolume(c echo.Context) error {
	v, err := s.volumes.Get(c.Request().Context(), c.Param("name"))
	if err != nil {
		return fail(err)
	}
	return c.JSON(http.StatusOK, v)
}

func (s *Server) removeVolume(c echo.Context) error {
	if err := s.volumes.Remove(c.Request().Context(), c.Param("name")); err != nil {
		return fail(err)
	}
	return c.NoContent(http.StatusNoContent)
}
