package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// importLayer ingests a tar stream as a new layer. The parent digest, if
// any, comes as a query parameter; the response carries the content
// digest the tar hashed to.
func (s *Server) importLayer(c echo.Context) error {
	var parent digest.Digest
	if raw := c.QueryParam("parent"); raw != "" {
		d, err := digest.Parse(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid parent digest")
		}
		parent = d
	}
	layer, err := s.engine.ImportLayer(c.Request().Context(), parent, c.Request().Body)
	if err != nil {
		return fail(err)
	}
	return c.JSON(http.StatusCreated, layer)
}

type registerImageRequest struct {
	Name   string              `json:"name"`
	Layers []digest.Digest     `json:"layers"`
	Config ocispec.ImageConfig `json:"config"`
}

func (s *Server) registerImage(c echo.Context) error {
	var req registerImageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	img, err := s.engine.RegisterImage(c.Request().Context(), req.Name, req.Layers, req.Config)
	if err != nil {
		return fail(err)
	}
	return c.JSON(http.StatusCreated, img)
}

func (s *Server) listImages(c echo.Context) error {
	out, err := s.engine.ListImages(c.Request().Context())
	if err != nil {
		return fail(err)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) getImage(c echo.Context) error {
	img, err := s.engine.GetImage(c.Request().Context(), c.Param("ref"))
	if err != nil {
		return fail(err)
	}
	return c.JSON(http.StatusOK, img)
}

func (s *Server) removeImage(c echo.Context) error {
	if err := s.engine.RemoveImage(c.Request().Context(), c.Param("ref")); err != nil {
		return fail(err)
	}
	return c.NoContent(http.StatusNoContent)
}
