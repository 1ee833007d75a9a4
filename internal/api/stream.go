package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
)

// containerLogs replays a container's output as newline-delimited JSON.
// With follow=1 the response stays open and streams live lines until the
// container's log closes or the client disconnects.
func (s *Server) containerLogs(c echo.Context) error {
	follow, _ := strconv.ParseBool(c.QueryParam("follow"))
	ctx := c.Request().Context()

	entries, err := s.engine.Logs(ctx, c.Param("id"), follow)
	if err != nil {
		return fail(err)
	}

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "application/x-ndjson")
	resp.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(resp)
	for entry := range entries {
		if err := enc.Encode(entry); err != nil {
			return nil // client went away
		}
		resp.Flush()
	}
	return nil
}

// events streams the lifecycle feed as server-sent events.
func (s *Server) events(c echo.Context) error {
	ctx := c.Request().Context()
	feed := s.engine.Events(ctx)

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set("Cache-Control", "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)
	resp.Flush()

	for ev := range feed {
		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		if _, err := fmt.Fprintf(resp, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
			return nil
		}
		resp.Flush()
	}
	return nil
}
