// Package v1 exposes the assistant over HTTP: thread CRUD, message listing
// and the chat endpoint.
package v1

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v5"

	"github.com/loomworks/loom/apperr"
	"github.com/loomworks/loom/assistant"
	"github.com/loomworks/loom/plugin/vectorstore"
	"github.com/loomworks/loom/server/auth"
	"github.com/loomworks/loom/server/profile"
	"github.com/loomworks/loom/store"
)

// ThreadRunner is the slice of the assistant the router needs. The server
// wires assistants without typed context.
type ThreadRunner interface {
	Thread(ctx context.Context, req *assistant.Request[assistant.NoContext]) (*assistant.Response, error)
	GenerateTitle(ctx context.Context, firstMessage string) (string, error)
}

type APIV1Service struct {
	Profile   *profile.Profile
	Store     *store.Store
	Index     *vectorstore.Index
	Assistant ThreadRunner
	Auth      auth.Authenticator
}

func (s *APIV1Service) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/api/v1")
	g.GET("/threads", s.listThreads)
	g.POST("/threads", s.createThread)
	g.PATCH("/threads/:uid", s.updateThread)
	g.DELETE("/threads/:uid", s.deleteThread)
	g.GET("/threads/:uid/messages", s.listThreadMessages)
	g.POST("/threads/chat", s.handleChat)
}

// requireAuth resolves the calling user or fails the request.
func (s *APIV1Service) requireAuth(c *echo.Context) (int32, error) {
	userID, err := s.Auth.Authenticate(c.Request().Context(), c.Request().Header.Get("Authorization"))
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	return userID, nil
}

// httpError maps a taxonomy error onto an HTTP status.
func httpError(err error) *echo.HTTPError {
	switch apperr.KindOf(err) {
	case apperr.Unauthorized:
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	case apperr.ValidationError:
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case apperr.NotFound:
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
