package v1

import (
	"net/http"

	"github.com/labstack/echo/v5"
	"github.com/lithammer/shortuuid/v4"

	"github.com/loomworks/loom/store"
)

type threadRequest struct {
	Title string `json:"title"`
}

type threadResponse struct {
	UID        string   `json:"uid"`
	Title      string   `json:"title"`
	Objectives []string `json:"objectives"`
	CreatedTs  int64    `json:"createdTs"`
	UpdatedTs  int64    `json:"updatedTs"`
}

type messageResponse struct {
	ID         int32  `json:"id"`
	OrderIndex int32  `json:"orderIndex"`
	ChunkIndex int32  `json:"chunkIndex"`
	Role       string `json:"role"`
	Content    string `json:"content"`
	CreatedTs  int64  `json:"createdTs"`
}

func toThreadResponse(t *store.Thread) threadResponse {
	return threadResponse{
		UID:        t.UID,
		Title:      t.Title,
		Objectives: t.Objectives,
		CreatedTs:  t.CreatedTs,
		UpdatedTs:  t.UpdatedTs,
	}
}

func (s *APIV1Service) listThreads(c *echo.Context) error {
	userID, err := s.requireAuth(c)
	if err != nil {
		return err
	}
	threads, err := s.Store.ListThreads(c.Request().Context(), &store.FindThread{CreatorID: &userID})
	if err != nil {
		return httpError(err)
	}
	resp := make([]threadResponse, 0, len(threads))
	for _, t := range threads {
		resp = append(resp, toThreadResponse(t))
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *APIV1Service) createThread(c *echo.Context) error {
	userID, err := s.requireAuth(c)
	if err != nil {
		return err
	}
	var req threadRequest
	if err := c.Bind(&req); err != nil {
		req.Title = "New Conversation"
	}
	if req.Title == "" {
		req.Title = "New Conversation"
	}
	thread, err := s.Store.CreateThread(c.Request().Context(), &store.Thread{
		UID:       shortuuid.New(),
		CreatorID: userID,
		Title:     req.Title,
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, toThreadResponse(thread))
}

func (s *APIV1Service) updateThread(c *echo.Context) error {
	uid := c.Param("uid")
	userID, err := s.requireAuth(c)
	if err != nil {
		return err
	}
	// verify ownership
	thread, err := s.Store.GetThread(c.Request().Context(), &store.FindThread{UID: &uid, CreatorID: &userID})
	if err != nil || thread == nil {
		return echo.NewHTTPError(http.StatusNotFound, "thread not found")
	}

	var req threadRequest
	if err := c.Bind(&req); err != nil || req.Title == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "title required")
	}
	updated, err := s.Store.UpdateThread(c.Request().Context(), &store.UpdateThread{
		UID:   uid,
		Title: &req.Title,
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, toThreadResponse(updated))
}

func (s *APIV1Service) deleteThread(c *echo.Context) error {
	uid := c.Param("uid")
	userID, err := s.requireAuth(c)
	if err != nil {
		return err
	}
	thread, err := s.Store.GetThread(c.Request().Context(), &store.FindThread{UID: &uid, CreatorID: &userID})
	if err != nil || thread == nil {
		return echo.NewHTTPError(http.StatusNotFound, "thread not found")
	}
	if err := s.Store.DeleteThread(c.Request().Context(), uid); err != nil {
		return httpError(err)
	}
	if s.Index != nil {
		_ = s.Index.DeleteThread(uid)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *APIV1Service) listThreadMessages(c *echo.Context) error {
	uid := c.Param("uid")
	userID, err := s.requireAuth(c)
	if err != nil {
		return err
	}
	thread, err := s.Store.GetThread(c.Request().Context(), &store.FindThread{UID: &uid, CreatorID: &userID})
	if err != nil || thread == nil {
		return echo.NewHTTPError(http.StatusNotFound, "thread not found")
	}
	frags, err := s.Store.ListMessageFragments(c.Request().Context(), &store.FindMessageFragment{
		ThreadID: thread.ID,
	})
	if err != nil {
		return httpError(err)
	}
	resp := make([]messageResponse, 0, len(frags))
	for _, f := range frags {
		resp = append(resp, messageResponse{
			ID:         f.ID,
			OrderIndex: f.OrderIndex,
			ChunkIndex: f.ChunkIndex,
			Role:       f.Role,
			Content:    f.Content,
			CreatedTs:  f.CreatedTs,
		})
	}
	return c.JSON(http.StatusOK, resp)
}
