package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/chatline/chatline/internal/history"
)

// userResponse is the API shape of a user, decorated with presence when a
// presence store is configured.
type userResponse struct {
	ID         string `json:"id"`
	ExternalID string `json:"external_id"`
	Username   string `json:"username"`
	FullName   string `json:"full_name"`
	Avatar     string `json:"avatar"`
	Bio        string `json:"bio"`
	IsOnline   bool   `json:"is_online"`
	LastSeen   int64  `json:"last_seen,omitempty"`
}

type upsertUserRequest struct {
	ExternalID string `json:"external_id" binding:"required"`
	Username   string `json:"username" binding:"required"`
	FullName   string `json:"full_name"`
	Avatar     string `json:"avatar"`
	Bio        string `json:"bio"`
}

func (s *Server) upsertUser(c *gin.Context) {
	var req upsertUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "external_id and username are required")
		return
	}

	u, err := s.history.UpsertUser(c.Request.Context(), req.ExternalID, req.Username, req.FullName, req.Avatar, req.Bio)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to store user")
		return
	}
	respondData(c, http.StatusOK, s.toUserResponse(c, u))
}

func (s *Server) resolveUser(c *gin.Context) {
	externalID := c.Param("externalID")

	id, err := s.history.ResolveUser(c.Request.Context(), externalID)
	if errors.Is(err, history.ErrNotFound) {
		respondError(c, http.StatusNotFound, "unknown user")
		return
	}
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to resolve user")
		return
	}
	respondData(c, http.StatusOK, gin.H{"id": id})
}

func (s *Server) listUsers(c *gin.Context) {
	exclude := c.Query("exclude")

	users, err := s.history.ListUsers(c.Request.Context(), exclude)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to list users")
		return
	}

	out := make([]userResponse, 0, len(users))
	for i := range users {
		out = append(out, s.toUserResponse(c, &users[i]))
	}
	respondData(c, http.StatusOK, out)
}

func (s *Server) toUserResponse(c *gin.Context, u *history.User) userResponse {
	resp := userResponse{
		ID:         u.ID,
		ExternalID: u.ExternalID,
		Username:   u.Username,
		FullName:   u.FullName,
		Avatar:     u.Avatar,
		Bio:        u.Bio,
	}
	if s.presence == nil {
		return resp
	}

	ctx := c.Request.Context()
	online, err := s.presence.IsOnline(ctx, u.ID)
	if err != nil {
		// Presence is advisory; a Redis hiccup must not fail the listing.
		return resp
	}
	resp.IsOnline = online
	if !online {
		if lastSeen, err := s.presence.LastSeen(ctx, u.ID); err == nil && lastSeen > 0 {
			resp.LastSeen = lastSeen
		}
	}
	return resp
}
