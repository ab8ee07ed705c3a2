package api

import (
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/chatline/chatline/internal/history"
	"github.com/chatline/chatline/internal/protocol"
)

type createConversationRequest struct {
	Type         string   `json:"type" binding:"required"`
	GroupName    string   `json:"group_name"`
	Participants []string `json:"participants" binding:"required"`
}

func (s *Server) createConversation(c *gin.Context) {
	var req createConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "type and participants are required")
		return
	}

	conv, err := s.history.CreateConversation(c.Request.Context(), req.Type, req.GroupName, req.Participants)
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}

	wire := toWireConversation(conv)
	s.notifyParticipants(conv.Participants, protocol.EventNewConversation,
		protocol.NewConversationEvent{Conversation: wire})

	respondData(c, http.StatusCreated, wire)
}

func (s *Server) getConversation(c *gin.Context) {
	conv, err := s.history.GetConversation(c.Request.Context(), c.Param("id"))
	if errors.Is(err, history.ErrNotFound) {
		respondError(c, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to load conversation")
		return
	}
	respondData(c, http.StatusOK, toWireConversation(conv))
}

func (s *Server) listConversations(c *gin.Context) {
	userID := c.Query("user")
	if userID == "" {
		respondError(c, http.StatusBadRequest, "user query parameter is required")
		return
	}

	convs, err := s.history.ListConversations(c.Request.Context(), userID)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to list conversations")
		return
	}

	out := make([]protocol.Conversation, 0, len(convs))
	for i := range convs {
		out = append(out, toWireConversation(&convs[i]))
	}
	respondData(c, http.StatusOK, out)
}

func (s *Server) deleteConversation(c *gin.Context) {
	conversationID := c.Param("id")

	participants, err := s.history.DeleteConversation(c.Request.Context(), conversationID)
	if errors.Is(err, history.ErrNotFound) {
		respondError(c, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to delete conversation")
		return
	}

	s.notifyParticipants(participants, protocol.EventConversationDeleted,
		protocol.ConversationDeletedEvent{ConversationID: conversationID})

	respondData(c, http.StatusOK, gin.H{"deleted": conversationID})
}

// notifyParticipants publishes a user-scoped event for each participant. A
// publish failure is logged, not surfaced: the write already committed and
// clients recover on their next re-fetch.
func (s *Server) notifyParticipants(participants []string, event string, payload interface{}) {
	if s.pub == nil {
		return
	}
	data, err := protocol.NewEvent(event, payload)
	if err != nil {
		log.Printf("api: encode %s: %v", event, err)
		return
	}
	for _, userID := range participants {
		if err := s.pub.PublishToUser(userID, data); err != nil {
			log.Printf("api: publish %s to user %s: %v", event, userID, err)
		}
	}
}

func toWireConversation(conv *history.Conversation) protocol.Conversation {
	return protocol.Conversation{
		ID:           conv.ID,
		Type:         conv.Type,
		Participants: conv.Participants,
		GroupName:    conv.GroupName,
		CreatedAt:    conv.CreatedAt.UnixMilli(),
	}
}
