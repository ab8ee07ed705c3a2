package api

import (
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/chatline/chatline/internal/history"
	"github.com/chatline/chatline/internal/protocol"
)

type sendMessageRequest struct {
	ConversationID string `json:"conversation_id" binding:"required"`
	SenderID       string `json:"sender_id" binding:"required"`
	Content        string `json:"content" binding:"required"`
	MessageType    string `json:"message_type"`
	FileURL        string `json:"file_url"`
}

func (s *Server) sendMessage(c *gin.Context) {
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "conversation_id, sender_id and content are required")
		return
	}

	msg, err := s.history.InsertMessage(c.Request.Context(),
		req.ConversationID, req.SenderID, req.Content, req.MessageType, req.FileURL)
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}

	wire := toWireMessage(msg)
	if s.pub != nil {
		data, err := protocol.NewEvent(protocol.EventNewMessage,
			protocol.NewMessageEvent{Message: wire})
		if err != nil {
			log.Printf("api: encode new_message: %v", err)
		} else if err := s.pub.PublishToRoom(msg.ConversationID, data); err != nil {
			// The row is committed; clients catch up on their next re-fetch.
			log.Printf("api: publish new_message to room %s: %v", msg.ConversationID, err)
		}
	}

	respondData(c, http.StatusCreated, wire)
}

func (s *Server) listMessages(c *gin.Context) {
	msgs, err := s.history.ListMessages(c.Request.Context(), c.Param("conversationID"))
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to list messages")
		return
	}

	out := make([]protocol.Message, 0, len(msgs))
	for i := range msgs {
		out = append(out, toWireMessage(&msgs[i]))
	}
	respondData(c, http.StatusOK, out)
}

func (s *Server) deleteMessage(c *gin.Context) {
	conversationID, err := s.history.DeleteMessage(c.Request.Context(), c.Param("id"))
	if errors.Is(err, history.ErrNotFound) {
		respondError(c, http.StatusNotFound, "message not found")
		return
	}
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to delete message")
		return
	}
	respondData(c, http.StatusOK, gin.H{"conversation_id": conversationID})
}

func toWireMessage(msg *history.Message) protocol.Message {
	return protocol.Message{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		SenderName:     msg.SenderName,
		Content:        msg.Content,
		MessageType:    msg.MessageType,
		FileURL:        msg.FileURL,
		Timestamp:      msg.CreatedAt.UnixMilli(),
	}
}
