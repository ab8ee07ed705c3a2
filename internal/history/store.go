// Package history provides PostgreSQL-backed storage for the chat read
// models: users, conversations, and messages. It is the source of truth the
// clients re-fetch from whenever the realtime channel signals a change —
// realtime payloads are advisory, rows here are authoritative.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("history: not found")

// validMessageTypes is the set of allowed message types, matching the CHECK
// constraint on the messages table.
var validMessageTypes = map[string]bool{
	"text":  true,
	"image": true,
	"file":  true,
}

// validConversationTypes matches the CHECK constraint on conversations.
var validConversationTypes = map[string]bool{
	"direct": true,
	"group":  true,
}

// User is a chat user row. ExternalID is the identity-provider identifier;
// ID is the durable identifier everything else references.
type User struct {
	ID         string
	ExternalID string
	Username   string
	FullName   string
	Avatar     string
	Bio        string
	CreatedAt  time.Time
}

// Conversation is a conversation row together with its participant user IDs.
type Conversation struct {
	ID           string
	Type         string // "direct" or "group"
	GroupName    string
	Participants []string
	CreatedAt    time.Time
}

// Message is a message row joined with the sender's display name.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	SenderName     string
	Content        string
	MessageType    string
	FileURL        string
	CreatedAt      time.Time
}

// Store manages chat history in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a new history store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// UpsertUser creates or refreshes a user keyed by the identity-provider ID
// and returns the stored row. Profile fields are overwritten on conflict so
// the row tracks the provider's latest profile.
func (s *Store) UpsertUser(ctx context.Context, externalID, username, fullName, avatar, bio string) (*User, error) {
	const query = `
		INSERT INTO users (id, external_id, username, full_name, avatar, bio)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (external_id) DO UPDATE
		SET username = EXCLUDED.username,
		    full_name = EXCLUDED.full_name,
		    avatar = EXCLUDED.avatar,
		    bio = EXCLUDED.bio,
		    updated_at = NOW()
		RETURNING id, external_id, username, full_name, avatar, bio, created_at`

	var u User
	err := s.db.QueryRowContext(ctx, query,
		uuid.New().String(), externalID, username, fullName, avatar, bio,
	).Scan(&u.ID, &u.ExternalID, &u.Username, &u.FullName, &u.Avatar, &u.Bio, &u.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("history: upsert user: %w", err)
	}
	return &u, nil
}

// ResolveUser returns the durable user ID for an identity-provider ID.
func (s *Store) ResolveUser(ctx context.Context, externalID string) (string, error) {
	const query = `SELECT id FROM users WHERE external_id = $1`

	var id string
	err := s.db.QueryRowContext(ctx, query, externalID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("history: resolve user: %w", err)
	}
	return id, nil
}

// GetUser returns a user by durable ID.
func (s *Store) GetUser(ctx context.Context, userID string) (*User, error) {
	const query = `
		SELECT id, external_id, username, full_name, avatar, bio, created_at
		FROM users WHERE id = $1`

	var u User
	err := s.db.QueryRowContext(ctx, query, userID).
		Scan(&u.ID, &u.ExternalID, &u.Username, &u.FullName, &u.Avatar, &u.Bio, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("history: get user: %w", err)
	}
	return &u, nil
}

// ListUsers returns all users except the one identified by excludeUserID
// (pass an empty string to list everyone).
func (s *Store) ListUsers(ctx context.Context, excludeUserID string) ([]User, error) {
	const query = `
		SELECT id, external_id, username, full_name, avatar, bio, created_at
		FROM users
		WHERE id <> $1
		ORDER BY username`

	rows, err := s.db.QueryContext(ctx, query, excludeUserID)
	if err != nil {
		return nil, fmt.Errorf("history: list users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.ExternalID, &u.Username, &u.FullName, &u.Avatar, &u.Bio, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("history: scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// CreateConversation inserts a conversation and its participants in one
// transaction and returns the stored row.
func (s *Store) CreateConversation(ctx context.Context, convType, groupName string, participants []string) (*Conversation, error) {
	if !validConversationTypes[convType] {
		return nil, fmt.Errorf("history: invalid conversation type %q", convType)
	}
	if len(participants) < 2 {
		return nil, fmt.Errorf("history: conversation needs at least 2 participants, got %d", len(participants))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("history: begin tx: %w", err)
	}
	defer tx.Rollback()

	conv := &Conversation{
		ID:           uuid.New().String(),
		Type:         convType,
		GroupName:    groupName,
		Participants: participants,
	}

	const insertConv = `
		INSERT INTO conversations (id, type, group_name)
		VALUES ($1, $2, $3)
		RETURNING created_at`
	if err := tx.QueryRowContext(ctx, insertConv, conv.ID, conv.Type, conv.GroupName).Scan(&conv.CreatedAt); err != nil {
		return nil, fmt.Errorf("history: insert conversation: %w", err)
	}

	const insertPart = `
		INSERT INTO conversation_participants (conversation_id, user_id)
		VALUES ($1, $2)`
	for _, userID := range participants {
		if _, err := tx.ExecContext(ctx, insertPart, conv.ID, userID); err != nil {
			return nil, fmt.Errorf("history: insert participant %s: %w", userID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("history: commit conversation: %w", err)
	}
	return conv, nil
}

// GetConversation returns a conversation with its participants.
func (s *Store) GetConversation(ctx context.Context, conversationID string) (*Conversation, error) {
	const query = `SELECT id, type, group_name, created_at FROM conversations WHERE id = $1`

	var c Conversation
	err := s.db.QueryRowContext(ctx, query, conversationID).
		Scan(&c.ID, &c.Type, &c.GroupName, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("history: get conversation: %w", err)
	}

	c.Participants, err = s.participants(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListConversations returns every conversation the user participates in,
// newest first.
func (s *Store) ListConversations(ctx context.Context, userID string) ([]Conversation, error) {
	const query = `
		SELECT c.id, c.type, c.group_name, c.created_at
		FROM conversations c
		JOIN conversation_participants p ON p.conversation_id = c.id
		WHERE p.user_id = $1
		ORDER BY c.created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("history: list conversations: %w", err)
	}
	defer rows.Close()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.Type, &c.GroupName, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("history: scan conversation: %w", err)
		}
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range convs {
		convs[i].Participants, err = s.participants(ctx, convs[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return convs, nil
}

// DeleteConversation removes a conversation (messages and participants
// cascade) and returns the participant IDs so the caller can notify them.
func (s *Store) DeleteConversation(ctx context.Context, conversationID string) ([]string, error) {
	participants, err := s.participants(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if len(participants) == 0 {
		return nil, ErrNotFound
	}

	const query = `DELETE FROM conversations WHERE id = $1`
	if _, err := s.db.ExecContext(ctx, query, conversationID); err != nil {
		return nil, fmt.Errorf("history: delete conversation: %w", err)
	}
	return participants, nil
}

// InsertMessage stores a message and returns the stored row joined with the
// sender's display name. The sender must be a participant of the
// conversation.
func (s *Store) InsertMessage(ctx context.Context, conversationID, senderID, content, messageType, fileURL string) (*Message, error) {
	if messageType == "" {
		messageType = "text"
	}
	if !validMessageTypes[messageType] {
		return nil, fmt.Errorf("history: invalid message type %q", messageType)
	}
	if err := ValidateContent(content); err != nil {
		return nil, err
	}

	const member = `
		SELECT 1 FROM conversation_participants
		WHERE conversation_id = $1 AND user_id = $2`
	var one int
	err := s.db.QueryRowContext(ctx, member, conversationID, senderID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("history: sender %s is not a participant of %s", senderID, conversationID)
	}
	if err != nil {
		return nil, fmt.Errorf("history: check participant: %w", err)
	}

	msg := &Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		MessageType:    messageType,
		FileURL:        fileURL,
	}

	const insert = `
		INSERT INTO messages (id, conversation_id, sender_id, content, message_type, file_url)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, (SELECT username FROM users WHERE id = $3)`
	err = s.db.QueryRowContext(ctx, insert,
		msg.ID, msg.ConversationID, msg.SenderID, msg.Content, msg.MessageType, msg.FileURL,
	).Scan(&msg.CreatedAt, &msg.SenderName)
	if err != nil {
		return nil, fmt.Errorf("history: insert message: %w", err)
	}
	return msg, nil
}

// ListMessages returns all messages for a conversation in chronological
// order.
func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	const query = `
		SELECT m.id, m.conversation_id, m.sender_id, u.username, m.content, m.message_type, m.file_url, m.created_at
		FROM messages m
		JOIN users u ON u.id = m.sender_id
		WHERE m.conversation_id = $1
		ORDER BY m.created_at`

	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("history: list messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.SenderName, &m.Content, &m.MessageType, &m.FileURL, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("history: scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// DeleteMessage removes a message and returns the conversation it belonged
// to, so the caller can signal the conversation's room.
func (s *Store) DeleteMessage(ctx context.Context, messageID string) (string, error) {
	const query = `DELETE FROM messages WHERE id = $1 RETURNING conversation_id`

	var conversationID string
	err := s.db.QueryRowContext(ctx, query, messageID).Scan(&conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("history: delete message: %w", err)
	}
	return conversationID, nil
}

// participants returns the user IDs participating in a conversation.
func (s *Store) participants(ctx context.Context, conversationID string) ([]string, error) {
	const query = `
		SELECT user_id FROM conversation_participants
		WHERE conversation_id = $1
		ORDER BY user_id`

	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("history: list participants: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("history: scan participant: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
