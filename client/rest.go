package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/chatline/chatline/internal/protocol"
)

// API defaults.
const (
	DefaultHTTPTimeout = 10 * time.Second
	defaultReadRetries = 3
	readRetryBaseDelay = 200 * time.Millisecond
)

// API is the REST client for the chatline API server. Reads retry with
// bounded backoff; writes are attempted once and their errors surface to the
// caller. The realtime channel only signals that data changed, this client is
// how the authoritative data is fetched.
type API struct {
	baseURL string
	http    *http.Client
	retries int
}

// NewAPI creates an API client for the given base URL, e.g.
// "http://localhost:8080". A nil httpClient selects a default with a
// 10 second timeout.
func NewAPI(baseURL string, httpClient *http.Client) *API {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &API{
		baseURL: baseURL,
		http:    httpClient,
		retries: defaultReadRetries,
	}
}

// UserProfile is the API representation of a user.
type UserProfile struct {
	ID         string `json:"id"`
	ExternalID string `json:"external_id"`
	Username   string `json:"username"`
	FullName   string `json:"full_name"`
	Avatar     string `json:"avatar"`
	Bio        string `json:"bio"`
	IsOnline   bool   `json:"is_online"`
	LastSeen   int64  `json:"last_seen,omitempty"`
}

// SendMessageRequest is the payload for sending a message.
type SendMessageRequest struct {
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	Content        string `json:"content"`
	MessageType    string `json:"message_type"`
	FileURL        string `json:"file_url,omitempty"`
}

// CreateConversationRequest is the payload for creating a conversation.
type CreateConversationRequest struct {
	Type         string   `json:"type"`
	GroupName    string   `json:"group_name,omitempty"`
	Participants []string `json:"participants"`
}

// UpsertUserRequest registers or refreshes a user profile keyed by the
// identity provider's identifier.
type UpsertUserRequest struct {
	ExternalID string `json:"external_id"`
	Username   string `json:"username"`
	FullName   string `json:"full_name,omitempty"`
	Avatar     string `json:"avatar,omitempty"`
	Bio        string `json:"bio,omitempty"`
}

// ResolveUser returns the durable user ID for an identity-provider ID.
func (a *API) ResolveUser(ctx context.Context, externalID string) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	path := "/api/users/resolve/" + url.PathEscape(externalID)
	if err := a.getJSON(ctx, path, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// UpsertUser registers or refreshes the local user's profile.
func (a *API) UpsertUser(ctx context.Context, req UpsertUserRequest) (*UserProfile, error) {
	var out UserProfile
	if err := a.doJSON(ctx, http.MethodPost, "/api/users", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListUsers returns all users except the given one, decorated with presence.
func (a *API) ListUsers(ctx context.Context, excludeUserID string) ([]UserProfile, error) {
	var out []UserProfile
	path := "/api/users?exclude=" + url.QueryEscape(excludeUserID)
	if err := a.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetConversation fetches one conversation by ID.
func (a *API) GetConversation(ctx context.Context, conversationID string) (*protocol.Conversation, error) {
	var out protocol.Conversation
	path := "/api/conversations/" + url.PathEscape(conversationID)
	if err := a.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListConversations fetches the conversations the user participates in.
func (a *API) ListConversations(ctx context.Context, userID string) ([]protocol.Conversation, error) {
	var out []protocol.Conversation
	path := "/api/conversations?user=" + url.QueryEscape(userID)
	if err := a.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateConversation creates a direct or group conversation.
func (a *API) CreateConversation(ctx context.Context, req CreateConversationRequest) (*protocol.Conversation, error) {
	var out protocol.Conversation
	if err := a.doJSON(ctx, http.MethodPost, "/api/conversations", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteConversation removes a conversation and its messages.
func (a *API) DeleteConversation(ctx context.Context, conversationID string) error {
	path := "/api/conversations/" + url.PathEscape(conversationID)
	return a.doJSON(ctx, http.MethodDelete, path, nil, nil)
}

// ListMessages fetches a conversation's messages in chronological order.
func (a *API) ListMessages(ctx context.Context, conversationID string) ([]protocol.Message, error) {
	var out []protocol.Message
	path := "/api/messages/" + url.PathEscape(conversationID)
	if err := a.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SendMessage persists a message. The broker notification it triggers races
// with this call's response; callers re-fetch rather than appending locally.
func (a *API) SendMessage(ctx context.Context, req SendMessageRequest) (*protocol.Message, error) {
	var out protocol.Message
	if err := a.doJSON(ctx, http.MethodPost, "/api/messages", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteMessage removes a single message.
func (a *API) DeleteMessage(ctx context.Context, messageID string) error {
	path := "/api/messages/" + url.PathEscape(messageID)
	return a.doJSON(ctx, http.MethodDelete, path, nil, nil)
}

// MessagesFetcher adapts ListMessages into a QueryCache fetcher for one
// conversation.
func (a *API) MessagesFetcher(conversationID string) Fetcher {
	return func(ctx context.Context) (interface{}, error) {
		return a.ListMessages(ctx, conversationID)
	}
}

// ConversationsFetcher adapts ListConversations into a QueryCache fetcher.
func (a *API) ConversationsFetcher(userID string) Fetcher {
	return func(ctx context.Context) (interface{}, error) {
		return a.ListConversations(ctx, userID)
	}
}

// ---------------------------------------------------------------------------
// Transport plumbing
// ---------------------------------------------------------------------------

// apiEnvelope matches the server's response shape: `{"data": ...}` on
// success, `{"error": "..."}` on failure.
type apiEnvelope struct {
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error"`
}

// getJSON performs a GET with bounded retry and backoff. Only reads retry;
// server errors (5xx) and transport errors are retried, client errors (4xx)
// are not.
func (a *API) getJSON(ctx context.Context, path string, out interface{}) error {
	delay := readRetryBaseDelay
	var lastErr error
	for attempt := 0; attempt < a.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
		var retryable bool
		lastErr, retryable = a.once(ctx, http.MethodGet, path, nil, out)
		if lastErr == nil || !retryable {
			return lastErr
		}
	}
	return fmt.Errorf("client: GET %s failed after %d attempts: %w", path, a.retries, lastErr)
}

// doJSON performs a single non-retried request.
func (a *API) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	err, _ := a.once(ctx, method, path, body, out)
	return err
}

func (a *API) once(ctx context.Context, method, path string, body, out interface{}) (err error, retryable bool) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("client: marshal request: %w", err), false
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("client: build request: %w", err), false
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("client: %s %s: %w", method, path, err), true
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("client: read response: %w", err), true
	}

	var env apiEnvelope
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil {
			return fmt.Errorf("client: %s %s: malformed response: %w", method, path, err), resp.StatusCode >= 500
		}
	}

	if resp.StatusCode >= 400 {
		msg := env.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return fmt.Errorf("client: %s %s: %d %s", method, path, resp.StatusCode, msg), resp.StatusCode >= 500
	}

	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("client: decode response: %w", err), false
		}
	}
	return nil, false
}
