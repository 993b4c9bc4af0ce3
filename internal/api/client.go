package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mvieira99/inboxsync/internal/store"
	"go.uber.org/zap"
)

const requestTimeout = 15 * time.Second

// Client consumes the REST collaborator surface the state store needs:
// paginated conversation listing and full-detail fetch. Both calls are
// idempotent GETs.
type Client struct {
	baseURL   string
	accountID int
	token     func() string
	http      *http.Client
	logger    *zap.Logger
}

// New creates a REST client for one account. token is called per
// request so a rotated token is picked up automatically.
func New(baseURL string, accountID int, token func() string, logger *zap.Logger) *Client {
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		accountID: accountID,
		token:     token,
		http:      &http.Client{Timeout: requestTimeout},
		logger:    logger,
	}
}

type listResponse struct {
	Payload []*store.Conversation `json:"payload"`
}

// ListConversations fetches the conversation list, translating the
// given filters directly into query parameters.
func (c *Client) ListConversations(ctx context.Context, filters map[string]string) ([]*store.Conversation, error) {
	endpoint := fmt.Sprintf("%s/api/v1/accounts/%d/conversations", c.baseURL, c.accountID)
	if len(filters) > 0 {
		q := url.Values{}
		for k, v := range filters {
			q.Set(k, v)
		}
		endpoint += "?" + q.Encode()
	}

	var resp listResponse
	if err := c.get(ctx, endpoint, &resp); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return resp.Payload, nil
}

// GetConversation fetches one conversation with its embedded messages.
func (c *Client) GetConversation(ctx context.Context, conversationID int) (*store.ConversationDetail, error) {
	endpoint := fmt.Sprintf("%s/api/v1/accounts/%d/conversations/%d", c.baseURL, c.accountID, conversationID)

	var detail store.ConversationDetail
	if err := c.get(ctx, endpoint, &detail); err != nil {
		return nil, fmt.Errorf("get conversation %d: %w", conversationID, err)
	}
	return &detail, nil
}

func (c *Client) get(ctx context.Context, endpoint string, into any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	if c.token != nil {
		req.Header.Set("Authorization", "Bearer "+c.token())
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
