// Package history fetches a room's message backlog over the REST API. The
// controller uses it once per join to seed the identity tracker before live
// events are trusted.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/parleychat/parley/internal/event"
)

const defaultPageSize = 100

// maxPages caps pagination so a misbehaving backend cannot stall a join.
const maxPages = 10

// Client fetches paginated room history.
type Client struct {
	baseURL  string
	http     *http.Client
	pageSize int
}

// NewClient returns a history client for the API at baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:  baseURL,
		http:     &http.Client{Timeout: timeout},
		pageSize: defaultPageSize,
	}
}

type historyPage struct {
	Messages   []event.Message `json:"messages"`
	NextCursor string          `json:"nextCursor,omitempty"`
}

// RecentMessages returns the room's backlog, oldest first, following
// pagination cursors until the backend reports no more pages.
func (c *Client) RecentMessages(ctx context.Context, roomID string) ([]event.Message, error) {
	var all []event.Message
	cursor := ""

	for page := 0; page < maxPages; page++ {
		p, err := c.fetchPage(ctx, roomID, cursor)
		if err != nil {
			return nil, err
		}
		all = append(all, p.Messages...)
		if p.NextCursor == "" {
			break
		}
		cursor = p.NextCursor
	}
	return all, nil
}

func (c *Client) fetchPage(ctx context.Context, roomID, cursor string) (*historyPage, error) {
	endpoint := fmt.Sprintf("%s/api/rooms/%s/messages", c.baseURL, url.PathEscape(roomID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build history request: %w", err)
	}

	q := req.URL.Query()
	q.Set("limit", strconv.Itoa(c.pageSize))
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	req.URL.RawQuery = q.Encode()

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("history request failed: status %d", resp.StatusCode)
	}

	var page historyPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("decode history page: %w", err)
	}
	return &page, nil
}
