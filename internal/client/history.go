package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/npezzotti/go-groupchat/internal/protocol"
	"github.com/npezzotti/go-groupchat/internal/types"
)

// HistoryFetcher returns up to limit messages of a group with a sequence id
// below before, in ascending order. A before of zero means the newest page.
// Fewer than limit messages are returned only when history is exhausted.
type HistoryFetcher interface {
	FetchHistory(ctx context.Context, groupId string, before, limit int) ([]types.Message, error)
}

// HTTPHistory fetches history pages from GET /api/messages.
type HTTPHistory struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

func (h *HTTPHistory) FetchHistory(ctx context.Context, groupId string, before, limit int) ([]types.Message, error) {
	q := url.Values{}
	q.Set("group_id", groupId)
	q.Set("limit", strconv.Itoa(limit))
	if before > 0 {
		q.Set("before", strconv.Itoa(before))
	}

	endpoint := strings.TrimRight(h.BaseURL, "/") + "/api/messages?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	if h.Token != "" {
		req.Header.Set("Authorization", "Bearer "+h.Token)
	}

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch history: %v", ErrDisconnected, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Message string `json:"message"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = resp.Status
		}
		return nil, &protocol.ResponseError{Code: resp.StatusCode, Message: apiErr.Message}
	}

	var msgs []types.Message
	if err := json.NewDecoder(resp.Body).Decode(&msgs); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return msgs, nil
}
