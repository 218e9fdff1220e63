package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"whiteboard/internal/domain"
)

// HTTPLoader fetches a board's authoritative state from the authority's
// REST routes. It implements session.Loader and session.GroupLoader.
type HTTPLoader struct {
	BaseURL string
	Client  *http.Client
}

func NewHTTPLoader(baseURL string) *HTTPLoader {
	return &HTTPLoader{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: 15 * time.Second},
	}
}

// HTTPBase derives the REST base URL from a websocket endpoint:
// ws://host:8080/ws becomes http://host:8080.
func HTTPBase(wsURL string) (string, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/ws")
	u.RawQuery = ""
	return strings.TrimRight(u.String(), "/"), nil
}

func (l *HTTPLoader) LoadBoardElements(ctx context.Context, boardID string) ([]domain.Element, error) {
	var out []domain.Element
	if err := l.get(ctx, "/boards/"+url.PathEscape(boardID)+"/elements", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (l *HTTPLoader) LoadBoardGroups(ctx context.Context, boardID string) ([]domain.Group, error) {
	var out []domain.Group
	if err := l.get(ctx, "/boards/"+url.PathEscape(boardID)+"/groups", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (l *HTTPLoader) get(ctx context.Context, path string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.BaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	client := l.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("GET %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
