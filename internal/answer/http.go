package answer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ent0n29/doubtdesk/internal/session"
)

const errorExcerptBytes = 512

// HTTPService forwards turns to an answer-generation HTTP endpoint.
type HTTPService struct {
	url    string
	client *http.Client
}

func NewHTTPService(url string, timeout time.Duration) *HTTPService {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPService{
		url: strings.TrimSpace(url),
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

func (s *HTTPService) Answer(ctx context.Context, req Request) (Response, error) {
	if req.History == nil {
		req.History = []session.Message{}
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return Response{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if req.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.Token)
	}

	res, err := s.client.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return Response{}, fmt.Errorf("read response: %w", err)
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return Response{}, &StatusError{StatusCode: res.StatusCode, Message: errorText(body)}
	}

	var out Response
	if err := json.Unmarshal(body, &out); err != nil {
		return Response{}, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}

func errorText(body []byte) string {
	var obj struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &obj); err == nil && strings.TrimSpace(obj.Error) != "" {
		return strings.TrimSpace(obj.Error)
	}
	return excerpt(strings.TrimSpace(string(body)), errorExcerptBytes)
}

// excerpt cuts text to at most limit bytes without splitting a rune.
func excerpt(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}
