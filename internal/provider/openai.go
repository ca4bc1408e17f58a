package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	DefaultBaseURL = "https://api.openai.com/v1"
	maxErrorBody   = 64 << 10
)

var _ Provider = (*OpenAI)(nil)

// OpenAI calls an OpenAI-compatible chat completions endpoint.
type OpenAI struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// Option configures OpenAI.
type Option func(*OpenAI)

func WithBaseURL(u string) Option {
	return func(o *OpenAI) {
		if u = strings.TrimSpace(u); u != "" {
			o.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithHTTPClient replaces the transport client. Its timeout bounds blocking calls only.
func WithHTTPClient(c *http.Client) Option {
	return func(o *OpenAI) {
		if c != nil {
			o.client = c
		}
	}
}

func NewOpenAI(apiKey string, opts ...Option) *OpenAI {
	o := &OpenAI{
		baseURL: DefaultBaseURL,
		apiKey:  apiKey,
		client:  &http.Client{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

type chatRequest struct {
	Model         string         `json:"model"`
	Messages      []Message      `json:"messages"`
	Temperature   float64        `json:"temperature"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
	Stream        bool           `json:"stream,omitempty"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *Usage `json:"usage"`
}

type errorEnvelope struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error"`
}

func (o *OpenAI) Generate(ctx context.Context, req Request) (Result, error) {
	resp, err := o.do(ctx, chatRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	var body chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Result{}, fmt.Errorf("%w: decode response: %v", ErrUpstream, err)
	}
	if len(body.Choices) == 0 {
		return Result{}, fmt.Errorf("%w: empty choices", ErrUpstream)
	}
	res := Result{Text: body.Choices[0].Message.Content}
	if fr := body.Choices[0].FinishReason; fr != nil {
		res.FinishReason = *fr
	}
	if body.Usage != nil {
		res.Usage = *body.Usage
	}
	return res, nil
}

func (o *OpenAI) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	resp, err := o.do(ctx, chatRequest{
		Model:         req.Model,
		Messages:      req.Messages,
		Temperature:   req.Temperature,
		MaxTokens:     req.MaxTokens,
		Stream:        true,
		StreamOptions: &streamOptions{IncludeUsage: true},
	})
	if err != nil {
		return nil, err
	}

	ch := make(chan Event)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		send := func(ev Event) bool {
			select {
			case ch <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		var (
			finish string
			usage  *Usage
		)
		sc := bufio.NewScanner(resp.Body)
		sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				send(Event{FinishReason: finish, Usage: usage})
				return
			}
			var chunk chatResponse
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				send(Event{Err: fmt.Errorf("%w: decode chunk: %v", ErrUpstream, err)})
				return
			}
			if chunk.Usage != nil {
				usage = chunk.Usage
			}
			for _, c := range chunk.Choices {
				if c.FinishReason != nil {
					finish = *c.FinishReason
				}
				if c.Delta.Content == "" {
					continue
				}
				if !send(Event{Delta: c.Delta.Content}) {
					return
				}
			}
		}
		if err := sc.Err(); err != nil {
			if ctx.Err() != nil {
				return
			}
			send(Event{Err: Classify(err)})
			return
		}
		if ctx.Err() != nil {
			return
		}
		send(Event{Err: fmt.Errorf("%w: stream ended without [DONE]", ErrUpstream)})
	}()
	return ch, nil
}

func (o *OpenAI) do(ctx context.Context, payload chatRequest) (*http.Response, error) {
	buf, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/chat/completions", bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if o.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)
	}
	if payload.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := o.client.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, Classify(err)
	}
	if resp.StatusCode/100 != 2 {
		defer resp.Body.Close()
		return nil, Classify(readAPIError(resp))
	}
	return resp, nil
}

func readAPIError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil || len(raw) == 0 {
		return apiErr
	}
	var env errorEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		apiErr.Message = strings.TrimSpace(string(raw))
		return apiErr
	}
	if env.Error.Message != "" {
		apiErr.Message = env.Error.Message
	}
	apiErr.Type = env.Error.Type
	switch c := env.Error.Code.(type) {
	case string:
		apiErr.Code = c
	case float64:
		apiErr.Code = fmt.Sprintf("%d", int64(c))
	}
	return apiErr
}
