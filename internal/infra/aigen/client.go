package aigen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"live-quiz-service/internal/domain"
	"live-quiz-service/internal/retry"
)

// DefaultOptionCount is used when the caller does not ask for a specific count.
const DefaultOptionCount = 4

// Config points the client at a question generation endpoint.
type Config struct {
	Endpoint    string
	APIKey      string
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	HTTPClient  *http.Client
}

// Client calls the external question generator.
type Client struct {
	endpoint string
	apiKey   string
	http     *http.Client
	policy   retry.Policy
	log      *logrus.Entry
}

type generateRequest struct {
	Topic       string   `json:"topic"`
	Difficulty  string   `json:"difficulty,omitempty"`
	OptionCount int      `json:"optionCount"`
	Avoid       []string `json:"avoid,omitempty"`
}

type generateResponse struct {
	Prompt       string   `json:"prompt"`
	Options      []string `json:"options"`
	CorrectIndex int      `json:"correctIndex"`
	Explanation  string   `json:"explanation"`
	TimeLimit    int      `json:"timeLimit"`
}

// StatusError is a non-2xx response from the generator.
type StatusError struct {
	Code       int
	Body       string
	retryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("generator returned %d: %s", e.Code, e.Body)
}

// RetryAfter is the server's wait hint for 429 responses.
func (e *StatusError) RetryAfter() time.Duration {
	return e.retryAfter
}

// Temporary reports whether the request may succeed when repeated.
func (e *StatusError) Temporary() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= http.StatusInternalServerError
}

// ErrMalformedResponse is returned when the generator's answer cannot form a valid question.
var ErrMalformedResponse = errors.New("malformed generator response")

func NewClient(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	policy := retry.Policy{
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   cfg.BaseDelay,
		MaxDelay:    cfg.MaxDelay,
		Retryable:   isRetryable,
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 3
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = time.Second
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = 10 * time.Second
	}
	c := &Client{
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		http:     httpClient,
		log:      logrus.WithField("component", "aigen"),
	}
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		c.log.WithError(err).WithFields(logrus.Fields{"attempt": attempt, "wait": wait}).Warn("generation failed, retrying")
	}
	c.policy = policy
	return c
}

// GenerateQuestion implements app.QuestionGenerator.
func (c *Client) GenerateQuestion(ctx context.Context, topic string, opts domain.GenerateOptions) (domain.Question, error) {
	if strings.TrimSpace(topic) == "" {
		return domain.Question{}, fmt.Errorf("%w: topic is required", domain.ErrInvalidQuiz)
	}
	count := opts.OptionCount
	if count < 2 {
		count = DefaultOptionCount
	}
	body, err := json.Marshal(generateRequest{
		Topic:       topic,
		Difficulty:  opts.Difficulty,
		OptionCount: count,
		Avoid:       opts.Avoid,
	})
	if err != nil {
		return domain.Question{}, err
	}

	var resp generateResponse
	err = retry.Do(ctx, c.policy, func(ctx context.Context) error {
		return c.post(ctx, body, &resp)
	})
	if err != nil {
		return domain.Question{}, err
	}
	return toQuestion(resp)
}

func (c *Client) post(ctx context.Context, body []byte, out *generateResponse) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode/100 != 2 {
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return &StatusError{
			Code:       res.StatusCode,
			Body:       strings.TrimSpace(string(snippet)),
			retryAfter: parseRetryAfter(res.Header.Get("Retry-After")),
		}
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return nil
}

func toQuestion(resp generateResponse) (domain.Question, error) {
	if strings.TrimSpace(resp.Prompt) == "" || len(resp.Options) < 2 {
		return domain.Question{}, ErrMalformedResponse
	}
	if resp.CorrectIndex < 0 || resp.CorrectIndex >= len(resp.Options) {
		return domain.Question{}, fmt.Errorf("%w: correct index %d out of range", ErrMalformedResponse, resp.CorrectIndex)
	}
	q := domain.Question{
		ID:          uuid.NewString(),
		Prompt:      strings.TrimSpace(resp.Prompt),
		Explanation: resp.Explanation,
		TimeLimit:   resp.TimeLimit,
	}
	for i, text := range resp.Options {
		q.Options = append(q.Options, domain.Option{
			ID:      string(rune('a' + i)),
			Text:    text,
			Correct: i == resp.CorrectIndex,
		})
	}
	return q, nil
}

func isRetryable(err error) bool {
	var status *StatusError
	if errors.As(err, &status) {
		return status.Temporary()
	}
	if errors.Is(err, ErrMalformedResponse) || errors.Is(err, context.Canceled) {
		return false
	}
	// network errors
	return true
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
