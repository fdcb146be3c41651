package validation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/ethereum/go-ethereum/log"

	"github.com/chainguard-network/chainguard/types"
)

// ErrBadStatus is returned when the validator answers outside the 2xx
// range. The body is folded into the error for the retry log.
var ErrBadStatus = errors.New("validation: validator returned non-2xx status")

// Result is the validator's verdict on one finding. valid=false is a
// normal outcome, not an error.
type Result struct {
	Valid             bool    `json:"valid"`
	Confidence        float64 `json:"confidence"`
	Severity          string  `json:"severity"`
	Reason            string  `json:"reason"`
	Recommendation    string  `json:"recommendation"`
	AdditionalContext string  `json:"additionalContext"`
}

type findingShape struct {
	Type           string  `json:"type"`
	Function       string  `json:"function,omitempty"`
	Line           int     `json:"line,omitempty"`
	CodeSnippet    string  `json:"code_snippet,omitempty"`
	RuleConfidence float64 `json:"rule_confidence"`
}

type validateRequest struct {
	Finding         findingShape `json:"finding"`
	ContractContext string       `json:"contract_context"`
	SimilarCases    []string     `json:"similar_cases"`
	SessionID       string       `json:"session_id"`
}

// Client talks to the external LLM validator webhook.
type Client struct {
	url  string
	http *http.Client
	log  log.Logger
}

// NewClient builds a validator client for the webhook URL. Timeouts are
// the caller's responsibility via the request context.
func NewClient(webhookURL string) *Client {
	return &Client{
		url:  webhookURL,
		http: &http.Client{},
		log:  log.New("component", "validation.client"),
	}
}

// Validate posts one finding for review. The session id correlates the
// retries of one queue item on the validator side.
func (c *Client) Validate(ctx context.Context, f *types.Finding, sessionID string) (*Result, error) {
	body, err := json.Marshal(&validateRequest{
		Finding: findingShape{
			Type:           f.Type,
			Function:       f.FunctionName,
			Line:           f.Line,
			CodeSnippet:    f.CodeSnippet,
			RuleConfidence: f.RuleConfidence,
		},
		ContractContext: f.ContractAddress,
		SimilarCases:    []string{},
		SessionID:       sessionID,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: %d %s", ErrBadStatus, resp.StatusCode, bytes.TrimSpace(snippet))
	}
	var res Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("validation: malformed validator response: %w", err)
	}
	return &res, nil
}
