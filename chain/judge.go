package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// JudgeClient requests evaluation questions from the judge service and
// submits answers back. Failures are soft: callers get a nil result and
// carry on, mirroring how peers treat the judge as optional.
type JudgeClient struct {
	baseURL    string
	httpClient *http.Client
}

// Question is one evaluation item handed out by the judge service.
type Question struct {
	SessionID string   `json:"session_id"`
	Question  string   `json:"question"`
	Choices   []string `json:"choices,omitempty"`
}

// NewJudgeClient creates a judge service client.
func NewJudgeClient(baseURL string) *JudgeClient {
	return &JudgeClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (j *JudgeClient) post(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("chain: failed to encode judge request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, j.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("chain: failed to build judge request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := j.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: judge: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &APIError{Endpoint: path, StatusCode: resp.StatusCode}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("chain: failed to decode judge response: %w", err)
		}
	}
	return nil
}

// RequestQuestion asks the judge for a question for this peer and round.
// A nil result with nil error means the judge declined (logged, not fatal).
func (j *JudgeClient) RequestQuestion(ctx context.Context, peerID string, round int64, modelName string) (*Question, error) {
	body := map[string]interface{}{
		"user_id":      peerID,
		"round_number": round,
		"model_name":   modelName,
	}

	var q Question
	if err := j.post(ctx, "/request-question/", body, &q); err != nil {
		log.Debugf("Failed to request question: %v", err)
		return nil, err
	}
	log.Debugf("Received question: %s", q.Question)
	return &q, nil
}

// SubmitAnswer reports the peer's answer for a previously issued question.
func (j *JudgeClient) SubmitAnswer(ctx context.Context, sessionID string, round int64, answer string) error {
	body := map[string]interface{}{
		"session_id":   sessionID,
		"round_number": round,
		"answer":       answer,
	}
	return j.post(ctx, "/submit-answer/", body, nil)
}

// CurrentClue fetches the live clue for the active PRG game, if any.
func (j *JudgeClient) CurrentClue(ctx context.Context) (map[string]interface{}, error) {
	var clue map[string]interface{}
	if err := j.post(ctx, "/current-clue/", struct{}{}, &clue); err != nil {
		return nil, err
	}
	return clue, nil
}
