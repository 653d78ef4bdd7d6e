package flow

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"codecrew/internal/logging"
	"codecrew/internal/types"
)

// FeedbackKind categorizes a human-feedback request.
type FeedbackKind string

const (
	FeedbackClarification FeedbackKind = "clarification"
	FeedbackApproval      FeedbackKind = "approval"
	FeedbackEscalation    FeedbackKind = "escalation"
	FeedbackOverride      FeedbackKind = "override"
)

// FeedbackRequest is what a suspended run shows the human.
type FeedbackRequest struct {
	ID            string       `json:"id"`
	ProjectID     string       `json:"project_id"`
	Kind          FeedbackKind `json:"kind"`
	Question      string       `json:"question"`
	Options       []string     `json:"options,omitempty"`
	DefaultOption string       `json:"default_option,omitempty"`
	ContextDigest string       `json:"context_digest,omitempty"`
	Deadline      *time.Time   `json:"deadline,omitempty"`
}

// FeedbackResponse is the parsed human reply.
type FeedbackResponse struct {
	RequestID      string `json:"request_id"`
	Raw            string `json:"raw"`
	SelectedOption string `json:"selected_option,omitempty"`
	FreeText       string `json:"free_text,omitempty"`
	Accepted       bool   `json:"accepted"`
	TimedOut       bool   `json:"timed_out,omitempty"`
}

var (
	positiveWords = []string{"yes", "confirm", "allow", "approve", "accept", "ok"}
	negativeWords = []string{"no", "reject", "deny", "simplify", "disallow"}
)

// ParseFeedback turns a raw reply into a structured response. An exact
// option match (case-insensitive) selects that option; otherwise the
// whole reply is free text. Approval and override infer acceptance from
// wording.
func ParseFeedback(req FeedbackRequest, raw string) FeedbackResponse {
	raw = strings.TrimSpace(raw)
	resp := FeedbackResponse{RequestID: req.ID, Raw: raw, Accepted: true}
	for _, opt := range req.Options {
		if strings.EqualFold(strings.TrimSpace(opt), raw) {
			resp.SelectedOption = strings.TrimSpace(opt)
			break
		}
	}
	if resp.SelectedOption == "" {
		resp.FreeText = raw
	}
	if (req.Kind == FeedbackApproval || req.Kind == FeedbackOverride) && len(req.Options) > 0 {
		lower := strings.ToLower(raw)
		hasPositive, hasNegative := false, false
		for _, w := range positiveWords {
			if strings.Contains(lower, w) {
				hasPositive = true
			}
		}
		for _, w := range negativeWords {
			if strings.Contains(lower, w) {
				hasNegative = true
			}
		}
		if hasNegative && !hasPositive {
			resp.Accepted = false
		}
		if resp.SelectedOption != "" {
			for _, w := range negativeWords {
				if strings.EqualFold(resp.SelectedOption, w) {
					resp.Accepted = false
				}
			}
		}
	}
	return resp
}

// Broker connects a suspended run to whoever answers for the human:
// the CLI, a UI, or a test. One request is outstanding at a time.
type Broker struct {
	mu      sync.Mutex
	pending chan *FeedbackRequest
	waiters map[string]chan string
}

// NewBroker creates a broker.
func NewBroker() *Broker {
	return &Broker{
		pending: make(chan *FeedbackRequest, 1),
		waiters: map[string]chan string{},
	}
}

// AwaitRequest blocks until a run asks for feedback.
func (b *Broker) AwaitRequest(ctx context.Context) (*FeedbackRequest, error) {
	select {
	case req := <-b.pending:
		return req, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SubmitResponse delivers a raw reply for an outstanding request.
func (b *Broker) SubmitResponse(requestID, raw string) error {
	b.mu.Lock()
	ch, ok := b.waiters[requestID]
	if ok {
		delete(b.waiters, requestID)
	}
	b.mu.Unlock()
	if !ok {
		return types.NewError(types.KindInvariant, "flow.SubmitResponse",
			"no outstanding request "+requestID)
	}
	ch <- raw
	return nil
}

// Ask publishes a request and waits for the reply, the timeout, or
// cancellation. On timeout the default option answers; an empty default
// times the response out.
func (b *Broker) Ask(ctx context.Context, req FeedbackRequest, timeout time.Duration) (FeedbackResponse, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if timeout > 0 {
		d := time.Now().UTC().Add(timeout)
		req.Deadline = &d
	}

	ch := make(chan string, 1)
	b.mu.Lock()
	b.waiters[req.ID] = ch
	b.mu.Unlock()

	select {
	case b.pending <- &req:
	default:
		b.mu.Lock()
		delete(b.waiters, req.ID)
		b.mu.Unlock()
		return FeedbackResponse{}, types.NewError(types.KindInvariant, "flow.Ask",
			"a feedback request is already outstanding")
	}
	logging.Feedback("Feedback requested: id=%s kind=%s question=%q", req.ID, req.Kind, req.Question)

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case raw := <-ch:
		resp := ParseFeedback(req, raw)
		logging.Feedback("Feedback received: id=%s option=%q accepted=%v", req.ID, resp.SelectedOption, resp.Accepted)
		return resp, nil
	case <-timer:
		b.drop(req.ID)
		resp := ParseFeedback(req, req.DefaultOption)
		resp.TimedOut = true
		logging.Feedback("Feedback timed out: id=%s default=%q", req.ID, req.DefaultOption)
		return resp, nil
	case <-ctx.Done():
		b.drop(req.ID)
		return FeedbackResponse{}, types.WrapError(types.KindCancelled, "flow.Ask", "cancelled awaiting feedback", ctx.Err())
	}
}

func (b *Broker) drop(id string) {
	b.mu.Lock()
	delete(b.waiters, id)
	b.mu.Unlock()
	// Remove the stale pending request if nobody consumed it.
	select {
	case <-b.pending:
	default:
	}
}
