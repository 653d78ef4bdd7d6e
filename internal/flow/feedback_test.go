package flow

import (
	"context"
	"testing"
	"time"
)

func TestParseFeedbackOptionMatch(t *testing.T) {
	req := FeedbackRequest{ID: "r1", Kind: FeedbackEscalation, Options: []string{"retry", "abort"}}
	resp := ParseFeedback(req, "  Retry ")
	if resp.SelectedOption != "retry" || resp.FreeText != "" {
		t.Errorf("resp = %+v", resp)
	}
	resp = ParseFeedback(req, "try again from testing")
	if resp.SelectedOption != "" || resp.FreeText == "" {
		t.Errorf("free text resp = %+v", resp)
	}
}

func TestParseFeedbackApprovalInference(t *testing.T) {
	req := FeedbackRequest{ID: "r1", Kind: FeedbackApproval, Options: []string{"approve", "revise"}}
	for raw, want := range map[string]bool{
		"yes, looks good":          true,
		"approve":                  true,
		"no, simplify the scope":   false,
		"reject this plan":         false,
		"ok but rename the fields": true,
	} {
		if resp := ParseFeedback(req, raw); resp.Accepted != want {
			t.Errorf("ParseFeedback(%q).Accepted = %v, want %v", raw, resp.Accepted, want)
		}
	}
}

func TestParseFeedbackClarificationAlwaysAccepted(t *testing.T) {
	req := FeedbackRequest{ID: "r1", Kind: FeedbackClarification}
	if resp := ParseFeedback(req, "no auth needed, single user"); !resp.Accepted {
		t.Error("clarification replies are never rejections")
	}
}

func TestBrokerRoundTrip(t *testing.T) {
	b := NewBroker()
	done := make(chan FeedbackResponse, 1)
	go func() {
		resp, err := b.Ask(context.Background(), FeedbackRequest{
			ID: "q1", Kind: FeedbackEscalation, Options: []string{"retry", "abort"},
		}, time.Minute)
		if err != nil {
			t.Error(err)
		}
		done <- resp
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := b.AwaitRequest(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if req.ID != "q1" || req.Deadline == nil {
		t.Fatalf("request = %+v", req)
	}
	if err := b.SubmitResponse("q1", "retry"); err != nil {
		t.Fatal(err)
	}
	resp := <-done
	if resp.SelectedOption != "retry" || resp.TimedOut {
		t.Errorf("resp = %+v", resp)
	}
}

func TestBrokerTimeoutTakesDefault(t *testing.T) {
	b := NewBroker()
	resp, err := b.Ask(context.Background(), FeedbackRequest{
		ID: "q1", Kind: FeedbackEscalation,
		Options: []string{"retry", "abort"}, DefaultOption: "abort",
	}, 20*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if !resp.TimedOut || resp.SelectedOption != "abort" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestBrokerRejectsUnknownResponse(t *testing.T) {
	b := NewBroker()
	if err := b.SubmitResponse("nope", "yes"); err == nil {
		t.Error("response to unknown request should fail")
	}
}

func TestBrokerCancelledAsk(t *testing.T) {
	b := NewBroker()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := b.Ask(ctx, FeedbackRequest{ID: "q1"}, time.Minute); err == nil {
		t.Error("cancelled ask should error")
	}
}
