package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/example/dispatch-engine/internal/dispatch"
)

func smsJob() dispatch.Job {
	return dispatch.Job{
		NotificationID: "n-1",
		TenantID:       "t-1",
		Channel:        dispatch.ChannelSMS,
		Recipient:      dispatch.Recipient{UserID: "u-1", Phone: "+15550100"},
		Content:        dispatch.Content{Body: "hello"},
	}
}

func TestHTTPJSONClassifiesStatusCodes(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantErr   bool
		retryable bool
	}{
		{"success", http.StatusOK, false, false},
		{"server error retryable", http.StatusBadGateway, true, true},
		{"client error permanent", http.StatusUnprocessableEntity, true, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(`{"id":"msg-1"}`))
			}))
			defer srv.Close()

			p := &HTTPJSON{ProviderName: "twilio", Channel: dispatch.ChannelSMS, Endpoint: srv.URL}
			resp, err := p.Send(context.Background(), smsJob())

			if !tc.wantErr {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if resp.MessageID != "msg-1" {
					t.Fatalf("message id=%q, expected msg-1", resp.MessageID)
				}
				return
			}
			var pe *dispatch.Error
			if !errors.As(err, &pe) {
				t.Fatalf("expected classified provider error, got %v", err)
			}
			if pe.Retryable != tc.retryable {
				t.Fatalf("retryable=%v, expected %v", pe.Retryable, tc.retryable)
			}
		})
	}
}

func TestHTTPJSONRejectsMissingAddress(t *testing.T) {
	p := &HTTPJSON{ProviderName: "twilio", Channel: dispatch.ChannelSMS, Endpoint: "http://unused"}
	job := smsJob()
	job.Recipient.Phone = ""

	_, err := p.Send(context.Background(), job)
	var pe *dispatch.Error
	if !errors.As(err, &pe) {
		t.Fatalf("expected provider error, got %v", err)
	}
	if pe.Retryable {
		t.Fatal("missing address must be permanent")
	}
}
