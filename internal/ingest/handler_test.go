package ingest

import (
	"testing"

	"github.com/example/dispatch-engine/internal/broadcast"
	"github.com/example/dispatch-engine/internal/bulk"
	"github.com/example/dispatch-engine/internal/dispatch"
)

func TestValidateNotify(t *testing.T) {
	valid := NotifyRequest{
		Channel:   dispatch.ChannelEmail,
		Recipient: dispatch.Recipient{UserID: "u-1", Email: "u@example.com"},
		Content:   dispatch.Content{Body: "hello"},
	}

	tests := []struct {
		name    string
		mutate  func(r *NotifyRequest)
		wantErr bool
	}{
		{"valid", func(r *NotifyRequest) {}, false},
		{"template instead of body", func(r *NotifyRequest) {
			r.Content.Body = ""
			r.TemplateID = "welcome-v2"
		}, false},
		{"missing channel", func(r *NotifyRequest) { r.Channel = "" }, true},
		{"unknown channel", func(r *NotifyRequest) { r.Channel = "carrier-pigeon" }, true},
		{"missing recipient", func(r *NotifyRequest) { r.Recipient.UserID = "" }, true},
		{"no body and no template", func(r *NotifyRequest) { r.Content.Body = "" }, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := valid
			tc.mutate(&req)
			err := validateNotify(req)
			if tc.wantErr && err == nil {
				t.Fatal("expected validation error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestValidateBroadcast(t *testing.T) {
	valid := BroadcastRequest{
		Channels:  []dispatch.Channel{dispatch.ChannelEmail, dispatch.ChannelPush},
		Recipient: dispatch.Recipient{UserID: "u-1"},
		Content:   dispatch.Content{Body: "hello"},
		Options:   broadcast.Options{},
	}

	tests := []struct {
		name    string
		mutate  func(r *BroadcastRequest)
		wantErr bool
	}{
		{"valid", func(r *BroadcastRequest) {}, false},
		{"no channels", func(r *BroadcastRequest) { r.Channels = nil }, true},
		{"one unknown channel", func(r *BroadcastRequest) {
			r.Channels = []dispatch.Channel{dispatch.ChannelEmail, "fax"}
		}, true},
		{"missing recipient", func(r *BroadcastRequest) { r.Recipient.UserID = "" }, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := valid
			tc.mutate(&req)
			err := validateBroadcast(req)
			if tc.wantErr && err == nil {
				t.Fatal("expected validation error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestValidateBulk(t *testing.T) {
	rows := []bulk.Row{{RowNumber: 1, Recipient: dispatch.Recipient{UserID: "u-1"}}}

	tests := []struct {
		name    string
		req     BulkImportRequest
		wantErr bool
	}{
		{"valid", BulkImportRequest{Config: bulk.ChannelConfig{Channel: dispatch.ChannelSMS}, Rows: rows}, false},
		{"missing channel", BulkImportRequest{Rows: rows}, true},
		{"no rows", BulkImportRequest{Config: bulk.ChannelConfig{Channel: dispatch.ChannelSMS}}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := validateBulk(tc.req)
			if tc.wantErr && err == nil {
				t.Fatal("expected validation error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}
