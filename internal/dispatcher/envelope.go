package dispatcher

import (
	"time"

	"github.com/example/dispatch-engine/internal/broadcast"
	"github.com/example/dispatch-engine/internal/bulk"
	"github.com/example/dispatch-engine/internal/dispatch"
)

type Kind string

const (
	KindDispatch  Kind = "dispatch"
	KindBroadcast Kind = "broadcast"
	KindBulk      Kind = "bulk"
)

// BulkRequest carries an import's rows and shared channel settings.
type BulkRequest struct {
	TenantID string             `json:"tenantId"`
	Rows     []bulk.Row         `json:"rows"`
	Config   bulk.ChannelConfig `json:"config"`
}

// Envelope is the message format on the notifications topic. Exactly one of
// the kind-specific payloads is set.
type Envelope struct {
	Kind      Kind               `json:"kind"`
	TenantID  string             `json:"tenantId"`
	CreatedAt time.Time          `json:"createdAt"`
	Dispatch  *dispatch.Job      `json:"dispatch,omitempty"`
	Broadcast *broadcast.Request `json:"broadcast,omitempty"`
	Bulk      *BulkRequest       `json:"bulk,omitempty"`
}
