package presence

import (
	"sync"

	"github.com/rs/zerolog"
)

// Event is a room-scoped live push message. Delivery is fire-and-forget;
// acknowledgment, if any, belongs to the transport.
type Event struct {
	Name string `json:"event"`
	Data any    `json:"data,omitempty"`
}

const (
	EventNotificationNew    = "notification:new"
	EventNotificationStatus = "notification:status"
	EventBulkJobProgress    = "bulk-job:progress"
	EventMarkRead           = "notification:mark-read"
	EventPing               = "ping"
)

// Conn is one live connection's send half. Send must not block the
// registry; slow transports drop events.
type Conn interface {
	Send(ev Event)
}

type connEntry struct {
	userID   string
	tenantID string
	conn     Conn
}

// Registry tracks which users hold live connections and which rooms they
// belong to. A user is online iff its connection set is non-empty; the
// entry is removed entirely when the set empties.
type Registry struct {
	mu      sync.RWMutex
	conns   map[string]connEntry            // connID -> entry
	users   map[string]map[string]struct{}  // userID -> connIDs
	tenants map[string]map[string]struct{}  // tenantID -> connIDs
	logger  zerolog.Logger
}

func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		conns:   make(map[string]connEntry),
		users:   make(map[string]map[string]struct{}),
		tenants: make(map[string]map[string]struct{}),
		logger:  logger,
	}
}

// Connect registers conn under userID, joining the user room and, when
// tenantID is set, the tenant room.
func (r *Registry) Connect(userID, connID, tenantID string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.conns[connID] = connEntry{userID: userID, tenantID: tenantID, conn: conn}
	if r.users[userID] == nil {
		r.users[userID] = make(map[string]struct{})
	}
	r.users[userID][connID] = struct{}{}
	if tenantID != "" {
		if r.tenants[tenantID] == nil {
			r.tenants[tenantID] = make(map[string]struct{})
		}
		r.tenants[tenantID][connID] = struct{}{}
	}

	r.logger.Debug().Str("user_id", userID).Str("conn_id", connID).Msg("connection joined")
}

// Disconnect removes connID from whichever user it belongs to, deleting
// the user entry once its set is empty.
func (r *Registry) Disconnect(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.conns[connID]
	if !ok {
		return
	}
	delete(r.conns, connID)

	if set := r.users[entry.userID]; set != nil {
		delete(set, connID)
		if len(set) == 0 {
			delete(r.users, entry.userID)
		}
	}
	if entry.tenantID != "" {
		if set := r.tenants[entry.tenantID]; set != nil {
			delete(set, connID)
			if len(set) == 0 {
				delete(r.tenants, entry.tenantID)
			}
		}
	}

	r.logger.Debug().Str("user_id", entry.userID).Str("conn_id", connID).Msg("connection left")
}

func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID]) > 0
}

func (r *Registry) ConnectedUserCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}

// SendToUser emits ev to every connection in the user's room.
func (r *Registry) SendToUser(userID string, ev Event) {
	for _, c := range r.roomConns(r.userRoom, userID) {
		c.Send(ev)
	}
}

// BroadcastToTenant emits ev to every connection in the tenant's room.
func (r *Registry) BroadcastToTenant(tenantID string, ev Event) {
	for _, c := range r.roomConns(r.tenantRoom, tenantID) {
		c.Send(ev)
	}
}

// SendBulkJobProgress emits a bulk-job:progress event to the tenant room.
func (r *Registry) SendBulkJobProgress(tenantID string, progress any) {
	r.BroadcastToTenant(tenantID, Event{Name: EventBulkJobProgress, Data: progress})
}

func (r *Registry) userRoom(id string) map[string]struct{}   { return r.users[id] }
func (r *Registry) tenantRoom(id string) map[string]struct{} { return r.tenants[id] }

// roomConns snapshots a room's connections so sends happen outside the lock.
func (r *Registry) roomConns(room func(string) map[string]struct{}, id string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := room(id)
	out := make([]Conn, 0, len(set))
	for connID := range set {
		if entry, ok := r.conns[connID]; ok {
			out = append(out, entry.conn)
		}
	}
	return out
}
