// Package session implements the Session Registry (C5): a process-local
// deviceId -> socket handle table backed by the ephemeral store for
// presence and cached authorization. Grounded on the teacher's
// connection.Manager pattern of a mutex-guarded map with typed
// accessors that never hold the lock across a socket write or store
// call.
package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"backend/internal/kv"
)

// Socket is the minimal handle the registry needs from a live
// connection. The socket server's *Conn satisfies this.
type Socket interface {
	Close(code int, reason string) error
}

// DropListener is notified when a device's socket is replaced or
// removed, so the scheduler can auto-pause the corresponding stream.
type DropListener func(deviceID string)

const (
	connTTL = 120 * time.Second
	authTTL = 900 * time.Second
)

type connRecord struct {
	ServerID      string    `json:"serverId"`
	ConnectedAt   time.Time `json:"connectedAt"`
}

type authRecord struct {
	UserID       string    `json:"userId"`
	Token        string    `json:"token"`
	Role         string    `json:"role"`
	AuthorizedAt time.Time `json:"authorizedAt"`
}

// Registry is the Session Registry (C5).
type Registry struct {
	store    kv.Store
	serverID string

	mu       sync.RWMutex
	handles  map[string]Socket

	listenersMu sync.RWMutex
	onDrop      []DropListener
}

// New constructs a Registry. serverID identifies this process instance
// in the ws:conn:<deviceId> presence record (useful for multi-instance
// deployments, even though cross-process stream migration is out of
// scope).
func New(store kv.Store, serverID string) *Registry {
	return &Registry{
		store:    store,
		serverID: serverID,
		handles:  make(map[string]Socket),
	}
}

// OnDrop registers a listener invoked whenever Bind replaces an
// existing handle, or Drop removes one.
func (r *Registry) OnDrop(fn DropListener) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.onDrop = append(r.onDrop, fn)
}

func (r *Registry) notifyDrop(deviceID string) {
	r.listenersMu.RLock()
	listeners := append([]DropListener(nil), r.onDrop...)
	r.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(deviceID)
	}
}

// Bind stores the socket handle for deviceId, writing presence to the
// K/V store. If a handle already existed for this device, it is closed
// and drop listeners are notified before the new handle takes effect
// (invariant: at most one handle per deviceId, §4.3).
func (r *Registry) Bind(ctx context.Context, deviceID string, sock Socket) error {
	r.mu.Lock()
	prev, existed := r.handles[deviceID]
	delete(r.handles, deviceID)
	r.mu.Unlock()

	if existed && prev != nil {
		_ = prev.Close(1000, "replaced by new connection")
		r.notifyDrop(deviceID)
	}

	r.mu.Lock()
	r.handles[deviceID] = sock
	r.mu.Unlock()

	rec := connRecord{ServerID: r.serverID, ConnectedAt: time.Now()}
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return r.store.Set(ctx, connKey(deviceID), payload, connTTL)
}

// Refresh extends the ws:conn presence TTL for deviceId.
func (r *Registry) Refresh(ctx context.Context, deviceID string) error {
	ok, err := r.store.Expire(ctx, connKey(deviceID), connTTL)
	if err != nil {
		return err
	}
	if !ok {
		rec := connRecord{ServerID: r.serverID, ConnectedAt: time.Now()}
		payload, merr := json.Marshal(rec)
		if merr != nil {
			return merr
		}
		return r.store.Set(ctx, connKey(deviceID), payload, connTTL)
	}
	return nil
}

// Drop clears the handle and presence for deviceId, but only if the
// handle still points at sock. This guards against a stale
// disconnecting socket dropping a handle a newer Bind has already
// replaced it with (§4.3: at most one handle per deviceId, and the
// newest always wins). Idempotent.
func (r *Registry) Drop(ctx context.Context, deviceID string, sock Socket) error {
	r.mu.Lock()
	current, existed := r.handles[deviceID]
	stale := existed && current != sock
	if existed && !stale {
		delete(r.handles, deviceID)
	}
	r.mu.Unlock()

	if stale {
		return nil
	}
	if existed {
		r.notifyDrop(deviceID)
	}
	return r.store.Delete(ctx, connKey(deviceID))
}

// Handle returns the live socket for deviceId, or nil if none is bound.
func (r *Registry) Handle(deviceID string) Socket {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handles[deviceID]
}

// IsConnected reports whether a socket is currently bound for deviceId.
func (r *Registry) IsConnected(deviceID string) bool {
	return r.Handle(deviceID) != nil
}

// CacheAuth writes the ws:auth:<deviceId> cache entry recording a
// successful handshake outcome, so reconnects skip token decoding.
func (r *Registry) CacheAuth(ctx context.Context, deviceID, userID, token, role string) error {
	rec := authRecord{UserID: userID, Token: token, Role: role, AuthorizedAt: time.Now()}
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return r.store.Set(ctx, authKey(deviceID), payload, authTTL)
}

// Authorized reports whether a cached ws:auth entry exists for
// deviceId whose stored token equals token, returning the cached role
// on success.
func (r *Registry) Authorized(ctx context.Context, deviceID, token string) (role string, ok bool, err error) {
	raw, found, err := r.store.Get(ctx, authKey(deviceID))
	if err != nil || !found {
		return "", false, err
	}
	var rec authRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return "", false, nil
	}
	if rec.Token != token {
		return "", false, nil
	}
	return rec.Role, true, nil
}

func connKey(deviceID string) string { return "ws:conn:" + deviceID }
func authKey(deviceID string) string { return "ws:auth:" + deviceID }
