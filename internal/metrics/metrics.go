package metrics

import "sync"

// Event names. Each is exported as a value of the `event` label.
const (
	AuthFailure             = "auth_failure"
	AuthIdentityMismatch    = "auth_identity_mismatch"
	FrameBad                = "frame_bad"
	FrameUnauthenticated    = "frame_unauthenticated"
	FrameRateLimited        = "frame_rate_limited"
	FrameOversized          = "frame_oversized"
	MessagePersisted        = "message_persisted"
	MessagePushed           = "message_pushed"
	MessagePushFailed       = "message_push_failed"
	MessageStoreFailed      = "message_store_failed"
	MessageInvalidChat      = "message_invalid_chat"
	SignalRelayed           = "signal_relayed"
	SignalDroppedOffline    = "signal_dropped_offline"
	SignalPushFailed        = "signal_push_failed"
	RegistryEvicted         = "registry_evicted"
	RegistryStaleUnregister = "registry_stale_unregister"
	PresenceStoreFailed     = "presence_store_failed"
	PresenceMirrorFailed    = "presence_mirror_failed"
	APIRateLimited          = "api_rate_limited"
)

// Metrics is a concurrency-safe counter registry. It is exported to
// Prometheus through Collector.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

// Inc is safe to call on a nil *Metrics.
func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, n uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name] += n
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

func (m *Metrics) Snapshot() map[string]uint64 {
	out := make(map[string]uint64)
	if m == nil {
		return out
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
