package session

import "sync"

// Session is the caller-side view of the current login.
type Session struct {
	AccessToken     string `json:"access_token"`
	RefreshToken    string `json:"refresh_token"`
	IsAuthenticated bool   `json:"is_authenticated"`
}

// Store holds the current session. Implementations must be safe for
// concurrent use.
type Store interface {
	Load() Session
	Save(Session)
	Clear()
}

// MemoryStore keeps the session in process memory.
type MemoryStore struct {
	mu sync.RWMutex
	s  Session
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore constructs a MemoryStore seeded with s.
func NewMemoryStore(s Session) *MemoryStore {
	return &MemoryStore{s: s}
}

func (m *MemoryStore) Load() Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s
}

func (m *MemoryStore) Save(s Session) {
	m.mu.Lock()
	m.s = s
	m.mu.Unlock()
}

func (m *MemoryStore) Clear() {
	m.mu.Lock()
	m.s = Session{}
	m.mu.Unlock()
}

// Navigator moves the caller to another location. Browsers redirect; CLIs
// usually only record the request.
type Navigator interface {
	CurrentPath() string
	Navigate(path string)
}

// RecordingNavigator remembers where it was sent.
type RecordingNavigator struct {
	mu      sync.Mutex
	current string
	visits  []string
}

var _ Navigator = (*RecordingNavigator)(nil)

// NewRecordingNavigator starts at path.
func NewRecordingNavigator(path string) *RecordingNavigator {
	return &RecordingNavigator{current: path}
}

func (n *RecordingNavigator) CurrentPath() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.current
}

func (n *RecordingNavigator) Navigate(path string) {
	n.mu.Lock()
	n.current = path
	n.visits = append(n.visits, path)
	n.mu.Unlock()
}

// Visits lists every Navigate call in order.
func (n *RecordingNavigator) Visits() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.visits...)
}
