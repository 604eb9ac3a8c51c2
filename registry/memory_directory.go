package registry

import (
	"context"
	"path"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-process directory tree shared by any number of sessions.
// It stands in for a coordination service in tests and single-process setups.
type MemoryStore struct {
	mu       sync.Mutex
	nodes    map[string]*memNode
	watchers map[string]map[*memWatcher]struct{}
	nextID   int64
}

type memNode struct {
	data  []byte
	owner int64 // session id for ephemeral nodes, 0 for persistent ones
}

type memWatcher struct {
	ch      chan []string
	stop    chan struct{} // Closed with ch when the session closes
	session int64
}

// NewMemoryStore returns an empty tree containing only the root.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes:    map[string]*memNode{"/": {}},
		watchers: make(map[string]map[*memWatcher]struct{}),
	}
}

// Session opens a new session. Ephemeral nodes created through it vanish when
// the session is closed or expired.
func (s *MemoryStore) Session() *MemoryDirectory {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	return &MemoryDirectory{store: s, id: s.nextID}
}

// MemoryDirectory is one session on a MemoryStore.
type MemoryDirectory struct {
	store  *MemoryStore
	id     int64
	closed bool
}

var _ Directory = (*MemoryDirectory)(nil)

// NewMemoryDirectory opens a session on a fresh private store.
func NewMemoryDirectory() *MemoryDirectory {
	return NewMemoryStore().Session()
}

func (d *MemoryDirectory) Exists(ctx context.Context, p string) (bool, error) {
	s := d.store
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.nodes[path.Clean(p)]
	return ok, nil
}

func (d *MemoryDirectory) CreateNode(ctx context.Context, p string, data []byte, mode CreateMode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p = path.Clean(p)
	s := d.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if d.closed {
		return errSessionClosed
	}
	if _, ok := s.nodes[p]; ok {
		return ErrNodeExists
	}
	parent := path.Dir(p)
	if pn, ok := s.nodes[parent]; !ok {
		return ErrNoNode
	} else if pn.owner != 0 {
		return errEphemeralParent
	}

	n := &memNode{data: append([]byte(nil), data...)}
	if mode == Ephemeral {
		n.owner = d.id
	}
	s.nodes[p] = n
	s.notifyLocked(parent)
	return nil
}

func (d *MemoryDirectory) Children(ctx context.Context, p string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := d.store
	s.mu.Lock()
	defer s.mu.Unlock()
	p = path.Clean(p)
	if _, ok := s.nodes[p]; !ok {
		return nil, ErrNoNode
	}
	return s.childrenLocked(p), nil
}

func (d *MemoryDirectory) WatchChildren(ctx context.Context, p string) (<-chan []string, error) {
	p = path.Clean(p)
	s := d.store
	w := &memWatcher{ch: make(chan []string, 1), stop: make(chan struct{}), session: d.id}

	s.mu.Lock()
	if d.closed {
		s.mu.Unlock()
		return nil, errSessionClosed
	}
	if s.watchers[p] == nil {
		s.watchers[p] = make(map[*memWatcher]struct{})
	}
	s.watchers[p][w] = struct{}{}
	w.offer(s.childrenLocked(p))
	s.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-w.stop:
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.watchers[p][w]; ok {
			delete(s.watchers[p], w)
			close(w.ch)
		}
	}()
	return w.ch, nil
}

func (d *MemoryDirectory) Delete(ctx context.Context, p string) error {
	p = path.Clean(p)
	s := d.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[p]; !ok {
		return ErrNoNode
	}
	if len(s.childrenLocked(p)) > 0 {
		return errNotEmpty
	}
	delete(s.nodes, p)
	s.notifyLocked(path.Dir(p))
	return nil
}

// ExpireSession drops every ephemeral node of this session, as a coordination
// service does when a client stops heartbeating.
func (d *MemoryDirectory) ExpireSession() {
	s := d.store
	s.mu.Lock()
	defer s.mu.Unlock()
	for p, n := range s.nodes {
		if n.owner == d.id {
			delete(s.nodes, p)
			s.notifyLocked(path.Dir(p))
		}
	}
}

// Close ends the session, removing its ephemeral nodes and closing its watch channels.
func (d *MemoryDirectory) Close() error {
	d.ExpireSession()
	s := d.store
	s.mu.Lock()
	defer s.mu.Unlock()
	d.closed = true
	for p, ws := range s.watchers {
		for w := range ws {
			if w.session == d.id {
				delete(ws, w)
				close(w.ch)
				close(w.stop)
			}
		}
		if len(ws) == 0 {
			delete(s.watchers, p)
		}
	}
	return nil
}

func (s *MemoryStore) childrenLocked(p string) []string {
	prefix := p + "/"
	if p == "/" {
		prefix = "/"
	}
	children := []string{}
	for np := range s.nodes {
		if np == p || !strings.HasPrefix(np, prefix) {
			continue
		}
		rest := np[len(prefix):]
		if rest != "" && !strings.Contains(rest, "/") {
			children = append(children, rest)
		}
	}
	sort.Strings(children)
	return children
}

func (s *MemoryStore) notifyLocked(p string) {
	if len(s.watchers[p]) == 0 {
		return
	}
	children := s.childrenLocked(p)
	for w := range s.watchers[p] {
		w.offer(children)
	}
}

// offer replaces any undelivered value so a slow reader only sees the latest children.
// Callers hold the store lock, so offer is the only sender.
func (w *memWatcher) offer(children []string) {
	for {
		select {
		case w.ch <- children:
			return
		default:
		}
		select {
		case <-w.ch:
		default:
		}
	}
}
