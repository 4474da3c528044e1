package repository

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sifan077/PowerLink/internal/app/model"
)

// ErrDuplicateCode is returned by the memory store when a commit would reuse a code.
var ErrDuplicateCode = errors.New("duplicate link code")

// MemoryLinkStore is an in-process LinkStore. Writes made through a connection are
// buffered until Commit; ClaimOpen applies at once, like a row-level conditional
// update would.
type MemoryLinkStore struct {
	mu      sync.Mutex
	rows    map[uint64]model.Link
	nextID  uint64
	commits int
	frees   int
}

// NewMemoryLinkStore returns an empty store.
func NewMemoryLinkStore() *MemoryLinkStore {
	return &MemoryLinkStore{rows: make(map[uint64]model.Link), nextID: 1}
}

// Put stores a link directly, assigning an id when it has none.
func (s *MemoryLinkStore) Put(link *model.Link) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if link.ID == 0 {
		link.ID = s.nextID
		s.nextID++
	} else if link.ID >= s.nextID {
		s.nextID = link.ID + 1
	}
	s.rows[link.ID] = *link
}

// Row returns the committed state of a link.
func (s *MemoryLinkStore) Row(id uint64) (model.Link, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	return row, ok
}

// Stats reports how many connections were committed and freed.
func (s *MemoryLinkStore) Stats() (commits, frees int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commits, s.frees
}

func (s *MemoryLinkStore) Connect(ctx context.Context) (LinkConn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &memoryLinkConn{store: s, pending: make(map[uint64]model.Link)}, nil
}

func (s *MemoryLinkStore) List(ctx context.Context, limit, offset int) ([]model.Link, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 20
	}
	out := make([]model.Link, 0, len(s.rows))
	for _, row := range s.rows {
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if offset >= len(out) {
		return []model.Link{}, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type memoryLinkConn struct {
	store   *MemoryLinkStore
	pending map[uint64]model.Link
	done    bool
}

func (c *memoryLinkConn) lookup(match func(model.Link) bool) (*model.Link, bool) {
	for _, row := range c.pending {
		if match(row) {
			link := row
			return &link, true
		}
	}

	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	for id, row := range c.store.rows {
		if _, shadowed := c.pending[id]; shadowed {
			continue
		}
		if match(row) {
			link := row
			return &link, true
		}
	}
	return nil, false
}

func (c *memoryLinkConn) GetByID(ctx context.Context, id uint64) (*model.Link, error) {
	link, ok := c.lookup(func(l model.Link) bool { return l.ID == id })
	if !ok {
		return nil, ErrLinkNotFound
	}
	return link, nil
}

func (c *memoryLinkConn) GetByCode(ctx context.Context, code string) (*model.Link, error) {
	link, ok := c.lookup(func(l model.Link) bool { return l.Code == code })
	if !ok {
		return nil, ErrLinkNotFound
	}
	return link, nil
}

func (c *memoryLinkConn) CodeExists(ctx context.Context, code string) (bool, error) {
	_, ok := c.lookup(func(l model.Link) bool { return l.Code == code })
	return ok, nil
}

func (c *memoryLinkConn) Save(ctx context.Context, link *model.Link) error {
	if link.ID == 0 {
		c.store.mu.Lock()
		link.ID = c.store.nextID
		c.store.nextID++
		c.store.mu.Unlock()
		link.CreatedAt = time.Now()
	}
	link.UpdatedAt = time.Now()
	c.pending[link.ID] = *link
	return nil
}

func (c *memoryLinkConn) ClaimOpen(ctx context.Context, link *model.Link) (bool, error) {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	row, ok := c.store.rows[link.ID]
	if !ok || row.Closed || row.Opens != link.Opens || !row.Expires.After(time.Now()) {
		return false, nil
	}
	row.Opens++
	c.store.rows[link.ID] = row
	link.Opens++
	if p, ok := c.pending[link.ID]; ok {
		p.Opens = link.Opens
		c.pending[link.ID] = p
	}
	return true, nil
}

func (c *memoryLinkConn) Commit() error {
	if c.done {
		return nil
	}
	c.done = true

	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	c.store.commits++

	for id, row := range c.pending {
		for otherID, other := range c.store.rows {
			if otherID != id && other.Code == row.Code {
				return ErrDuplicateCode
			}
		}
	}
	for id, row := range c.pending {
		c.store.rows[id] = row
	}
	return nil
}

func (c *memoryLinkConn) Free() {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	c.store.frees++
	c.done = true
}
