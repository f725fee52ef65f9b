// Package store is the relay's object store: a concurrent map of identifiable
// objects with blocking waits, change listeners and a monotonic sequence-key
// generator, optionally persisted through a Backend.
package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"e2e_groupchat/internal/utils/log"

	"go.uber.org/zap"
)

// SequenceKeyWidth makes lexical and numeric order of sequence keys coincide.
const SequenceKeyWidth = 20

const backendTimeout = 5 * time.Second

var (
	ErrDuplicateID = errors.New("store: duplicate object id")
	ErrNotFound    = errors.New("store: object not found")
)

type (
	Object interface {
		ObjectID() string
	}

	// Sequenced objects seed the sequence counter when loaded from a backend.
	Sequenced interface {
		Object
		SequenceKey() string
	}

	Predicate[T Object] func(obj T) bool

	Event int

	Listener[T Object] func(ev Event, obj T)

	// Backend persists store contents. Calls are made under the writer lock.
	Backend[T Object] interface {
		Load(ctx context.Context) ([]T, error)
		Save(ctx context.Context, obj T) error
		Delete(ctx context.Context, obj T) error
		Clear(ctx context.Context) error
	}
)

const (
	Added Event = iota + 1
	Updated
	Removed
)

func (e Event) String() string {
	switch e {
	case Added:
		return "added"
	case Updated:
		return "updated"
	case Removed:
		return "removed"
	}
	return "unknown"
}

type listenerEntry[T Object] struct {
	id        uint64
	predicate Predicate[T]
	listener  Listener[T]
}

type change[T Object] struct {
	ev  Event
	obj T
}

type Store[T Object] struct {
	mu      sync.RWMutex
	cond    *sync.Cond
	objects map[string]T
	order   []string
	seq     uint64
	backend Backend[T]

	lmu        sync.RWMutex
	listeners  []listenerEntry[T]
	nextListen uint64
}

// New builds a store, loading every object the backend holds. A nil backend
// keeps everything in memory.
func New[T Object](backend Backend[T]) (*Store[T], error) {
	s := &Store[T]{
		objects: make(map[string]T),
		backend: backend,
	}
	s.cond = sync.NewCond(&s.mu)

	if backend == nil {
		return s, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), backendTimeout)
	defer cancel()
	objs, err := backend.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: load backend: %w", err)
	}
	// backends load in their own order; Get follows sequence order
	slices.SortStableFunc(objs, func(a, b T) int {
		return strings.Compare(sequenceKey(a), sequenceKey(b))
	})
	for _, obj := range objs {
		id := obj.ObjectID()
		if _, ok := s.objects[id]; ok {
			continue
		}
		s.objects[id] = obj
		s.order = append(s.order, id)
		if sq, ok := any(obj).(Sequenced); ok {
			if n, err := strconv.ParseUint(sq.SequenceKey(), 10, 64); err == nil && n > s.seq {
				s.seq = n
			}
		}
	}
	log.Info("store restored", zap.Int("objects", len(objs)), zap.Uint64("sequence", s.seq))
	return s, nil
}

// sequenceKey is "" for objects that are not Sequenced.
func sequenceKey(obj any) string {
	if sq, ok := obj.(Sequenced); ok {
		return sq.SequenceKey()
	}
	return ""
}

// NewMemory is New without a backend.
func NewMemory[T Object]() *Store[T] {
	s, _ := New[T](nil)
	return s
}

func formatSequence(n uint64) string {
	return fmt.Sprintf("%0*d", SequenceKeyWidth, n)
}

// GenerateSequenceKey returns the next key. Keys strictly increase for the
// lifetime of the store, across Clear.
func (s *Store[T]) GenerateSequenceKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return formatSequence(s.seq)
}

func (s *Store[T]) Add(obj T) error {
	s.mu.Lock()
	if err := s.insertLocked(obj); err != nil {
		s.mu.Unlock()
		return err
	}
	s.cond.Broadcast()
	s.mu.Unlock()

	s.notify(change[T]{Added, obj})
	return nil
}

// AddSequenced builds an object around the next sequence key and adds it in
// the same critical section, so no reader sees key n+1 before key n. The
// counter only advances when the add succeeds.
func (s *Store[T]) AddSequenced(build func(seq string) T) (T, error) {
	s.mu.Lock()
	obj := build(formatSequence(s.seq + 1))
	if err := s.insertLocked(obj); err != nil {
		s.mu.Unlock()
		var zero T
		return zero, err
	}
	s.seq++
	s.cond.Broadcast()
	s.mu.Unlock()

	s.notify(change[T]{Added, obj})
	return obj, nil
}

func (s *Store[T]) insertLocked(obj T) error {
	id := obj.ObjectID()
	if _, ok := s.objects[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	if err := s.save(obj); err != nil {
		return err
	}
	s.objects[id] = obj
	s.order = append(s.order, id)
	return nil
}

// Update stores obj, replacing any object with the same id.
func (s *Store[T]) Update(obj T) error {
	id := obj.ObjectID()

	s.mu.Lock()
	if err := s.save(obj); err != nil {
		s.mu.Unlock()
		return err
	}
	ev := Updated
	if _, ok := s.objects[id]; !ok {
		ev = Added
		s.order = append(s.order, id)
	}
	s.objects[id] = obj
	s.cond.Broadcast()
	s.mu.Unlock()

	s.notify(change[T]{ev, obj})
	return nil
}

// Get returns a snapshot of every object in insertion order.
func (s *Store[T]) Get() []T {
	return s.Find(nil)
}

// Lookup returns the object with the given id.
func (s *Store[T]) Lookup(id string) (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[id]
	return obj, ok
}

// Find returns a snapshot of the objects matching pred; nil matches all.
func (s *Store[T]) Find(pred Predicate[T]) []T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.findLocked(pred)
}

func (s *Store[T]) findLocked(pred Predicate[T]) []T {
	var out []T
	for _, id := range s.order {
		obj := s.objects[id]
		if pred == nil || pred(obj) {
			out = append(out, obj)
		}
	}
	return out
}

func (s *Store[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

// Remove deletes every object matching pred and returns them.
func (s *Store[T]) Remove(pred Predicate[T]) ([]T, error) {
	s.mu.Lock()
	var removed []T
	var err error
	for _, obj := range s.findLocked(pred) {
		if err = s.delete(obj); err != nil {
			break
		}
		delete(s.objects, obj.ObjectID())
		removed = append(removed, obj)
	}
	s.compactLocked()
	s.mu.Unlock()

	for _, obj := range removed {
		s.notify(change[T]{Removed, obj})
	}
	return removed, err
}

// RemoveObject deletes the object with obj's id.
func (s *Store[T]) RemoveObject(obj T) error {
	id := obj.ObjectID()

	s.mu.Lock()
	stored, ok := s.objects[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := s.delete(stored); err != nil {
		s.mu.Unlock()
		return err
	}
	delete(s.objects, id)
	s.compactLocked()
	s.mu.Unlock()

	s.notify(change[T]{Removed, stored})
	return nil
}

// Clear removes every object. The sequence counter is kept.
func (s *Store[T]) Clear() error {
	s.mu.Lock()
	if s.backend != nil {
		ctx, cancel := context.WithTimeout(context.Background(), backendTimeout)
		err := s.backend.Clear(ctx)
		cancel()
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("store: clear backend: %w", err)
		}
	}
	removed := s.findLocked(nil)
	s.objects = make(map[string]T)
	s.order = nil
	s.mu.Unlock()

	for _, obj := range removed {
		s.notify(change[T]{Removed, obj})
	}
	return nil
}

// Await blocks until at least one object matches pred and returns every
// match, or until ctx is done.
func (s *Store[T]) Await(ctx context.Context, pred Predicate[T]) ([]T, error) {
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if matches := s.findLocked(pred); len(matches) > 0 {
			return matches, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s.cond.Wait()
	}
}

// AddListener registers l for changes to objects matching pred and returns
// an id for RemoveListener. Listeners run outside the object lock and may
// call back into the store.
func (s *Store[T]) AddListener(pred Predicate[T], l Listener[T]) uint64 {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	s.nextListen++
	s.listeners = append(s.listeners, listenerEntry[T]{id: s.nextListen, predicate: pred, listener: l})
	return s.nextListen
}

func (s *Store[T]) RemoveListener(id uint64) bool {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	for i, e := range s.listeners {
		if e.id == id {
			s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
			return true
		}
	}
	return false
}

func (s *Store[T]) notify(c change[T]) {
	s.lmu.RLock()
	defer s.lmu.RUnlock()
	for _, e := range s.listeners {
		if e.predicate == nil || e.predicate(c.obj) {
			e.listener(c.ev, c.obj)
		}
	}
}

func (s *Store[T]) compactLocked() {
	order := s.order[:0]
	for _, id := range s.order {
		if _, ok := s.objects[id]; ok {
			order = append(order, id)
		}
	}
	s.order = order
}

func (s *Store[T]) save(obj T) error {
	if s.backend == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), backendTimeout)
	defer cancel()
	if err := s.backend.Save(ctx, obj); err != nil {
		return fmt.Errorf("store: save %s: %w", obj.ObjectID(), err)
	}
	return nil
}

func (s *Store[T]) delete(obj T) error {
	if s.backend == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), backendTimeout)
	defer cancel()
	if err := s.backend.Delete(ctx, obj); err != nil {
		return fmt.Errorf("store: delete %s: %w", obj.ObjectID(), err)
	}
	return nil
}
