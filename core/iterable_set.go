package core

// IterableSet is an insertion-ordered set with O(1) membership. Remove swaps
// the last element into the freed slot, so order is only stable until the
// first removal.
type IterableSet[T comparable] struct {
	items []T
	index map[T]int
}

func NewIterableSet[T comparable]() *IterableSet[T] {
	return &IterableSet[T]{index: make(map[T]int)}
}

// Insert reports whether v was added.
func (s *IterableSet[T]) Insert(v T) bool {
	if _, ok := s.index[v]; ok {
		return false
	}
	s.index[v] = len(s.items)
	s.items = append(s.items, v)
	return true
}

// Remove reports whether v was present.
func (s *IterableSet[T]) Remove(v T) bool {
	i, ok := s.index[v]
	if !ok {
		return false
	}
	last := len(s.items) - 1
	if i != last {
		moved := s.items[last]
		s.items[i] = moved
		s.index[moved] = i
	}
	s.items = s.items[:last]
	delete(s.index, v)
	return true
}

func (s *IterableSet[T]) Contains(v T) bool {
	_, ok := s.index[v]
	return ok
}

func (s *IterableSet[T]) Len() int {
	return len(s.items)
}

func (s *IterableSet[T]) At(i int) T {
	return s.items[i]
}

// Values returns a copy of the elements in iteration order.
func (s *IterableSet[T]) Values() []T {
	out := make([]T, len(s.items))
	copy(out, s.items)
	return out
}

func (s *IterableSet[T]) Clone() *IterableSet[T] {
	c := &IterableSet[T]{
		items: make([]T, len(s.items)),
		index: make(map[T]int, len(s.index)),
	}
	copy(c.items, s.items)
	for k, v := range s.index {
		c.index[k] = v
	}
	return c
}
