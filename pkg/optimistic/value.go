// Package optimistic holds a value that can show tentative writes before
// the server has acknowledged them.
package optimistic

import "sync"

// Token identifies one tentative write.
type Token uint64

type pending[T any] struct {
	token Token
	value T
}

// Value pairs the last confirmed value with an ordered list of tentative
// writes. Current returns the newest tentative write, so a confirmation of an
// older write never hides a newer one.
type Value[T any] struct {
	mu        sync.Mutex
	confirmed T
	pending   []pending[T]
	next      Token
}

func New[T any](confirmed T) *Value[T] {
	return &Value[T]{confirmed: confirmed}
}

// Apply records a tentative value and returns its token.
func (v *Value[T]) Apply(tentative T) Token {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.next++
	v.pending = append(v.pending, pending[T]{token: v.next, value: tentative})
	return v.next
}

// Confirm settles the tentative write as confirmed. Writes applied before it
// are settled too, since the confirmed value already reflects them. Unknown
// tokens are ignored.
func (v *Value[T]) Confirm(token Token, confirmed T) {
	v.mu.Lock()
	defer v.mu.Unlock()
	i := v.index(token)
	if i < 0 {
		return
	}
	v.confirmed = confirmed
	v.pending = append([]pending[T](nil), v.pending[i+1:]...)
}

// Rollback discards a tentative write.
func (v *Value[T]) Rollback(token Token) {
	v.mu.Lock()
	defer v.mu.Unlock()
	i := v.index(token)
	if i < 0 {
		return
	}
	v.pending = append(v.pending[:i:i], v.pending[i+1:]...)
}

// Current returns the newest tentative value, or the confirmed one if
// nothing is pending.
func (v *Value[T]) Current() T {
	v.mu.Lock()
	defer v.mu.Unlock()
	if n := len(v.pending); n > 0 {
		return v.pending[n-1].value
	}
	return v.confirmed
}

func (v *Value[T]) Confirmed() T {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.confirmed
}

// Pending reports how many tentative writes are unsettled.
func (v *Value[T]) Pending() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.pending)
}

// Reset replaces the confirmed value without touching pending writes.
func (v *Value[T]) Reset(confirmed T) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.confirmed = confirmed
}

func (v *Value[T]) index(token Token) int {
	for i, p := range v.pending {
		if p.token == token {
			return i
		}
	}
	return -1
}
