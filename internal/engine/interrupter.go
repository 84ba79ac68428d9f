package engine

import (
	"sync"
)

// Interrupter holds one cancellation token per owner. Interrupt sets the
// token of the owner's active run; DataInserter checks it between pages
// and Sync between queue entries.
type Interrupter struct {
	mu     sync.Mutex
	tokens map[string]*Token
}

// NewInterrupter creates an interrupter with no active runs.
func NewInterrupter() *Interrupter {
	return &Interrupter{tokens: make(map[string]*Token)}
}

// Begin registers a fresh token for owner, replacing any previous one.
func (i *Interrupter) Begin(owner string) *Token {
	i.mu.Lock()
	defer i.mu.Unlock()

	t := newToken()
	i.tokens[owner] = t
	return t
}

// End unregisters t if it is still the owner's current token.
func (i *Interrupter) End(owner string, t *Token) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.tokens[owner] == t {
		delete(i.tokens, owner)
	}
}

// Interrupt signals the owner's active run. Returns false when the owner
// has no active run.
func (i *Interrupter) Interrupt(owner string) bool {
	i.mu.Lock()
	t, ok := i.tokens[owner]
	i.mu.Unlock()

	if !ok {
		return false
	}
	t.Interrupt()
	return true
}

// Token is a one-shot cancellation flag. A nil *Token is never interrupted.
type Token struct {
	once sync.Once
	done chan struct{}
}

func newToken() *Token {
	return &Token{done: make(chan struct{})}
}

// NewToken returns a standalone token, for callers outside a Sync run.
func NewToken() *Token {
	return newToken()
}

// Interrupt sets the flag. Safe to call more than once.
func (t *Token) Interrupt() {
	if t == nil {
		return
	}
	t.once.Do(func() { close(t.done) })
}

// Interrupted reports whether Interrupt was called.
func (t *Token) Interrupted() bool {
	if t == nil {
		return false
	}
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Done is closed once the token is interrupted. Nil for a nil token.
func (t *Token) Done() <-chan struct{} {
	if t == nil {
		return nil
	}
	return t.done
}
