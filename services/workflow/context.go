package workflow

// Context is the accumulated key/value data threaded through a run. Each
// node receives the context produced by the nodes ordered before it and
// returns a new one; a Context value handed to a node is never modified
// afterwards.
type Context map[string]any

// NewContext copies initial into a fresh Context. A nil map yields an empty one.
func NewContext(initial map[string]any) Context {
	c := make(Context, len(initial))
	for k, v := range initial {
		c[k] = v
	}
	return c
}

// Clone returns a shallow copy of c.
func (c Context) Clone() Context {
	return NewContext(c)
}

// With returns a copy of c with key bound to value. Existing bindings are
// kept; a binding for key is replaced.
func (c Context) With(key string, value any) Context {
	next := make(Context, len(c)+1)
	for k, v := range c {
		next[k] = v
	}
	next[key] = value
	return next
}
