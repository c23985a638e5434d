package pkg

import (
	"github.com/puzpuzpuz/xsync/v3"
)

// Registry holds the live connections of a server. It is what keeps a
// Conn reachable while its I/O is outstanding.
type Registry struct {
	conns *xsync.MapOf[uint64, *Conn]
}

func newRegistry() *Registry {
	return &Registry{conns: xsync.NewMapOf[uint64, *Conn]()}
}

// add inserts c. Adding a connection twice is a no-op.
func (r *Registry) add(c *Conn) {
	r.conns.LoadOrStore(c.id, c)
}

// remove deletes c and reports whether it was present. Removing a
// connection twice is a no-op.
func (r *Registry) remove(c *Conn) bool {
	_, ok := r.conns.LoadAndDelete(c.id)

	return ok
}

func (r *Registry) contains(c *Conn) bool {
	_, ok := r.conns.Load(c.id)

	return ok
}

func (r *Registry) len() int {
	return r.conns.Size()
}
