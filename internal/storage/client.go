package storage

import "github.com/kysonic/txnsession/internal/syncutil"

// Client represents the connection/session owner whose lock must be
// acquired before the session mutex whenever an operation's bound fields
// (recovery unit, locker, write-batch) are mutated — spec.md §4.5.2/§5:
// "clients conceptually own sessions, and deadlock-safety depends on" the
// client lock being acquired first. Grounded on session.cpp's
// `stdx::lock_guard<Client> lk(*opCtx->getClient())`.
type Client struct {
	mu syncutil.Mutex
}

// NewClient returns a Client with no state beyond its lock.
func NewClient() *Client {
	return &Client{}
}

// Lock acquires the client lock.
func (c *Client) Lock() { c.mu.Lock() }

// Unlock releases the client lock.
func (c *Client) Unlock() { c.mu.Unlock() }
