package coordinator

import "github.com/rs/zerolog/log"

// ClaimFile takes the exclusive writer lock on a path. It succeeds when the
// path is unlocked or the caller already holds it; re-claiming by the same
// owner refreshes the lock timestamp.
func (c *Coordinator) ClaimFile(path, owner string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, ok := c.files[path]
	if !ok {
		f = &FileOwnership{Path: path, Readers: make(map[string]struct{})}
		c.files[path] = f
	}
	if f.Locked && f.Owner != owner {
		return ErrFileLocked
	}
	f.Owner = owner
	f.Locked = true
	f.LockedAt = c.now()
	log.Debug().Str("path", path).Str("owner", owner).Msg("coordinator: file claimed")
	return nil
}

// RequestFileAccess asks for read or write access to a path. Write access
// fails while a different owner holds the lock; read access fails only in
// that same case, and readers may coexist with each other.
func (c *Coordinator) RequestFileAccess(path, requester string, write bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, ok := c.files[path]
	if !ok {
		f = &FileOwnership{Path: path, Readers: make(map[string]struct{})}
		c.files[path] = f
	}
	if f.Locked && f.Owner != requester {
		return ErrFileLocked
	}
	if write {
		f.Owner = requester
		f.Locked = true
		f.LockedAt = c.now()
		return nil
	}
	f.Readers[requester] = struct{}{}
	return nil
}

// ReleaseFile drops the caller's hold on a path: the writer lock if the
// caller owns it, otherwise their reader slot.
func (c *Coordinator) ReleaseFile(path, owner string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, ok := c.files[path]
	if !ok {
		return ErrFileNotOwned
	}
	if f.Locked && f.Owner == owner {
		f.Locked = false
		f.Owner = ""
		return nil
	}
	if _, reading := f.Readers[owner]; reading {
		delete(f.Readers, owner)
		return nil
	}
	return ErrFileNotOwned
}

// FileState returns a snapshot of one path's ownership record.
func (c *Coordinator) FileState(path string) (FileOwnership, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.files[path]
	if !ok {
		return FileOwnership{}, false
	}
	out := FileOwnership{Path: f.Path, Owner: f.Owner, Locked: f.Locked, LockedAt: f.LockedAt}
	out.Readers = make(map[string]struct{}, len(f.Readers))
	for r := range f.Readers {
		out.Readers[r] = struct{}{}
	}
	return out, true
}
