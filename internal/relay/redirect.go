package relay

import (
	"sync"
	"time"
)

// redirectStaleAfter is how far past its next scheduled update a redirect
// entry may drift before it is garbage collected, matching the reference
// source's next_update+10 < now check in redirector_update.
const redirectStaleAfter = 10 * time.Second

// RedirectEntry is one remote server this instance can send overloaded
// listeners to, keyed by the local mount it relays.
type RedirectEntry struct {
	Host       string
	Port       int
	Mount      string
	NextUpdate time.Time
}

// RedirectList tracks candidate redirect targets for local mounts, acting
// as a master server: when a requested mount is absent or its listener
// limit is hit, FindSlave can hand back a peer to send the client to
// instead (internal/server's ListenerHandler does this). Entries
// are refreshed by whichever process feeds this instance's own stream
// list to peers, and are garbage collected once stale.
type RedirectList struct {
	mu      sync.Mutex
	entries map[string][]*RedirectEntry
}

// NewRedirectList creates an empty RedirectList.
func NewRedirectList() *RedirectList {
	return &RedirectList{entries: make(map[string][]*RedirectEntry)}
}

// Add installs or refreshes a redirect target for mount, matching
// redirector_add: an existing host:port pair for the same mount is
// refreshed in place rather than duplicated.
func (l *RedirectList) Add(mount, host string, port int, updateInterval time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	next := time.Now().Add(updateInterval)
	for _, e := range l.entries[mount] {
		if e.Host == host && e.Port == port {
			e.NextUpdate = next
			e.Mount = mount
			return
		}
	}

	l.entries[mount] = append(l.entries[mount], &RedirectEntry{
		Host:       host,
		Port:       port,
		Mount:      mount,
		NextUpdate: next,
	})
}

// FindSlave returns a redirect target for mount, matching find_slave_host:
// the first non-stale candidate is returned so successive callers spread
// across peers roughly round-robin as entries are rotated to the back.
func (l *RedirectList) FindSlave(mount string) (RedirectEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	list := l.entries[mount]
	now := time.Now()
	for i, e := range list {
		if now.After(e.NextUpdate.Add(redirectStaleAfter)) {
			continue
		}
		rotated := make([]*RedirectEntry, 0, len(list))
		rotated = append(rotated, list[:i]...)
		rotated = append(rotated, list[i+1:]...)
		l.entries[mount] = append(rotated, e)
		return *e, true
	}
	return RedirectEntry{}, false
}

// GC removes every entry whose NextUpdate has drifted more than
// redirectStaleAfter into the past, matching redirector_update's periodic
// sweep for masters that stopped announcing themselves.
func (l *RedirectList) GC() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	for mount, list := range l.entries {
		kept := list[:0]
		for _, e := range list {
			if now.After(e.NextUpdate.Add(redirectStaleAfter)) {
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) == 0 {
			delete(l.entries, mount)
		} else {
			l.entries[mount] = kept
		}
	}
}

// Len reports the total number of tracked redirect entries across all
// mounts, for tests.
func (l *RedirectList) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, list := range l.entries {
		n += len(list)
	}
	return n
}
