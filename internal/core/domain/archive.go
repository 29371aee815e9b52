package domain

import "sync"

// Archive is a server-side recording of the session.
type Archive struct {
	ID string

	mu     sync.RWMutex
	name   string
	status string
}

func NewArchive(id, name, status string) *Archive {
	return &Archive{ID: id, name: name, status: status}
}

// Key implements Entity.
func (a *Archive) Key() string { return a.ID }

func (a *Archive) Name() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.name
}

func (a *Archive) Status() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status
}

// Update applies one key/value change and returns the previous value.
// Unknown keys are ignored.
func (a *Archive) Update(key, value string) (old string, changed bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch key {
	case "status":
		old, a.status = a.status, value
	case "name":
		old, a.name = a.name, value
	default:
		return "", false
	}
	return old, old != value
}
