// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"strings"
	"sync"

	"github.com/hongkongkiwi/servisor/internal/config"
)

// Table is the service table (component B): associative storage keyed by
// ident (name, or command when unnamed, plus instance id), plus
// stable-order iteration. The ident is unique within the table (spec §3
// invariant).
type Table struct {
	mu       sync.RWMutex
	order    []string // idents, insertion order, stable across a pass
	byIdent  map[string]*Descriptor
}

// NewTable creates an empty service table.
func NewTable() *Table {
	return &Table{byIdent: make(map[string]*Descriptor)}
}

// Insert adds a descriptor to the table. Returns false if its ident
// already exists.
func (t *Table) Insert(d *Descriptor) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	ident := d.Ident()
	if _, exists := t.byIdent[ident]; exists {
		return false
	}
	t.byIdent[ident] = d
	t.order = append(t.order, ident)
	return true
}

// Remove unregisters a descriptor by ident.
func (t *Table) Remove(ident string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byIdent, ident)
	for i, id := range t.order {
		if id == ident {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}

// Find returns the descriptor for (command, id), matching command
// case-insensitively against both Name and Command.
func (t *Table) Find(cmd, id string) (*Descriptor, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if id == "" {
		id = "1"
	}
	for _, ident := range t.order {
		d := t.byIdent[ident]
		if d.Config.InstanceID() != id {
			continue
		}
		if strings.EqualFold(d.Config.Name, cmd) || strings.EqualFold(d.Config.Command, cmd) {
			return d, true
		}
	}
	return nil, false
}

// FindByIdent is an exact lookup by the full ident string.
func (t *Table) FindByIdent(ident string) (*Descriptor, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	d, ok := t.byIdent[ident]
	return d, ok
}

// FindByPID returns the descriptor currently running under pid, if any.
func (t *Table) FindByPID(pid int) (*Descriptor, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, ident := range t.order {
		d := t.byIdent[ident]
		if d.PID == pid {
			return d, true
		}
	}
	return nil, false
}

// FindByCond maps a condition of shape "pid/<name>" back to the owning
// service descriptor.
func (t *Table) FindByCond(name string) (*Descriptor, bool) {
	const prefix = "pid/"
	if !strings.HasPrefix(name, prefix) {
		return nil, false
	}
	want := strings.TrimPrefix(name, prefix)
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, ident := range t.order {
		d := t.byIdent[ident]
		if d.Config.Name == want || d.Ident() == want {
			return d, true
		}
	}
	return nil, false
}

// Query matches the control endpoint's SVC_QUERY semantics: name matching
// is case-insensitive; an optional ":id" suffix narrows to an exact
// instance. Returns true iff at least one descriptor matches (spec P8).
func (t *Table) Query(nameOrIdent string) bool {
	name, id, hasID := strings.Cut(nameOrIdent, ":")
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, ident := range t.order {
		d := t.byIdent[ident]
		if !strings.EqualFold(d.Config.Name, name) && !strings.EqualFold(d.Config.Command, name) {
			continue
		}
		if hasID && d.Config.InstanceID() != id {
			continue
		}
		return true
	}
	return false
}

// All returns every descriptor, in stable insertion order.
func (t *Table) All() []*Descriptor {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Descriptor, 0, len(t.order))
	for _, ident := range t.order {
		out = append(out, t.byIdent[ident])
	}
	return out
}

// ByKind returns every descriptor whose kind is in kinds, stable order.
func (t *Table) ByKind(kinds ...config.ServiceKind) []*Descriptor {
	want := make(map[config.ServiceKind]bool, len(kinds))
	for _, k := range kinds {
		want[k] = true
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []*Descriptor
	for _, ident := range t.order {
		d := t.byIdent[ident]
		if want[d.Config.EffectiveKind()] {
			out = append(out, d)
		}
	}
	return out
}

// Len returns the number of descriptors in the table.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.order)
}
