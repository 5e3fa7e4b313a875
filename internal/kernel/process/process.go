package process

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/GriffinCanCode/AgentOS/channels/internal/kernel/heap"
	"github.com/GriffinCanCode/AgentOS/channels/internal/shared/id"
)

var (
	ErrNotFound   = errors.New("process: not found")
	ErrKernel     = errors.New("process: the kernel process cannot be removed")
	ErrNilHeap    = errors.New("process: nil heap")
	ErrDuplicated = errors.New("process: name already registered")
)

// Process is a protection domain's identity: pid, principal and the heap it allocates from.
type Process struct {
	ID        heap.ProcessID
	Name      string
	Principal id.PrincipalHandle
	Heap      *heap.Heap
}

// Colocated reports whether both processes allocate from the same heap.
func Colocated(a, b *Process) bool {
	if a == nil || b == nil {
		return false
	}
	return a.Heap == b.Heap
}

// Table is the process table. Process 0 is the kernel and always exists.
type Table struct {
	mu     sync.RWMutex
	procs  map[heap.ProcessID]*Process
	byName map[string]heap.ProcessID
	next   heap.ProcessID
	kernel *Process
}

// NewTable creates a process table with the kernel process bound to kernelHeap.
func NewTable(kernelHeap *heap.Heap) *Table {
	k := &Process{
		ID:        heap.KernelProcessID,
		Name:      "kernel",
		Principal: id.NewPrincipalHandle(),
		Heap:      kernelHeap,
	}
	return &Table{
		procs:  map[heap.ProcessID]*Process{k.ID: k},
		byName: map[string]heap.ProcessID{k.Name: k.ID},
		kernel: k,
	}
}

// Kernel returns process 0
func (t *Table) Kernel() *Process { return t.kernel }

// Create registers a process allocating from h. Processes sharing h are colocated.
func (t *Table) Create(name string, h *heap.Heap) (*Process, error) {
	if h == nil {
		return nil, ErrNilHeap
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if name != "" {
		if _, ok := t.byName[name]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicated, name)
		}
	}

	t.next++
	p := &Process{
		ID:        t.next,
		Name:      name,
		Principal: id.NewPrincipalHandle(),
		Heap:      h,
	}
	t.procs[p.ID] = p
	if name != "" {
		t.byName[name] = p.ID
	}
	return p, nil
}

// Lookup returns the process with pid
func (t *Table) Lookup(pid heap.ProcessID) (*Process, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	p, ok := t.procs[pid]
	if !ok {
		return nil, fmt.Errorf("%w: pid %d", ErrNotFound, pid)
	}
	return p, nil
}

// LookupName returns the process registered under name
func (t *Table) LookupName(name string) (*Process, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	pid, ok := t.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return t.procs[pid], nil
}

// Remove drops a process from the table. Its heap is left to the caller.
func (t *Table) Remove(pid heap.ProcessID) error {
	if pid == heap.KernelProcessID {
		return ErrKernel
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.procs[pid]
	if !ok {
		return fmt.Errorf("%w: pid %d", ErrNotFound, pid)
	}
	delete(t.procs, pid)
	if p.Name != "" {
		delete(t.byName, p.Name)
	}
	return nil
}

// List returns all processes ordered by pid
func (t *Table) List() []*Process {
	t.mu.RLock()
	out := make([]*Process, 0, len(t.procs))
	for _, p := range t.procs {
		out = append(out, p)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of registered processes, kernel included
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.procs)
}
