// Package session controls the lifecycle of an introspection session:
// attaching to a guest, pausing it for a consistent view of its memory
// and resuming it whatever happens while it is paused.
package session

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-delve/kwalk/pkg/logflags"
	"github.com/go-delve/kwalk/pkg/vmi"
)

// State is the lifecycle state of a Controller.
type State uint8

const (
	Unattached State = iota
	Attached
	Paused
	Detached
)

func (s State) String() string {
	switch s {
	case Unattached:
		return "unattached"
	case Attached:
		return "attached"
	case Paused:
		return "paused"
	case Detached:
		return "detached"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// ErrorKind classifies session errors. All of them abort the current
// operation.
type ErrorKind uint8

const (
	AttachFailed ErrorKind = iota
	PauseFailed
	UnsupportedOS
	SymbolNotFound
	DescriptorChanged
)

func (k ErrorKind) String() string {
	switch k {
	case AttachFailed:
		return "attach failed"
	case PauseFailed:
		return "pause failed"
	case UnsupportedOS:
		return "unsupported guest"
	case SymbolNotFound:
		return "symbol not found"
	case DescriptorChanged:
		return "guest descriptor changed"
	}
	return fmt.Sprintf("ErrorKind(%d)", uint8(k))
}

// Error is a fatal session error.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err is a session error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var serr *Error
	return errors.As(err, &serr) && serr.Kind == kind
}

var (
	// ErrNotPaused is returned by reads made outside of a pause window.
	ErrNotPaused = errors.New("guest is not paused")
	// ErrDetached is returned by operations on a detached session.
	ErrDetached = errors.New("session detached")
	// ErrNotAttached is returned by operations that need an attached
	// session.
	ErrNotAttached = errors.New("session not attached")
)

// Controller owns the connection to one guest. Its methods may be called
// from multiple goroutines but only one pause window can be open at a
// time.
type Controller struct {
	mu      sync.Mutex
	state   State
	invalid error
	p       vmi.Provider
	desc    vmi.Descriptor
	mem     *vmi.Mem
	win     *Window
	log     logflags.Logger
}

// New returns an unattached controller.
func New() *Controller {
	return &Controller{log: logflags.SessionLogger()}
}

// Attach opens the target and attaches to it.
func (c *Controller) Attach(t vmi.Target) error {
	p, err := vmi.Attach(t)
	if err != nil {
		return &Error{Kind: AttachFailed, Err: err}
	}
	return c.AttachProvider(p)
}

// AttachProvider attaches to an already opened provider. The provider is
// destroyed if the guest is not supported.
func (c *Controller) AttachProvider(p vmi.Provider) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Unattached {
		return &Error{Kind: AttachFailed, Err: fmt.Errorf("session is %s", c.state)}
	}
	desc, err := describe(p)
	if err != nil {
		if derr := p.Destroy(); derr != nil {
			c.log.Warnf("destroy: %v", derr)
		}
		return err
	}
	c.p = p
	c.desc = desc
	c.mem = vmi.NewMem(p, desc, c.checkPaused)
	c.state = Attached
	if logflags.Session() {
		c.log.Debugf("attached to %s (id=%d) %s, %s access", p.Name(), p.ID(), desc, p.AccessMode())
	}
	return nil
}

func describe(p vmi.Provider) (vmi.Descriptor, error) {
	os := p.OSType()
	if os == vmi.OSUnknown {
		return vmi.Descriptor{}, &Error{Kind: UnsupportedOS, Err: errors.New("could not determine guest operating system")}
	}
	pm, err := p.PageMode(vmi.KernelSpace)
	if err != nil {
		return vmi.Descriptor{}, &Error{Kind: AttachFailed, Err: fmt.Errorf("reading paging mode: %w", err)}
	}
	if pm == vmi.PagingUnknown {
		return vmi.Descriptor{}, &Error{Kind: UnsupportedOS, Err: errors.New("unsupported paging mode")}
	}
	return vmi.Descriptor{OS: os, Paging: pm}, nil
}

func (c *Controller) checkPaused() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Paused {
		return ErrNotPaused
	}
	return nil
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Descriptor returns the descriptor fetched at attach time.
func (c *Controller) Descriptor() vmi.Descriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.desc
}

// Provider returns the provider of an attached session, nil otherwise.
func (c *Controller) Provider() vmi.Provider {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.p
}

// Mem returns the memory facade of the session. Reads fail with
// ErrNotPaused unless the guest is paused.
func (c *Controller) Mem() *vmi.Mem {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mem
}

// Pause pauses the guest and opens a pause window. Pausing a paused
// guest fails with vmi.ErrBusy.
func (c *Controller) Pause() (*Window, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case Unattached:
		return nil, ErrNotAttached
	case Detached:
		return nil, ErrDetached
	case Paused:
		return nil, vmi.ErrBusy
	}
	if c.invalid != nil {
		return nil, c.invalid
	}
	if err := c.mem.Pause(); err != nil {
		return nil, &Error{Kind: PauseFailed, Err: err}
	}
	c.state = Paused
	c.win = newWindow(c)
	if logflags.Session() {
		c.log.Debug("guest paused")
	}
	return c.win, nil
}

// Resume closes the pause window and resumes the guest. Resuming a
// running guest is a no-op. The guest is always resumed; the returned
// error reports a descriptor change observed during the window, after
// which the session can not be paused again.
func (c *Controller) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resumeLocked()
}

func (c *Controller) resumeLocked() error {
	if c.state != Paused {
		return nil
	}
	err := c.revalidate()
	c.win.close()
	c.win = nil
	c.mem.Resume()
	c.state = Attached
	if logflags.Session() {
		c.log.Debug("guest resumed")
	}
	if err != nil {
		c.invalid = err
	}
	return err
}

func (c *Controller) revalidate() error {
	desc, err := describe(c.p)
	if err != nil {
		return &Error{Kind: DescriptorChanged, Err: err}
	}
	if desc != c.desc {
		return &Error{Kind: DescriptorChanged, Err: fmt.Errorf("%s became %s", c.desc, desc)}
	}
	return nil
}

// WithPause pauses the guest, runs fn and resumes the guest, also when fn
// panics. The error of fn takes precedence over the one of Resume.
func (c *Controller) WithPause(fn func(w *Window) error) (err error) {
	w, err := c.Pause()
	if err != nil {
		return err
	}
	defer func() {
		if rerr := c.Resume(); err == nil {
			err = rerr
		}
	}()
	return fn(w)
}

// Detach resumes the guest if needed and releases the provider. It is
// idempotent and safe to call after any failure.
func (c *Controller) Detach() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Unattached || c.state == Detached {
		c.state = Detached
		return
	}
	if err := c.resumeLocked(); err != nil {
		c.log.Warnf("detach: %v", err)
	}
	if err := c.p.Destroy(); err != nil {
		c.log.Warnf("destroy: %v", err)
	}
	c.state = Detached
	if logflags.Session() {
		c.log.Debug("detached")
	}
}

// Window is the scope of a pause. Objects and values obtained through a
// window are only meaningful while it is open.
type Window struct {
	c      *Controller
	mem    *vmi.Mem
	closed atomic.Bool
}

func newWindow(c *Controller) *Window {
	w := &Window{c: c}
	w.mem = vmi.NewMem(c.p, c.desc, w.check)
	return w
}

func (w *Window) check() error {
	if w.closed.Load() {
		return ErrNotPaused
	}
	return nil
}

func (w *Window) close() {
	w.closed.Store(true)
}

// Open reports whether the window is still open.
func (w *Window) Open() bool {
	return !w.closed.Load()
}

// Mem returns the memory facade of the window. Reads fail with
// ErrNotPaused once the window is closed.
func (w *Window) Mem() *vmi.Mem {
	return w.mem
}

// Descriptor returns the descriptor of the guest.
func (w *Window) Descriptor() vmi.Descriptor {
	return w.c.desc
}

// Provider returns the provider of the guest.
func (w *Window) Provider() vmi.Provider {
	return w.c.p
}

// Symbol resolves a kernel symbol the caller can not proceed without.
func (w *Window) Symbol(name string) (uint64, error) {
	addr, err := w.mem.ResolveSymbol(name)
	if err != nil {
		return 0, &Error{Kind: SymbolNotFound, Err: err}
	}
	return addr, nil
}
