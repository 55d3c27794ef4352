package session_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/go-delve/kwalk/pkg/session"
	"github.com/go-delve/kwalk/pkg/vmi"
	"github.com/go-delve/kwalk/pkg/vmi/vmitest"
)

func attached(t *testing.T) (*vmitest.Guest, *session.Controller) {
	t.Helper()
	g := vmitest.NewGuest(vmi.OSLinux, vmi.PagingIA32E)
	g.PutU64(0x1000, 0x1234)
	g.SetSymbol("init_task", 0x1000)
	c := session.New()
	if err := c.AttachProvider(g); err != nil {
		t.Fatal(err)
	}
	return g, c
}

func TestLifecycle(t *testing.T) {
	g, c := attached(t)
	if c.State() != session.Attached {
		t.Fatalf("state %s", c.State())
	}
	if c.Descriptor() != g.Descriptor() {
		t.Fatalf("descriptor %s", c.Descriptor())
	}
	err := c.WithPause(func(w *session.Window) error {
		if c.State() != session.Paused || !g.IsPaused() {
			t.Errorf("not paused inside window")
		}
		v, err := w.Mem().ReadU64(0x1000)
		if err != nil || v != 0x1234 {
			t.Errorf("read %#x %v", v, err)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if c.State() != session.Attached || g.IsPaused() {
		t.Fatalf("not resumed")
	}
	c.Detach()
	c.Detach()
	if c.State() != session.Detached || g.Destroyed != 1 {
		t.Fatalf("state %s destroyed %d", c.State(), g.Destroyed)
	}
	if _, err := c.Pause(); !errors.Is(err, session.ErrDetached) {
		t.Fatalf("pause after detach: %v", err)
	}
}

func TestResumeOnEveryPath(t *testing.T) {
	errBody := errors.New("body failed")
	bodies := map[string]func(*session.Window) error{
		"ok":    func(*session.Window) error { return nil },
		"error": func(*session.Window) error { return errBody },
		"read failure": func(w *session.Window) error {
			_, err := w.Mem().ReadU64(0xdead0000)
			return err
		},
		"panic": func(*session.Window) error { panic("boom") },
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			g, c := attached(t)
			func() {
				defer func() { recover() }()
				c.WithPause(body)
			}()
			if g.Pauses != 1 || g.Resumes != 1 || g.IsPaused() {
				t.Errorf("pauses %d resumes %d paused %v", g.Pauses, g.Resumes, g.IsPaused())
			}
			if c.State() != session.Attached {
				t.Errorf("state %s", c.State())
			}
		})
	}
}

func TestWithPauseReturnsBodyError(t *testing.T) {
	_, c := attached(t)
	errBody := errors.New("body failed")
	if err := c.WithPause(func(*session.Window) error { return errBody }); err != errBody {
		t.Fatalf("got %v", err)
	}
}

func TestPauseFailed(t *testing.T) {
	g, c := attached(t)
	g.PauseErr = errors.New("permission denied")
	called := false
	err := c.WithPause(func(*session.Window) error {
		called = true
		return nil
	})
	if !session.IsKind(err, session.PauseFailed) || called {
		t.Fatalf("got %v, body called %v", err, called)
	}
	if g.Resumes != 0 {
		t.Fatalf("resumed a guest that was never paused")
	}
	c.Detach()
	if g.Destroyed != 1 {
		t.Fatalf("not destroyed")
	}
}

func TestReadsOutsideWindow(t *testing.T) {
	_, c := attached(t)
	var win *session.Window
	c.WithPause(func(w *session.Window) error {
		win = w
		return nil
	})
	if win.Open() {
		t.Fatal("window still open")
	}
	if _, err := win.Mem().ReadU64(0x1000); !errors.Is(err, session.ErrNotPaused) {
		t.Fatalf("read through closed window: %v", err)
	}
	if _, err := c.Mem().ReadU64(0x1000); !errors.Is(err, session.ErrNotPaused) {
		t.Fatalf("read while running: %v", err)
	}
}

func TestConcurrentPauseIsBusy(t *testing.T) {
	_, c := attached(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.WithPause(func(*session.Window) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered
	err := c.WithPause(func(*session.Window) error { return nil })
	close(release)
	wg.Wait()
	if !errors.Is(err, vmi.ErrBusy) {
		t.Fatalf("second pause: %v", err)
	}
}

func TestDescriptorChanged(t *testing.T) {
	g, c := attached(t)
	err := c.WithPause(func(*session.Window) error {
		g.SetOSType(vmi.OSWindows)
		return nil
	})
	if !session.IsKind(err, session.DescriptorChanged) {
		t.Fatalf("got %v", err)
	}
	if g.IsPaused() {
		t.Fatal("guest left paused")
	}
	if _, err := c.Pause(); !session.IsKind(err, session.DescriptorChanged) {
		t.Fatalf("pause after change: %v", err)
	}
}

func TestAttachErrors(t *testing.T) {
	g := vmitest.NewGuest(vmi.OSUnknown, vmi.PagingIA32E)
	c := session.New()
	if err := c.AttachProvider(g); !session.IsKind(err, session.UnsupportedOS) {
		t.Fatalf("got %v", err)
	}
	if g.Destroyed != 1 {
		t.Fatalf("provider not released")
	}
	if err := session.New().Attach(vmi.Target{Name: "nosuchvm", Backend: "nosuchbackend"}); !session.IsKind(err, session.AttachFailed) {
		t.Fatalf("got %v", err)
	}
	_, c = attached(t)
	if err := c.AttachProvider(g); !session.IsKind(err, session.AttachFailed) {
		t.Fatalf("second attach: %v", err)
	}
}

func TestSymbol(t *testing.T) {
	_, c := attached(t)
	c.WithPause(func(w *session.Window) error {
		if addr, err := w.Symbol("init_task"); err != nil || addr != 0x1000 {
			t.Errorf("%#x %v", addr, err)
		}
		_, err := w.Symbol("keyboard_notifier_list")
		if !session.IsKind(err, session.SymbolNotFound) || !errors.Is(err, vmi.ErrSymbolNotFound) {
			t.Errorf("got %v", err)
		}
		return nil
	})
}
