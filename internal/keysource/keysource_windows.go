//go:build windows

package keysource

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	user32 = windows.NewLazySystemDLL("user32.dll")

	procSetWindowsHookExW   = user32.NewProc("SetWindowsHookExW")
	procCallNextHookEx      = user32.NewProc("CallNextHookEx")
	procUnhookWindowsHookEx = user32.NewProc("UnhookWindowsHookEx")
	procGetMessageW         = user32.NewProc("GetMessageW")
	procPostThreadMessageW  = user32.NewProc("PostThreadMessageW")
)

const (
	whKeyboardLL = 13

	wmQuit       = 0x0012
	wmKeyDown    = 0x0100
	wmKeyUp      = 0x0101
	wmSysKeyDown = 0x0104
	wmSysKeyUp   = 0x0105

	llkhfInjected = 0x10
)

type kbdllHookStruct struct {
	VkCode    uint32
	ScanCode  uint32
	Flags     uint32
	Time      uint32
	ExtraInfo uintptr
}

type winMsg struct {
	Hwnd     uintptr
	Message  uint32
	WParam   uintptr
	LParam   uintptr
	Time     uint32
	Pt       struct{ X, Y int32 }
	LPrivate uint32
}

// A process can only usefully run one low-level hook; the callback is
// created once and dispatches to whichever source is active.
var (
	hookMu     sync.Mutex
	hookActive *WindowsSource
	hookProc   = windows.NewCallback(lowLevelKeyboardProc)
)

// WindowsSource captures keys with a WH_KEYBOARD_LL hook running on a
// dedicated, locked OS thread.
type WindowsSource struct {
	mu         sync.Mutex
	running    bool
	suppressed bool
	handler    Handler
	hook       uintptr
	threadID   uint32
	done       chan struct{}

	// Hook-thread state.
	held     map[uint32]bool
	lastTick uint32
	wraps    time.Duration
	injected uint64
}

func newPlatformSource(Options) Source {
	return &WindowsSource{}
}

// Describe reports the hook state.
func (w *WindowsSource) Describe() string {
	return fmt.Sprintf("WH_KEYBOARD_LL hook, %d injected events seen", w.InjectedCount())
}

// Available always reports true; low-level hooks need no privileges.
func (w *WindowsSource) Available() (bool, string) {
	if err := procSetWindowsHookExW.Find(); err != nil {
		return false, fmt.Sprintf("user32 unavailable: %v", err)
	}
	return true, "low-level keyboard hook"
}

// Start installs the hook and returns once it is in place.
func (w *WindowsSource) Start(ctx context.Context, h Handler) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return ErrAlreadyRunning
	}
	w.mu.Unlock()

	hookMu.Lock()
	if hookActive != nil {
		hookMu.Unlock()
		return ErrAlreadyRunning
	}
	hookActive = w
	hookMu.Unlock()

	w.mu.Lock()
	w.handler = h
	w.held = make(map[uint32]bool)
	w.done = make(chan struct{})
	w.mu.Unlock()

	ready := make(chan error, 1)
	go w.hookThread(ready)
	if err := <-ready; err != nil {
		hookMu.Lock()
		hookActive = nil
		hookMu.Unlock()
		return fmt.Errorf("%w: %w", ErrNotAvailable, err)
	}

	w.mu.Lock()
	w.running = true
	w.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			_ = w.Stop()
		case <-w.done:
		}
	}()
	return nil
}

func (w *WindowsSource) hookThread(ready chan<- error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(w.done)

	hook, _, err := procSetWindowsHookExW.Call(whKeyboardLL, hookProc, 0, 0)
	if hook == 0 {
		ready <- err
		return
	}
	w.mu.Lock()
	w.hook = hook
	w.threadID = windows.GetCurrentThreadId()
	w.mu.Unlock()
	ready <- nil

	var m winMsg
	for {
		r, _, _ := procGetMessageW.Call(uintptr(unsafe.Pointer(&m)), 0, 0, 0)
		if int32(r) <= 0 {
			break
		}
	}

	procUnhookWindowsHookEx.Call(hook)
	hookMu.Lock()
	if hookActive == w {
		hookActive = nil
	}
	hookMu.Unlock()
}

func lowLevelKeyboardProc(nCode, wParam, lParam uintptr) uintptr {
	hookMu.Lock()
	w := hookActive
	hookMu.Unlock()

	if int32(nCode) < 0 || w == nil {
		r, _, _ := procCallNextHookEx.Call(0, nCode, wParam, lParam)
		return r
	}

	kb := (*kbdllHookStruct)(unsafe.Pointer(lParam))
	if w.dispatch(wParam, kb) {
		return 1
	}
	r, _, _ := procCallNextHookEx.Call(0, nCode, wParam, lParam)
	return r
}

// dispatch converts and delivers one hook event, reporting whether it must
// be swallowed.
func (w *WindowsSource) dispatch(msg uintptr, kb *kbdllHookStruct) bool {
	var down bool
	switch msg {
	case wmKeyDown, wmSysKeyDown:
		down = true
	case wmKeyUp, wmSysKeyUp:
	default:
		return false
	}

	w.mu.Lock()
	h := w.handler
	suppressed := w.suppressed
	ev := w.convert(kb, down)
	w.mu.Unlock()

	if h == nil {
		return suppressed
	}
	return h(ev) == Suppress || suppressed
}

// convert is called with mu held.
func (w *WindowsSource) convert(kb *kbdllHookStruct, down bool) RawEvent {
	// The tick count wraps after ~49.7 days.
	if kb.Time < w.lastTick && w.lastTick-kb.Time > 1<<31 {
		w.wraps += time.Duration(1<<32) * time.Millisecond
	}
	w.lastTick = kb.Time
	if kb.Flags&llkhfInjected != 0 {
		w.injected++
	}

	ev := RawEvent{
		Code: kb.VkCode,
		Down: down,
		At:   w.wraps + time.Duration(kb.Time)*time.Millisecond,
	}
	if down {
		ev.Repeat = w.held[kb.VkCode]
		w.held[kb.VkCode] = true
	} else {
		delete(w.held, kb.VkCode)
	}
	return ev
}

// SetSuppressed makes the hook swallow every keyboard event.
func (w *WindowsSource) SetSuppressed(on bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return ErrNotRunning
	}
	w.suppressed = on
	return nil
}

// Stop removes the hook and waits for the hook thread to exit.
func (w *WindowsSource) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.suppressed = false
	w.handler = nil
	threadID, done := w.threadID, w.done
	w.mu.Unlock()

	procPostThreadMessageW.Call(uintptr(threadID), wmQuit, 0, 0)
	<-done
	return nil
}

// InjectedCount returns how many events carried LLKHF_INJECTED, which
// SendInput and keybd_event set.
func (w *WindowsSource) InjectedCount() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.injected
}
