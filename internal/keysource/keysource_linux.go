//go:build linux

package keysource

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// evdev ioctls, _IOW('E', nr, int).
const (
	eviocgrab     = 0x40044590
	eviocsclockid = 0x400445a0
)

const (
	evKey = 0x01

	keyRelease = 0
	keyPress   = 1
	keyRepeat  = 2
)

// LinuxSource reads every keyboard under /dev/input. Timestamps come from
// the kernel on CLOCK_MONOTONIC so gaps are measured where the event was
// generated, not where it was read.
type LinuxSource struct {
	mu      sync.Mutex
	running bool
	grabbed bool
	devices []*os.File
	cancel  context.CancelFunc
	done    chan struct{}

	live    int
	lastErr error
	onExit  func(device string, err error)

	// listDevices and open are replaced in tests.
	listDevices func() ([]string, error)
	open        func(path string) (*os.File, error)
}

func newPlatformSource(opts Options) Source {
	l := &LinuxSource{listDevices: findKeyboardDevices, open: openDevice, onExit: opts.OnReaderExit}
	if len(opts.Devices) > 0 {
		devices := append([]string(nil), opts.Devices...)
		l.listDevices = func() ([]string, error) { return devices, nil }
	}
	return l
}

// Describe reports the devices being read.
func (l *LinuxSource) Describe() string {
	paths := l.DevicePaths()
	if len(paths) == 0 {
		return "evdev: not running"
	}
	desc := fmt.Sprintf("evdev: %d keyboard(s) %s", len(paths), strings.Join(paths, ", "))
	l.mu.Lock()
	stopped := len(paths) - l.live
	l.mu.Unlock()
	if stopped > 0 {
		desc += fmt.Sprintf(" (%d reader(s) stopped)", stopped)
	}
	return desc
}

// Live fails once every reader of a running source has stopped.
func (l *LinuxSource) Live() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.running || l.live > 0 {
		return nil
	}
	if l.lastErr == nil {
		return ErrCaptureLost
	}
	return fmt.Errorf("%w: %w", ErrCaptureLost, l.lastErr)
}

// readerExited records a reader stopping. Exits caused by Stop closing the
// device are not failures.
func (l *LinuxSource) readerExited(device string, err error) {
	l.mu.Lock()
	l.live--
	failed := l.running && !errors.Is(err, os.ErrClosed)
	if failed {
		l.lastErr = fmt.Errorf("%s: %w", device, err)
	}
	hook := l.onExit
	l.mu.Unlock()

	if failed && hook != nil {
		hook(device, err)
	}
}

// Available checks if we can read input devices.
func (l *LinuxSource) Available() (bool, string) {
	devices, err := l.listDevices()
	if err != nil {
		return false, fmt.Sprintf("cannot find keyboard devices: %v", err)
	}
	if len(devices) == 0 {
		return false, "no keyboard devices found"
	}

	for _, dev := range devices {
		f, err := os.OpenFile(dev, os.O_RDONLY, 0)
		if err == nil {
			f.Close()
			return true, fmt.Sprintf("found keyboard device: %s", dev)
		}
	}
	return false, "cannot read keyboard devices (need to be in 'input' group or run as root)"
}

// findKeyboardDevices lists event devices that report EV_KEY with a full
// key bitmap, from /proc/bus/input/devices.
func findKeyboardDevices() ([]string, error) {
	f, err := os.Open("/proc/bus/input/devices")
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parseDeviceList(f)
}

func parseDeviceList(r io.Reader) ([]string, error) {
	seen := make(map[string]bool)
	var devices []string

	var handler string
	isKeyboard := false
	flush := func() {
		if isKeyboard && handler != "" && !seen[handler] {
			seen[handler] = true
			devices = append(devices, handler)
		}
		handler = ""
		isKeyboard = false
	}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "H: Handlers="):
			for _, part := range strings.Fields(strings.TrimPrefix(line, "H: Handlers=")) {
				if strings.HasPrefix(part, "event") {
					handler = "/dev/input/" + part
				}
				if part == "kbd" {
					isKeyboard = true
				}
			}
		case strings.HasPrefix(line, "B: KEY="):
			// Power buttons and lid switches also carry kbd handlers but
			// two or fewer words of key bits.
			if len(strings.Fields(strings.TrimPrefix(line, "B: KEY="))) < 3 {
				isKeyboard = false
			}
		case line == "":
			flush()
		}
	}
	flush()
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	sort.Strings(devices)
	return devices, nil
}

// Start opens every keyboard and delivers events to h, one goroutine per
// device.
func (l *LinuxSource) Start(ctx context.Context, h Handler) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return ErrAlreadyRunning
	}

	paths, err := l.listDevices()
	if err != nil || len(paths) == 0 {
		return ErrNotAvailable
	}

	open := l.open
	if open == nil {
		open = openDevice
	}
	var opened []*os.File
	var errs []error
	for _, path := range paths {
		f, err := open(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		opened = append(opened, f)
	}
	if len(opened) == 0 {
		return fmt.Errorf("%w: %w", ErrNotAvailable, errors.Join(errs...))
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	l.devices = opened
	l.cancel = cancel
	l.done = done
	l.running = true
	l.live = len(opened)
	l.lastErr = nil

	var wg sync.WaitGroup
	for _, f := range opened {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.readerExited(filepath.Clean(f.Name()), readLoop(f, h))
		}()
	}
	go func() {
		<-ctx.Done()
		l.release()
		wg.Wait()
		close(done)
	}()
	return nil
}

func openDevice(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	if err := ioctlInt(f, eviocsclockid, unix.CLOCK_MONOTONIC); err != nil {
		f.Close()
		return nil, fmt.Errorf("set clock on %s: %w", path, err)
	}
	return f, nil
}

// ioctlInt issues an int-argument ioctl without f.Fd, which would switch
// the descriptor to blocking mode and defeat Close-to-unblock.
func ioctlInt(f *os.File, req uint, value int) error {
	rc, err := f.SyscallConn()
	if err != nil {
		return err
	}
	var ioErr error
	if err := rc.Control(func(fd uintptr) {
		ioErr = unix.IoctlSetPointerInt(int(fd), req, value)
	}); err != nil {
		return err
	}
	return ioErr
}

var timevalSize = int(unsafe.Sizeof(unix.Timeval{}))

// eventSize is sizeof(struct input_event): a timeval then type, code, value.
var eventSize = timevalSize + 8

// decodeEvent parses one struct input_event.
func decodeEvent(buf []byte) (typ, code uint16, value int32, at time.Duration) {
	var sec, usec int64
	if timevalSize == 16 {
		sec = int64(binary.NativeEndian.Uint64(buf[0:8]))
		usec = int64(binary.NativeEndian.Uint64(buf[8:16]))
	} else {
		sec = int64(int32(binary.NativeEndian.Uint32(buf[0:4])))
		usec = int64(int32(binary.NativeEndian.Uint32(buf[4:8])))
	}
	off := timevalSize
	typ = binary.NativeEndian.Uint16(buf[off : off+2])
	code = binary.NativeEndian.Uint16(buf[off+2 : off+4])
	value = int32(binary.NativeEndian.Uint32(buf[off+4 : off+8]))
	at = time.Duration(sec)*time.Second + time.Duration(usec)*time.Microsecond
	return typ, code, value, at
}

// rawFromInput converts an evdev event, reporting false for anything that
// is not a key transition.
func rawFromInput(typ, code uint16, value int32, at time.Duration) (RawEvent, bool) {
	if typ != evKey {
		return RawEvent{}, false
	}
	switch value {
	case keyPress:
		return RawEvent{Code: uint32(code), Down: true, At: at}, true
	case keyRepeat:
		return RawEvent{Code: uint32(code), Down: true, Repeat: true, At: at}, true
	case keyRelease:
		return RawEvent{Code: uint32(code), At: at}, true
	default:
		return RawEvent{}, false
	}
}

// readLoop runs until a read fails, returning that error. Closing f ends
// it with os.ErrClosed.
func readLoop(f *os.File, h Handler) error {
	buf := make([]byte, eventSize*64)
	for {
		n, err := f.Read(buf)
		if err != nil {
			return err
		}
		for off := 0; off+eventSize <= n; off += eventSize {
			ev, ok := rawFromInput(decodeEvent(buf[off : off+eventSize]))
			if !ok {
				continue
			}
			// evdev cannot drop a single event; suppression is the global
			// grab driven by SetSuppressed.
			h(ev)
		}
	}
}

// release ungrabs and closes the devices, which unblocks the readers.
func (l *LinuxSource) release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, f := range l.devices {
		if l.grabbed {
			_ = ioctlInt(f, eviocgrab, 0)
		}
		f.Close()
	}
	l.devices = nil
	l.grabbed = false
	l.running = false
}

// SetSuppressed grabs or releases every open keyboard. While grabbed no
// other reader, including the display server, receives input.
func (l *LinuxSource) SetSuppressed(on bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.running {
		return ErrNotRunning
	}
	if l.grabbed == on {
		return nil
	}

	arg := 0
	if on {
		arg = 1
	}
	var errs []error
	for _, f := range l.devices {
		if err := ioctlInt(f, eviocgrab, arg); err != nil {
			errs = append(errs, fmt.Errorf("grab %s: %w", f.Name(), err))
		}
	}
	l.grabbed = on
	return errors.Join(errs...)
}

// Stop releases any grab, closes the devices and waits for the readers.
func (l *LinuxSource) Stop() error {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return nil
	}
	cancel, done := l.cancel, l.done
	l.mu.Unlock()

	cancel()
	<-done
	return nil
}

// DevicePaths returns the devices being read.
func (l *LinuxSource) DevicePaths() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.devices))
	for _, f := range l.devices {
		out = append(out, filepath.Clean(f.Name()))
	}
	return out
}
