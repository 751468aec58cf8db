//go:build linux

package keysource

import (
	"context"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const procDevices = `I: Bus=0019 Vendor=0000 Product=0001 Version=0000
N: Name="Power Button"
P: Phys=PNP0C0C/button/input0
H: Handlers=kbd event0
B: EV=3
B: KEY=10000000000000 0

I: Bus=0011 Vendor=0001 Product=0001 Version=ab41
N: Name="AT Translated Set 2 keyboard"
P: Phys=isa0060/serio0/input0
H: Handlers=sysrq kbd leds event3
B: EV=120013
B: KEY=402000000 3803078f800d001 feffffdfffefffff fffffffffffffffe

I: Bus=0011 Vendor=0002 Product=0007 Version=01b1
N: Name="SynPS/2 Synaptics TouchPad"
H: Handlers=mouse0 event4
B: EV=b
B: KEY=e520 10000 0 0 0 0

I: Bus=0003 Vendor=046d Product=c31c Version=0110
N: Name="Logitech USB Keyboard"
H: Handlers=sysrq kbd leds event11
B: EV=120013
B: KEY=1000000000007 ff9f207ac14057ff febeffdfffefffff fffffffffffffffe`

func TestParseDeviceList(t *testing.T) {
	devices, err := parseDeviceList(strings.NewReader(procDevices))
	require.NoError(t, err)
	assert.Equal(t, []string{"/dev/input/event11", "/dev/input/event3"}, devices)
}

func encodeEvent(sec, usec int64, typ, code uint16, value int32) []byte {
	buf := make([]byte, eventSize)
	if timevalSize == 16 {
		binary.NativeEndian.PutUint64(buf[0:], uint64(sec))
		binary.NativeEndian.PutUint64(buf[8:], uint64(usec))
	} else {
		binary.NativeEndian.PutUint32(buf[0:], uint32(sec))
		binary.NativeEndian.PutUint32(buf[4:], uint32(usec))
	}
	binary.NativeEndian.PutUint16(buf[timevalSize:], typ)
	binary.NativeEndian.PutUint16(buf[timevalSize+2:], code)
	binary.NativeEndian.PutUint32(buf[timevalSize+4:], uint32(value))
	return buf
}

func TestDecodeEvent(t *testing.T) {
	typ, code, value, at := decodeEvent(encodeEvent(12, 345678, evKey, 30, keyPress))
	assert.Equal(t, uint16(evKey), typ)
	assert.Equal(t, uint16(30), code)
	assert.Equal(t, int32(keyPress), value)
	assert.Equal(t, 12*time.Second+345678*time.Microsecond, at)
}

func TestRawFromInput(t *testing.T) {
	tests := []struct {
		name  string
		typ   uint16
		value int32
		want  RawEvent
		ok    bool
	}{
		{"press", evKey, keyPress, RawEvent{Code: 30, Down: true, At: time.Second}, true},
		{"release", evKey, keyRelease, RawEvent{Code: 30, At: time.Second}, true},
		{"repeat", evKey, keyRepeat, RawEvent{Code: 30, Down: true, Repeat: true, At: time.Second}, true},
		{"sync", 0, 0, RawEvent{}, false},
		{"msc scan", 4, 458756, RawEvent{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := rawFromInput(tt.typ, 30, tt.value, time.Second)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLinuxSourceNoDevices(t *testing.T) {
	src := &LinuxSource{listDevices: func() ([]string, error) { return nil, nil }}

	ok, reason := src.Available()
	assert.False(t, ok)
	assert.Equal(t, "no keyboard devices found", reason)
	assert.ErrorIs(t, src.Start(context.Background(), nil), ErrNotAvailable)
	assert.ErrorIs(t, src.SetSuppressed(true), ErrNotRunning)
	assert.NoError(t, src.Stop())
}

func TestLinuxSourceUnreadableDevices(t *testing.T) {
	src := &LinuxSource{listDevices: func() ([]string, error) {
		return []string{t.TempDir() + "/missing"}, nil
	}}
	assert.ErrorIs(t, src.Start(context.Background(), nil), ErrNotAvailable)
}

func TestLinuxSourceExplicitDevices(t *testing.T) {
	missing := t.TempDir() + "/event99"
	src := New(Options{Devices: []string{missing}}).(*LinuxSource)

	paths, err := src.listDevices()
	require.NoError(t, err)
	assert.Equal(t, []string{missing}, paths)
	assert.Equal(t, "evdev: not running", src.Describe())
	assert.ErrorIs(t, src.Start(context.Background(), nil), ErrNotAvailable)
}

// pipeSource returns a source reading from a pipe in place of an evdev
// node. The listed path exists so Available succeeds.
func pipeSource(t *testing.T, onExit func(string, error)) (*LinuxSource, *os.File) {
	t.Helper()
	r, w, err := os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })

	node := filepath.Join(t.TempDir(), "event3")
	require.NoError(t, os.WriteFile(node, nil, 0o600))
	return &LinuxSource{
		listDevices: func() ([]string, error) { return []string{node}, nil },
		open:        func(string) (*os.File, error) { return r, nil },
		onExit:      onExit,
	}, w
}

func TestLinuxSourceReportsLostReader(t *testing.T) {
	exits := make(chan error, 1)
	src, w := pipeSource(t, func(_ string, err error) { exits <- err })

	events := make(chan RawEvent, 1)
	require.NoError(t, src.Start(context.Background(), func(ev RawEvent) Verdict {
		events <- ev
		return Pass
	}))
	t.Cleanup(func() { src.Stop() })

	_, err := w.Write(encodeEvent(1, 0, evKey, 30, keyPress))
	require.NoError(t, err)
	select {
	case ev := <-events:
		assert.Equal(t, uint32(30), ev.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
	require.NoError(t, src.Live())
	ok, _ := Health(src)
	assert.True(t, ok)

	// The device going away ends its reader.
	require.NoError(t, w.Close())
	select {
	case err := <-exits:
		assert.ErrorIs(t, err, io.EOF)
	case <-time.After(2 * time.Second):
		t.Fatal("reader exit not reported")
	}

	assert.ErrorIs(t, src.Live(), ErrCaptureLost)
	ok, reason := Health(src)
	assert.False(t, ok)
	assert.Contains(t, reason, "key capture lost")
	assert.Contains(t, src.Describe(), "1 reader(s) stopped")
}

func TestLinuxSourceStopIsNotAReaderFailure(t *testing.T) {
	exits := make(chan error, 1)
	src, _ := pipeSource(t, func(_ string, err error) { exits <- err })

	require.NoError(t, src.Start(context.Background(), func(RawEvent) Verdict { return Pass }))
	require.NoError(t, src.Stop())

	assert.Empty(t, exits)
	assert.NoError(t, src.Live())
}
