package radiolink

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/dbehnke/smartlock/internal/channel"
	"github.com/dbehnke/smartlock/internal/faults"
	"github.com/dbehnke/smartlock/internal/reassembly"
)

// fakeModule replies to AT commands by prefix and records the session
// state seen while each command was on the wire.
type fakeModule struct {
	rx    *reassembly.Reassembler
	radio *Radio

	mu       sync.Mutex
	replies  map[string]string
	sessions []Session
}

func (f *fakeModule) Write(p []byte) (int, error) {
	cmd := strings.TrimSuffix(string(p), "\r\n")

	f.mu.Lock()
	if f.radio != nil {
		f.sessions = append(f.sessions, f.radio.Session())
	}
	reply, ok := f.replies[cmd]
	f.mu.Unlock()

	if ok {
		f.inject([]byte(reply))
	}
	return len(p), nil
}

func (f *fakeModule) inject(data []byte) {
	for _, b := range data {
		f.rx.OnByteReceived(b)
	}
	f.rx.OnInactivityTimeout()
}

type fixedPasscode string

func (p fixedPasscode) CheckPasscode(code string) (bool, error) {
	return code == string(p), nil
}

type recordingUnlocker struct {
	mu     sync.Mutex
	calls  []string
	denies []string
}

func (u *recordingUnlocker) Deny(source, credential string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.denies = append(u.denies, source)
}

func (u *recordingUnlocker) denied() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.denies)
}

func (u *recordingUnlocker) Unlock(source, credential string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls = append(u.calls, source)
	return nil
}

func (u *recordingUnlocker) count() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.calls)
}

func newTestRadio(t *testing.T, replies map[string]string) (*Radio, *fakeModule, *recordingUnlocker) {
	t.Helper()

	rx := reassembly.New(reassembly.Config{Name: Source, Capacity: 256})
	fake := &fakeModule{rx: rx, replies: replies}

	cfg := ChannelConfig(Source)
	cfg.Reassembler = rx
	cfg.Link = fake
	ch, err := channel.New(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("channel.New() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		ch.Stop()
	})
	ch.Start(ctx)

	unlocker := &recordingUnlocker{}
	rcfg := DefaultConfig()
	rcfg.CommandTimeout = 30 * time.Millisecond
	r := NewRadio(rcfg, ch, fixedPasscode("12345678"), unlocker, zerolog.Nop())
	fake.mu.Lock()
	fake.radio = r
	fake.mu.Unlock()
	return r, fake, unlocker
}

// servePayloads runs the transparent half of Run without the module setup.
func servePayloads(t *testing.T, r *Radio) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case f := <-r.ch.Frames():
				r.handlePayload(f.Data)
			}
		}
	}()
}

func waitUnlocks(t *testing.T, u *recordingUnlocker, want int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for u.count() != want {
		if time.Now().After(deadline) {
			t.Fatalf("Unlock calls = %d, want %d", u.count(), want)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestTransparentPasscodeUnlocks(t *testing.T) {
	r, fake, unlocker := newTestRadio(t, map[string]string{})
	servePayloads(t, r)

	fake.inject([]byte("12345678"))
	waitUnlocks(t, unlocker, 1)

	fake.inject([]byte("0000"))
	deadline := time.Now().Add(time.Second)
	for unlocker.denied() != 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if unlocker.denied() != 1 {
		t.Errorf("Deny calls after wrong passcode = %d, want 1", unlocker.denied())
	}
	if unlocker.count() != 1 {
		t.Errorf("Unlock calls after wrong passcode = %d, want 1", unlocker.count())
	}
}

func TestCommandSessionRouting(t *testing.T) {
	r, fake, unlocker := newTestRadio(t, map[string]string{
		"AT+NAME?": "+NAME:FrontDoor\r\nOK\r\n",
	})
	servePayloads(t, r)

	if r.Session() != Transparent {
		t.Fatalf("Session() = %v before command, want %v", r.Session(), Transparent)
	}

	name, err := r.GetName(context.Background())
	if err != nil {
		t.Fatalf("GetName() error = %v", err)
	}
	if name != "FrontDoor" {
		t.Errorf("GetName() = %q, want %q", name, "FrontDoor")
	}

	fake.mu.Lock()
	seen := append([]Session(nil), fake.sessions...)
	fake.mu.Unlock()
	if len(seen) != 1 || seen[0] != CommandSession {
		t.Errorf("Session during command = %v, want [command]", seen)
	}
	if r.Session() != Transparent {
		t.Errorf("Session() = %v after command, want %v", r.Session(), Transparent)
	}

	// The reply text must not have been treated as a passcode, and data
	// after the session goes to the passcode handler.
	fake.inject([]byte("12345678"))
	waitUnlocks(t, unlocker, 1)
}

func TestCommandTimeoutRestoresTransparent(t *testing.T) {
	r, fake, unlocker := newTestRadio(t, map[string]string{
		// Garbled reply without a terminator.
		"AT+VER?": "+VER:1.",
	})
	servePayloads(t, r)

	_, err := r.Version(context.Background())
	if !errors.Is(err, faults.ErrTimeout) {
		t.Fatalf("Version() error = %v, want %v", err, faults.ErrTimeout)
	}
	if r.Session() != Transparent {
		t.Errorf("Session() = %v after timeout, want %v", r.Session(), Transparent)
	}

	// Leftover session bytes would turn this into "+VER:1.12345678".
	fake.inject([]byte("12345678"))
	waitUnlocks(t, unlocker, 1)
}

func TestCommandErrorReply(t *testing.T) {
	r, _, _ := newTestRadio(t, map[string]string{
		"AT+TXPOWER=9": "ERROR\r\n",
	})

	err := r.SetTxPower(context.Background(), 9)
	if !errors.Is(err, faults.ErrLink) {
		t.Errorf("SetTxPower() error = %v, want %v", err, faults.ErrLink)
	}
}

func TestGetMAC(t *testing.T) {
	r, _, _ := newTestRadio(t, map[string]string{
		"AT+MAC?": "+MAC:AA:BB:CC:DD:EE:FF\r\nOK\r\n",
	})

	mac, err := r.GetMAC(context.Background())
	if err != nil {
		t.Fatalf("GetMAC() error = %v", err)
	}
	if mac != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("GetMAC() = %q", mac)
	}
	if info := r.GetInfo(); info.MAC != mac {
		t.Errorf("GetInfo().MAC = %q, want %q", info.MAC, mac)
	}
}

func TestExtractPasscode(t *testing.T) {
	tests := []struct {
		name   string
		in     string
		want   string
		wantOK bool
	}{
		{name: "digits", in: "12345678", want: "12345678", wantOK: true},
		{name: "line ending stripped", in: "1234\r\n", want: "1234", wantOK: true},
		{name: "sixteen digits", in: "1234567890123456", want: "1234567890123456", wantOK: true},
		{name: "too long", in: "12345678901234567", wantOK: false},
		{name: "no digits", in: "hello", wantOK: false},
		{name: "empty", in: "", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ExtractPasscode([]byte(tt.in))
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("ExtractPasscode(%q) = %q, %v, want %q, %v", tt.in, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestLinkChange(t *testing.T) {
	r, _, _ := newTestRadio(t, map[string]string{})

	if r.Connected() {
		t.Errorf("Connected() = true initially")
	}
	r.OnLinkChange(true)
	if !r.Connected() {
		t.Errorf("Connected() = false after connect")
	}
	r.OnLinkChange(false)
	if r.Connected() {
		t.Errorf("Connected() = true after disconnect")
	}
}

func TestRefreshFailsFastWhileCommandOpen(t *testing.T) {
	r, _, _ := newTestRadio(t, map[string]string{
		"AT+NAME?": "+NAME:FrontDoor\r\nOK\r\n",
		"AT+MAC?":  "+MAC:AA:BB:CC:DD:EE:FF\r\nOK\r\n",
	})

	// AT+DEV? gets no reply, so its session stays open until the timeout.
	done := make(chan error, 1)
	go func() {
		_, err := r.Devices(context.Background())
		done <- err
	}()
	deadline := time.Now().Add(time.Second)
	for r.Session() != CommandSession {
		if time.Now().After(deadline) {
			t.Fatalf("Session() never entered %v", CommandSession)
		}
		time.Sleep(100 * time.Microsecond)
	}

	if _, err := r.Refresh(context.Background()); !errors.Is(err, faults.ErrLinkBusy) {
		t.Errorf("Refresh() during command error = %v, want %v", err, faults.ErrLinkBusy)
	}
	if err := <-done; !errors.Is(err, faults.ErrTimeout) {
		t.Fatalf("Devices() error = %v, want %v", err, faults.ErrTimeout)
	}

	info, err := r.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if info.Name != "FrontDoor" || info.MAC != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("Refresh() = %+v", info)
	}
}
