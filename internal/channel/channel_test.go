package channel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/dbehnke/smartlock/internal/faults"
	"github.com/dbehnke/smartlock/internal/protocol"
	"github.com/dbehnke/smartlock/internal/protocol/zw101"
	"github.com/dbehnke/smartlock/internal/reassembly"
)

// scriptedLink answers each write with the next scripted reply, pushing
// it into the reassembler the way the receive interrupt would.
type scriptedLink struct {
	rx *reassembly.Reassembler

	mu      sync.Mutex
	replies [][]byte
	writes  [][]byte
	respond func(cmd []byte) []byte
	err     error
}

func (l *scriptedLink) Write(p []byte) (int, error) {
	l.mu.Lock()
	if l.err != nil {
		l.mu.Unlock()
		return 0, l.err
	}
	l.writes = append(l.writes, append([]byte(nil), p...))
	var reply []byte
	switch {
	case l.respond != nil:
		reply = l.respond(p)
	case len(l.replies) > 0:
		reply = l.replies[0]
		l.replies = l.replies[1:]
	}
	l.mu.Unlock()

	if reply != nil {
		l.inject(reply)
	}
	return len(p), nil
}

func (l *scriptedLink) inject(data []byte) {
	for _, b := range data {
		l.rx.OnByteReceived(b)
	}
	l.rx.OnInactivityTimeout()
}

func newTestChannel(t *testing.T, cfg Config) (*Channel, *scriptedLink) {
	t.Helper()

	rx := reassembly.New(reassembly.Config{Name: "test", Capacity: 256})
	link := &scriptedLink{rx: rx}
	cfg.Name = "test"
	cfg.Reassembler = rx
	cfg.Link = link
	if cfg.Validator == nil {
		cfg.Validator = protocol.FingerprintFrame
	}

	c, err := New(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		c.Stop()
	})
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	return c, link
}

func TestNewRequiresCollaborators(t *testing.T) {
	rx := reassembly.New(reassembly.Config{Name: "test"})
	link := &scriptedLink{rx: rx}

	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "no reassembler", cfg: Config{Link: link, Validator: protocol.Raw{}}},
		{name: "no link", cfg: Config{Reassembler: rx, Validator: protocol.Raw{}}},
		{name: "no validator", cfg: Config{Reassembler: rx, Link: link}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg, zerolog.Nop()); err == nil {
				t.Errorf("New() error = nil, want error")
			}
		})
	}
}

func TestSendAndWaitReturnsResponse(t *testing.T) {
	c, link := newTestChannel(t, Config{})
	ack := zw101.BuildAck(zw101.ACK_SUCCESS, 0x00, 0x05)
	link.replies = [][]byte{ack}

	got, err := c.SendAndWait(context.Background(), zw101.GetValidTemplateNum(), 200*time.Millisecond)
	if err != nil {
		t.Fatalf("SendAndWait() error = %v", err)
	}
	if !bytes.Equal(got, ack) {
		t.Errorf("SendAndWait() = %X, want %X", got, ack)
	}
	if !bytes.Equal(link.writes[0], zw101.GetValidTemplateNum()) {
		t.Errorf("Written command = %X, want %X", link.writes[0], zw101.GetValidTemplateNum())
	}
	if c.Mode() != Idle {
		t.Errorf("Mode() = %v after response, want %v", c.Mode(), Idle)
	}
}

func TestTimeoutReleasesLink(t *testing.T) {
	c, link := newTestChannel(t, Config{})
	ack := zw101.BuildAck(zw101.ACK_SUCCESS, 0x00, 0x01)
	link.replies = [][]byte{nil, ack}

	_, err := c.SendAndWait(context.Background(), zw101.GetValidTemplateNum(), 20*time.Millisecond)
	if !errors.Is(err, faults.ErrTimeout) {
		t.Fatalf("First SendAndWait() error = %v, want %v", err, faults.ErrTimeout)
	}
	if c.Mode() != Idle {
		t.Errorf("Mode() = %v after timeout, want %v", c.Mode(), Idle)
	}

	got, err := c.SendAndWait(context.Background(), zw101.GetValidTemplateNum(), 200*time.Millisecond)
	if err != nil {
		t.Fatalf("Second SendAndWait() error = %v", err)
	}
	if !bytes.Equal(got, ack) {
		t.Errorf("Second SendAndWait() = %X, want %X", got, ack)
	}
}

func TestStaleReadySignalIsDiscarded(t *testing.T) {
	c, link := newTestChannel(t, Config{})
	stale := zw101.BuildAck(zw101.ACK_NO_FINGER)
	fresh := zw101.BuildAck(zw101.ACK_SUCCESS, 0x00, 0x02)

	// A late response to an abandoned request still sitting in the slot.
	c.ready <- Frame{Data: stale, seq: 0}
	link.replies = [][]byte{fresh}

	got, err := c.SendAndWait(context.Background(), zw101.GetValidTemplateNum(), 200*time.Millisecond)
	if err != nil {
		t.Fatalf("SendAndWait() error = %v", err)
	}
	if !bytes.Equal(got, fresh) {
		t.Errorf("SendAndWait() = %X, want fresh %X", got, fresh)
	}
}

func TestStaleBufferedBytesAreCleared(t *testing.T) {
	c, link := newTestChannel(t, Config{})
	fresh := zw101.BuildAck(zw101.ACK_SUCCESS, 0x00, 0x03)

	// Half of an old frame, never completed by a silence period.
	for _, b := range zw101.BuildAck(zw101.ACK_NO_FINGER)[:6] {
		c.rx.OnByteReceived(b)
	}
	link.replies = [][]byte{fresh}

	got, err := c.SendAndWait(context.Background(), zw101.GetValidTemplateNum(), 200*time.Millisecond)
	if err != nil {
		t.Fatalf("SendAndWait() error = %v", err)
	}
	if !bytes.Equal(got, fresh) {
		t.Errorf("SendAndWait() = %X, want %X", got, fresh)
	}
}

func TestTryDoFailsWhileBusy(t *testing.T) {
	c, _ := newTestChannel(t, Config{})

	c.txLock <- struct{}{}
	defer func() { <-c.txLock }()

	_, err := c.TryDo(context.Background(), Request{Command: zw101.GetValidTemplateNum()})
	if !errors.Is(err, faults.ErrLinkBusy) {
		t.Errorf("TryDo() error = %v, want %v", err, faults.ErrLinkBusy)
	}
}

func TestDoHonoursContextWhileWaitingForLock(t *testing.T) {
	c, _ := newTestChannel(t, Config{})

	c.txLock <- struct{}{}
	defer func() { <-c.txLock }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := c.Do(ctx, Request{Command: zw101.GetValidTemplateNum()})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Do() error = %v, want %v", err, context.DeadlineExceeded)
	}
}

func TestConcurrentRequestsAreSerialised(t *testing.T) {
	c, link := newTestChannel(t, Config{Validator: protocol.RadioResponse})
	link.respond = func(cmd []byte) []byte {
		id := strings.TrimSuffix(strings.TrimPrefix(string(cmd), "AT+ID"), "\r\n")
		return []byte("+ID:" + id + "\r\nOK\r\n")
	}

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			cmd := []byte(fmt.Sprintf("AT+ID%d\r\n", id))
			got, err := c.SendAndWait(context.Background(), cmd, 500*time.Millisecond)
			if err != nil {
				errs <- fmt.Errorf("caller %d: %v", id, err)
				return
			}
			if want := fmt.Sprintf("+ID:%d\r\n", id); !strings.HasPrefix(string(got), want) {
				errs <- fmt.Errorf("caller %d got %q, want prefix %q", id, got, want)
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
}

func TestMatchHoldsBackUnrelatedFrames(t *testing.T) {
	c, link := newTestChannel(t, Config{})
	progress := zw101.BuildAck(zw101.ACK_SUCCESS, zw101.ENROLL_STEP_GET_IMAGE)
	final := zw101.BuildAck(zw101.ACK_SUCCESS, zw101.ENROLL_STEP_STORE_TEMPLATE)
	link.replies = [][]byte{append(append([]byte(nil), progress...), final...)}

	got, err := c.Do(context.Background(), Request{
		Command: zw101.AutoEnroll(1, 2, 0),
		Timeout: 200 * time.Millisecond,
		Match: func(frame []byte) bool {
			ack, err := zw101.Parse(frame)
			return err == nil && ack.Step() == zw101.ENROLL_STEP_STORE_TEMPLATE
		},
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if !bytes.Equal(got, final) {
		t.Errorf("Do() = %X, want %X", got, final)
	}
	if rejected := c.LastRejected(); !bytes.Equal(rejected, progress) {
		t.Errorf("LastRejected() = %X, want %X", rejected, progress)
	}
}

func TestAfterModeRoutesTrailingFrames(t *testing.T) {
	c, link := newTestChannel(t, Config{})
	first := zw101.BuildAck(zw101.ACK_SUCCESS, zw101.IDENTIFY_STEP_CHECK)
	second := zw101.BuildAck(zw101.ACK_SUCCESS, zw101.IDENTIFY_STEP_GET_IMAGE)
	link.replies = [][]byte{append(append([]byte(nil), first...), second...)}

	got, err := c.Do(context.Background(), Request{
		Command: zw101.AutoIdentify(2, zw101.IDENTIFY_ALL_TEMPLATES, 0),
		Timeout: 200 * time.Millisecond,
		After:   StreamingMode,
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if !bytes.Equal(got, first) {
		t.Errorf("Do() = %X, want %X", got, first)
	}

	select {
	case f := <-c.Frames():
		if !bytes.Equal(f.Data, second) {
			t.Errorf("Streamed frame = %X, want %X", f.Data, second)
		}
	case <-time.After(time.Second):
		t.Fatalf("Trailing frame was not streamed")
	}
	if c.Mode() != StreamingMode {
		t.Errorf("Mode() = %v, want %v", c.Mode(), StreamingMode)
	}
}

func TestTimeoutDiscardsPartialResponse(t *testing.T) {
	c, link := newTestChannel(t, Config{
		Validator:       protocol.RadioResponse,
		StreamValidator: protocol.Raw{},
		Mode:            StreamingMode,
	})
	link.replies = [][]byte{[]byte("+NAME:lo")}

	_, err := c.Do(context.Background(), Request{
		Command: []byte("AT+NAME?\r\n"),
		Timeout: 20 * time.Millisecond,
		After:   StreamingMode,
	})
	if !errors.Is(err, faults.ErrTimeout) {
		t.Fatalf("Do() error = %v, want %v", err, faults.ErrTimeout)
	}

	link.inject([]byte("1234"))
	select {
	case f := <-c.Frames():
		if string(f.Data) != "1234" {
			t.Errorf("Streamed frame = %q, want %q", f.Data, "1234")
		}
	case <-time.After(time.Second):
		t.Fatalf("Payload after timeout was not streamed")
	}
}

func TestInvalidPrefixIsSkipped(t *testing.T) {
	c, link := newTestChannel(t, Config{})
	ack := zw101.BuildAck(zw101.ACK_SUCCESS, 0x00, 0x07)
	link.replies = [][]byte{append([]byte{0x00, 0x13, 0x37}, ack...)}

	got, err := c.SendAndWait(context.Background(), zw101.GetValidTemplateNum(), 200*time.Millisecond)
	if err != nil {
		t.Fatalf("SendAndWait() error = %v", err)
	}
	if !bytes.Equal(got, ack) {
		t.Errorf("SendAndWait() = %X, want %X", got, ack)
	}
}

func TestWriteFailureIsLinkError(t *testing.T) {
	c, link := newTestChannel(t, Config{})
	link.err = errors.New("uart detached")

	_, err := c.SendAndWait(context.Background(), zw101.GetValidTemplateNum(), 200*time.Millisecond)
	if !errors.Is(err, faults.ErrLink) {
		t.Errorf("SendAndWait() error = %v, want %v", err, faults.ErrLink)
	}
	if c.Mode() != Idle {
		t.Errorf("Mode() = %v after link error, want %v", c.Mode(), Idle)
	}
}

func TestStreamingDeliversUnsolicitedFrames(t *testing.T) {
	c, link := newTestChannel(t, Config{})
	if err := c.SetMode(StreamingMode); err != nil {
		t.Fatalf("SetMode() error = %v", err)
	}

	frames := [][]byte{
		zw101.BuildAck(zw101.ACK_SUCCESS, zw101.ENROLL_STEP_GET_IMAGE),
		zw101.BuildAck(zw101.ACK_SUCCESS, zw101.ENROLL_STEP_GEN_FEATURE),
	}
	for _, f := range frames {
		link.inject(f)
	}

	for i, want := range frames {
		select {
		case f := <-c.Frames():
			if !bytes.Equal(f.Data, want) {
				t.Errorf("Frame %d = %X, want %X", i, f.Data, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("Frame %d not delivered", i)
		}
	}
}

func TestIdleDropsUnsolicitedFrames(t *testing.T) {
	c, link := newTestChannel(t, Config{})
	link.inject(zw101.BuildAck(zw101.ACK_SUCCESS))

	deadline := time.Now().Add(time.Second)
	for c.rx.Buffered() != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if n := c.rx.Buffered(); n != 0 {
		t.Errorf("Buffered() = %d, want 0", n)
	}
	select {
	case f := <-c.Frames():
		t.Errorf("Unexpected streamed frame %X", f.Data)
	default:
	}
}

func TestSetModeRejectedDuringRequest(t *testing.T) {
	c, _ := newTestChannel(t, Config{})

	c.rxMu.Lock()
	c.pending = &pendingRequest{seq: 99}
	c.rxMu.Unlock()

	if err := c.SetMode(StreamingMode); !errors.Is(err, faults.ErrLinkBusy) {
		t.Errorf("SetMode() error = %v, want %v", err, faults.ErrLinkBusy)
	}
}

func TestModeString(t *testing.T) {
	tests := []struct {
		mode Mode
		want string
	}{
		{Idle, "IDLE"},
		{AwaitingResponse, "AWAITING_RESPONSE"},
		{StreamingMode, "STREAMING"},
		{Mode(42), "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := tt.mode.String(); got != tt.want {
			t.Errorf("Mode(%d).String() = %q, want %q", tt.mode, got, tt.want)
		}
	}
}

func TestMissedCandidatesAreReported(t *testing.T) {
	rx := reassembly.New(reassembly.Config{Name: "missed", Capacity: 256, InboxSize: 1})
	link := &scriptedLink{rx: rx}
	c, err := New(Config{
		Reassembler: rx,
		Link:        link,
		Validator:   protocol.Raw{},
		Mode:        StreamingMode,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if c.Name() != "missed" {
		t.Errorf("Name() = %q, want the reassembler's name", c.Name())
	}

	// Three bursts before the owner runs: the inbox holds one post.
	for _, burst := range []string{"one", "two", "three"} {
		link.inject([]byte(burst))
	}
	if got := rx.MissedPosts(); got != 2 {
		t.Fatalf("MissedPosts() = %d, want 2", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		c.Stop()
	})
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	select {
	case f := <-c.Frames():
		if string(f.Data) != "onetwothree" {
			t.Errorf("Frame = %q, want merged bursts", f.Data)
		}
	case <-time.After(time.Second):
		t.Fatalf("No frame delivered")
	}
	if got := c.missed.Load(); got != 2 {
		t.Errorf("Reported missed candidates = %d, want 2", got)
	}
}
