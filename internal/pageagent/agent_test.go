package pageagent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/agusx1211/missionpilot/pkg/protocol"
)

type fakeHost struct {
	mu       sync.Mutex
	location string
	loader   bool
	dialog   bool
	missing  map[string]bool
}

func (h *fakeHost) Location() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.location
}

func (h *fakeHost) Navigate(_ context.Context, locator string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.missing[locator] {
		return ErrPageMissing
	}
	h.location = locator
	h.dialog = false
	return nil
}

func (h *fakeHost) LoaderPresent() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.loader
}

func (h *fakeHost) OpenDialog(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dialog = true
	return nil
}

func (h *fakeHost) DialogOpen() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dialog
}

func (h *fakeHost) set(fn func(*fakeHost)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fn(h)
}

type recorder struct {
	mu   sync.Mutex
	msgs []protocol.Message
}

func (r *recorder) Post(msg protocol.Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return true
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.msgs))
	for _, m := range r.msgs {
		out = append(out, m.Type)
	}
	return out
}

func (r *recorder) last() protocol.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.msgs) == 0 {
		return protocol.Message{}
	}
	return r.msgs[len(r.msgs)-1]
}

func newAgent(h *fakeHost) (*Agent, *recorder, *recorder) {
	up := &recorder{}
	frame := &recorder{}
	a := &Agent{Host: h, Up: up}
	a.init()
	a.Attach(frame)
	return a, up, frame
}

func TestRoutingKeepsPageCommandsAwayFromFrames(t *testing.T) {
	h := &fakeHost{location: "/missions/m1", loader: true}
	a, up, frame := newAgent(h)
	ctx := context.Background()

	a.route(ctx, protocol.MustNew(protocol.CmdProbeForLoader, nil).To(protocol.TargetFrames))
	if got := frame.types(); len(got) != 0 {
		t.Fatalf("frame received %v, want nothing", got)
	}
	if got := up.last().Type; got != protocol.EvtLoaderDetected {
		t.Fatalf("upstream = %q, want %q", got, protocol.EvtLoaderDetected)
	}

	a.route(ctx, protocol.MustNew(protocol.CmdBeginAutomation, protocol.BeginAutomation{MissionID: "m1"}).To(protocol.TargetFrames))
	a.route(ctx, protocol.MustNew(protocol.CmdEndAutomation, nil))
	got := frame.types()
	if len(got) != 2 || got[0] != protocol.CmdBeginAutomation || got[1] != protocol.CmdEndAutomation {
		t.Fatalf("frame received %v, want BEGIN then END", got)
	}
	if frame.last().Target != "" {
		t.Fatalf("broadcast kept target %q", frame.last().Target)
	}
}

func TestProbeWaitsForLoader(t *testing.T) {
	h := &fakeHost{location: "/missions/m1"}
	a, up, _ := newAgent(h)

	a.route(context.Background(), protocol.MustNew(protocol.CmdProbeForLoader, nil).To(protocol.TargetTop))
	if len(up.types()) != 0 {
		t.Fatalf("emitted %v before loader appeared", up.types())
	}
	h.set(func(h *fakeHost) { h.loader = true })
	a.poll()
	a.poll()
	got := up.types()
	if len(got) != 1 || got[0] != protocol.EvtLoaderDetected {
		t.Fatalf("events = %v, want one LOADER_DETECTED", got)
	}
}

func TestDialogTransitionsAndQuery(t *testing.T) {
	h := &fakeHost{location: "/missions/m1"}
	a, up, _ := newAgent(h)
	ctx := context.Background()

	a.route(ctx, protocol.MustNew(protocol.CmdOpenDialog, nil).To(protocol.TargetTop))
	if got := up.last().Type; got != protocol.EvtDialogOpened {
		t.Fatalf("after OPEN_DIALOG = %q, want %q", got, protocol.EvtDialogOpened)
	}

	a.route(ctx, protocol.MustNew(protocol.CmdQueryDialogStatus, protocol.Query{RequestID: "q1"}).To(protocol.TargetTop))
	reply := up.last()
	payload, _ := protocol.DecodeData[protocol.DialogStatus](reply)
	if reply.Type != protocol.EvtDialogOpened || payload.RequestID != "q1" {
		t.Fatalf("query reply = %s %+v", reply.Type, payload)
	}

	h.set(func(h *fakeHost) { h.dialog = false })
	a.poll()
	if got := up.last().Type; got != protocol.EvtDialogClosed {
		t.Fatalf("after close = %q, want %q", got, protocol.EvtDialogClosed)
	}
	n := len(up.types())
	a.poll()
	if len(up.types()) != n {
		t.Fatalf("repeated DIALOG_CLOSED without a transition")
	}
}

func TestNavigate(t *testing.T) {
	h := &fakeHost{location: "/lobby", missing: map[string]bool{"/missions/gone": true}}
	a, up, _ := newAgent(h)
	ctx := context.Background()

	a.route(ctx, protocol.MustNew(protocol.CmdNavigate, protocol.Navigate{MissionID: "m2", Locator: "/missions/m2"}))
	msg := up.last()
	loaded, _ := protocol.DecodeData[protocol.PageLoaded](msg)
	if msg.Type != protocol.EvtPageLoaded || loaded.MissionID != "m2" || loaded.Locator != "/missions/m2" {
		t.Fatalf("navigate = %s %+v", msg.Type, loaded)
	}

	a.route(ctx, protocol.MustNew(protocol.CmdNavigate, protocol.Navigate{MissionID: "gone", Locator: "/missions/gone"}))
	msg = up.last()
	missing, _ := protocol.DecodeData[protocol.PageMissing](msg)
	if msg.Type != protocol.EvtPageMissing || missing.MissionID != "gone" {
		t.Fatalf("navigate missing = %s %+v", msg.Type, missing)
	}
}

func TestRunRelaysFrameEventsAndKeepsAlive(t *testing.T) {
	h := &fakeHost{location: "/missions/m1"}
	up := &recorder{}
	a := &Agent{Host: h, Up: up, KeepAliveInterval: 10 * time.Millisecond, PollInterval: 5 * time.Millisecond}
	frame := &recorder{}
	detach := a.Attach(frame)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	a.FrameLink().Post(protocol.MustNew(protocol.EvtAgentReady, protocol.AgentReady{MissionID: "m1"}))
	deadline := time.After(2 * time.Second)
	for {
		var relayed, keepAlives int
		for _, typ := range up.types() {
			switch typ {
			case protocol.EvtAgentReady:
				relayed++
			case protocol.EvtKeepAlive:
				keepAlives++
			}
		}
		if relayed == 1 && keepAlives >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("events = %v, want AGENT_READY relayed and keep-alives", up.types())
		case <-time.After(5 * time.Millisecond):
		}
	}

	detach()
	a.Post(protocol.MustNew(protocol.CmdEndAutomation, nil))
	time.Sleep(20 * time.Millisecond)
	if got := frame.types(); len(got) != 0 {
		t.Fatalf("detached frame received %v", got)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() = %v", err)
	}
}
