// Package pageagent implements the agent that lives on the hosting page. It
// executes page-level commands, routes gameplay commands to the surface
// frames and relays everything the frames report up to the coordinator.
package pageagent

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/agusx1211/missionpilot/internal/debug"
	"github.com/agusx1211/missionpilot/internal/eventq"
	"github.com/agusx1211/missionpilot/pkg/protocol"
)

// ErrPageMissing is returned by Host.Navigate when the mission page no longer
// exists.
var ErrPageMissing = errors.New("page missing")

// Host is the hosting page.
type Host interface {
	Location() string
	Navigate(ctx context.Context, locator string) error
	// LoaderPresent reports whether the entry point of the game surface is
	// visible on the page.
	LoaderPresent() bool
	OpenDialog(ctx context.Context) error
	DialogOpen() bool
}

// Agent is a page agent. Configure the exported fields before calling Run.
type Agent struct {
	Host Host
	// Up is the link to the coordinator.
	Up protocol.Sink

	KeepAliveInterval time.Duration
	// PollInterval paces loader probing and dialog transition detection.
	PollInterval time.Duration

	once   sync.Once
	inbox  *eventq.Mailbox[protocol.Message]
	events *eventq.Mailbox[protocol.Message]

	framesMu  sync.RWMutex
	frames    map[int]protocol.Sink
	nextFrame int

	// owned by Run
	probing    bool
	dialogOpen bool
}

func (a *Agent) init() {
	a.once.Do(func() {
		if a.KeepAliveInterval <= 0 {
			a.KeepAliveInterval = 20 * time.Second
		}
		if a.PollInterval <= 0 {
			a.PollInterval = 250 * time.Millisecond
		}
		if a.Up == nil {
			a.Up = protocol.Discard
		}
		a.inbox = eventq.NewMailbox[protocol.Message](64)
		a.events = eventq.NewMailbox[protocol.Message](256)
	})
}

// Post delivers a command from the coordinator.
func (a *Agent) Post(msg protocol.Message) bool {
	a.init()
	return a.inbox.Post(msg)
}

// FrameLink is the sink frames report their events to.
func (a *Agent) FrameLink() protocol.Sink {
	a.init()
	return a.events
}

// Attach registers a surface frame. Gameplay commands are broadcast to every
// attached frame. The returned function detaches it.
func (a *Agent) Attach(frame protocol.Sink) (detach func()) {
	a.framesMu.Lock()
	defer a.framesMu.Unlock()
	if a.frames == nil {
		a.frames = make(map[int]protocol.Sink)
	}
	a.nextFrame++
	id := a.nextFrame
	a.frames[id] = frame
	return func() {
		a.framesMu.Lock()
		defer a.framesMu.Unlock()
		delete(a.frames, id)
	}
}

// Run serves commands and relays frame events until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	a.init()
	if a.Host == nil {
		return errors.New("page agent has no host")
	}
	debug.LogKV("page", "agent started", "location", a.Host.Location())

	keepAlive := time.NewTicker(a.KeepAliveInterval)
	defer keepAlive.Stop()
	poll := time.NewTicker(a.PollInterval)
	defer poll.Stop()

	a.dialogOpen = a.Host.DialogOpen()
	a.keepAlive()
	for {
		select {
		case <-ctx.Done():
			debug.LogKV("page", "agent stopped")
			return nil
		case msg := <-a.inbox.C():
			a.route(ctx, msg)
		case msg := <-a.events.C():
			a.relay(msg)
		case <-poll.C:
			a.poll()
		case <-keepAlive.C:
			a.keepAlive()
		}
	}
}

// topOnly lists commands executed by the hosting page itself and never shown
// to the sandboxed surface.
func topOnly(msgType string) bool {
	switch msgType {
	case protocol.CmdProbeForLoader, protocol.CmdOpenDialog, protocol.CmdQueryDialogStatus, protocol.CmdNavigate:
		return true
	}
	return false
}

func (a *Agent) route(ctx context.Context, msg protocol.Message) {
	target := msg.Target
	if target == "" {
		target = protocol.TargetFrames
		if topOnly(msg.Type) {
			target = protocol.TargetTop
		}
	}
	if target == protocol.TargetFrames && topOnly(msg.Type) {
		debug.LogKV("page", "refusing to broadcast page command", "type", msg.Type)
		target = protocol.TargetTop
	}

	if target == protocol.TargetFrames {
		a.broadcast(msg)
		return
	}

	switch msg.Type {
	case protocol.CmdProbeForLoader:
		a.probing = true
		a.probe()
	case protocol.CmdOpenDialog:
		a.openDialog(ctx)
	case protocol.CmdQueryDialogStatus:
		payload, err := protocol.DecodeData[protocol.Query](msg)
		if err != nil {
			payload = &protocol.Query{}
		}
		evt := protocol.EvtDialogClosed
		if a.Host.DialogOpen() {
			evt = protocol.EvtDialogOpened
		}
		a.emit(evt, protocol.DialogStatus{RequestID: payload.RequestID})
	case protocol.CmdNavigate:
		payload, err := protocol.DecodeData[protocol.Navigate](msg)
		if err != nil {
			debug.LogKV("page", "bad NAVIGATE", "error", err)
			return
		}
		a.navigate(ctx, *payload)
	default:
		debug.LogKV("page", "ignoring top-level message", "type", msg.Type)
	}
}

func (a *Agent) broadcast(msg protocol.Message) {
	msg.Target = ""
	a.framesMu.RLock()
	frames := make([]protocol.Sink, 0, len(a.frames))
	for _, f := range a.frames {
		frames = append(frames, f)
	}
	a.framesMu.RUnlock()
	if len(frames) == 0 {
		debug.LogKV("page", "no frames attached", "type", msg.Type)
		return
	}
	for _, f := range frames {
		if !f.Post(msg) {
			debug.LogKV("page", "frame dropped message", "type", msg.Type)
		}
	}
}

func (a *Agent) relay(msg protocol.Message) {
	msg.Target = ""
	if !a.Up.Post(msg) {
		debug.LogKV("page", "upstream dropped event", "type", msg.Type)
	}
}

func (a *Agent) probe() {
	if !a.probing || !a.Host.LoaderPresent() {
		return
	}
	a.probing = false
	a.emit(protocol.EvtLoaderDetected, nil)
}

func (a *Agent) openDialog(ctx context.Context) {
	if err := a.Host.OpenDialog(ctx); err != nil {
		debug.LogKV("page", "open dialog failed", "error", err)
		return
	}
	a.probing = false
	a.syncDialog()
}

func (a *Agent) navigate(ctx context.Context, nav protocol.Navigate) {
	a.probing = false
	err := a.Host.Navigate(ctx, nav.Locator)
	switch {
	case errors.Is(err, ErrPageMissing):
		debug.LogKV("page", "mission page missing", "mission_id", nav.MissionID, "locator", nav.Locator)
		a.emit(protocol.EvtPageMissing, protocol.PageMissing{MissionID: nav.MissionID, Locator: nav.Locator})
	case err != nil:
		debug.LogKV("page", "navigation failed", "locator", nav.Locator, "error", err)
	default:
		a.emit(protocol.EvtPageLoaded, protocol.PageLoaded{MissionID: nav.MissionID, Locator: a.Host.Location()})
		a.syncDialog()
	}
}

func (a *Agent) poll() {
	a.probe()
	a.syncDialog()
}

// syncDialog reports dialog open/close transitions.
func (a *Agent) syncDialog() {
	open := a.Host.DialogOpen()
	if open == a.dialogOpen {
		return
	}
	a.dialogOpen = open
	if open {
		a.emit(protocol.EvtDialogOpened, protocol.DialogStatus{})
		return
	}
	a.emit(protocol.EvtDialogClosed, protocol.DialogStatus{})
}

func (a *Agent) keepAlive() {
	a.emit(protocol.EvtKeepAlive, protocol.KeepAlive{Locator: a.Host.Location()})
}

func (a *Agent) emit(msgType string, payload any) {
	msg, err := protocol.New(msgType, payload)
	if err != nil {
		debug.LogKV("page", "encode failed", "type", msgType, "error", err)
		return
	}
	a.relay(msg)
}
