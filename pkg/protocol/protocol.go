// Package protocol defines the message vocabulary exchanged between the
// coordinator, the page agent and gameplay agents.
//
// Every message is a Message envelope: a type tag plus a JSON payload. The
// same envelope is used on in-process channels and, one JSON object per
// websocket frame or newline-terminated line, on the wire.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Commands sent downward (coordinator -> page agent -> gameplay agents).
const (
	CmdProbeForLoader    = "PROBE_FOR_LOADER"
	CmdOpenDialog        = "OPEN_DIALOG"
	CmdBeginAutomation   = "BEGIN_AUTOMATION"
	CmdEndAutomation     = "END_AUTOMATION"
	CmdQueryDialogStatus = "QUERY_DIALOG_STATUS"
	CmdQueryAgentReady   = "QUERY_AGENT_READY"
	CmdNavigate          = "NAVIGATE"
)

// Events sent upward (gameplay agents -> page agent -> coordinator).
const (
	EvtLoaderDetected    = "LOADER_DETECTED"
	EvtDialogOpened      = "DIALOG_OPENED"
	EvtDialogClosed      = "DIALOG_CLOSED"
	EvtAgentReady        = "AGENT_READY"
	EvtAutomationStarted = "AUTOMATION_STARTED"
	EvtMissionCompleted  = "MISSION_COMPLETED"
	EvtMissionProgress   = "MISSION_PROGRESS"
	EvtFatalError        = "FATAL_ERROR"
	EvtPageLoaded        = "PAGE_LOADED"
	EvtPageMissing       = "PAGE_MISSING"
	EvtKeepAlive         = "KEEP_ALIVE"
)

// Routing targets for downward commands.
const (
	TargetTop    = "top"    // hosting page only, never the sandboxed surface
	TargetFrames = "frames" // every frame, reaching the sandboxed agents
)

// Message is the envelope for all messages.
type Message struct {
	Type   string          `json:"type"`
	Target string          `json:"target,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// BeginAutomation asks gameplay agents to start their active loop.
type BeginAutomation struct {
	MissionID string `json:"missionId,omitempty"`
}

// Navigate asks the page agent to change the hosting page.
type Navigate struct {
	MissionID string `json:"missionId"`
	Locator   string `json:"locator"`
}

// Query is the payload of request/response commands.
type Query struct {
	RequestID string `json:"requestId"`
}

// DialogStatus is carried by DIALOG_OPENED / DIALOG_CLOSED. RequestID is set
// when the message answers QUERY_DIALOG_STATUS.
type DialogStatus struct {
	RequestID string `json:"requestId,omitempty"`
}

// AgentReady is the gameplay agent heartbeat.
type AgentReady struct {
	MissionID  string `json:"missionId,omitempty"`
	Automating bool   `json:"automating,omitempty"`
	Frame      string `json:"frame,omitempty"`
	RequestID  string `json:"requestId,omitempty"`
}

// AutomationStarted acknowledges BEGIN_AUTOMATION.
type AutomationStarted struct {
	MissionID string `json:"missionId,omitempty"`
}

// MissionCompleted reports that the finish screen was reached.
type MissionCompleted struct {
	MissionID string `json:"missionId"`
}

// MissionProgress is the summarized status report of a gameplay snapshot.
type MissionProgress struct {
	MissionID       string `json:"missionId,omitempty"`
	Screen          string `json:"screen"`
	LivesRemaining  int    `json:"livesRemaining"`
	EncounterIndex  int    `json:"encounterIndex"`
	TotalEncounters int    `json:"totalEncounters"`
}

// FatalError reports an unrecoverable gameplay failure.
type FatalError struct {
	MissionID string `json:"missionId,omitempty"`
	Reason    string `json:"reason"`
}

// PageLoaded reports the mission page currently displayed by the host.
type PageLoaded struct {
	MissionID string `json:"missionId,omitempty"`
	Locator   string `json:"locator"`
}

// PageMissing reports that a mission page no longer exists.
type PageMissing struct {
	MissionID string `json:"missionId,omitempty"`
	Locator   string `json:"locator"`
}

// KeepAlive prevents the coordinator host from recycling the coordinator.
type KeepAlive struct {
	Locator string `json:"locator,omitempty"`
}

// New creates a message from a type and payload. A nil payload yields a
// message without data.
func New(msgType string, payload any) (Message, error) {
	msg := Message{Type: msgType}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("encoding %s payload: %w", msgType, err)
		}
		msg.Data = data
	}
	return msg, nil
}

// MustNew is New for payloads that always marshal (the structs of this package).
func MustNew(msgType string, payload any) Message {
	msg, err := New(msgType, payload)
	if err != nil {
		panic(err)
	}
	return msg
}

// To returns a copy of msg routed to target.
func (m Message) To(target string) Message {
	m.Target = target
	return m
}

// IsCommand reports whether msgType travels downward.
func IsCommand(msgType string) bool {
	switch msgType {
	case CmdProbeForLoader, CmdOpenDialog, CmdBeginAutomation, CmdEndAutomation,
		CmdQueryDialogStatus, CmdQueryAgentReady, CmdNavigate:
		return true
	}
	return false
}

// Encode creates a JSON line from a message.
func Encode(msg Message) ([]byte, error) {
	line, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return append(line, '\n'), nil
}

// Decode parses a JSON line into a Message.
func Decode(line []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return Message{}, err
	}
	if msg.Type == "" {
		return Message{}, fmt.Errorf("message without type")
	}
	return msg, nil
}

// DecodeData unmarshals the Data field of a Message into the target struct.
// A message without data decodes to the zero value.
func DecodeData[T any](msg Message) (*T, error) {
	var v T
	if len(msg.Data) == 0 {
		return &v, nil
	}
	if err := json.Unmarshal(msg.Data, &v); err != nil {
		return nil, fmt.Errorf("decoding %s payload: %w", msg.Type, err)
	}
	return &v, nil
}

// Sink accepts a message without blocking and reports whether it was queued.
// Mailboxes and network links implement it; a false return means the message
// was dropped.
type Sink interface {
	Post(Message) bool
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Message) bool

func (f SinkFunc) Post(msg Message) bool { return f(msg) }

// Discard is a Sink that drops everything.
var Discard Sink = SinkFunc(func(Message) bool { return false })
