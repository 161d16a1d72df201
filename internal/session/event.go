package session

import (
	"time"

	"github.com/agusx1211/missionpilot/pkg/protocol"
)

// Event types. Events relayed from agents reuse the protocol names; the rest
// originate in the coordinator runtime (user intents, lookup results, timers).
const (
	EventStart            = "START"
	EventStop             = "STOP"
	EventRetry            = "RETRY"
	EventMissionFound     = "MISSION_FOUND"
	EventNoMissionFound   = "NO_MISSION_FOUND"
	EventLookupFailed     = "LOOKUP_FAILED"
	EventMissionRemoved   = "MISSION_REMOVED"
	EventNavigateRequired = "NAVIGATE_REQUIRED"
	EventTimeout          = "TIMEOUT"

	EventPageLoaded        = protocol.EvtPageLoaded
	EventLoaderDetected    = protocol.EvtLoaderDetected
	EventDialogOpened      = protocol.EvtDialogOpened
	EventDialogClosed      = protocol.EvtDialogClosed
	EventAgentReady        = protocol.EvtAgentReady
	EventAutomationStarted = protocol.EvtAutomationStarted
	EventMissionCompleted  = protocol.EvtMissionCompleted
	EventFatalError        = protocol.EvtFatalError
)

// Event is one input to Transition. Only the fields meaningful for Type are
// set.
type Event struct {
	Type      string `json:"type"`
	MissionID string `json:"missionId,omitempty"`
	Locator   string `json:"locator,omitempty"`
	Reason    string `json:"reason,omitempty"`

	// Key correlates lookup results with the lookup that produced them. An
	// empty key is accepted as matching the outstanding lookup.
	Key string `json:"key,omitempty"`
	// Automating is the heartbeat flag of AGENT_READY.
	Automating bool `json:"automating,omitempty"`
	// State and Seq identify the state entry a TIMEOUT was armed for.
	State State `json:"state,omitempty"`
	Seq   int   `json:"seq,omitempty"`
}

// CommandKind discriminates Command.
type CommandKind string

const (
	// CommandSend delivers Message through the page agent.
	CommandSend CommandKind = "send"
	// CommandNavigate asks the page agent to load a mission page. With
	// ConfirmClosed the runtime first re-polls the dialog status.
	CommandNavigate CommandKind = "navigate"
	// CommandLookupMission asks mission supply for the next eligible mission.
	CommandLookupMission CommandKind = "lookup_mission"
	// CommandMarkCleared records that a mission completed.
	CommandMarkCleared CommandKind = "mark_cleared"
	// CommandMarkDisabled records that a mission page is gone.
	CommandMarkDisabled CommandKind = "mark_disabled"
	// CommandStartTimer arms the liveness timeout of State/Seq.
	CommandStartTimer CommandKind = "start_timer"
	// CommandCancelTimer disarms any pending liveness timeout.
	CommandCancelTimer CommandKind = "cancel_timer"
)

// Command is one side effect requested by Transition.
type Command struct {
	Kind CommandKind `json:"kind"`

	Message protocol.Message `json:"message,omitempty"`

	MissionID     string   `json:"missionId,omitempty"`
	Locator       string   `json:"locator,omitempty"`
	ConfirmClosed bool     `json:"confirmClosed,omitempty"`
	Key           string   `json:"key,omitempty"`
	Attempt       int      `json:"attempt,omitempty"`
	Exclude       []string `json:"exclude,omitempty"`

	State   State         `json:"state,omitempty"`
	Seq     int           `json:"seq,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty"`
}

func send(msgType, target string, payload any) Command {
	return Command{Kind: CommandSend, Message: protocol.MustNew(msgType, payload).To(target)}
}
