package engine

import (
	"sort"

	"github.com/rhuss/dialog/pkg/api"
	"github.com/rhuss/dialog/pkg/debug"
)

// Phase is a state of the conversation state machine:
//
//	INIT -> AWAITING_RESPONSE -> (TOOL_EXECUTION <-> AWAITING_RESPONSE) -> DONE | FAILED
type Phase string

const (
	PhaseInit             Phase = "INIT"
	PhaseAwaitingResponse Phase = "AWAITING_RESPONSE"
	PhaseToolExecution    Phase = "TOOL_EXECUTION"
	PhaseDone             Phase = "DONE"
	PhaseFailed           Phase = "FAILED"
)

// Terminal reports whether no further transition is possible.
func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseFailed
}

// ConversationState is the history and progress of one conversation. It is
// owned by a single Run call; turns are append-only.
type ConversationState struct {
	ID        string
	Phase     Phase
	Turns     []api.Turn
	Iteration int

	toolsUsed map[string]bool
}

// NewConversation seeds a conversation with a system turn and the user
// prompt. An empty system prompt is omitted.
func NewConversation(systemPrompt, prompt string) *ConversationState {
	s := &ConversationState{
		ID:        api.NewConversationID(),
		Phase:     PhaseInit,
		toolsUsed: make(map[string]bool),
	}
	if systemPrompt != "" {
		s.append(api.SystemTurn(systemPrompt))
	}
	s.append(api.UserTurn(prompt))
	return s
}

// ToolsUsed returns the sorted names of every tool executed so far.
func (s *ConversationState) ToolsUsed() []string {
	names := make([]string, 0, len(s.toolsUsed))
	for name := range s.toolsUsed {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *ConversationState) append(t api.Turn) {
	s.Turns = append(s.Turns, t)
}

func (s *ConversationState) markUsed(tool string) {
	if s.toolsUsed == nil {
		s.toolsUsed = make(map[string]bool)
	}
	s.toolsUsed[tool] = true
}

// transition moves to next. Leaving a terminal phase is a programming error
// and is ignored.
func (s *ConversationState) transition(next Phase) {
	if s.Phase.Terminal() {
		return
	}
	debug.Log(debug.Engine, "conversation transition",
		"conversation_id", s.ID,
		"from", s.Phase,
		"to", next,
		"iteration", s.Iteration,
	)
	s.Phase = next
}
