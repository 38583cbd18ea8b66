package voice

// State is the position of a call in the webhook state machine. It is stored
// in the cached session between webhook invocations.
type State string

const (
	StateRouting       State = "Routing"
	StateGreeting      State = "Greeting"
	StateAwaitingInput State = "AwaitingInput"
	StateProcessing    State = "Processing"
	StateEnding        State = "Ending"
	StateTransferring  State = "Transferring"
)

// Event drives a transition between states.
type Event string

const (
	EventRouted   Event = "routed"
	EventGreeted  Event = "greeted"
	EventSpeech   Event = "speech"
	EventContinue Event = "continue"
	EventHold     Event = "hold"
	EventEnd      Event = "end"
	EventTransfer Event = "transfer"
	EventFail     Event = "fail"
)

var transitions = map[State]map[Event]State{
	StateRouting: {
		EventRouted: StateGreeting,
		EventFail:   StateEnding,
	},
	StateGreeting: {
		EventGreeted: StateAwaitingInput,
		EventFail:    StateEnding,
	},
	StateAwaitingInput: {
		EventSpeech: StateProcessing,
		EventFail:   StateEnding,
	},
	StateProcessing: {
		EventContinue: StateAwaitingInput,
		EventHold:     StateAwaitingInput,
		EventEnd:      StateEnding,
		EventTransfer: StateTransferring,
		EventFail:     StateEnding,
	},
}

// transition returns the state reached from "from" on ev. Terminal states
// accept no events.
func transition(from State, ev Event) (State, bool) {
	to, ok := transitions[from][ev]
	return to, ok
}

// Terminal reports whether the call is over once s is reached.
func (s State) Terminal() bool {
	return s == StateEnding || s == StateTransferring
}
