package state

// SubscribingState names a step in a subscriber's remote media pipeline.
type SubscribingState string

const (
	NotSubscribing      SubscribingState = "NotSubscribing"
	Init                SubscribingState = "Init"
	ConnectingToPeer    SubscribingState = "ConnectingToPeer"
	BindingRemoteStream SubscribingState = "BindingRemoteStream"
	Subscribing         SubscribingState = "Subscribing"
	SubscribingFailed   SubscribingState = "Failed"
)

var subscribingStates = []SubscribingState{
	NotSubscribing, Init, ConnectingToPeer, BindingRemoteStream,
	Subscribing, SubscribingFailed,
}

var subscribingTransitions = map[SubscribingState][]SubscribingState{
	NotSubscribing:      {Init},
	Init:                {ConnectingToPeer, BindingRemoteStream, NotSubscribing},
	ConnectingToPeer:    {BindingRemoteStream, SubscribingFailed, NotSubscribing},
	BindingRemoteStream: {Subscribing, SubscribingFailed, NotSubscribing},
	Subscribing:         {SubscribingFailed, NotSubscribing},
	SubscribingFailed:   {NotSubscribing},
}

// SubscribingMachine is the single source of truth for a subscriber's state.
type SubscribingMachine struct {
	*Machine[SubscribingState]
}

// NewSubscribingMachine returns a machine in NotSubscribing.
func NewSubscribingMachine() *SubscribingMachine {
	return &SubscribingMachine{
		Machine: NewMachine(NotSubscribing, subscribingStates, subscribingTransitions),
	}
}

func (m *SubscribingMachine) IsDestroyed() bool {
	return m.Is(NotSubscribing)
}

// IsAttemptingToSubscribe covers Init and the two negotiation states.
func (m *SubscribingMachine) IsAttemptingToSubscribe() bool {
	return m.Is(Init, ConnectingToPeer, BindingRemoteStream)
}

func (m *SubscribingMachine) IsSubscribing() bool {
	return m.Is(Subscribing)
}

func (m *SubscribingMachine) IsFailed() bool {
	return m.Is(SubscribingFailed)
}
