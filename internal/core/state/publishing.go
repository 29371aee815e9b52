package state

// PublishingState names a step in a publisher's local media pipeline.
type PublishingState string

const (
	NotPublishing       PublishingState = "NotPublishing"
	GetUserMedia        PublishingState = "GetUserMedia"
	BindingMedia        PublishingState = "BindingMedia"
	MediaBound          PublishingState = "MediaBound"
	PublishingToSession PublishingState = "PublishingToSession"
	Publishing          PublishingState = "Publishing"
	PublishingFailed    PublishingState = "Failed"
)

var publishingStates = []PublishingState{
	NotPublishing, GetUserMedia, BindingMedia, MediaBound,
	PublishingToSession, Publishing, PublishingFailed,
}

var publishingTransitions = map[PublishingState][]PublishingState{
	NotPublishing:       {GetUserMedia},
	GetUserMedia:        {BindingMedia, PublishingFailed, NotPublishing},
	BindingMedia:        {MediaBound, PublishingFailed, NotPublishing},
	MediaBound:          {PublishingToSession, PublishingFailed, NotPublishing},
	PublishingToSession: {Publishing, PublishingFailed, NotPublishing},
	Publishing:          {MediaBound, PublishingFailed, NotPublishing},
	PublishingFailed:    {NotPublishing},
}

// PublishingMachine is the single source of truth for a publisher's state.
type PublishingMachine struct {
	*Machine[PublishingState]
}

// NewPublishingMachine returns a machine in NotPublishing.
func NewPublishingMachine() *PublishingMachine {
	return &PublishingMachine{
		Machine: NewMachine(NotPublishing, publishingStates, publishingTransitions),
	}
}

// IsDestroyed reports whether the publisher is back at rest.
func (m *PublishingMachine) IsDestroyed() bool {
	return m.Is(NotPublishing)
}

// IsAttemptingToPublish covers the three in-flight states.
func (m *PublishingMachine) IsAttemptingToPublish() bool {
	return m.Is(GetUserMedia, BindingMedia, PublishingToSession)
}

// IsPublishing reports whether the stream is live in the session.
func (m *PublishingMachine) IsPublishing() bool {
	return m.Is(Publishing)
}

// IsFailed reports whether the pipeline failed.
func (m *PublishingMachine) IsFailed() bool {
	return m.Is(PublishingFailed)
}
