package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishingMachine_HappyPath(t *testing.T) {
	m := NewPublishingMachine()
	var seen []Transition[PublishingState]
	m.OnChange(func(tr Transition[PublishingState]) { seen = append(seen, tr) })

	for _, next := range []PublishingState{GetUserMedia, BindingMedia, MediaBound, PublishingToSession, Publishing} {
		require.True(t, m.Set(next), "transition to %s", next)
	}

	assert.True(t, m.IsPublishing())
	assert.False(t, m.IsAttemptingToPublish())
	assert.Equal(t, PublishingToSession, m.Previous())
	assert.Len(t, seen, 5)
}

func TestPublishingMachine_RejectsShortcut(t *testing.T) {
	m := NewPublishingMachine()
	var reported error
	m.OnError(func(err error) { reported = err })

	assert.False(t, m.Set(Publishing))
	assert.Equal(t, NotPublishing, m.Current())

	var invalid *InvalidTransitionError[PublishingState]
	require.ErrorAs(t, reported, &invalid)
	assert.Equal(t, NotPublishing, invalid.From)
	assert.Equal(t, Publishing, invalid.To)
}

func TestPublishingMachine_NotPublishingFromEveryOtherState(t *testing.T) {
	paths := map[PublishingState][]PublishingState{
		GetUserMedia:        {GetUserMedia},
		BindingMedia:        {GetUserMedia, BindingMedia},
		MediaBound:          {GetUserMedia, BindingMedia, MediaBound},
		PublishingToSession: {GetUserMedia, BindingMedia, MediaBound, PublishingToSession},
		Publishing:          {GetUserMedia, BindingMedia, MediaBound, PublishingToSession, Publishing},
		PublishingFailed:    {GetUserMedia, PublishingFailed},
	}

	for target, path := range paths {
		t.Run(string(target), func(t *testing.T) {
			m := NewPublishingMachine()
			for _, s := range path {
				require.True(t, m.Set(s))
			}
			assert.True(t, m.Set(NotPublishing))
			assert.True(t, m.IsDestroyed())
		})
	}
}

func TestPublishingMachine_Predicates(t *testing.T) {
	tests := []struct {
		path       []PublishingState
		attempting bool
		publishing bool
	}{
		{nil, false, false},
		{[]PublishingState{GetUserMedia}, true, false},
		{[]PublishingState{GetUserMedia, BindingMedia}, true, false},
		{[]PublishingState{GetUserMedia, BindingMedia, MediaBound}, false, false},
		{[]PublishingState{GetUserMedia, BindingMedia, MediaBound, PublishingToSession}, true, false},
		{[]PublishingState{GetUserMedia, BindingMedia, MediaBound, PublishingToSession, Publishing}, false, true},
		{[]PublishingState{GetUserMedia, PublishingFailed}, false, false},
	}

	for _, tt := range tests {
		m := NewPublishingMachine()
		for _, s := range tt.path {
			require.True(t, m.Set(s))
		}
		assert.Equal(t, tt.attempting, m.IsAttemptingToPublish(), "state %s", m.Current())
		assert.Equal(t, tt.publishing, m.IsPublishing(), "state %s", m.Current())
	}
}

func TestPublishingMachine_FailedOnlyLeadsToNotPublishing(t *testing.T) {
	m := NewPublishingMachine()
	require.True(t, m.Set(GetUserMedia))
	require.True(t, m.Set(PublishingFailed))

	assert.True(t, m.IsFailed())
	assert.False(t, m.CanTransition(GetUserMedia))
	assert.False(t, m.Set(Publishing))
	assert.True(t, m.CanTransition(NotPublishing))
}

func TestSubscribingMachine_Paths(t *testing.T) {
	t.Run("via peer", func(t *testing.T) {
		m := NewSubscribingMachine()
		for _, s := range []SubscribingState{Init, ConnectingToPeer, BindingRemoteStream, Subscribing} {
			require.True(t, m.Set(s))
		}
		assert.True(t, m.IsSubscribing())
	})

	t.Run("direct bind", func(t *testing.T) {
		m := NewSubscribingMachine()
		require.True(t, m.Set(Init))
		require.True(t, m.Set(BindingRemoteStream))
		assert.True(t, m.IsAttemptingToSubscribe())
	})

	t.Run("cannot negotiate before init", func(t *testing.T) {
		m := NewSubscribingMachine()
		assert.False(t, m.Set(ConnectingToPeer))
		assert.Equal(t, NotSubscribing, m.Current())
	})

	t.Run("init cannot fail directly", func(t *testing.T) {
		m := NewSubscribingMachine()
		require.True(t, m.Set(Init))
		assert.False(t, m.Set(SubscribingFailed))
	})

	t.Run("failed from active states", func(t *testing.T) {
		m := NewSubscribingMachine()
		require.True(t, m.Set(Init))
		require.True(t, m.Set(ConnectingToPeer))
		require.True(t, m.Set(SubscribingFailed))
		assert.True(t, m.IsFailed())
		assert.False(t, m.IsAttemptingToSubscribe())
		assert.True(t, m.Set(NotSubscribing))
	})
}

func TestNewMachine_PanicsOnUnknownStates(t *testing.T) {
	type s string
	assert.Panics(t, func() {
		NewMachine[s]("a", []s{"b"}, nil)
	})
	assert.Panics(t, func() {
		NewMachine[s]("a", []s{"a"}, map[s][]s{"a": {"z"}})
	})
}
