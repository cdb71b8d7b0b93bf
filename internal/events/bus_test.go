package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/fleetfs/pkg/api"
)

func TestSubscribeFiltersTopics(t *testing.T) {
	b := New(4)
	done := b.Subscribe(api.TopicCompleted)
	all := b.Subscribe()

	b.Publish(api.StatusEvent{Topic: api.TopicWaiting, TaskID: "1"})
	b.Publish(api.StatusEvent{Topic: api.TopicCompleted, TaskID: "1"})

	ev := <-done.C
	assert.Equal(t, api.TopicCompleted, ev.Topic)
	assert.Len(t, done.C, 0)
	assert.Len(t, all.C, 2)
}

func TestPublishDropsWhenFull(t *testing.T) {
	b := New(1)
	s := b.Subscribe(api.TopicWaiting)
	b.Publish(api.StatusEvent{Topic: api.TopicWaiting, TaskID: "1"})
	b.Publish(api.StatusEvent{Topic: api.TopicWaiting, TaskID: "2"})
	assert.EqualValues(t, 1, b.Dropped())
	ev := <-s.C
	assert.Equal(t, "1", ev.TaskID)
}

func TestCloseSubscription(t *testing.T) {
	b := New(1)
	s := b.Subscribe()
	s.Close()
	s.Close()
	_, ok := <-s.C
	assert.False(t, ok)
	b.Publish(api.StatusEvent{Topic: api.TopicWaiting})
	assert.EqualValues(t, 0, b.Dropped())
}

func TestCloseBus(t *testing.T) {
	b := New(1)
	s := b.Subscribe()
	b.Close()
	_, ok := <-s.C
	require.False(t, ok)
	s.Close()
	late := b.Subscribe()
	_, ok = <-late.C
	assert.False(t, ok)
	b.Publish(api.StatusEvent{Topic: api.TopicFailed})
}
