package alerting

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/latticeproject/lattice/journal"
)

// recordingJournal captures recorded events for assertions.
type recordingJournal struct {
	journal.EventTypeRegistry

	events []journal.Event
}

func newRecordingJournal() *recordingJournal {
	return &recordingJournal{EventTypeRegistry: journal.NewEventTypeRegistry(nil)}
}

func (r *recordingJournal) RecordEvent(evtType journal.EventType, supplier func() interface{}) {
	if !evtType.Enabled() {
		return
	}
	r.events = append(r.events, journal.Event{EventType: evtType, Data: supplier()})
}

func (r *recordingJournal) Close() error { return nil }

func TestAlerting(t *testing.T) {
	j := newRecordingJournal()
	a := NewAlertingSystem(j)

	al1 := a.AddAlertType("engine", "manager-heartbeat")
	al2 := a.AddAlertType("store", "disk-space")

	l := a.GetAlerts()
	require.Len(t, l, 2)
	require.Equal(t, al1, l[0].Type)
	require.Equal(t, al2, l[1].Type)

	for _, alert := range l {
		require.False(t, alert.Active)
		require.Nil(t, alert.LastActive)
		require.Nil(t, alert.LastResolved)
	}

	a.Raise(al1, "test")
	require.True(t, a.IsRaised(al1))
	require.False(t, a.IsRaised(al2))

	for _, alert := range l { // check for no magic mutations
		require.False(t, alert.Active)
		require.Nil(t, alert.LastActive)
		require.Nil(t, alert.LastResolved)
	}

	l = a.GetAlerts()
	require.Len(t, l, 2)
	require.Equal(t, al1, l[0].Type)
	require.Equal(t, al2, l[1].Type)

	require.True(t, l[0].Active)
	require.NotNil(t, l[0].LastActive)
	require.Equal(t, "raised", l[0].LastActive.Type)
	require.Equal(t, json.RawMessage(`"test"`), l[0].LastActive.Message)
	require.Nil(t, l[0].LastResolved)

	require.False(t, l[1].Active)
	require.Nil(t, l[1].LastActive)
	require.Nil(t, l[1].LastResolved)

	require.Len(t, j.events, 1)

	a.Resolve(al1, "all good")

	l = a.GetAlerts()
	require.False(t, l[0].Active)
	require.NotNil(t, l[0].LastResolved)
	require.Equal(t, "resolved", l[0].LastResolved.Type)
	require.Len(t, j.events, 2)
}
