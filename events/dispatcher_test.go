package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEvent struct {
	typ string
}

func (e testEvent) EventType() string { return e.typ }

func TestDispatchOrder(t *testing.T) {
	d := NewDispatcher()

	var got []string
	d.On("call.created", func(Event) { got = append(got, "first") })
	d.On("call.created", func(Event) { got = append(got, "second") })
	d.On("call.ring", func(Event) { got = append(got, "other") })

	d.Dispatch(testEvent{typ: "call.created"})

	require.Equal(t, []string{"first", "second"}, got)
}

func TestWildcardRunsAfterTyped(t *testing.T) {
	d := NewDispatcher()

	var got []string
	d.On(TypeAll, func(ev Event) { got = append(got, "all:"+ev.EventType()) })
	d.On("call.ring", func(Event) { got = append(got, "typed") })

	d.Dispatch(testEvent{typ: "call.ring"})
	d.Dispatch(testEvent{typ: "call.ended"})

	require.Equal(t, []string{"typed", "all:call.ring", "all:call.ended"}, got)
}

func TestUnregisterRemovesByHandle(t *testing.T) {
	d := NewDispatcher()

	count := 0
	fn := func(Event) { count++ }
	off1 := d.On("ev", fn)
	off2 := d.On("ev", fn)

	d.Dispatch(testEvent{typ: "ev"})
	require.Equal(t, 2, count)

	// Same func value registered twice: removing one handle must leave
	// the other registration intact.
	off1()
	d.Dispatch(testEvent{typ: "ev"})
	assert.Equal(t, 3, count)

	off2()
	off2() // double unregister is a no-op
	d.Dispatch(testEvent{typ: "ev"})
	assert.Equal(t, 3, count)
}

func TestPanickingHandlerDoesNotBlockDelivery(t *testing.T) {
	d := NewDispatcher()

	var reached bool
	d.On("ev", func(Event) { panic("boom") })
	d.On("ev", func(Event) { reached = true })

	require.NotPanics(t, func() {
		d.Dispatch(testEvent{typ: "ev"})
	})
	assert.True(t, reached)
}

func TestDispatchNoHandlers(t *testing.T) {
	d := NewDispatcher()
	require.NotPanics(t, func() {
		d.Dispatch(testEvent{typ: "nobody.cares"})
	})
}
