package brook_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/brookhq/brook"
)

func TestSelectType(t *testing.T) {
	s := brook.SelectType("created", "deleted")

	assert.True(t, s(&brook.Event{Type: "created"}))
	assert.True(t, s(&brook.Event{Type: "deleted"}))
	assert.False(t, s(&brook.Event{Type: "updated"}))
}

func TestSelectStream(t *testing.T) {
	s := brook.SelectStream("abc")

	assert.True(t, s(&brook.Event{StreamID: "abc"}))
	assert.False(t, s(&brook.Event{StreamID: "def"}))
}

func TestSelectCombinators(t *testing.T) {
	created := brook.SelectType("created")
	onAbc := brook.SelectStream("abc")

	and := brook.SelectAnd(created, onAbc)
	assert.True(t, and(&brook.Event{Type: "created", StreamID: "abc"}))
	assert.False(t, and(&brook.Event{Type: "created", StreamID: "def"}))

	or := brook.SelectOr(created, onAbc)
	assert.True(t, or(&brook.Event{Type: "created", StreamID: "def"}))
	assert.True(t, or(&brook.Event{Type: "updated", StreamID: "abc"}))
	assert.False(t, or(&brook.Event{Type: "updated", StreamID: "def"}))
}
