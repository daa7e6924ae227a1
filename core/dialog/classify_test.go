package dialog

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	photo := &MediaRef{Handle: "AgAD", Kind: KindPhoto}
	tests := []struct {
		name   string
		ev     Event
		kind   FragmentKind
		reason RejectReason
		text   string
	}{
		{name: "text", ev: Event{Text: "Hello"}, kind: FragmentText, text: "Hello"},
		{name: "blank text", ev: Event{Text: "  \n"}, kind: FragmentRejected, reason: ReasonEmpty},
		{name: "photo with caption", ev: Event{Text: " look ", Media: photo}, kind: FragmentMedia, text: "look"},
		{name: "photo without caption", ev: Event{Media: photo}, kind: FragmentMedia},
		{name: "poll", ev: Event{Poll: true}, kind: FragmentPoll},
		{name: "sticker", ev: Event{Unsupported: "sticker"}, kind: FragmentRejected, reason: ReasonUnsupported},
		{name: "media without handle", ev: Event{Media: &MediaRef{Kind: KindVideo}}, kind: FragmentRejected, reason: ReasonUnsupported},
		{name: "media of unknown kind", ev: Event{Media: &MediaRef{Handle: "x", Kind: KindText}}, kind: FragmentRejected, reason: ReasonUnsupported},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frag := Classify(tt.ev)
			assert.Equal(t, tt.kind, frag.Kind)
			assert.Equal(t, tt.reason, frag.Reason)
			assert.Equal(t, tt.text, frag.Text)
		})
	}
}

func TestClassifyCopiesMedia(t *testing.T) {
	ref := &MediaRef{Handle: "a", Kind: KindAnimation}
	frag := Classify(Event{Media: ref})
	ref.Handle = "changed"
	assert.Equal(t, "a", frag.Media.Handle)
}

func TestTransitions(t *testing.T) {
	assert.True(t, CanTransition(StateMenu, StateConfirm))
	assert.True(t, CanTransition(StateConfirm, StateSent))
	assert.True(t, CanTransition(StateSent, StateCollecting))
	assert.False(t, CanTransition(StateMenu, StateSent))
	assert.False(t, CanTransition(StateCollecting, StateSent))
	assert.False(t, CanTransition(StateRecipient, StateConfirm))
	assert.ErrorIs(t, checkTransition(StateMenu, StateSent), ErrIllegalTransition)
}
