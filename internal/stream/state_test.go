package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	legal := [][2]State{
		{StateDisconnected, StateConnecting},
		{StateConnecting, StateConnected},
		{StateConnecting, StateReconnecting},
		{StateConnected, StateReconnecting},
		{StateReconnecting, StateConnected},
		{StateReconnecting, StateReconnecting},
	}
	for _, pair := range legal {
		assert.True(t, CanTransition(pair[0], pair[1]), "%s -> %s", pair[0], pair[1])
	}

	illegal := [][2]State{
		{StateDisconnected, StateConnected},
		{StateConnected, StateConnecting},
		{StateClosed, StateConnecting},
		{StateClosed, StateReconnecting},
		{StateClosed, StateClosed},
	}
	for _, pair := range illegal {
		assert.False(t, CanTransition(pair[0], pair[1]), "%s -> %s", pair[0], pair[1])
	}
}

func TestEveryLiveStateCanClose(t *testing.T) {
	for _, s := range []State{StateDisconnected, StateConnecting, StateConnected, StateReconnecting} {
		assert.True(t, CanTransition(s, StateClosed), s)
	}
}
