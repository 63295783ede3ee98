package relay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRegistryKillAll(t *testing.T) {
	r := NewRegistry()

	var sessions []*Session
	for i := 0; i < 5; i++ {
		s := NewSession(uint32(100+i), &fakeClient{}, &fakeRemote{})
		r.Add(s)
		sessions = append(sessions, s)
	}
	require.Equal(t, 5, r.Len())

	sessions[0].Kill()
	require.Eventually(t, func() bool { return r.Len() == 4 }, 2*time.Second, time.Millisecond)

	r.KillAll()
	for _, s := range sessions {
		require.True(t, s.Dead())
		waitClosed(t, s.Done())
	}
	require.Eventually(t, func() bool { return r.Len() == 0 }, 2*time.Second, time.Millisecond)
}
