package failsafe

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func waitExpiry(t *testing.T, m *Manager, within time.Duration) Expiry {
	t.Helper()
	select {
	case e := <-m.Expired():
		return e
	case <-time.After(within):
		t.Fatalf("no expiry within %v", within)
		return Expiry{}
	}
}

func TestArmFires(t *testing.T) {
	m := NewManager(nil)
	defer m.Close()

	start := time.Now()
	deadline := start.Add(50 * time.Millisecond)
	m.Arm("garden", "s1", deadline)

	require.Equal(t, State{Armed: true, SessionID: "s1", Deadline: deadline}, m.Armed("garden"))

	e := waitExpiry(t, m, time.Second)
	require.Equal(t, "garden", e.ValveID)
	require.Equal(t, "s1", e.SessionID)
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	require.False(t, m.Armed("garden").Armed)
}

func TestDeadlineBound(t *testing.T) {
	m := NewManager(nil)
	defer m.Close()

	const d = 80 * time.Millisecond
	const epsilon = 200 * time.Millisecond
	start := time.Now()
	m.Arm("garden", "s1", start.Add(d))

	waitExpiry(t, m, d+epsilon)
	require.Less(t, time.Since(start), d+epsilon)
}

func TestRearmReplaces(t *testing.T) {
	m := NewManager(nil)
	defer m.Close()

	now := time.Now()
	m.Arm("garden", "s1", now.Add(30*time.Millisecond))
	m.Arm("garden", "s2", now.Add(60*time.Millisecond))
	require.Equal(t, 1, m.Count())

	e := waitExpiry(t, m, time.Second)
	require.Equal(t, "s2", e.SessionID)

	select {
	case extra := <-m.Expired():
		t.Fatalf("replaced timer fired: %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCancel(t *testing.T) {
	m := NewManager(nil)
	defer m.Close()

	m.Arm("garden", "s1", time.Now().Add(30*time.Millisecond))
	require.NoError(t, m.Cancel("garden"))
	require.True(t, errors.Is(m.Cancel("garden"), ErrNoTimer))

	select {
	case e := <-m.Expired():
		t.Fatalf("cancelled timer fired: %+v", e)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPastDeadlineFiresImmediately(t *testing.T) {
	m := NewManager(nil)
	defer m.Close()

	m.Arm("garden", "s1", time.Now().Add(-time.Minute))
	e := waitExpiry(t, m, 200*time.Millisecond)
	require.Equal(t, "s1", e.SessionID)
}

func TestValvesIndependent(t *testing.T) {
	m := NewManager(nil)
	defer m.Close()

	now := time.Now()
	m.Arm("front", "a", now.Add(20*time.Millisecond))
	m.Arm("back", "b", now.Add(40*time.Millisecond))
	require.NoError(t, m.Cancel("back"))

	e := waitExpiry(t, m, time.Second)
	require.Equal(t, "front", e.ValveID)
	require.Equal(t, 0, m.Count())
}

func TestCloseCancelsAll(t *testing.T) {
	m := NewManager(nil)
	now := time.Now()
	m.Arm("front", "a", now.Add(20*time.Millisecond))
	m.Arm("back", "b", now.Add(20*time.Millisecond))
	m.Close()
	require.Equal(t, 0, m.Count())

	// Arm after close is ignored.
	m.Arm("front", "c", now)
	require.Equal(t, 0, m.Count())

	select {
	case e := <-m.Expired():
		t.Fatalf("timer fired after close: %+v", e)
	case <-time.After(100 * time.Millisecond):
	}
}
