package session

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreLifecycle(t *testing.T) {
	store := NewStore()

	sess, err := store.Create("conn-1")
	require.NoError(t, err)
	assert.Equal(t, "conn-1", sess.ConnectionID)
	assert.Equal(t, -1, sess.ChainIndex)

	_, err = store.Create("conn-1")
	assert.ErrorIs(t, err, ErrSessionExists)

	got, ok := store.Get("conn-1")
	require.True(t, ok)
	assert.Same(t, sess, got)
	assert.Same(t, sess, store.GetOrCreate("conn-1"))

	store.Remove("conn-1")
	_, ok = store.Get("conn-1")
	assert.False(t, ok)
	assert.Equal(t, 0, store.Len())
}

func TestStoreConcurrentConnections(t *testing.T) {
	store := NewStore()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			connID := fmt.Sprintf("conn-%d", i)
			sess := store.GetOrCreate(connID)
			sess.Status = connID
			store.Get(connID)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 50, store.Len())
}

func TestCiraProgressOrdering(t *testing.T) {
	var p CiraProgress
	assert.Equal(t, CiraNone, p.Last())
	assert.False(t, p.Done(CiraNone))

	// Skipping a milestone is refused
	require.Error(t, p.Mark(CiraPolicyAlert))
	assert.Equal(t, CiraNone, p.Last())

	for step := CiraPolicyUserInitiated; step <= CiraEnvDetectionSetCIRA; step++ {
		require.NoError(t, p.Mark(step), step.String())
		assert.True(t, p.Done(step))
	}

	// Milestones are never re-marked or extended
	assert.Error(t, p.Mark(CiraPolicyUserInitiated))
	assert.Error(t, p.Mark(CiraEnvDetectionSetCIRA+1))

	completed := p.Completed()
	require.Len(t, completed, int(CiraEnvDetectionSetCIRA))
	for i, step := range completed {
		assert.Equal(t, CiraStep(i+1), step)
	}
}

func TestCiraStepNames(t *testing.T) {
	assert.Equal(t, "env-detection-cleared", CiraTeardownComplete.String())
	assert.Equal(t, "cira-step(99)", CiraStep(99).String())
}
