package idgen

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Parallel()

	gen := New()
	assert.NotNil(t, gen)
	assert.NotNil(t, gen.sf)
}

func TestGenerateTaskID(t *testing.T) {
	t.Parallel()

	gen := New()

	id, err := gen.GenerateTaskID()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id, "task-"), id)

	n, ok := ParseTaskID(id)
	assert.True(t, ok)
	assert.Positive(t, n)
}

func TestGenerateTaskID_Increasing(t *testing.T) {
	t.Parallel()

	gen := New()
	var last uint64
	for i := 0; i < 100; i++ {
		id, err := gen.GenerateTaskID()
		require.NoError(t, err)
		n, ok := ParseTaskID(id)
		require.True(t, ok)
		assert.Greater(t, n, last)
		last = n
	}
}

func TestGenerateTaskID_Concurrent(t *testing.T) {
	t.Parallel()

	const workers, perWorker = 8, 50
	var (
		mu  sync.Mutex
		ids = make(map[string]bool)
		wg  sync.WaitGroup
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				id, err := GenerateTaskID()
				assert.NoError(t, err)
				mu.Lock()
				assert.False(t, ids[id], "duplicate id %s", id)
				ids[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, ids, workers*perWorker)
}

func TestParseTaskID(t *testing.T) {
	t.Parallel()

	testcases := []struct {
		name string
		id   string
		want uint64
		ok   bool
	}{
		{name: "valid", id: "task-42", want: 42, ok: true},
		{name: "wrong prefix", id: "vol-42", ok: false},
		{name: "not a number", id: "task-abc", ok: false},
		{name: "empty", id: "", ok: false},
	}

	for _, tc := range testcases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, ok := ParseTaskID(tc.id)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestDefaultGenerator(t *testing.T) {
	t.Parallel()

	assert.Same(t, DefaultGenerator(), DefaultGenerator())
}
