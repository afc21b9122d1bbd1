package singleflight

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDo_CoalescesConcurrentCalls(t *testing.T) {
	var g Group
	var calls int32
	start := make(chan struct{})

	var wg sync.WaitGroup
	results := make([]int, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			<-start
			v, _, err := g.Do("k", func() (interface{}, error) {
				atomic.AddInt32(&calls, 1)
				return 42, nil
			})
			require.NoError(t, err)
			results[idx] = v.(int)
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), calls)
	for _, r := range results {
		assert.Equal(t, 42, r)
	}
}

func TestDo_SeparateKeysRunIndependently(t *testing.T) {
	var g Group
	v1, _, err := g.Do("a", func() (interface{}, error) { return "a-val", nil })
	require.NoError(t, err)
	v2, _, err := g.Do("b", func() (interface{}, error) { return "b-val", nil })
	require.NoError(t, err)
	assert.Equal(t, "a-val", v1)
	assert.Equal(t, "b-val", v2)
}

func TestDo_SubsequentCallAfterCompletionRunsAgain(t *testing.T) {
	var g Group
	var calls int32
	fn := func() (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		return nil, nil
	}
	_, _, _ = g.Do("k", fn)
	_, _, _ = g.Do("k", fn)
	assert.Equal(t, int32(2), calls)
}
