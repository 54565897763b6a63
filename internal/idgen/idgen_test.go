package idgen

import (
	"sync"
	"testing"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewKeyIsValidULID(t *testing.T) {
	k := NewKey()
	_, err := ulid.ParseStrict(k)
	require.NoError(t, err)
}

func TestKeysAreMonotonic(t *testing.T) {
	g := New()
	prev := g.NewKey()
	for i := 0; i < 1000; i++ {
		next := g.NewKey()
		assert.Less(t, prev, next)
		prev = next
	}
}

func TestKeysUniqueUnderConcurrency(t *testing.T) {
	g := New()
	var (
		mu   sync.Mutex
		seen = make(map[string]struct{})
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 250; i++ {
				k := g.NewKey()
				mu.Lock()
				seen[k] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 2000)
}
