package ids

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCorrelationID(t *testing.T) {
	t.Run("returns distinct parseable uuids", func(t *testing.T) {
		a, b := NewCorrelationID(), NewCorrelationID()

		_, err := uuid.Parse(a)
		require.NoError(t, err)
		assert.NotEqual(t, a, b)
	})
}

func TestNewClientID(t *testing.T) {
	t.Run("ids are valid and strictly increasing", func(t *testing.T) {
		prev := NewClientID()
		for i := 0; i < 100; i++ {
			next := NewClientID()
			_, err := ulid.Parse(next)
			require.NoError(t, err)
			require.Less(t, prev, next)
			prev = next
		}
	})

	t.Run("ids are unique across goroutines", func(t *testing.T) {
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			seen = make(map[string]struct{})
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 25; j++ {
					id := NewClientID()
					mu.Lock()
					seen[id] = struct{}{}
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Len(t, seen, 200)
	})
}
