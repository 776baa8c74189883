package pipeline

import (
	"fmt"
	"testing"
	"time"
)

func TestKeyCache(t *testing.T) {
	t.Run("hit and miss", func(t *testing.T) {
		c := newKeyCache(time.Minute, 10)
		c.Put("a@20200101000000", 1)

		id, ok := c.Get("a@20200101000000")
		if !ok || id != 1 {
			t.Errorf("expected hit with id 1, got %d %v", id, ok)
		}
		if _, ok := c.Get("missing"); ok {
			t.Error("expected miss")
		}
	})

	t.Run("expired entries are misses", func(t *testing.T) {
		c := newKeyCache(-time.Second, 10)
		c.Put("a", 1)
		if _, ok := c.Get("a"); ok {
			t.Error("expected expired entry to miss")
		}
	})

	t.Run("capacity is bounded", func(t *testing.T) {
		c := newKeyCache(time.Minute, 5)
		for i := 0; i < 20; i++ {
			c.Put(fmt.Sprintf("key-%d", i), int64(i))
		}
		if c.Len() > 5 {
			t.Errorf("cache grew past capacity: %d", c.Len())
		}
	})
}
