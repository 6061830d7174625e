// =============================================================================
// 文件: internal/cache/lru_test.go
// =============================================================================
package cache

import (
	"reflect"
	"sync"
	"testing"
)

type evictLog struct {
	mu   sync.Mutex
	keys []string
}

func (l *evictLog) record(key string, _ int) {
	l.mu.Lock()
	l.keys = append(l.keys, key)
	l.mu.Unlock()
}

func TestEvictsLeastRecentlyUsed(t *testing.T) {
	log := &evictLog{}
	c, err := New[string, int](2, log.record)
	if err != nil {
		t.Fatal(err)
	}

	c.Add("A", 1)
	c.Add("B", 2)
	if _, ok := c.Get("A"); !ok {
		t.Fatal("A 应存在")
	}
	if evicted := c.Add("C", 3); !evicted {
		t.Fatal("超出容量应发生淘汰")
	}

	if !reflect.DeepEqual(log.keys, []string{"B"}) {
		t.Fatalf("淘汰记录 = %v, want [B]", log.keys)
	}
	if _, ok := c.Get("B"); ok {
		t.Error("B 应已被淘汰")
	}
	for _, k := range []string{"A", "C"} {
		if _, ok := c.Get(k); !ok {
			t.Errorf("%s 应保留", k)
		}
	}
	if c.Len() != 2 {
		t.Errorf("Len = %d, want 2", c.Len())
	}
}

func TestEvictionWithoutAccess(t *testing.T) {
	log := &evictLog{}
	c, _ := New[string, int](3, log.record)

	for _, k := range []string{"a", "b", "c", "d"} {
		c.Add(k, 0)
	}

	if !reflect.DeepEqual(log.keys, []string{"a"}) {
		t.Fatalf("淘汰记录 = %v, want [a]", log.keys)
	}
	if _, ok := c.Get("a"); ok {
		t.Error("a 应已被淘汰")
	}
	for _, k := range []string{"b", "c", "d"} {
		if _, ok := c.Get(k); !ok {
			t.Errorf("%s 应保留", k)
		}
	}
}

func TestAddPromotes(t *testing.T) {
	log := &evictLog{}
	c, _ := New[string, int](2, log.record)

	c.Add("A", 1)
	c.Add("B", 2)
	c.Add("A", 10) // 更新值同时提升
	c.Add("C", 3)

	if !reflect.DeepEqual(log.keys, []string{"B"}) {
		t.Fatalf("淘汰记录 = %v, want [B]", log.keys)
	}
	if v, _ := c.Get("A"); v != 10 {
		t.Errorf("A = %d, want 10", v)
	}
}

func TestPurgeCallsCleanup(t *testing.T) {
	log := &evictLog{}
	c, _ := New[string, int](4, log.record)
	c.Add("x", 1)
	c.Add("y", 2)

	c.Purge()

	if len(log.keys) != 2 {
		t.Errorf("Purge 应对每个条目调用清理, got %v", log.keys)
	}
	if c.Len() != 0 {
		t.Error("Purge 后应为空")
	}
}

func TestInvalidSize(t *testing.T) {
	if _, err := New[string, int](0, nil); err == nil {
		t.Error("容量为 0 应报错")
	}
}

func TestConcurrentAccess(t *testing.T) {
	var evictions int
	var mu sync.Mutex
	c, _ := New[int, int](16, func(int, int) {
		mu.Lock()
		evictions++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				c.Add(base*1000+i, i)
				c.Get(base*1000 + i/2)
			}
		}(g)
	}
	wg.Wait()

	if c.Len() > c.Cap() {
		t.Fatalf("Len %d 超过容量 %d", c.Len(), c.Cap())
	}
	mu.Lock()
	defer mu.Unlock()
	if evictions != 800-c.Len() {
		t.Errorf("淘汰次数 = %d, want %d", evictions, 800-c.Len())
	}
}
