package cache

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestNewMemory(t *testing.T) {
	c := NewMemory(time.Minute)
	defer c.Stop()

	if c.items == nil {
		t.Fatal("NewMemory() returned cache with nil items map")
	}
	if c.ttl != time.Minute {
		t.Errorf("NewMemory() ttl = %v, want %v", c.ttl, time.Minute)
	}
}

func TestMemoryCache_SetAndGet(t *testing.T) {
	c := NewMemory(time.Minute)
	defer c.Stop()

	c.Set("variant:img-1:thumbnail", []byte("jpeg bytes"))

	got, ok := c.Get("variant:img-1:thumbnail")
	if !ok {
		t.Error("Get() returned false for existing key")
	}
	if !bytes.Equal(got, []byte("jpeg bytes")) {
		t.Errorf("Get() = %q, want %q", got, "jpeg bytes")
	}
}

func TestMemoryCache_Get_NotFound(t *testing.T) {
	c := NewMemory(time.Minute)
	defer c.Stop()

	got, ok := c.Get("nonexistent")
	if ok {
		t.Error("Get() should return false for non-existent key")
	}
	if got != nil {
		t.Errorf("Get() should return nil for non-existent key, got %v", got)
	}
}

func TestMemoryCache_Get_Expired(t *testing.T) {
	c := NewMemory(50 * time.Millisecond)
	defer c.Stop()

	c.Set("key1", []byte("value1"))

	if _, ok := c.Get("key1"); !ok {
		t.Error("Get() should return true for fresh key")
	}

	time.Sleep(60 * time.Millisecond)

	if _, ok := c.Get("key1"); ok {
		t.Error("Get() should return false for expired key")
	}
}

func TestMemoryCache_SetWithTTL(t *testing.T) {
	c := NewMemory(time.Minute)
	defer c.Stop()

	c.SetWithTTL("key1", []byte("value1"), 50*time.Millisecond)

	if _, ok := c.Get("key1"); !ok {
		t.Error("Get() should return true for fresh key")
	}

	time.Sleep(60 * time.Millisecond)

	if _, ok := c.Get("key1"); ok {
		t.Error("Get() should return false after custom TTL expired")
	}
}

func TestMemoryCache_CopiesValue(t *testing.T) {
	c := NewMemory(time.Minute)
	defer c.Stop()

	src := []byte("original")
	c.Set("key", src)
	src[0] = 'X'

	got, ok := c.Get("key")
	if !ok {
		t.Fatal("Get() returned false")
	}
	if !bytes.Equal(got, []byte("original")) {
		t.Errorf("cached value aliased caller buffer: %q", got)
	}
}

func TestMemoryCache_Delete(t *testing.T) {
	c := NewMemory(time.Minute)
	defer c.Stop()

	c.Set("key1", []byte("value1"))
	c.Delete("key1")

	if _, ok := c.Get("key1"); ok {
		t.Error("Get() should return false after Delete()")
	}

	// Deleting a missing key stays quiet.
	c.Delete("nonexistent")
}

func TestMemoryCache_Clear(t *testing.T) {
	c := NewMemory(time.Minute)
	defer c.Stop()

	c.Set("key1", []byte("value1"))
	c.Set("key2", []byte("value2"))
	c.Set("key3", []byte("value3"))

	c.Clear()

	for _, key := range []string{"key1", "key2", "key3"} {
		if _, ok := c.Get(key); ok {
			t.Errorf("Get(%q) should return false after Clear()", key)
		}
	}
}

func TestMemoryCache_OverwriteValue(t *testing.T) {
	c := NewMemory(time.Minute)
	defer c.Stop()

	c.Set("key", []byte("value1"))
	c.Set("key", []byte("value2"))

	got, ok := c.Get("key")
	if !ok {
		t.Error("Get() returned false")
	}
	if !bytes.Equal(got, []byte("value2")) {
		t.Errorf("Get() = %q, want %q", got, "value2")
	}
}

func TestMemoryCache_ConcurrentAccess(t *testing.T) {
	c := NewMemory(time.Minute)
	defer c.Stop()

	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Set("shared-key", []byte{byte(idx), byte(j)})
			}
		}(i)
	}

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Get("shared-key")
			}
		}()
	}

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				c.Delete("shared-key")
				time.Sleep(time.Millisecond)
			}
		}()
	}

	wg.Wait()
}

func TestRedisCache_RoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)

	c, err := NewRedis(RedisConfig{Addr: mr.Addr()}, time.Minute)
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}
	defer c.Close()

	c.Set("variant:img-1:web", []byte("jpeg bytes"))

	got, ok := c.Get("variant:img-1:web")
	if !ok {
		t.Fatal("Get() returned false for existing key")
	}
	if !bytes.Equal(got, []byte("jpeg bytes")) {
		t.Fatalf("Get() = %q", got)
	}

	c.Delete("variant:img-1:web")
	if _, ok := c.Get("variant:img-1:web"); ok {
		t.Error("Get() should return false after Delete()")
	}
}

func TestRedisCache_PrefixIsolation(t *testing.T) {
	mr := miniredis.RunT(t)

	c, err := NewRedis(RedisConfig{Addr: mr.Addr(), Prefix: "test:"}, time.Minute)
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}
	defer c.Close()

	c.Set("key", []byte("value"))

	if !mr.Exists("test:key") {
		t.Error("key stored without the configured prefix")
	}

	c.Clear()
	if mr.Exists("test:key") {
		t.Error("Clear() left prefixed key behind")
	}
}
