package cache

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestParseURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"valid-redis", "redis://localhost:6379", false},
		{"valid-with-db", "redis://localhost:6379/0", false},
		{"empty", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseURL() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNew_UnreachableHost(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping unreachable host test in short mode")
	}

	ctx := t.Context()
	_, err := New(ctx, "redis://localhost:59999")
	if err == nil {
		t.Fatal("New() should return error for unreachable host")
	}
}

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := New(t.Context(), "redis://"+mr.Addr())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c, mr
}

func TestHealthCheck(t *testing.T) {
	c, mr := newTestCache(t)
	if err := c.HealthCheck(t.Context()); err != nil {
		t.Fatalf("HealthCheck() error = %v", err)
	}
	mr.Close()
	if err := c.HealthCheck(t.Context()); err == nil {
		t.Error("HealthCheck() should fail once the server is gone")
	}
}

func TestResponseCache_GetSet(t *testing.T) {
	c, mr := newTestCache(t)
	rc := NewResponseCache(c)
	ctx := t.Context()

	if _, ok, err := rc.Get(ctx, "k"); ok || err != nil {
		t.Fatalf("Get(missing) = %v, %v; want miss", ok, err)
	}
	if err := rc.Set(ctx, "k", []byte(`{"score":1}`), time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	got, ok, err := rc.Get(ctx, "k")
	if err != nil || !ok || string(got) != `{"score":1}` {
		t.Fatalf("Get() = %q, %v, %v", got, ok, err)
	}
	if !mr.Exists(responsePrefix + "k") {
		t.Error("value should be stored under the response prefix")
	}

	mr.FastForward(2 * time.Minute)
	if _, ok, _ := rc.Get(ctx, "k"); ok {
		t.Error("entry should expire after its ttl")
	}
}

func TestResponseCache_NoTTL(t *testing.T) {
	c, mr := newTestCache(t)
	rc := NewResponseCache(c)
	if err := rc.Set(t.Context(), "k", []byte("v"), 0); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if ttl := mr.TTL(responsePrefix + "k"); ttl != 0 {
		t.Errorf("TTL = %v, want none", ttl)
	}
}

func TestResponseCache_ServerDown(t *testing.T) {
	c, mr := newTestCache(t)
	rc := NewResponseCache(c)
	mr.Close()
	if _, _, err := rc.Get(t.Context(), "k"); err == nil {
		t.Error("Get() should report a connection error, not a miss")
	}
	if err := rc.Set(t.Context(), "k", []byte("v"), time.Second); err == nil {
		t.Error("Set() should fail when the server is down")
	}
}

func TestResponseCache_SharedAcrossClients(t *testing.T) {
	c1, mr := newTestCache(t)
	c2, err := New(t.Context(), "redis://"+mr.Addr())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer c2.Close()

	if err := NewResponseCache(c1).Set(t.Context(), "shared", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if _, ok, _ := NewResponseCache(c2).Get(t.Context(), "shared"); !ok {
		t.Error("second client should see the first client's entry")
	}
}
