package cache

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Addr != "localhost:6379" {
		t.Errorf("Addr = %v, want %v", cfg.Addr, "localhost:6379")
	}
	if cfg.Password != "" {
		t.Errorf("Password = %v, want empty string", cfg.Password)
	}
	if cfg.DB != 0 {
		t.Errorf("DB = %v, want %v", cfg.DB, 0)
	}
	if cfg.PoolSize != 10 {
		t.Errorf("PoolSize = %v, want %v", cfg.PoolSize, 10)
	}
	if cfg.MaxRetries != 3 {
		t.Errorf("MaxRetries = %v, want %v", cfg.MaxRetries, 3)
	}
	if cfg.ReadTimeout != 3*time.Second {
		t.Errorf("ReadTimeout = %v, want %v", cfg.ReadTimeout, 3*time.Second)
	}
}

func TestConfigFromURL(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		wantAddr string
		wantDB   int
		wantPass string
		wantErr  bool
	}{
		{"plain", "redis://localhost:6379", "localhost:6379", 0, "", false},
		{"with db", "redis://cache.internal:6380/3", "cache.internal:6380", 3, "", false},
		{"with password", "redis://:secret@localhost:6379/1", "localhost:6379", 1, "secret", false},
		{"bad scheme", "http://localhost:6379", "", 0, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := ConfigFromURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ConfigFromURL() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if cfg.Addr != tt.wantAddr {
				t.Errorf("Addr = %v, want %v", cfg.Addr, tt.wantAddr)
			}
			if cfg.DB != tt.wantDB {
				t.Errorf("DB = %v, want %v", cfg.DB, tt.wantDB)
			}
			if cfg.Password != tt.wantPass {
				t.Errorf("Password = %v, want %v", cfg.Password, tt.wantPass)
			}
			if cfg.PoolSize != 10 {
				t.Errorf("PoolSize = %v, want default %v", cfg.PoolSize, 10)
			}
		})
	}
}

func TestPrefixKey(t *testing.T) {
	tests := []struct {
		name      string
		keyPrefix string
		key       string
		want      string
	}{
		{"no prefix", "", "mykey", "mykey"},
		{"with prefix", "cache", "mykey", "cache:mykey"},
		{"empty key", "prefix", "", "prefix:"},
		{"complex prefix", "kpi:v1", "payload:1", "kpi:v1:payload:1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := prefixKey(tt.keyPrefix, tt.key)
			if got != tt.want {
				t.Errorf("prefixKey(%q, %q) = %q, want %q", tt.keyPrefix, tt.key, got, tt.want)
			}
		})
	}
}

func TestEncodeValue(t *testing.T) {
	tests := []struct {
		name  string
		value interface{}
		want  string
	}{
		{"string value", "hello", "hello"},
		{"byte slice", []byte("bytes"), "bytes"},
		{"struct value", struct{ Name string }{"test"}, `{"Name":"test"}`},
		{"int value", 42, "42"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := encodeValue(tt.value)
			if err != nil {
				t.Fatalf("encodeValue() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("encodeValue() = %q, want %q", got, tt.want)
			}
		})
	}

	if _, err := encodeValue(make(chan int)); err == nil {
		t.Error("encodeValue(chan) error = nil, want error")
	}
}

type fakeStore struct {
	data   map[string]string
	getErr error
	setErr error
	sets   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{data: make(map[string]string)}
}

func (f *fakeStore) Get(ctx context.Context, key string) (string, error) {
	if f.getErr != nil {
		return "", f.getErr
	}
	return f.data[key], nil
}

func (f *fakeStore) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	if f.setErr != nil {
		return f.setErr
	}
	data, err := encodeValue(value)
	if err != nil {
		return err
	}
	f.sets++
	f.data[key] = data
	return nil
}

func (f *fakeStore) Delete(ctx context.Context, keys ...string) error {
	for _, k := range keys {
		delete(f.data, k)
	}
	return nil
}

func TestCacheAside_Get(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	ca := NewCacheAside[[]int](store, time.Minute).WithKeyFunc(func(k string) string { return "test:" + k })

	loads := 0
	loader := func(ctx context.Context) ([]int, error) {
		loads++
		return []int{1, 2, 3}, nil
	}

	got, err := ca.Get(ctx, "k", loader)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(got) != 3 {
		t.Errorf("Get() = %v, want 3 items", got)
	}
	if store.data["test:k"] != "[1,2,3]" {
		t.Errorf("cached value = %q, want %q", store.data["test:k"], "[1,2,3]")
	}

	if _, err := ca.Get(ctx, "k", loader); err != nil {
		t.Fatalf("Get() second call error = %v", err)
	}
	if loads != 1 {
		t.Errorf("loader calls = %d, want 1", loads)
	}

	if err := ca.Invalidate(ctx, "k"); err != nil {
		t.Fatalf("Invalidate() error = %v", err)
	}
	if _, err := ca.Get(ctx, "k", loader); err != nil {
		t.Fatalf("Get() after invalidate error = %v", err)
	}
	if loads != 2 {
		t.Errorf("loader calls after invalidate = %d, want 2", loads)
	}
}

func TestCacheAside_DegradesOnCacheFailure(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	store.getErr = errors.New("connection refused")
	store.setErr = errors.New("connection refused")
	ca := NewCacheAside[string](store, time.Minute)

	got, err := ca.Get(ctx, "k", func(ctx context.Context) (string, error) {
		return "fresh", nil
	})
	if err != nil {
		t.Fatalf("Get() error = %v, want nil when only the cache fails", err)
	}
	if got != "fresh" {
		t.Errorf("Get() = %q, want %q", got, "fresh")
	}
}

func TestCacheAside_LoaderError(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	ca := NewCacheAside[string](store, time.Minute)
	loadErr := errors.New("backend down")

	_, err := ca.Get(ctx, "k", func(ctx context.Context) (string, error) {
		return "", loadErr
	})
	if !errors.Is(err, loadErr) {
		t.Errorf("Get() error = %v, want %v", err, loadErr)
	}
	if store.sets != 0 {
		t.Errorf("cache writes = %d, want 0 after loader error", store.sets)
	}
}

func TestConnect_InvalidAddress(t *testing.T) {
	cfg := &Config{
		Addr:         "invalid:99999",
		PoolSize:     1,
		MaxRetries:   0,
		ReadTimeout:  100 * time.Millisecond,
		WriteTimeout: 100 * time.Millisecond,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	_, err := Connect(ctx, cfg)
	if err == nil {
		t.Error("expected error when connecting to invalid address")
	}
}
