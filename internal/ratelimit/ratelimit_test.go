package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meattrace/notify/internal/db"
)

type memStore struct {
	mu   sync.Mutex
	rows map[string]*db.NotificationRateLimit
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[string]*db.NotificationRateLimit)}
}

func (s *memStore) key(userID, channelID uuid.UUID) string {
	return userID.String() + ":" + channelID.String()
}

func (s *memStore) Get(_ context.Context, userID, channelID uuid.UUID) (*db.NotificationRateLimit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rl, ok := s.rows[s.key(userID, channelID)]
	if !ok {
		return nil, db.ErrNotFound
	}
	copied := *rl
	return &copied, nil
}

func (s *memStore) Upsert(_ context.Context, rl *db.NotificationRateLimit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *rl
	s.rows[s.key(rl.UserID, rl.ChannelID)] = &copied
	return nil
}

func testChannel(perMinute, perHour, perDay int) *db.NotificationChannel {
	return &db.NotificationChannel{
		ID:                 uuid.New(),
		Name:               "sms-primary",
		Type:               db.ChannelSMS,
		RateLimitPerMinute: perMinute,
		RateLimitPerHour:   perHour,
		RateLimitPerDay:    perDay,
	}
}

func TestLimiter_AllowsWithinCeiling(t *testing.T) {
	limiter := NewLimiter(newMemStore(), zap.NewNop())
	userID := uuid.New()
	ch := testChannel(3, 0, 0)

	for i := 0; i < 3; i++ {
		d, err := limiter.Allow(context.Background(), userID, ch)
		if err != nil {
			t.Fatalf("attempt %d failed: %v", i, err)
		}
		if !d.Allowed {
			t.Fatalf("attempt %d should be allowed", i)
		}
	}
}

func TestLimiter_DeniesOverCeiling(t *testing.T) {
	limiter := NewLimiter(newMemStore(), zap.NewNop())
	userID := uuid.New()
	ch := testChannel(2, 0, 0)

	limiter.Allow(context.Background(), userID, ch)
	limiter.Allow(context.Background(), userID, ch)

	d, err := limiter.Allow(context.Background(), userID, ch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Allowed {
		t.Fatal("third attempt should be denied")
	}
	if d.RetryAt.IsZero() {
		t.Error("denied decision should carry a retry time")
	}
}

func TestLimiter_ZeroCeilingUnlimited(t *testing.T) {
	limiter := NewLimiter(newMemStore(), zap.NewNop())
	userID := uuid.New()
	ch := testChannel(0, 0, 0)

	for i := 0; i < 50; i++ {
		d, err := limiter.Allow(context.Background(), userID, ch)
		if err != nil {
			t.Fatalf("attempt %d failed: %v", i, err)
		}
		if !d.Allowed {
			t.Fatalf("attempt %d should be allowed with no ceilings", i)
		}
	}
}

func TestLimiter_WindowResets(t *testing.T) {
	limiter := NewLimiter(newMemStore(), zap.NewNop())
	userID := uuid.New()
	ch := testChannel(1, 0, 0)

	current := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	limiter.SetNow(func() time.Time { return current })

	if d, _ := limiter.Allow(context.Background(), userID, ch); !d.Allowed {
		t.Fatal("first attempt should be allowed")
	}
	if d, _ := limiter.Allow(context.Background(), userID, ch); d.Allowed {
		t.Fatal("second attempt in same minute should be denied")
	}

	current = current.Add(61 * time.Second)

	d, err := limiter.Allow(context.Background(), userID, ch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !d.Allowed {
		t.Fatal("attempt after window reset should be allowed")
	}
}

func TestLimiter_HourCeilingOutlivesMinuteReset(t *testing.T) {
	limiter := NewLimiter(newMemStore(), zap.NewNop())
	userID := uuid.New()
	ch := testChannel(0, 2, 0)

	current := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	limiter.SetNow(func() time.Time { return current })

	limiter.Allow(context.Background(), userID, ch)
	current = current.Add(2 * time.Minute)
	limiter.Allow(context.Background(), userID, ch)
	current = current.Add(2 * time.Minute)

	d, _ := limiter.Allow(context.Background(), userID, ch)
	if d.Allowed {
		t.Fatal("hour ceiling should still deny after minute windows rolled")
	}
	wantRetry := time.Date(2026, 3, 10, 13, 0, 0, 0, time.UTC)
	if !d.RetryAt.Equal(wantRetry) {
		t.Errorf("expected retry at %v, got %v", wantRetry, d.RetryAt)
	}
}

func TestLimiter_DeniedAttemptStillConsumesQuota(t *testing.T) {
	store := newMemStore()
	limiter := NewLimiter(store, zap.NewNop())
	userID := uuid.New()
	ch := testChannel(1, 0, 0)

	limiter.Allow(context.Background(), userID, ch)
	limiter.Allow(context.Background(), userID, ch)

	rl, err := store.Get(context.Background(), userID, ch.ID)
	if err != nil {
		t.Fatalf("counter row should exist: %v", err)
	}
	if rl.MinuteCount != 2 {
		t.Errorf("expected minute count 2, got %d", rl.MinuteCount)
	}
}

func TestLimiter_SeparateUsers(t *testing.T) {
	limiter := NewLimiter(newMemStore(), zap.NewNop())
	ch := testChannel(1, 0, 0)

	userA := uuid.New()
	userB := uuid.New()

	limiter.Allow(context.Background(), userA, ch)

	d, _ := limiter.Allow(context.Background(), userB, ch)
	if !d.Allowed {
		t.Fatal("second user should have a fresh quota")
	}
}

func TestLimiter_ConcurrentAttempts(t *testing.T) {
	limiter := NewLimiter(newMemStore(), zap.NewNop())
	userID := uuid.New()
	ch := testChannel(10, 0, 0)

	var wg sync.WaitGroup
	allowed := make(chan bool, 20)

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := limiter.Allow(context.Background(), userID, ch)
			if err != nil {
				t.Error(err)
				return
			}
			allowed <- d.Allowed
		}()
	}
	wg.Wait()
	close(allowed)

	count := 0
	for a := range allowed {
		if a {
			count++
		}
	}
	if count != 10 {
		t.Errorf("expected exactly 10 admitted, got %d", count)
	}
}
