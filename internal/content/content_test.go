package content_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"reforge/internal/common/cache"
	"reforge/internal/content"
	apperrors "reforge/pkg/errors"
)

func sampleStore() *content.StaticStore {
	return content.NewStaticStore([]content.Lesson{
		{
			Track: "python", Day: 1, Title: "Basics", MaxDays: 2,
			Suite: content.TestSuite{
				Track: "python", Day: 1,
				Cases: []content.TestCase{{ID: "t1", Input: json.RawMessage(`[1]`), Expected: json.RawMessage(`1`)}},
			},
		},
		{Track: "python", Day: 2, Title: "Strings", MaxDays: 2},
	})
}

func TestStaticStoreLookup(t *testing.T) {
	t.Parallel()
	store := sampleStore()
	ctx := context.Background()

	lesson, err := store.GetLesson(ctx, "python", 1)
	if err != nil {
		t.Fatalf("get lesson: %v", err)
	}
	if lesson.Title != "Basics" || len(lesson.Suite.Cases) != 1 {
		t.Fatalf("unexpected lesson %+v", lesson)
	}

	if _, err := store.GetLesson(ctx, "python", 9); apperrors.GetCode(err) != apperrors.LessonNotFound {
		t.Fatalf("expected LessonNotFound, got %v", err)
	}

	length, err := store.TrackLength(ctx, "python")
	if err != nil || length != 2 {
		t.Fatalf("expected length 2, got %d (%v)", length, err)
	}
	if _, err := store.TrackLength(ctx, "cobol"); apperrors.GetCode(err) != apperrors.TrackNotSupported {
		t.Fatalf("expected TrackNotSupported, got %v", err)
	}
}

type countingStore struct {
	content.Store
	calls int
}

func (c *countingStore) GetLesson(ctx context.Context, track string, day int) (*content.Lesson, error) {
	c.calls++
	return c.Store.GetLesson(ctx, track, day)
}

func newCachedFixture(t *testing.T) (*content.CachedStore, *countingStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	redisCache, err := cache.NewRedisCacheWithClient(client)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	inner := &countingStore{Store: sampleStore()}
	return content.NewCachedStore(inner, redisCache, 0), inner
}

func TestCachedStoreReadThrough(t *testing.T) {
	t.Parallel()
	cached, inner := newCachedFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		lesson, err := cached.GetLesson(ctx, "python", 1)
		if err != nil {
			t.Fatalf("get lesson: %v", err)
		}
		if lesson.Title != "Basics" {
			t.Fatalf("unexpected lesson %+v", lesson)
		}
	}
	if inner.calls != 1 {
		t.Fatalf("expected one backing load, got %d", inner.calls)
	}
}

func TestCachedStoreNullCachesMisses(t *testing.T) {
	t.Parallel()
	cached, inner := newCachedFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := cached.GetLesson(ctx, "python", 9)
		if apperrors.GetCode(err) != apperrors.LessonNotFound {
			t.Fatalf("expected LessonNotFound, got %v", err)
		}
	}
	if inner.calls != 1 {
		t.Fatalf("a miss must be null-cached, got %d backing loads", inner.calls)
	}
}
