// Package content provides read access to lesson material: per-track,
// per-day challenges and the test suites submissions are graded against.
package content

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"reforge/internal/common/cache"
	apperrors "reforge/pkg/errors"
)

// TestCase is a single graded check. Input is passed to the user's solution
// and the produced value is compared against ExpectedOutput.
type TestCase struct {
	ID       string          `json:"id"`
	Name     string          `json:"name,omitempty"`
	Input    json.RawMessage `json:"input"`
	Expected json.RawMessage `json:"expected"`
	Hidden   bool            `json:"hidden,omitempty"`
	Hint     string          `json:"hint,omitempty"`
}

// TestSuite is the full set of checks for one lesson.
type TestSuite struct {
	Track    string     `json:"track"`
	Day      int        `json:"day"`
	EntryFn  string     `json:"entryFn,omitempty"`
	Cases    []TestCase `json:"cases"`
	TimeoutS int        `json:"timeoutS,omitempty"`
}

// Lesson describes one day of a track.
type Lesson struct {
	Track   string    `json:"track"`
	Day     int       `json:"day"`
	Title   string    `json:"title"`
	Suite   TestSuite `json:"suite"`
	MaxDays int       `json:"maxDays"`
}

// Store resolves lesson content. Implementations may be backed by a content
// service, a database, or fixtures in tests.
type Store interface {
	// GetLesson returns the lesson for a track and day.
	GetLesson(ctx context.Context, track string, day int) (*Lesson, error)

	// TrackLength returns the number of days in a track.
	TrackLength(ctx context.Context, track string) (int, error)
}

// StaticStore serves lessons from an in-memory index. Used by tests and by
// deployments that ship content as part of the worker image.
type StaticStore struct {
	lessons map[string]*Lesson
	lengths map[string]int
}

// NewStaticStore builds a StaticStore from a flat lesson list.
func NewStaticStore(lessons []Lesson) *StaticStore {
	s := &StaticStore{
		lessons: make(map[string]*Lesson, len(lessons)),
		lengths: make(map[string]int),
	}
	for i := range lessons {
		l := lessons[i]
		s.lessons[lessonKey(l.Track, l.Day)] = &l
		if l.Day > s.lengths[l.Track] {
			s.lengths[l.Track] = l.Day
		}
	}
	return s
}

func (s *StaticStore) GetLesson(_ context.Context, track string, day int) (*Lesson, error) {
	lesson, ok := s.lessons[lessonKey(track, day)]
	if !ok {
		return nil, apperrors.Newf(apperrors.LessonNotFound, "no lesson for track %s day %d", track, day)
	}
	return lesson, nil
}

func (s *StaticStore) TrackLength(_ context.Context, track string) (int, error) {
	length, ok := s.lengths[track]
	if !ok {
		return 0, apperrors.Newf(apperrors.TrackNotSupported, "unknown track %s", track)
	}
	return length, nil
}

func lessonKey(track string, day int) string {
	return fmt.Sprintf("%s:%d", track, day)
}

// CachedStore wraps a Store with read-through caching. Lesson content is
// immutable once published, so a generous TTL is safe.
type CachedStore struct {
	inner Store
	cache cache.Cache
	ttl   time.Duration
}

// NewCachedStore wraps inner with caching. ttl of 0 defaults to one hour.
func NewCachedStore(inner Store, c cache.Cache, ttl time.Duration) *CachedStore {
	if ttl == 0 {
		ttl = time.Hour
	}
	return &CachedStore{inner: inner, cache: c, ttl: ttl}
}

func (s *CachedStore) GetLesson(ctx context.Context, track string, day int) (*Lesson, error) {
	key := "lesson:" + lessonKey(track, day)
	lesson, err := cache.GetWithCached(ctx, s.cache, key, s.ttl, 5*time.Minute,
		func(l *Lesson) bool { return l == nil },
		func(l *Lesson) string {
			data, _ := json.Marshal(l)
			return string(data)
		},
		func(data string) (*Lesson, error) {
			var l Lesson
			if err := json.Unmarshal([]byte(data), &l); err != nil {
				return nil, err
			}
			return &l, nil
		},
		func(ctx context.Context) (*Lesson, error) {
			lesson, err := s.inner.GetLesson(ctx, track, day)
			if err != nil {
				if apperrors.GetCode(err) == apperrors.LessonNotFound {
					return nil, nil
				}
				return nil, err
			}
			return lesson, nil
		})
	if err != nil {
		return nil, err
	}
	if lesson == nil {
		return nil, apperrors.Newf(apperrors.LessonNotFound, "no lesson for track %s day %d", track, day)
	}
	return lesson, nil
}

func (s *CachedStore) TrackLength(ctx context.Context, track string) (int, error) {
	return s.inner.TrackLength(ctx, track)
}
