package content

import (
	"encoding/json"
	"os"

	apperrors "reforge/pkg/errors"
)

// LoadLessons reads a lesson pack from a JSON file and indexes it into a
// StaticStore. The file is a flat array of lessons.
func LoadLessons(path string) (*StaticStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.StorageError, "read lesson pack %s", path)
	}
	var lessons []Lesson
	if err := json.Unmarshal(data, &lessons); err != nil {
		return nil, apperrors.Wrapf(err, apperrors.InvalidFormat, "parse lesson pack %s", path)
	}
	for _, l := range lessons {
		if l.Track == "" || l.Day < 1 {
			return nil, apperrors.Newf(apperrors.InvalidFormat, "lesson pack %s: lesson missing track or day", path)
		}
	}
	return NewStaticStore(lessons), nil
}
