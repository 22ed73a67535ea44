package models

import (
	"database/sql/driver"
	"sort"

	"github.com/pkg/errors"
	"github.com/segmentio/encoding/json"
)

// ErrInvalidChapterSet is returned when a stored chapter set can't be decoded.
var ErrInvalidChapterSet = errors.New("invalid chapter set")

// ChapterSet is a set of chapter numbers, always kept sorted ascending with
// no duplicates. It's stored as a JSON array.
type ChapterSet []int

// NewChapterSet normalizes nums into a set.
func NewChapterSet(nums ...int) ChapterSet {
	if len(nums) == 0 {
		return ChapterSet{}
	}
	seen := make(map[int]struct{}, len(nums))
	set := make(ChapterSet, 0, len(nums))
	for _, n := range nums {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		set = append(set, n)
	}
	sort.Ints(set)
	return set
}

// Union returns a new set holding every number in either set.
func (s ChapterSet) Union(other ChapterSet) ChapterSet {
	merged := make([]int, 0, len(s)+len(other))
	merged = append(merged, s...)
	merged = append(merged, other...)
	return NewChapterSet(merged...)
}

// Add returns a new set with n included.
func (s ChapterSet) Add(n int) ChapterSet {
	return s.Union(ChapterSet{n})
}

// Remove returns a new set without n.
func (s ChapterSet) Remove(n int) ChapterSet {
	out := make(ChapterSet, 0, len(s))
	for _, v := range s {
		if v != n {
			out = append(out, v)
		}
	}
	return out
}

func (s ChapterSet) Contains(n int) bool {
	i := sort.SearchInts(s, n)
	return i < len(s) && s[i] == n
}

func (s ChapterSet) Value() (driver.Value, error) {
	if s == nil {
		s = ChapterSet{}
	}
	data, err := json.Marshal([]int(s))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return string(data), nil
}

func (s *ChapterSet) Scan(src interface{}) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*s = ChapterSet{}
		return nil
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return errors.Wrapf(ErrInvalidChapterSet, "unsupported type %T", src)
	}

	var nums []int
	if err := json.Unmarshal(data, &nums); err != nil {
		return errors.Wrap(ErrInvalidChapterSet, err.Error())
	}
	*s = NewChapterSet(nums...)
	return nil
}
