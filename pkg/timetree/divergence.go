package timetree

import (
	"time"

	"github.com/nicktill/timeindex/pkg/storage"
)

// FindDivergentPrefix walks the enabled granularities coarsest first and
// returns the leading components on which from and until agree, followed
// by the enabled granularities from the first disagreement downward.
//
// If every enabled level agrees the prefix reaches the terminal container
// and nothing remains.
func (s Settings) FindDivergentPrefix(from, until time.Time) (storage.Path, []Granularity) {
	levels := s.Levels()
	var prefix storage.Path
	for i, g := range levels {
		a, b := g.valueOf(from), g.valueOf(until)
		if a != b {
			return prefix, levels[i:]
		}
		prefix = append(prefix, EncodeValue(a))
	}
	return prefix, nil
}
