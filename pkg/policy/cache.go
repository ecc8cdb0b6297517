package policy

import (
	"github.com/google/cel-go/cel"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// programCache is a bounded cache of compiled programs keyed by the exact
// script source text. Lookups and inserts are safe for concurrent use, and
// concurrent misses for the same script are deduplicated so each script
// compiles at most once at a time.
type programCache struct {
	programs *lru.Cache[string, cel.Program]
	group    singleflight.Group
}

func newProgramCache(size int) (*programCache, error) {
	programs, err := lru.New[string, cel.Program](size)
	if err != nil {
		return nil, err
	}
	return &programCache{programs: programs}, nil
}

// get returns the cached program for the script, if present.
func (c *programCache) get(script string) (cel.Program, bool) {
	return c.programs.Get(script)
}

// compileAndStore compiles the script and inserts the result. Concurrent
// callers for the same script share one compilation. Compile failures are
// not cached; a broken script recompiles (and fails again) on each use,
// which keeps the cache free of poison entries at a bounded cost.
func (c *programCache) compileAndStore(script string, compile func(string) (cel.Program, error)) (cel.Program, error) {
	v, err, _ := c.group.Do(script, func() (any, error) {
		// Re-check under the flight: another caller may have finished
		// compiling between our miss and this callback.
		if prg, ok := c.programs.Get(script); ok {
			return prg, nil
		}
		prg, err := compile(script)
		if err != nil {
			return nil, err
		}
		c.programs.Add(script, prg)
		return prg, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(cel.Program), nil
}

// len reports the number of cached programs. Used by tests.
func (c *programCache) len() int {
	return c.programs.Len()
}
