// SPDX-License-Identifier: Apache-2.0

// Package rng is the engine's C2: a seeded deterministic pseudo-random
// stream, fresh unique identifier generation, and a Fisher-Yates shuffle
// helper. spec.md §5 requires byte-identical output across runs given the
// same (module, Config) pair, so every consumer in this engine draws from
// one Stream seeded once at orchestrator startup — never from
// math/rand's global source, and never from time/process entropy.
package rng

import (
	"math/rand"
	"strconv"
	"sync/atomic"
)

// Stream wraps a seeded math/rand.Rand. No ecosystem package in the survey
// corpus (SPEC_FULL.md §A) improves on the stdlib PRNG for a closed,
// seed-reproducible stream — this is the one place in the engine stdlib is
// used by deliberate choice rather than absence of a library (see
// DESIGN.md).
type Stream struct {
	r       *rand.Rand
	counter uint64
}

// New creates a Stream seeded from a 64-bit seed. Callers derive that seed
// from Config + the module's fingerprint (spec.md §4.1 step 1) so that two
// runs over the same inputs produce the same stream.
func New(seed uint64) *Stream {
	return &Stream{r: rand.New(rand.NewSource(int64(seed)))}
}

// Intn returns a non-negative pseudo-random int in [0, n).
func (s *Stream) Intn(n int) int {
	if n <= 0 {
		return 0
	}
	return s.r.Intn(n)
}

// Int63 returns a non-negative pseudo-random int64.
func (s *Stream) Int63() int64 { return s.r.Int63() }

// Uint32 returns a pseudo-random uint32, used for control-flow flattening's
// per-block state IDs (spec.md §4.9 step 1).
func (s *Stream) Uint32() uint32 { return s.r.Uint32() }

// Uint64 returns a pseudo-random uint64.
func (s *Stream) Uint64() uint64 { return s.r.Uint64() }

// Bytes fills and returns a pseudo-random byte slice of length n.
func (s *Stream) Bytes(n int) []byte {
	buf := make([]byte, n)
	s.r.Read(buf)
	return buf
}

// NonZeroBytes is like Bytes but resamples any zero byte, used for the RC4
// salt (spec.md §4.11 step 1: "no zero bytes").
func (s *Stream) NonZeroBytes(n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		for {
			b := byte(s.r.Intn(256))
			if b != 0 {
				buf[i] = b
				break
			}
		}
	}
	return buf
}

// Bool returns a pseudo-random boolean, weighted by probabilityPercent
// (0-100) of returning true.
func (s *Stream) Bool(probabilityPercent int) bool {
	if probabilityPercent <= 0 {
		return false
	}
	if probabilityPercent >= 100 {
		return true
	}
	return s.r.Intn(100) < probabilityPercent
}

// Shuffle performs an in-place Fisher-Yates shuffle of a slice of length n,
// using swap(i, j) to exchange positions — the same shape as
// math/rand.Rand.Shuffle, exposed here so every pass draws the permutation
// from the same seeded Stream rather than from a second independent source.
func (s *Stream) Shuffle(n int, swap func(i, j int)) {
	s.r.Shuffle(n, swap)
}

// fresh is a process-local monotonic counter backing Unique, kept separate
// from the seeded Stream so that identifier freshness never perturbs the
// pseudo-random sequence other passes rely on for their own decisions.
var fresh uint64

// Unique returns a name of the form prefix_<n> where n is a monotonically
// increasing counter, guaranteeing the name is fresh within this process
// regardless of how many other Unique calls interleave with it.
func Unique(prefix string) string {
	n := atomic.AddUint64(&fresh, 1)
	return prefix + "_" + strconv.FormatUint(n, 10)
}

// ResetUniqueCounter reseeds the monotonic counter. Used only by tests and
// by the orchestrator at the very start of a run so that a run starting
// from counter 0 is reproducible; mid-run callers must never call this.
func ResetUniqueCounter() { atomic.StoreUint64(&fresh, 0) }
