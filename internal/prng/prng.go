// Package prng implements a seeded, portable counter-based pseudo-random
// generator for the scatter tracer. The platform's math/rand is
// insufficient here because its algorithm is not guaranteed stable across
// Go versions or hosts (spec §9): a scatter simulation must be
// bit-reproducible given the same seed regardless of what machine or Go
// toolchain ran it.
//
// The generator is splitmix64 advanced by an explicit 64-bit counter, the
// simplest member of the counter-based family spec §9 asks for: it needs
// no mutable hidden state beyond the counter itself, so independent
// streams can be derived deterministically by partitioning the counter
// space — exactly what the scatter tracer needs to assign one sub-stream
// per ray index (spec §5).
package prng

// Stream is one independent splitmix64 counter-based stream. Two Streams
// with different Seed or Counter values are statistically independent for
// the purposes of this engine's rejection sampling.
type Stream struct {
	seed    uint64
	counter uint64
}

// NewStream returns a Stream seeded from seed, starting at counter 0.
func NewStream(seed uint64) *Stream { return &Stream{seed: seed} }

// SubStream derives an independent stream for ray index i by folding the
// index into the counter space: ray i owns a block of 2^32 consecutive
// counter steps, so two sub-streams never share a draw unless one of them
// takes more than 2^32 draws. Because the mapping is a pure function of
// (seed, i), running rays in any order or on any number of goroutines
// produces identical per-ray streams (spec §5 determinism requirement).
func (s *Stream) SubStream(i int) *Stream {
	return &Stream{seed: s.seed, counter: (uint64(i) << 32) * 0x9E3779B97F4A7C15}
}

// next advances the counter and returns the next raw 64-bit output.
func (s *Stream) next() uint64 {
	s.counter += 0x9E3779B97F4A7C15
	z := s.counter + s.seed
	z = (z ^ (z >> 30)) * 0xBF58476D1CE4E5B9
	z = (z ^ (z >> 27)) * 0x94D049BB133111EB
	return z ^ (z >> 31)
}

// Float64 returns a uniform deviate in [0, 1).
func (s *Stream) Float64() float64 {
	// Use the top 53 bits for a uniform double, the standard construction.
	return float64(s.next()>>11) / (1 << 53)
}
