/*
 * Copyright (c) 2018, Psiphon Inc.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

/*

Package prng implements a seeded, unbiased PRNG for non-security use cases
such as retry jitter.

Seeding is based on crypto/rand.Read and the PRNG stream is the chacha20 key
stream. The same seed always produces the same stream, which allows tests to
replay a sequence of jittered delays.

This PRNG is _not_ for security use cases including key generation.

It is safe to make concurrent calls to a PRNG instance, including the global
instance.

*/
package prng

import (
	crypto_rand "crypto/rand"
	"encoding/binary"
	"math/rand"
	"sync"
	"time"

	"github.com/Psiphon-Labs/psiphon-client-core/psiphon/common/errors"
	"golang.org/x/crypto/chacha20"
)

const (
	SEED_LENGTH = 32

	// chacha20 key stream limit is 2^38-64 bytes per nonce.
	streamLimit = uint64(1<<38 - 64)
)

// Seed is a PRNG seed.
type Seed [SEED_LENGTH]byte

// NewSeed creates a new PRNG seed using crypto/rand.Read.
func NewSeed() (*Seed, error) {
	seed := new(Seed)
	_, err := crypto_rand.Read(seed[:])
	if err != nil {
		return nil, errors.Trace(err)
	}
	return seed, nil
}

// PRNG is a seeded, unbiased PRNG based on chacha20.
type PRNG struct {
	rand        *rand.Rand
	streamMutex sync.Mutex
	seed        *Seed
	stream      *chacha20.Cipher
	streamUsed  uint64
	rekeyCount  uint64
}

// NewPRNG generates a seed and creates a PRNG with that seed.
func NewPRNG() (*PRNG, error) {
	seed, err := NewSeed()
	if err != nil {
		return nil, errors.Trace(err)
	}
	return NewPRNGWithSeed(seed), nil
}

// NewPRNGWithSeed initializes a new PRNG using an existing seed.
func NewPRNGWithSeed(seed *Seed) *PRNG {
	p := &PRNG{
		seed: seed,
	}
	p.rekey()
	p.rand = rand.New(p)
	return p
}

// Read fills b with bytes from the PRNG stream. Read conforms to io.Reader
// and always returns len(b), nil.
func (p *PRNG) Read(b []byte) (int, error) {

	p.streamMutex.Lock()
	defer p.streamMutex.Unlock()

	if p.streamUsed+uint64(len(b)) >= streamLimit {
		p.rekey()
	}

	for i := range b {
		b[i] = 0
	}
	p.stream.XORKeyStream(b, b)

	p.streamUsed += uint64(len(b))

	return len(b), nil
}

// rekey replaces the key stream using the next counter value as the nonce;
// the seed is unchanged.
func (p *PRNG) rekey() {

	var nonce [chacha20.NonceSize]byte
	binary.BigEndian.PutUint64(nonce[0:8], p.rekeyCount)

	var err error
	p.stream, err = chacha20.NewUnauthenticatedCipher(p.seed[:], nonce[:])
	if err != nil {
		// Only invalid key or nonce sizes produce an error, and the sizes
		// here are fixed.
		panic(errors.Trace(err))
	}

	p.rekeyCount += 1
	p.streamUsed = 0
}

// Int63 is equivalent to math/rand.Int63.
func (p *PRNG) Int63() int64 {
	i := p.Uint64()
	return int64(i & (1<<63 - 1))
}

// Uint64 is equivalent to math/rand.Uint64.
func (p *PRNG) Uint64() uint64 {
	var b [8]byte
	p.Read(b[:])
	return binary.BigEndian.Uint64(b[:])
}

// Seed must exist in order to use a PRNG as a math/rand.Source. This call is
// not supported and ignored.
func (p *PRNG) Seed(_ int64) {
}

// Int63n is equivalent to math/rand.Int63n, except it returns 0 if n <= 0
// instead of panicking.
func (p *PRNG) Int63n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	return p.rand.Int63n(n)
}

// Period returns a random duration in [min, max).
// If max <= min, the duration is min.
func (p *PRNG) Period(min, max time.Duration) time.Duration {
	duration := p.Int63n(max.Nanoseconds() - min.Nanoseconds())
	return min + time.Duration(duration)
}

var p *PRNG

func Period(min, max time.Duration) time.Duration {
	return p.Period(min, max)
}

func init() {

	// Limitation: if crypto/rand.Read fails, the global PRNG is initialized
	// with a zero-byte seed so that non-security-critical use can proceed.
	var err error
	p, err = NewPRNG()
	if err != nil {
		p = NewPRNGWithSeed(new(Seed))
	}
}
