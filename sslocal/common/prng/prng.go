/*
 * Copyright (c) 2026, Psiphon Inc.
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

Package prng implements a seeded, unbiased PRNG suitable for use cases
including load balancing and jitter.

Seeding is based on crypto/rand.Read and the PRNG stream is provided by
chacha20. Seeded instances make deterministic selection reproducible in
tests.

This PRNG is _not_ for security use cases including production
cryptographic key generation.

*/
package prng

import (
	crypto_rand "crypto/rand"
	"encoding/binary"
	"math/rand"
	"sync"

	"github.com/Psiphon-Labs/shadowsocks-local/sslocal/common/errors"
	"golang.org/x/crypto/chacha20"
)

// SEED_LENGTH is the size of a PRNG seed.
const SEED_LENGTH = 32

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

// PRNG is a seeded, unbiased PRNG based on chacha20. It is safe to make
// concurrent calls to a PRNG instance.
type PRNG struct {
	mutex  sync.Mutex
	stream *chacha20.Cipher
	rand   *rand.Rand
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
	var nonce [chacha20.NonceSize]byte
	stream, err := chacha20.NewUnauthenticatedCipher(seed[:], nonce[:])
	if err != nil {
		// Only possible with invalid key/nonce lengths, which are fixed
		// here.
		panic(err)
	}
	p := &PRNG{
		stream: stream,
	}
	p.rand = rand.New(p)
	return p
}

// Read reads random bytes from the PRNG stream, implementing io.Reader.
// Read always returns len(b) bytes and a nil error.
func (p *PRNG) Read(b []byte) (int, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	// Generates len(b) bytes of keystream.
	for i := range b {
		b[i] = 0
	}
	p.stream.XORKeyStream(b, b)

	return len(b), nil
}

// Int63 implements math/rand.Source.
func (p *PRNG) Int63() int64 {
	return int64(p.Uint64() & (1<<63 - 1))
}

// Uint64 implements math/rand.Source64.
func (p *PRNG) Uint64() uint64 {
	var b [8]byte
	p.Read(b[:])
	return binary.BigEndian.Uint64(b[:])
}

// Seed implements math/rand.Source. The seed is set at initialization
// time only; this call is a no-op.
func (p *PRNG) Seed(_ int64) {
}

// Intn returns, as an int, an unbiased random number in [0, n).
func (p *PRNG) Intn(n int) int {
	return p.rand.Intn(n)
}

// Range returns an unbiased random number in [min, max].
func (p *PRNG) Range(min, max int) int {
	return min + p.Intn(max-min+1)
}
