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

package prng

import (
	"bytes"
	"testing"
)

func TestSeededReplay(t *testing.T) {

	seed, err := NewSeed()
	if err != nil {
		t.Fatalf("NewSeed failed: %v", err)
	}

	a := NewPRNGWithSeed(seed)
	b := NewPRNGWithSeed(seed)

	bufA := make([]byte, 1024)
	bufB := make([]byte, 1024)
	a.Read(bufA)
	b.Read(bufB)

	if !bytes.Equal(bufA, bufB) {
		t.Fatal("same seed produced different streams")
	}

	for i := 0; i < 1000; i++ {
		if a.Intn(100) != b.Intn(100) {
			t.Fatal("same seed produced different selections")
		}
	}
}

func TestIntnBounds(t *testing.T) {

	p, err := NewPRNG()
	if err != nil {
		t.Fatalf("NewPRNG failed: %v", err)
	}

	for i := 0; i < 10000; i++ {
		value := p.Intn(3)
		if value < 0 || value >= 3 {
			t.Fatalf("Intn out of bounds: %d", value)
		}
		value = p.Range(5, 7)
		if value < 5 || value > 7 {
			t.Fatalf("Range out of bounds: %d", value)
		}
	}
}
