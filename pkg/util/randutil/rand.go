// Copyright 2025 The Distflow Authors.
//
// Licensed under the Apache License, Version 2.0.

package randutil

import (
	"math/rand"
	"time"
)

// NewPseudoRand returns an instance of math/rand.Rand seeded from the
// current time and its seed so that tests can log it for reproduction.
func NewPseudoRand() (*rand.Rand, int64) {
	seed := time.Now().UnixNano()
	return rand.New(rand.NewSource(seed)), seed
}

// RandIntInRange returns a value in [min, max).
func RandIntInRange(r *rand.Rand, min, max int) int {
	return min + r.Intn(max-min)
}

// RandBytes returns a byte slice of the given length with random data.
func RandBytes(r *rand.Rand, size int) []byte {
	if size <= 0 {
		return nil
	}
	arr := make([]byte, size)
	for i := 0; i < len(arr); i++ {
		arr[i] = byte(r.Intn(256))
	}
	return arr
}
