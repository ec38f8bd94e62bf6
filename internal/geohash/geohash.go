// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

// Package geohash implements the geohash codec used by geohashd. Encoding turns a coordinate
// into a base-32 geohash string, decoding turns a geohash string into a Key that addresses the
// spatial table at granularities of 4 to 8 characters.
package geohash

import (
	"errors"
	"fmt"
	"strings"
)

// Alphabet is the geohash base-32 alphabet. It is not the RFC 4648 alphabet: the letters
// "a", "i", "l" and "o" are not part of it.
const Alphabet = "0123456789bcdefghjkmnpqrstuvwxyz"

const (
	// DefaultPrecision is the number of characters produced for coordinate lookups.
	DefaultPrecision = 10
	// MaxPrecision is the longest geohash Encode will produce.
	MaxPrecision = 12
	// KeyLength is the number of characters the spatial table is indexed by.
	KeyLength = 8
	// PrefixLength is the number of characters packed into Key.Prefix.
	PrefixLength = 4
	// Absent marks a key digit that was not present in the decoded geohash.
	Absent = -1
)

var (
	ErrOutOfBounds      = errors.New("coordinates out of bounds")
	ErrInvalidPrecision = errors.New("invalid geohash precision")
	ErrInvalidGeohash   = errors.New("invalid geohash")
	ErrTooShort         = errors.New("geohash too short")
)

// decodeMap maps an ASCII byte to its base-32 value, or -1 if it is not in the alphabet.
var decodeMap [256]int8

func init() {
	for i := range decodeMap {
		decodeMap[i] = -1
	}
	for i := 0; i < len(Alphabet); i++ {
		decodeMap[Alphabet[i]] = int8(i)
	}
}

// Encode encodes the coordinate into a geohash of the given precision. Longitude and latitude
// intervals are bisected alternately, longitude first, and a bit is set whenever the coordinate
// lies strictly above the midpoint.
//
// Latitudes must lie in the open interval (-90, 90) and longitudes in (-180, 180). The poles and
// the antimeridian themselves are rejected with ErrOutOfBounds instead of being clamped.
func Encode(lat, lon float64, precision int) (string, error) {
	if !(lat > -90 && lat < 90) || !(lon > -180 && lon < 180) {
		return "", fmt.Errorf("%w: lat=%v lon=%v", ErrOutOfBounds, lat, lon)
	}
	if precision < 1 || precision > MaxPrecision {
		return "", fmt.Errorf("%w: %d", ErrInvalidPrecision, precision)
	}

	latMin, latMax := -90.0, 90.0
	lonMin, lonMax := -180.0, 180.0
	hash := make([]byte, 0, precision)
	even := true
	bit, ch := 0, 0
	for len(hash) < precision {
		if even {
			mid := (lonMin + lonMax) / 2
			if lon > mid {
				ch |= 1 << (4 - bit)
				lonMin = mid
			} else {
				lonMax = mid
			}
		} else {
			mid := (latMin + latMax) / 2
			if lat > mid {
				ch |= 1 << (4 - bit)
				latMin = mid
			} else {
				latMax = mid
			}
		}
		even = !even

		if bit < 4 {
			bit++
			continue
		}
		hash = append(hash, Alphabet[ch])
		bit, ch = 0, 0
	}
	return string(hash), nil
}

// Valid reports whether every character of hash is part of the geohash alphabet.
func Valid(hash string) bool {
	return invalidIndex(hash) == -1
}

// Decode converts a geohash into a Key. Every character of the input must be part of the
// alphabet, only the first KeyLength characters are used. Positions 5 to 8 that are missing
// from a shorter input are set to Absent.
func Decode(hash string) (Key, error) {
	if idx := invalidIndex(hash); idx != -1 {
		return Key{}, fmt.Errorf("%w: character %q at position %d", ErrInvalidGeohash, hash[idx], idx+1)
	}
	if len(hash) < PrefixLength {
		return Key{}, fmt.Errorf("%w: %d characters, need at least %d", ErrTooShort, len(hash), PrefixLength)
	}
	if len(hash) > KeyLength {
		hash = hash[:KeyLength]
	}

	key := Key{D5: Absent, D6: Absent, D7: Absent, D8: Absent}
	for i := 0; i < PrefixLength; i++ {
		key.Prefix = key.Prefix*100 + int(decodeMap[hash[i]])
	}
	digits := key.digits()
	for i := PrefixLength; i < len(hash); i++ {
		*digits[i-PrefixLength] = int(decodeMap[hash[i]])
	}
	return key, nil
}

func invalidIndex(hash string) int {
	for i := 0; i < len(hash); i++ {
		if decodeMap[hash[i]] == -1 {
			return i
		}
	}
	return -1
}

// Key is the decoded form of a geohash as stored in the spatial table: the first four
// characters packed into Prefix as two decimal digits each, and characters 5 to 8 as
// single values.
type Key struct {
	Prefix int
	D5     int
	D6     int
	D7     int
	D8     int
}

func (k *Key) digits() [4]*int {
	return [4]*int{&k.D5, &k.D6, &k.D7, &k.D8}
}

// Len returns the number of geohash characters present in the key.
func (k Key) Len() int {
	n := PrefixLength
	for _, d := range [4]int{k.D5, k.D6, k.D7, k.D8} {
		if d == Absent {
			break
		}
		n++
	}
	return n
}

// Fields returns the left-aligned column values addressing the key at the given precision,
// starting with the prefix. It returns false if the precision is outside 4..8 or the key does
// not carry enough characters for it.
func (k Key) Fields(precision int) ([]int, bool) {
	if precision < PrefixLength || precision > KeyLength || precision > k.Len() {
		return nil, false
	}
	all := [5]int{k.Prefix, k.D5, k.D6, k.D7, k.D8}
	fields := make([]int, precision-PrefixLength+1)
	copy(fields, all[:len(fields)])
	return fields, true
}

// String returns the geohash characters present in the key.
func (k Key) String() string {
	var sb strings.Builder
	sb.Grow(KeyLength)
	for div := 1000000; div > 0; div /= 100 {
		d := (k.Prefix / div) % 100
		if d < 0 || d >= len(Alphabet) {
			return ""
		}
		sb.WriteByte(Alphabet[d])
	}
	for _, d := range [4]int{k.D5, k.D6, k.D7, k.D8} {
		if d == Absent {
			break
		}
		if d < 0 || d >= len(Alphabet) {
			return ""
		}
		sb.WriteByte(Alphabet[d])
	}
	return sb.String()
}
