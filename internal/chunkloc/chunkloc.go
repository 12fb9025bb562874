// Package chunkloc maps world positions onto the fixed-size chunk regions
// that partition block metadata on disk.
//
// A chunk covers Width blocks along X and Z and Height blocks along Y. Chunk
// coordinates are obtained by floor division so that negative world
// coordinates partition contiguously: world x = -1 lives in chunk x = -1 at
// local offset 15.
package chunkloc

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Chunk dimensions in blocks.
const (
	Width  = 16
	Height = 64
	Volume = Width * Height * Width
)

// ErrInvalidPos is returned for positions that cannot be partitioned
// (NaN, infinite, or beyond the int32 chunk coordinate range).
var ErrInvalidPos = errors.New("invalid world position")

// Pos is a position in the host's floating point world space.
type Pos struct {
	X, Y, Z float64
}

// Loc identifies one chunk. It is comparable and used directly as a map key.
type Loc struct {
	X, Y, Z int32
}

// Offset is a block position relative to the base corner of its chunk.
type Offset struct {
	X, Y, Z uint8
}

// FromPos returns the chunk containing p.
func FromPos(p Pos) (Loc, error) {
	loc, _, err := Locate(p)
	return loc, err
}

// OffsetOf returns the position of p's block inside its chunk.
func OffsetOf(p Pos) (Offset, error) {
	_, off, err := Locate(p)
	return off, err
}

// Locate returns both the chunk containing p and p's offset inside it. Both
// are derived from the same block coordinate, so the offset is always Valid.
func Locate(p Pos) (Loc, Offset, error) {
	var loc Loc
	var off Offset
	var err error
	if loc.X, off.X, err = split(p.X, Width); err != nil {
		return Loc{}, Offset{}, err
	}
	if loc.Y, off.Y, err = split(p.Y, Height); err != nil {
		return Loc{}, Offset{}, err
	}
	if loc.Z, off.Z, err = split(p.Z, Width); err != nil {
		return Loc{}, Offset{}, err
	}
	return loc, off, nil
}

// split floors v to a block coordinate and divides it into a chunk
// coordinate and a local offset in [0, span).
func split(v float64, span int64) (int32, uint8, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, 0, fmt.Errorf("%w: %v", ErrInvalidPos, v)
	}
	b := math.Floor(v)
	if b < float64(math.MinInt32*span) || b >= float64((math.MaxInt32+1)*span) {
		return 0, 0, fmt.Errorf("%w: %v out of range", ErrInvalidPos, v)
	}
	block := int64(b)
	q := block / span
	r := block % span
	if r < 0 {
		q--
		r += span
	}
	return int32(q), uint8(r), nil
}

// Base returns the world block coordinates of the chunk's minimum corner.
func (l Loc) Base() (x, y, z int64) {
	return int64(l.X) * Width, int64(l.Y) * Height, int64(l.Z) * Width
}

// Block returns the world block coordinates of off inside l.
func (l Loc) Block(off Offset) (x, y, z int64) {
	bx, by, bz := l.Base()
	return bx + int64(off.X), by + int64(off.Y), bz + int64(off.Z)
}

// Exists reports whether the chunk lies inside a world of the given height.
//
// Chunks below y = 0 are never addressable; worlds with negative build
// height are not supported.
func (l Loc) Exists(maxHeight int) bool {
	return l.Y >= 0 && int64(l.Y)*Height < int64(maxHeight)
}

func (l Loc) String() string {
	return fmt.Sprintf("{x: %d, y: %d, z: %d}", l.X, l.Y, l.Z)
}

// FileName returns the deterministic file name for the chunk, "x.y.z" plus ext.
func (l Loc) FileName(ext string) string {
	return fmt.Sprintf("%d.%d.%d%s", l.X, l.Y, l.Z, ext)
}

// ParseFileName reverses FileName. ok is false if name is not a chunk file
// with the given extension.
func ParseFileName(name, ext string) (Loc, bool) {
	if !strings.HasSuffix(name, ext) {
		return Loc{}, false
	}
	parts := strings.Split(strings.TrimSuffix(name, ext), ".")
	if len(parts) != 3 {
		return Loc{}, false
	}
	var v [3]int32
	for i, p := range parts {
		n, err := strconv.ParseInt(p, 10, 32)
		if err != nil {
			return Loc{}, false
		}
		v[i] = int32(n)
	}
	return Loc{X: v[0], Y: v[1], Z: v[2]}, true
}

// Valid reports whether the offset lies inside a chunk.
func (o Offset) Valid() bool {
	return o.X < Width && o.Y < Height && o.Z < Width
}

// Index packs the offset into a single value in [0, Volume): x | z<<4 | y<<8.
func (o Offset) Index() uint16 {
	return uint16(o.X) | uint16(o.Z)<<4 | uint16(o.Y)<<8
}

// OffsetFromIndex unpacks an Index value.
func OffsetFromIndex(i uint16) Offset {
	return Offset{
		X: uint8(i & 0xF),
		Z: uint8((i >> 4) & 0xF),
		Y: uint8((i >> 8) & 0x3F),
	}
}

func (o Offset) String() string {
	return fmt.Sprintf("(%d, %d, %d)", o.X, o.Y, o.Z)
}
