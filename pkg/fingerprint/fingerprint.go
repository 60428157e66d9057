// Package fingerprint computes content identifiers for bundles.
//
// A fingerprint is a blake2b tree hash of the raw bytes, truncated to a fixed
// width. Leaves are hashed concurrently by a small worker pool.
//
// Truncation trades identifier size for collision probability: with the
// default width of 20 bytes, the birthday bound sits around 2^80 distinct
// contents. Collisions are not handled.
package fingerprint

import (
	"encoding/hex"
	"runtime"
	"sync"

	units "github.com/docker/go-units"
	blake2b "github.com/minio/blake2b-simd"
	"github.com/oneconcern/codeship/pkg/errors"
)

const (
	// DefaultSize is the default width of a fingerprint, in bytes
	DefaultSize = 20

	// MinSize is the narrowest fingerprint accepted, in bytes
	MinSize = 16

	// MaxSize is the widest fingerprint available, in bytes
	MaxSize = blake2b.Size
)

var (
	// ErrWidth indicates an unsupported fingerprint width
	ErrWidth = errors.New("invalid fingerprint width")

	// ErrMalformed indicates a fingerprint string that cannot be parsed
	ErrMalformed = errors.New("malformed fingerprint")
)

// ID is a content fingerprint
type ID []byte

func (id ID) String() string {
	return hex.EncodeToString(id)
}

// Equal tells if two fingerprints are the same
func (id ID) Equal(other ID) bool {
	if len(id) != len(other) {
		return false
	}
	for i := range id {
		if id[i] != other[i] {
			return false
		}
	}
	return true
}

// IsZero is true for an empty fingerprint
func (id ID) IsZero() bool {
	return len(id) == 0
}

// ParseID parses the hex representation of a fingerprint
func ParseID(s string) (ID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, ErrMalformed.Wrap(err)
	}
	if len(b) < MinSize || len(b) > MaxSize {
		return nil, ErrMalformed.Wrapf("%q has %d bytes", s, len(b))
	}
	return ID(b), nil
}

type chunkInput struct {
	part      int
	buffer    []byte
	lastChunk bool
}

type chunkOutput struct {
	digest []byte
	part   int
	err    error
}

// Option configures a Maker
type Option func(*Maker)

// LeafSize sets the size of the leaves of the hash tree
func LeafSize(sz int64) Option {
	return func(m *Maker) {
		if sz > 0 {
			m.leafSize = uint32(sz)
		}
	}
}

// NumberOfWorkers sets the number of goroutines hashing leaves
func NumberOfWorkers(no int) Option {
	return func(m *Maker) {
		if no > 0 {
			m.numberOfWorkers = no
		}
	}
}

// Size sets the width of the produced fingerprints, in bytes
func Size(sz uint8) Option {
	return func(m *Maker) {
		m.size = sz
	}
}

// New builds a fingerprint Maker
func New(opts ...Option) (*Maker, error) {
	m := &Maker{
		leafSize:        uint32(units.MiB),
		numberOfWorkers: runtime.NumCPU(),
		size:            DefaultSize,
	}

	for _, apply := range opts {
		apply(m)
	}
	if m.size < MinSize || m.size > MaxSize {
		return nil, ErrWidth.Wrapf("%d bytes, expected between %d and %d", m.size, MinSize, MaxSize)
	}
	return m, nil
}

// MustNew builds a fingerprint Maker or panics
func MustNew(opts ...Option) *Maker {
	m, err := New(opts...)
	if err != nil {
		panic(err)
	}
	return m
}

// Maker computes fingerprints
type Maker struct {
	size            uint8
	leafSize        uint32
	numberOfWorkers int
}

// Width of the fingerprints produced, in bytes
func (m *Maker) Width() int {
	return int(m.size)
}

// LeafSize of the hash tree. Makers with different leaf sizes produce different fingerprints.
func (m *Maker) LeafSize() int64 {
	return int64(m.leafSize)
}

// Sum computes the fingerprint of some raw content
func (m *Maker) Sum(raw []byte) (ID, error) {
	var wg sync.WaitGroup
	chunks := make(chan chunkInput)
	results := make(chan chunkOutput)

	for i := 0; i < m.numberOfWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.processChunk(chunks, results)
		}()
	}

	go func() {
		leaf := int(m.leafSize)
		part := 0
		for offset := 0; ; part++ {
			end := offset + leaf
			if end > len(raw) {
				end = len(raw)
			}
			lastChunk := end == len(raw)
			chunks <- chunkInput{part: part, buffer: raw[offset:end], lastChunk: lastChunk}
			if lastChunk {
				break
			}
			offset = end
		}
		close(chunks)
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	digests := make(map[int][]byte)
	var firstErr error
	for r := range results {
		if r.err != nil && firstErr == nil {
			firstErr = r.err
		}
		digests[r.part] = r.digest
	}
	if firstErr != nil {
		return nil, firstErr
	}

	// concatenate leaf digests in order
	b := make([]byte, len(digests)*blake2b.Size)
	for index, val := range digests {
		offset := blake2b.Size * index
		copy(b[offset:offset+blake2b.Size], val)
	}

	root, err := blake2b.New(&blake2b.Config{
		Size: blake2b.Size,
		Tree: &blake2b.Tree{
			Fanout:        0,
			MaxDepth:      2,
			LeafSize:      m.leafSize,
			NodeOffset:    0,
			NodeDepth:     1,
			InnerHashSize: blake2b.Size,
			IsLastNode:    true,
		},
	})
	if err != nil {
		return nil, err
	}
	_, _ = root.Write(b)
	digest := root.Sum(nil)

	return ID(digest[:m.size]), nil
}

// processChunk hashes leaves until the input channel is closed
func (m *Maker) processChunk(rx <-chan chunkInput, tx chan<- chunkOutput) {
	for c := range rx {
		leaf, err := blake2b.New(&blake2b.Config{
			Size: blake2b.Size,
			Tree: &blake2b.Tree{
				Fanout:        0,
				MaxDepth:      2,
				LeafSize:      m.leafSize,
				NodeOffset:    uint64(c.part),
				NodeDepth:     0,
				InnerHashSize: blake2b.Size,
				IsLastNode:    c.lastChunk,
			},
		})
		if err != nil {
			tx <- chunkOutput{part: c.part, err: err}
			continue
		}
		_, _ = leaf.Write(c.buffer)
		tx <- chunkOutput{digest: leaf.Sum(nil), part: c.part}
	}
}
