// Package bptree implements the on-disk B+ tree that maps chromosome names
// to (id, size) pairs in bigBed/bigWig files.
//
// Keys are fixed-width, zero-padded to the header's keySize and ordered by
// unsigned byte-lexicographic comparison.  Values are always 8 bytes for
// chromosome trees: id uint32 followed by size uint32.
package bptree

import (
	"errors"
	"fmt"
	"sort"

	"github.com/yevshin/big/encoding/binio"
	"github.com/yevshin/big/encoding/romio"
)

// Magic identifies a B+ tree header, written in the file's byte order.
const Magic = 0x78CA8C91

// ErrCorrupt is wrapped by structural check failures while reading a tree.
var ErrCorrupt = errors.New("bptree: corrupt index")

const (
	headerSize = 32
	valSize    = 8
)

// Header is the fixed 32-byte B+ tree header.
type Header struct {
	BlockSize uint32
	KeySize   uint32
	ValSize   uint32
	ItemCount uint64
}

// Leaf is a single key/value slot: a chromosome name mapped to its assigned
// id and its size in bases.
type Leaf struct {
	Key  string
	ID   uint32
	Size uint32
}

// Tree is a read-only view over an on-disk B+ tree.
type Tree struct {
	buf  *romio.Buffer
	hdr  Header
	root int64
}

// Read parses the tree header at offset and returns a Tree reading nodes
// through buf.
func Read(buf *romio.Buffer, offset int64) (*Tree, error) {
	r, err := buf.With(offset, headerSize, romio.NoCompression)
	if err != nil {
		return nil, err
	}
	magic := r.U32()
	hdr := Header{
		BlockSize: r.U32(),
		KeySize:   r.U32(),
		ValSize:   r.U32(),
		ItemCount: r.U64(),
	}
	r.U64() // reserved
	if err := r.Err(); err != nil {
		return nil, err
	}
	if magic != Magic {
		return nil, fmt.Errorf("%w: bad magic %#x at offset %d", ErrCorrupt, magic, offset)
	}
	if hdr.ValSize != valSize {
		return nil, fmt.Errorf("%w: unexpected value size %d at offset %d", ErrCorrupt, hdr.ValSize, offset)
	}
	return &Tree{buf: buf, hdr: hdr, root: offset + headerSize}, nil
}

// Header returns the parsed tree header.
func (t *Tree) Header() Header { return t.hdr }

type node struct {
	isLeaf bool
	keys   []string
	// Leaf payload.
	ids, sizes []uint32
	// Internal payload.
	children []int64
}

func (t *Tree) readNode(offset int64) (*node, error) {
	r, err := t.buf.With(offset, 4, romio.NoCompression)
	if err != nil {
		return nil, err
	}
	isLeaf := r.U8()
	r.U8() // reserved
	count := int(r.U16())
	if err := r.Err(); err != nil {
		return nil, err
	}
	if count == 0 || uint64(count) > uint64(t.hdr.ItemCount)+1 {
		return nil, fmt.Errorf("%w: node at %d has child count %d", ErrCorrupt, offset, count)
	}
	slotSize := int64(t.hdr.KeySize) + valSize
	r, err = t.buf.With(offset+4, int64(count)*slotSize, romio.NoCompression)
	if err != nil {
		return nil, err
	}
	n := &node{isLeaf: isLeaf != 0, keys: make([]string, count)}
	if n.isLeaf {
		n.ids = make([]uint32, count)
		n.sizes = make([]uint32, count)
		for i := 0; i < count; i++ {
			n.keys[i] = r.FixedString(int(t.hdr.KeySize))
			n.ids[i] = r.U32()
			n.sizes[i] = r.U32()
		}
	} else {
		n.children = make([]int64, count)
		for i := 0; i < count; i++ {
			n.keys[i] = r.FixedString(int(t.hdr.KeySize))
			child := int64(r.U64())
			if child <= 0 || child >= t.buf.Size() {
				return nil, fmt.Errorf("%w: node at %d points past EOF (%d)", ErrCorrupt, offset, child)
			}
			n.children[i] = child
		}
	}
	return n, r.Err()
}

// Find descends from the root looking for key.  The second return value is
// false when the key is absent.
func (t *Tree) Find(key string) (Leaf, bool, error) {
	if t.hdr.ItemCount == 0 {
		return Leaf{}, false, nil
	}
	if len(key) > int(t.hdr.KeySize) {
		return Leaf{}, false, nil
	}
	offset := t.root
	for {
		n, err := t.readNode(offset)
		if err != nil {
			return Leaf{}, false, err
		}
		if n.isLeaf {
			for i, k := range n.keys {
				if k == key {
					return Leaf{Key: k, ID: n.ids[i], Size: n.sizes[i]}, true, nil
				}
			}
			return Leaf{}, false, nil
		}
		// Greatest key_i <= key.
		i := sort.SearchStrings(n.keys, key)
		if i == len(n.keys) || n.keys[i] != key {
			i--
		}
		if i < 0 {
			return Leaf{}, false, nil
		}
		offset = n.children[i]
	}
}

// Traverse visits all leaves in key order (DFS).
func (t *Tree) Traverse(fn func(Leaf) error) error {
	if t.hdr.ItemCount == 0 {
		return nil
	}
	return t.traverse(t.root, fn)
}

func (t *Tree) traverse(offset int64, fn func(Leaf) error) error {
	n, err := t.readNode(offset)
	if err != nil {
		return err
	}
	if n.isLeaf {
		for i, k := range n.keys {
			if err := fn(Leaf{Key: k, ID: n.ids[i], Size: n.sizes[i]}); err != nil {
				return err
			}
		}
		return nil
	}
	// The shared buffer scratch is reused per node read, so child offsets
	// were materialized before descending.
	for _, child := range n.children {
		if err := t.traverse(child, fn); err != nil {
			return err
		}
	}
	return nil
}

// countLevels returns the number of node levels needed to index itemCount
// items with the given fanout: ceil(log_blockSize(itemCount)), with
// countLevels(n, n) == 1.
func countLevels(blockSize, itemCount int) int {
	levels := 1
	for n := (itemCount + blockSize - 1) / blockSize; n > 1; n = (n + blockSize - 1) / blockSize {
		levels++
	}
	return levels
}

// Write encodes leaves as an on-disk B+ tree at the writer's current
// position.  blockSize must be at least 2; when the leaf set fits in a
// single block the stored block size shrinks to len(leaves) to keep the
// root compact.  Leaves are sorted by key before encoding.
func Write(w *binio.Writer, leaves []Leaf, blockSize int) error {
	if blockSize < 2 {
		return fmt.Errorf("bptree: block size %d < 2", blockSize)
	}
	sorted := make([]Leaf, len(leaves))
	copy(sorted, leaves)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key < sorted[j].Key })

	keySize := 1
	for _, l := range sorted {
		if len(l.Key) > keySize {
			keySize = len(l.Key)
		}
	}
	n := len(sorted)
	if n > 0 && n < blockSize {
		blockSize = n
	}

	w.PutU32(Magic)
	w.PutU32(uint32(blockSize))
	w.PutU32(uint32(keySize))
	w.PutU32(valSize)
	w.PutU64(uint64(n))
	w.PutU64(0) // reserved
	if n == 0 {
		return w.Err()
	}

	// Node counts per level, root (level 0) downward.
	levels := countLevels(blockSize, n)
	counts := make([]int, levels)
	counts[levels-1] = (n + blockSize - 1) / blockSize
	for i := levels - 2; i >= 0; i-- {
		counts[i] = (counts[i+1] + blockSize - 1) / blockSize
	}

	nodeSize := int64(4 + blockSize*(keySize+valSize))
	starts := make([]int64, levels)
	starts[0] = w.Tell()
	for i := 1; i < levels; i++ {
		starts[i] = starts[i-1] + int64(counts[i-1])*nodeSize
	}

	// Items covered by one node at each level.
	span := make([]int, levels)
	span[levels-1] = blockSize
	for i := levels - 2; i >= 0; i-- {
		span[i] = span[i+1] * blockSize
	}

	for level := 0; level < levels; level++ {
		isLeaf := level == levels-1
		for j := 0; j < counts[level]; j++ {
			first := j * blockSize // first item (leaf) or first child node (internal)
			childCount := blockSize
			if isLeaf {
				if n-first < childCount {
					childCount = n - first
				}
			} else if counts[level+1]-first < childCount {
				childCount = counts[level+1] - first
			}
			w.PutU8(boolByte(isLeaf))
			w.PutU8(0)
			w.PutU16(uint16(childCount))
			for c := 0; c < childCount; c++ {
				if isLeaf {
					l := sorted[first+c]
					w.PutFixedString(l.Key, keySize)
					w.PutU32(l.ID)
					w.PutU32(l.Size)
				} else {
					child := first + c
					w.PutFixedString(sorted[child*span[level+1]].Key, keySize)
					w.PutU64(uint64(starts[level+1] + int64(child)*nodeSize))
				}
			}
			w.PutZeros((blockSize - childCount) * (keySize + valSize))
		}
	}
	return w.Err()
}

func boolByte(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
