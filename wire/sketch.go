package wire

import (
	"encoding/binary"
	"io"

	"github.com/cespare/xxhash/v2"
	"github.com/outlinesync/treecrdt"
)

// numHashes is the number of buckets a single opRef is spread across, the
// classic IBLT fan-out that lets a pure (count==1 or count==-1) cell be
// peeled without ambiguity. 3 is the textbook choice: enough redundancy to
// decode at reasonable load factors without tripling codeword traffic.
const numHashes = 3

// bucket is one cell of the sketch: a running XOR of every opRef hashed
// into it, a signed count of how many times one was added minus removed,
// and a checksum used to confirm a decode is not a hash collision. Field
// widths match spec.md §6.3's 24-byte codeword record (sum:16, count:i32,
// checksum:4).
type bucket struct {
	Count   int32
	RefXor  treecrdt.OpRef
	HashXor uint32
}

// Sketch is the rateless, IBLT-style structure spec.md §4.2/§6.3 calls
// "codewords": a fixed-size summary of a set of opRefs that two peers can
// subtract to recover their symmetric difference without either side
// enumerating its full opRef set.
type Sketch struct {
	Buckets []bucket
}

// NewSketch builds a sketch of refs sized to numBuckets cells. Larger
// numBuckets decodes larger symmetric differences at the cost of more
// wire bytes; Config.CodewordsPerMessage governs the chunking of repeated
// NewSketch calls into SyncRequest messages as a peer ratchets up
// resolution.
func NewSketch(refs []treecrdt.OpRef, numBuckets int) Sketch {
	s := Sketch{Buckets: make([]bucket, numBuckets)}
	for _, ref := range refs {
		s.insert(ref, 1)
	}
	return s
}

func bucketIndices(ref treecrdt.OpRef, numBuckets int, out *[numHashes]int) {
	base := xxhash.Sum64(ref[:])
	for k := 0; k < numHashes; k++ {
		var salt [9]byte
		binary.LittleEndian.PutUint64(salt[:8], base)
		salt[8] = byte(k)
		out[k] = int(xxhash.Sum64(salt[:]) % uint64(numBuckets))
	}
}

func refChecksum(ref treecrdt.OpRef) uint32 {
	return uint32(xxhash.Sum64(append([]byte("treecrdt/sketch/v1\x00"), ref[:]...)))
}

func (s *Sketch) insert(ref treecrdt.OpRef, sign int32) {
	var idx [numHashes]int
	bucketIndices(ref, len(s.Buckets), &idx)
	check := refChecksum(ref)
	for _, i := range idx {
		b := &s.Buckets[i]
		b.Count += sign
		xorInto(&b.RefXor, ref)
		b.HashXor ^= check
	}
}

func xorInto(dst *treecrdt.OpRef, src treecrdt.OpRef) {
	for i := range dst {
		dst[i] ^= src[i]
	}
}

// Subtract returns a - b, a sketch whose peeled pure cells name the opRefs
// present in exactly one of the two original sets (the ones that carried
// a positive net count came from a, negative from b).
func Subtract(a, b Sketch) Sketch {
	treecrdt.Assert(len(a.Buckets) == len(b.Buckets), "sketch: size mismatch, %d vs %d", len(a.Buckets), len(b.Buckets))
	out := Sketch{Buckets: make([]bucket, len(a.Buckets))}
	for i := range a.Buckets {
		out.Buckets[i] = bucket{
			Count:   a.Buckets[i].Count - b.Buckets[i].Count,
			RefXor:  xorOf(a.Buckets[i].RefXor, b.Buckets[i].RefXor),
			HashXor: a.Buckets[i].HashXor ^ b.Buckets[i].HashXor,
		}
	}
	return out
}

func xorOf(a, b treecrdt.OpRef) treecrdt.OpRef {
	var out treecrdt.OpRef
	for i := range out {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// Peel decodes a difference sketch (normally the result of Subtract) into
// the opRefs unique to each side. ok is false if peeling stalled before
// every bucket emptied, meaning the true symmetric difference exceeds
// what this sketch's resolution can recover and the caller should re-run
// SyncRequest with a larger sketch (spec.md §4.2's stated degrade path).
func Peel(s Sketch) (onlyInA, onlyInB []treecrdt.OpRef, ok bool) {
	buckets := make([]bucket, len(s.Buckets))
	copy(buckets, s.Buckets)

	for {
		progressed := false
		for i := range buckets {
			b := &buckets[i]
			if b.Count != 1 && b.Count != -1 {
				continue
			}
			ref := b.RefXor
			if refChecksum(ref) != b.HashXor {
				continue // hash collision in this cell, not actually pure
			}
			sign := b.Count
			if sign == 1 {
				onlyInA = append(onlyInA, ref)
			} else {
				onlyInB = append(onlyInB, ref)
			}
			var idx [numHashes]int
			bucketIndices(ref, len(buckets), &idx)
			check := refChecksum(ref)
			for _, j := range idx {
				buckets[j].Count -= sign
				xorInto(&buckets[j].RefXor, ref)
				buckets[j].HashXor ^= check
			}
			progressed = true
		}
		if !progressed {
			break
		}
	}

	allEmpty := true
	for _, b := range buckets {
		if b.Count != 0 || b.HashXor != 0 {
			allEmpty = false
			break
		}
	}
	return onlyInA, onlyInB, allEmpty
}

// EncodeSketch and DecodeSketch serialize a Sketch for the SyncRequest
// wire message, one fixed 24-byte record per bucket (16-byte XOR, 4-byte
// count, 4-byte checksum) preceded by a varint bucket count, per spec.md
// §6.3.
func EncodeSketch(w io.Writer, s Sketch) error {
	if err := treecrdt.WriteVarUint(w, uint64(len(s.Buckets))); err != nil {
		return err
	}
	for _, b := range s.Buckets {
		if _, err := w.Write(b.RefXor[:]); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, b.Count); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, b.HashXor); err != nil {
			return err
		}
	}
	return nil
}

func DecodeSketch(r io.Reader) (Sketch, error) {
	n, err := treecrdt.ReadVarUint(r)
	if err != nil {
		return Sketch{}, err
	}
	s := Sketch{Buckets: make([]bucket, n)}
	for i := range s.Buckets {
		if _, err := io.ReadFull(r, s.Buckets[i].RefXor[:]); err != nil {
			return Sketch{}, err
		}
		if err := binary.Read(r, binary.LittleEndian, &s.Buckets[i].Count); err != nil {
			return Sketch{}, err
		}
		if err := binary.Read(r, binary.LittleEndian, &s.Buckets[i].HashXor); err != nil {
			return Sketch{}, err
		}
	}
	return s, nil
}
