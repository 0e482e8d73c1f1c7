package store

import (
	"cfstore/pkg/types"
)

// MemStoreSize is the active memstore's heap footprint in bytes.
func (s *Store) MemStoreSize() int64 {
	return s.ms.Size()
}

// SnapshotSize is the heap footprint of the flush snapshot, zero when none
// is pending.
func (s *Store) SnapshotSize() int64 {
	return s.ms.SnapshotSize()
}

// MaxMemstoreSeq is the highest MVCC sequence number present in the
// memstore, including any pending snapshot.
func (s *Store) MaxMemstoreSeq() types.SeqN {
	return s.ms.MaxSeq()
}

// MaxSequenceID is the highest sequence id across the live store files:
// everything at or below it is durable on storage.
func (s *Store) MaxSequenceID() types.SeqN {
	var max types.SeqN
	for _, f := range s.currentFiles() {
		if f.SequenceID() > max {
			max = f.SequenceID()
		}
	}
	return max
}

// FileCount is the number of live store files.
func (s *Store) FileCount() int {
	return len(s.currentFiles())
}

// StorefilesSize is the total on-storage byte size of the live files.
func (s *Store) StorefilesSize() int64 {
	var n int64
	for _, f := range s.currentFiles() {
		n += f.Size()
	}
	return n
}

// UncompressedSize is the total logical data size of the live files.
func (s *Store) UncompressedSize() int64 {
	var n int64
	for _, f := range s.currentFiles() {
		n += f.UncompressedSize()
	}
	return n
}

// IndexSize is the total block-index footprint of the live files.
func (s *Store) IndexSize() int64 {
	var n int64
	for _, f := range s.currentFiles() {
		n += f.IndexSize()
	}
	return n
}

// BloomSize is the total bloom-filter footprint of the live files.
func (s *Store) BloomSize() int64 {
	var n int64
	for _, f := range s.currentFiles() {
		n += f.BloomSize()
	}
	return n
}

// Info is the store's introspection snapshot, served by the admin API.
type Info struct {
	Table            string     `json:"table"`
	Region           string     `json:"region"`
	Family           string     `json:"family"`
	Files            int        `json:"files"`
	StorefilesBytes  int64      `json:"storefiles_bytes"`
	UncompressedSize int64      `json:"uncompressed_bytes"`
	IndexBytes       int64      `json:"index_bytes"`
	BloomBytes       int64      `json:"bloom_bytes"`
	MemstoreBytes    int64      `json:"memstore_bytes"`
	SnapshotBytes    int64      `json:"snapshot_bytes"`
	MaxSequenceID    types.SeqN `json:"max_sequence_id"`
	MaxMemstoreSeq   types.SeqN `json:"max_memstore_seq"`
	NeedsCompaction  bool       `json:"needs_compaction"`
	CompactPriority  int        `json:"compact_priority"`
	LastCompactSize  int64      `json:"last_compact_bytes"`
	HasReferences    bool       `json:"has_references"`
}

// Snapshot assembles the current Info.
func (s *Store) Snapshot() Info {
	return Info{
		Table:            s.region.Table,
		Region:           s.region.Region,
		Family:           s.family.Name,
		Files:            s.FileCount(),
		StorefilesBytes:  s.StorefilesSize(),
		UncompressedSize: s.UncompressedSize(),
		IndexBytes:       s.IndexSize(),
		BloomBytes:       s.BloomSize(),
		MemstoreBytes:    s.MemStoreSize(),
		SnapshotBytes:    s.SnapshotSize(),
		MaxSequenceID:    s.MaxSequenceID(),
		MaxMemstoreSeq:   s.MaxMemstoreSeq(),
		NeedsCompaction:  s.NeedsCompaction(),
		CompactPriority:  s.CompactPriority(),
		LastCompactSize:  s.LastCompactSize(),
		HasReferences:    s.HasReferences(),
	}
}
