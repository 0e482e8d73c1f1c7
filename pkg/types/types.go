package types

// Key is an immutable byte slice type alias used for clarity.
type Key = []byte

// Value is an immutable byte slice type alias used for clarity.
type Value = []byte

// SeqN is a monotonically increasing sequence number assigned to every write
// before it reaches the store (by the write-ahead log in a full deployment).
// It doubles as the MVCC version: a reader with readpoint R observes exactly
// the writes with SeqN <= R.
type SeqN = uint64

// TimestampMs is a millisecond-precision cell timestamp supplied by clients
// (or the server clock) and used for versioning and TTL policies.
type TimestampMs = int64
