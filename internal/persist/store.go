package persist

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/zstd"
)

const snapshotKey = "tt-snapshot"

// Entry is one transposition table slot, in a form independent of the
// engine package's in-memory packing.
type Entry struct {
	Hash  uint64
	Move  uint16
	Score int16
	Depth int8
	Flag  uint8
	Age   uint8
}

const entrySize = 8 + 2 + 2 + 1 + 1 + 1 // 15 bytes

// Snapshot is a point-in-time dump of a transposition table.
type Snapshot struct {
	Entries []Entry
}

// Store persists Snapshots to a Badger database as a single compressed blob.
// A transposition table can hold millions of entries; badger's LSM tree is
// overkill for one giant value, but it gives us crash-safe writes for free.
type Store struct {
	db *badger.DB
}

// Open opens (creating if necessary) the snapshot store at dir.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("persist: open %s: %w", dir, err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Save compresses and writes a snapshot, replacing any previous one.
func (s *Store) Save(snap *Snapshot) error {
	raw := encodeEntries(snap.Entries)

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fmt.Errorf("persist: new zstd writer: %w", err)
	}
	compressed := enc.EncodeAll(raw, nil)
	enc.Close()

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(snapshotKey), compressed)
	})
}

// Load reads back the most recently saved snapshot, or (nil, nil) if none exists.
func (s *Store) Load() (*Snapshot, error) {
	var compressed []byte

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(snapshotKey))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			compressed = append(compressed, val...)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if compressed == nil {
		return nil, nil
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("persist: new zstd reader: %w", err)
	}
	defer dec.Close()

	raw, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("persist: decompress snapshot: %w", err)
	}

	entries, err := decodeEntries(raw)
	if err != nil {
		return nil, err
	}
	return &Snapshot{Entries: entries}, nil
}

func encodeEntries(entries []Entry) []byte {
	buf := make([]byte, 0, len(entries)*entrySize)
	var tmp [entrySize]byte
	for _, e := range entries {
		binary.LittleEndian.PutUint64(tmp[0:8], e.Hash)
		binary.LittleEndian.PutUint16(tmp[8:10], e.Move)
		binary.LittleEndian.PutUint16(tmp[10:12], uint16(e.Score))
		tmp[12] = uint8(e.Depth)
		tmp[13] = e.Flag
		tmp[14] = e.Age
		buf = append(buf, tmp[:]...)
	}
	return buf
}

func decodeEntries(raw []byte) ([]Entry, error) {
	if len(raw)%entrySize != 0 {
		return nil, fmt.Errorf("persist: corrupt snapshot, length %d not a multiple of %d", len(raw), entrySize)
	}
	n := len(raw) / entrySize
	entries := make([]Entry, n)
	r := bytes.NewReader(raw)
	var tmp [entrySize]byte
	for i := 0; i < n; i++ {
		if _, err := r.Read(tmp[:]); err != nil {
			return nil, fmt.Errorf("persist: reading entry %d: %w", i, err)
		}
		entries[i] = Entry{
			Hash:  binary.LittleEndian.Uint64(tmp[0:8]),
			Move:  binary.LittleEndian.Uint16(tmp[8:10]),
			Score: int16(binary.LittleEndian.Uint16(tmp[10:12])),
			Depth: int8(tmp[12]),
			Flag:  tmp[13],
			Age:   tmp[14],
		}
	}
	return entries, nil
}

// HumanizeEntries renders an entry count for a log line, e.g. "1,200,000".
func HumanizeEntries(n int) string {
	return humanize.Comma(int64(n))
}
