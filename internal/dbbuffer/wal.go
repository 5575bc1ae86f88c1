package dbbuffer

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"os"

	"tradeguard/internal/core"

	"github.com/dgraph-io/badger/v4"
)

const walKeyPrefix = "dbbuf:"

// ErrJournalCorrupted marks an entry whose checksum does not match
var ErrJournalCorrupted = errors.New("db buffer journal entry corrupted")

// BadgerJournal stores buffered entries in badger keyed by sequence number so
// that iteration order is FIFO order. Values are [4-byte CRC32][JSON entry].
type BadgerJournal struct {
	db     *badger.DB
	logger core.ILogger
}

// JournalOptions configures the badger journal
type JournalOptions struct {
	Path     string
	InMemory bool
}

// OpenBadgerJournal opens (creating if needed) the journal with synchronous writes
func OpenBadgerJournal(opts JournalOptions, logger core.ILogger) (*BadgerJournal, error) {
	logger = logger.WithField("component", "db_buffer_wal")

	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if opts.Path == "" {
			return nil, errors.New("wal path is required")
		}
		if err := os.MkdirAll(opts.Path, 0750); err != nil {
			return nil, fmt.Errorf("create wal directory %s: %w", opts.Path, err)
		}
		bopts = badger.DefaultOptions(opts.Path).WithSyncWrites(true)
	}
	bopts = bopts.WithNumVersionsToKeep(1).WithLogger(&badgerLogger{logger: logger})

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open badger wal: %w", err)
	}
	return &BadgerJournal{db: db, logger: logger}, nil
}

// Append writes one entry
func (j *BadgerJournal) Append(e Entry) error {
	data, err := encodeEntry(e)
	if err != nil {
		return err
	}
	return j.db.Update(func(txn *badger.Txn) error {
		return txn.Set(walKey(e.Seq), data)
	})
}

// Delete removes entries by sequence number
func (j *BadgerJournal) Delete(seqs ...uint64) error {
	if len(seqs) == 0 {
		return nil
	}
	return j.db.Update(func(txn *badger.Txn) error {
		for _, seq := range seqs {
			if err := txn.Delete(walKey(seq)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Load returns all entries in sequence order. Corrupted entries are skipped and logged.
func (j *BadgerJournal) Load() ([]Entry, error) {
	var entries []Entry
	prefix := []byte(walKeyPrefix)

	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			key := string(item.KeyCopy(nil))
			err := item.Value(func(val []byte) error {
				e, err := decodeEntry(val)
				if err != nil {
					if errors.Is(err, ErrJournalCorrupted) {
						j.logger.Warn("Skipping corrupted journal entry", "key", key, "error", err)
						return nil
					}
					return err
				}
				entries = append(entries, e)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load wal: %w", err)
	}
	return entries, nil
}

// Close closes the badger database
func (j *BadgerJournal) Close() error {
	return j.db.Close()
}

func walKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%016d", walKeyPrefix, seq))
}

func encodeEntry(e Entry) ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode wal entry: %w", err)
	}
	out := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(out[:4], crc32.ChecksumIEEE(body))
	copy(out[4:], body)
	return out, nil
}

func decodeEntry(data []byte) (Entry, error) {
	if len(data) < 5 {
		return Entry{}, fmt.Errorf("%w: entry too short", ErrJournalCorrupted)
	}
	stored := binary.BigEndian.Uint32(data[:4])
	body := data[4:]
	if computed := crc32.ChecksumIEEE(body); stored != computed {
		return Entry{}, fmt.Errorf("%w: stored=%08x computed=%08x", ErrJournalCorrupted, stored, computed)
	}
	var e Entry
	if err := json.Unmarshal(body, &e); err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrJournalCorrupted, err)
	}
	return e, nil
}

// badgerLogger adapts core.ILogger to badger's logger
type badgerLogger struct {
	logger core.ILogger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
