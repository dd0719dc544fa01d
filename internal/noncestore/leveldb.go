package noncestore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDB is a durable nonce store, adapted from the teacher's
// gateway/auth.LevelDBNoncePersistence: a dual-index scheme keyed by the
// nonce itself (for O(1) Has) and by "<observedNanos>:<nonce>" (for ordered
// cutoff scans during Cleanup). A Cleanup call made while another Cleanup
// pass is still running, within flushDebounce of the last completed pass,
// returns without scanning.
const (
	nonceKeyPrefix    = "nonce:"
	observedKeyPrefix = "observed:"
	flushDebounce     = 250 * time.Millisecond
)

type LevelDB struct {
	db *leveldb.DB

	flushMu      sync.Mutex
	flushPending bool
	lastFlush    time.Time
}

// NewLevelDB opens (or creates) a LevelDB database at path.
func NewLevelDB(path string) (*LevelDB, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("noncestore: leveldb path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("noncestore: resolve leveldb path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("noncestore: open leveldb: %w", err)
	}
	return &LevelDB{db: db}, nil
}

// Close releases the underlying LevelDB handle.
func (l *LevelDB) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

func (l *LevelDB) Has(nonce string) (bool, error) {
	_, err := l.db.Get([]byte(nonceKeyPrefix+nonce), nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("noncestore: get nonce: %w", err)
	default:
		return true, nil
	}
}

// Add performs an on-conflict-update insert: a nonce already present keeps
// its original observed timestamp (the entry is the replay evidence, not a
// mutable counter), and only a genuinely new nonce is written.
func (l *LevelDB) Add(nonce string, ts time.Time) error {
	nonceKey := []byte(nonceKeyPrefix + nonce)
	if _, err := l.db.Get(nonceKey, nil); err == nil {
		return nil
	} else if !errors.Is(err, leveldb.ErrNotFound) {
		return fmt.Errorf("noncestore: get nonce: %w", err)
	}
	nanos := ts.UnixNano()
	batch := new(leveldb.Batch)
	batch.Put(nonceKey, encodeUnixNano(nanos))
	batch.Put([]byte(observedKey(nanos, nonce)), nil)
	if err := l.db.Write(batch, nil); err != nil {
		return fmt.Errorf("noncestore: write nonce: %w", err)
	}
	return nil
}

func (l *LevelDB) Cleanup(cutoff time.Time) error {
	l.flushMu.Lock()
	if l.flushPending && time.Since(l.lastFlush) < flushDebounce {
		l.flushMu.Unlock()
		return nil
	}
	l.flushPending = true
	l.flushMu.Unlock()
	defer func() {
		l.flushMu.Lock()
		l.flushPending = false
		l.lastFlush = time.Now()
		l.flushMu.Unlock()
	}()

	cutoffKey := []byte(observedKey(cutoff.UnixNano(), ""))
	iter := l.db.NewIterator(util.BytesPrefix([]byte(observedKeyPrefix)), nil)
	defer iter.Release()

	batch := new(leveldb.Batch)
	for iter.Next() {
		if compareKeys(iter.Key(), cutoffKey) >= 0 {
			break
		}
		nonce, _, ok := parseObservedKey(iter.Key())
		if !ok {
			continue
		}
		batch.Delete(append([]byte(nil), iter.Key()...))
		batch.Delete([]byte(nonceKeyPrefix + nonce))
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("noncestore: iterate observed index: %w", err)
	}
	if batch.Len() > 0 {
		if err := l.db.Write(batch, nil); err != nil {
			return fmt.Errorf("noncestore: prune: %w", err)
		}
	}
	return nil
}

func observedKey(nanos int64, nonce string) string {
	return fmt.Sprintf("%s%020d:%s", observedKeyPrefix, nanos, nonce)
}

func parseObservedKey(key []byte) (string, int64, bool) {
	raw := string(key)
	parts := strings.SplitN(raw, ":", 3)
	if len(parts) != 3 {
		return "", 0, false
	}
	nanos, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return parts[2], nanos, true
}

func encodeUnixNano(nanos int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(nanos))
	return buf
}

func compareKeys(a, b []byte) int {
	min := len(a)
	if len(b) < min {
		min = len(b)
	}
	for i := 0; i < min; i++ {
		if a[i] < b[i] {
			return -1
		}
		if a[i] > b[i] {
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}
