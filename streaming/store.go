package streaming

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
)

var ErrStoreClosed = errors.New("streaming: durable store closed")

// DurableStore persists the last acknowledged sequence per durable key.
// Save never moves a position backwards.
type DurableStore interface {
	Load(key string) (seq uint64, ok bool, err error)
	Save(key string, seq uint64) error
	Delete(key string) error
	Close() error
}

// DurableKey names the stored position of one durable subscription.
func DurableKey(clientID, durable, subject string) string {
	return clientID + "/" + durable + "/" + subject
}

type memoryStore struct {
	mu     sync.Mutex
	pos    map[string]uint64
	closed bool
}

func NewMemoryStore() DurableStore {
	return &memoryStore{pos: make(map[string]uint64)}
}

func (s *memoryStore) Load(key string) (uint64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, false, ErrStoreClosed
	}
	seq, ok := s.pos[key]
	return seq, ok, nil
}

func (s *memoryStore) Save(key string, seq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if cur, ok := s.pos[key]; ok && cur >= seq {
		return nil
	}
	s.pos[key] = seq
	return nil
}

func (s *memoryStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	delete(s.pos, key)
	return nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

const levelKeyPrefix = "durable/"

// levelStore keeps positions in a LevelDB directory as big-endian uint64s.
type levelStore struct {
	mu sync.Mutex
	db *leveldb.DB
}

// OpenLevelDBStore opens or creates a store at path.
func OpenLevelDBStore(path string) (DurableStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("streaming: open durable store %s: %w", path, err)
	}
	return &levelStore{db: db}, nil
}

func (s *levelStore) Load(key string) (uint64, bool, error) {
	b, err := s.db.Get([]byte(levelKeyPrefix+key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, translateLevelErr(err)
	}
	if len(b) != 8 {
		return 0, false, fmt.Errorf("streaming: durable %q: corrupt position", key)
	}
	return binary.BigEndian.Uint64(b), true, nil
}

func (s *levelStore) Save(key string, seq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok, err := s.Load(key)
	if err != nil {
		return err
	}
	if ok && cur >= seq {
		return nil
	}
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], seq)
	return translateLevelErr(s.db.Put([]byte(levelKeyPrefix+key), b[:], nil))
}

func (s *levelStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return translateLevelErr(s.db.Delete([]byte(levelKeyPrefix+key), nil))
}

func (s *levelStore) Close() error {
	return translateLevelErr(s.db.Close())
}

func translateLevelErr(err error) error {
	if errors.Is(err, leveldb.ErrClosed) {
		return ErrStoreClosed
	}
	return err
}
