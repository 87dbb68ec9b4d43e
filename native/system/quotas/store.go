package quotas

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/rlp"

	nativecommon "batchsettle/native/common"
	"batchsettle/storage"
)

type counterRecord struct {
	Submissions uint32
	Recipients  uint64
}

// Store persists per-account quota counters, one set per scope and epoch.
type Store struct {
	mu sync.Mutex
	db storage.Database
}

func NewStore(db storage.Database) *Store {
	return &Store{db: db}
}

func (s *Store) ready() error {
	if s == nil || s.db == nil {
		return fmt.Errorf("quota store not initialised")
	}
	return nil
}

func (s *Store) Load(scope string, epoch uint64, addr []byte) (nativecommon.SubmissionUsage, bool, error) {
	if err := s.ready(); err != nil {
		return nativecommon.SubmissionUsage{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(scope, epoch, addr)
}

func (s *Store) load(scope string, epoch uint64, addr []byte) (nativecommon.SubmissionUsage, bool, error) {
	if len(addr) == 0 {
		return nativecommon.SubmissionUsage{}, false, fmt.Errorf("quota: address required")
	}
	raw, err := s.db.Get(counterKey(scope, epoch, addr))
	if errors.Is(err, storage.ErrNotFound) {
		return nativecommon.SubmissionUsage{Epoch: epoch}, false, nil
	}
	if err != nil {
		return nativecommon.SubmissionUsage{}, false, fmt.Errorf("quota: load counters: %w", err)
	}
	var stored counterRecord
	if err := rlp.DecodeBytes(raw, &stored); err != nil {
		return nativecommon.SubmissionUsage{}, false, fmt.Errorf("quota: decode counters: %w", err)
	}
	return nativecommon.SubmissionUsage{Epoch: epoch, Submissions: stored.Submissions, Recipients: stored.Recipients}, true, nil
}

// Consume charges one submission of recipients against the quota of addr for
// the epoch containing now. Counters are only persisted when the quota holds.
func (s *Store) Consume(scope string, q nativecommon.Quota, now time.Time, addr []byte, recipients uint64) (nativecommon.SubmissionUsage, error) {
	if err := s.ready(); err != nil {
		return nativecommon.SubmissionUsage{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	epoch := q.EpochAt(now)
	prev, existed, err := s.load(scope, epoch, addr)
	if err != nil {
		return nativecommon.SubmissionUsage{}, err
	}
	next, err := q.Admit(prev, epoch, recipients)
	if err != nil {
		return prev, err
	}
	encoded, err := rlp.EncodeToBytes(counterRecord{Submissions: next.Submissions, Recipients: next.Recipients})
	if err != nil {
		return prev, err
	}
	batch := storage.NewBatch()
	batch.Put(counterKey(scope, epoch, addr), encoded)
	if !existed {
		index, err := s.index(scope, epoch)
		if err != nil {
			return prev, err
		}
		index = append(index, append([]byte(nil), addr...))
		encodedIndex, err := rlp.EncodeToBytes(index)
		if err != nil {
			return prev, err
		}
		batch.Put(epochIndexKey(scope, epoch), encodedIndex)
	}
	if err := s.db.Write(batch); err != nil {
		return prev, fmt.Errorf("quota: persist counters: %w", err)
	}
	return next, nil
}

func (s *Store) index(scope string, epoch uint64) ([][]byte, error) {
	raw, err := s.db.Get(epochIndexKey(scope, epoch))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var addrs [][]byte
	if err := rlp.DecodeBytes(raw, &addrs); err != nil {
		return nil, fmt.Errorf("quota: decode epoch index: %w", err)
	}
	return addrs, nil
}

// PruneEpoch drops every counter recorded for epoch.
func (s *Store) PruneEpoch(scope string, epoch uint64) error {
	if err := s.ready(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	addrs, err := s.index(scope, epoch)
	if err != nil {
		return fmt.Errorf("quota: load epoch index: %w", err)
	}
	batch := storage.NewBatch()
	for _, addr := range addrs {
		batch.Delete(counterKey(scope, epoch, addr))
	}
	batch.Delete(epochIndexKey(scope, epoch))
	if err := s.db.Write(batch); err != nil {
		return fmt.Errorf("quota: prune epoch: %w", err)
	}
	return nil
}
