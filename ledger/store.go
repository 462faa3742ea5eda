package ledger

import (
	"bufio"
	"fmt"
	"math/big"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"latticenode/writequeue"
)

// Config configures a Store. Grounded on the teacher's LedgerConfig
// (core/ledger.go): a WAL path replayed at startup plus a snapshot path,
// generalized from the teacher's flat-map ledger to the block-lattice
// indexes of spec §3.
type Config struct {
	WALPath      string
	SnapshotPath string
	Logger       *logrus.Logger
	MaxReadAge   time.Duration
	GenesisBlock *Block
}

// Store is the concrete implementation of the ledger collaborator named in
// spec §4.B. It holds every index spec §3 requires and serializes writers
// through a writequeue.Queue.
type Store struct {
	log *logrus.Logger

	mu         sync.RWMutex
	blocks     map[Hash]*StoredBlock
	accounts   map[Account]*AccountInfo
	pending    map[PendingKey]*PendingEntry
	confHeight map[Account]*ConfirmationHeightInfo
	repWeights map[Account]*big.Int
	frontiers  map[Hash]Account // head hash -> account, for O(1) old-head removal

	writeQueue *writequeue.Queue
	maxReadAge time.Duration

	walMu   sync.Mutex
	walFile *os.File
}

// Open constructs a Store, replaying its WAL (if any) and applying the
// genesis block first, following core/ledger.go's NewLedger.
func Open(cfg Config) (*Store, error) {
	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	maxAge := cfg.MaxReadAge
	if maxAge <= 0 {
		maxAge = 500 * time.Millisecond
	}
	s := &Store{
		log:        log,
		blocks:     make(map[Hash]*StoredBlock),
		accounts:   make(map[Account]*AccountInfo),
		pending:    make(map[PendingKey]*PendingEntry),
		confHeight: make(map[Account]*ConfirmationHeightInfo),
		repWeights: make(map[Account]*big.Int),
		frontiers:  make(map[Hash]Account),
		writeQueue: writequeue.New(),
		maxReadAge: maxAge,
	}

	if g := cfg.GenesisBlock; g != nil {
		s.applyAccepted(&StoredBlock{Block: *g, Sideband: Sideband{
			Height:    1,
			Account:   g.Account,
			Balance:   new(big.Int).Set(balanceOrZero(g.Balance)),
			Timestamp: time.Now(),
		}})
	}

	if cfg.WALPath != "" {
		wal, err := os.OpenFile(cfg.WALPath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open ledger wal: %w", err)
		}
		s.walFile = wal
		if err := s.replayWAL(); err != nil {
			_ = wal.Close()
			return nil, fmt.Errorf("replay ledger wal: %w", err)
		}
	}

	return s, nil
}

// Close releases the WAL file handle.
func (s *Store) Close() error {
	if s.walFile == nil {
		return nil
	}
	return s.walFile.Close()
}

func (s *Store) replayWAL() error {
	if s.walFile == nil {
		return nil
	}
	if _, err := s.walFile.Seek(0, 0); err != nil {
		return err
	}
	scanner := bufio.NewScanner(s.walFile)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		data := scanner.Bytes()
		encoded := make([]byte, len(data))
		copy(encoded, data)
		sb, err := decodeStoredBlockWAL(encoded)
		if err != nil {
			return err
		}
		s.applyAccepted(sb)
	}
	if _, err := s.walFile.Seek(0, 2); err != nil {
		return err
	}
	return scanner.Err()
}

func (s *Store) appendWAL(sb *StoredBlock) error {
	if s.walFile == nil {
		return nil
	}
	data, err := encodeStoredBlockWAL(sb)
	if err != nil {
		return err
	}
	s.walMu.Lock()
	defer s.walMu.Unlock()
	if _, err := s.walFile.Write(data); err != nil {
		return err
	}
	return s.walFile.Sync()
}

// --- read-side helpers (called through ReadTxn) ---

func (s *Store) getBlock(h Hash) *StoredBlock {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.blocks[h]
}

func (s *Store) getAccountInfo(a Account) *AccountInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ai, ok := s.accounts[a]
	if !ok {
		return nil
	}
	cp := *ai
	cp.Balance = new(big.Int).Set(ai.Balance)
	return &cp
}

func (s *Store) getConfirmationHeight(a Account) *ConfirmationHeightInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.confHeight[a]
	if !ok {
		return nil
	}
	cp := *ch
	return &cp
}

func (s *Store) getPending(k PendingKey) *PendingEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pending[k]
	if !ok {
		return nil
	}
	cp := *p
	cp.Amount = new(big.Int).Set(p.Amount)
	return &cp
}

func (s *Store) getRepWeight(rep Account) *big.Int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.repWeights[rep]
	if !ok {
		return new(big.Int)
	}
	return new(big.Int).Set(w)
}

func (s *Store) hasPendingForDestination(acc Account) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for k := range s.pending {
		if k.Destination == acc {
			return true
		}
	}
	return false
}

func (s *Store) accountsFrom(from Account, fn func(Account, *AccountInfo) bool) {
	s.mu.RLock()
	keys := make([]Account, 0, len(s.accounts))
	for a := range s.accounts {
		keys = append(keys, a)
	}
	s.mu.RUnlock()
	sort.Slice(keys, func(i, j int) bool { return lessAccount(keys[i], keys[j]) })

	for _, a := range keys {
		if lessAccount(a, from) {
			continue
		}
		info := s.getAccountInfo(a)
		if info == nil {
			continue
		}
		if !fn(a, info) {
			return
		}
	}
}

func lessAccount(a, b Account) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
