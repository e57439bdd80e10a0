// Package store keeps the lottery ledger in a bbolt database. Records are
// encoded with go.dedis.ch/protobuf and keyed by big-endian ids.
package store

import (
	"encoding/binary"
	"time"

	"github.com/dedis/ledgerlot/identity"
	"github.com/dedis/ledgerlot/lottery"
	"github.com/dedis/ledgerlot/utils"
	"go.dedis.ch/protobuf"
	"go.etcd.io/bbolt"
	"golang.org/x/xerrors"
)

// DefaultRoot is the root bucket used by Open.
var DefaultRoot = []byte("ledgerlot")

var (
	bucketConfigs   = []byte("configs")
	bucketLotteries = []byte("lotteries")
	bucketByConfig  = []byte("byconfig")
	bucketTickets   = []byte("tickets")
	bucketVaults    = []byte("vaults")
	bucketAccounts  = []byte("accounts")
	bucketNonces    = []byte("nonces")
	bucketRounds    = []byte("rounds")
	bucketMeta      = []byte("meta")
)

var subBuckets = [][]byte{bucketConfigs, bucketLotteries, bucketByConfig,
	bucketTickets, bucketVaults, bucketAccounts, bucketNonces, bucketRounds,
	bucketMeta}

// Store implements lottery.Store. bbolt runs one update transaction at a
// time, which makes every engine operation serializable.
type Store struct {
	db    *bbolt.DB
	root  []byte
	owned bool
}

// Open opens (or creates) a database file and uses DefaultRoot in it.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, xerrors.Errorf("couldn't open database %s: %v", path, err)
	}
	s, err := New(db, DefaultRoot)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// New uses the bucket root of an already opened database, e.g. the bucket
// an onet service gets from its context.
func New(db *bbolt.DB, root []byte) (*Store, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		r, err := tx.CreateBucketIfNotExists(root)
		if err != nil {
			return err
		}
		for _, name := range subBuckets {
			if _, err := r.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, xerrors.Errorf("couldn't create buckets: %v", err)
	}
	return &Store{db: db, root: append([]byte{}, root...)}, nil
}

// Close closes the database if it was opened by Open.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}

func (s *Store) View(fn func(lottery.Tx) error) error {
	return s.db.View(func(btx *bbolt.Tx) error {
		return fn(&tx{root: btx.Bucket(s.root)})
	})
}

func (s *Store) Update(fn func(lottery.Tx) error) error {
	return s.db.Update(func(btx *bbolt.Tx) error {
		return fn(&tx{root: btx.Bucket(s.root)})
	})
}

type tx struct {
	root *bbolt.Bucket
}

func (t *tx) get(bucket, key []byte, v interface{}) (bool, error) {
	buf := t.root.Bucket(bucket).Get(key)
	if buf == nil {
		return false, nil
	}
	// bbolt memory is only valid inside the transaction.
	buf = append([]byte{}, buf...)
	if err := protobuf.Decode(buf, v); err != nil {
		return false, xerrors.Errorf("couldn't decode %s record: %v", bucket, err)
	}
	return true, nil
}

func (t *tx) put(bucket, key []byte, v interface{}) error {
	buf, err := protobuf.Encode(v)
	if err != nil {
		return xerrors.Errorf("couldn't encode %s record: %v", bucket, err)
	}
	return t.root.Bucket(bucket).Put(key, buf)
}

func (t *tx) next(bucket []byte) (uint64, error) {
	// Sequences start at 1 so that 0 never names a record.
	return t.root.Bucket(bucket).NextSequence()
}

func (t *tx) NextConfigID() (uint64, error) {
	return t.next(bucketConfigs)
}

func (t *tx) Config(id uint64) (*lottery.Config, error) {
	c := &lottery.Config{}
	ok, err := t.get(bucketConfigs, utils.Key(id), c)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, lottery.ErrNoSuchConfig
	}
	return c, nil
}

func (t *tx) PutConfig(c *lottery.Config) error {
	if t.root.Bucket(bucketConfigs).Get(utils.Key(c.ID)) != nil {
		return xerrors.Errorf("config %d is immutable", c.ID)
	}
	return t.put(bucketConfigs, utils.Key(c.ID), c)
}

func (t *tx) NextLotteryID() (uint64, error) {
	return t.next(bucketLotteries)
}

func (t *tx) Lottery(id uint64) (*lottery.Lottery, error) {
	l := &lottery.Lottery{}
	ok, err := t.get(bucketLotteries, utils.Key(id), l)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, lottery.ErrNoSuchLottery
	}
	return l, nil
}

func (t *tx) LotteryByConfig(configID uint64) (uint64, bool, error) {
	buf := t.root.Bucket(bucketByConfig).Get(utils.Key(configID))
	if buf == nil {
		return 0, false, nil
	}
	if len(buf) != 8 {
		return 0, false, xerrors.Errorf("corrupted index for config %d", configID)
	}
	return binary.BigEndian.Uint64(buf), true, nil
}

func (t *tx) PutLottery(l *lottery.Lottery) error {
	key := utils.Key(l.ID)
	var stored uint64
	cur := &lottery.Lottery{}
	exists, err := t.get(bucketLotteries, key, cur)
	if err != nil {
		return err
	}
	if exists {
		stored = cur.Version
	}
	if stored != l.Version {
		return xerrors.Errorf("lottery %d is at version %d, write based on %d: %w",
			l.ID, stored, l.Version, lottery.ErrVersionMismatch)
	}
	next := *l
	next.Version++
	if err := t.put(bucketLotteries, key, &next); err != nil {
		return err
	}
	if !exists {
		err := t.root.Bucket(bucketByConfig).Put(utils.Key(l.ConfigID), key)
		if err != nil {
			return err
		}
	}
	l.Version = next.Version
	return nil
}

func (t *tx) Ticket(lotteryID, index uint64) (*lottery.Ticket, error) {
	tk := &lottery.Ticket{}
	ok, err := t.get(bucketTickets, utils.Key(lotteryID, index), tk)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, lottery.ErrNoSuchTicket
	}
	return tk, nil
}

func (t *tx) Tickets(lotteryID uint64) ([]*lottery.Ticket, error) {
	var ts []*lottery.Ticket
	prefix := utils.Key(lotteryID)
	c := t.root.Bucket(bucketTickets).Cursor()
	for k, v := c.Seek(prefix); k != nil && len(k) == 16 &&
		binary.BigEndian.Uint64(k[:8]) == lotteryID; k, v = c.Next() {
		tk := &lottery.Ticket{}
		if err := protobuf.Decode(append([]byte{}, v...), tk); err != nil {
			return nil, xerrors.Errorf("couldn't decode ticket: %v", err)
		}
		ts = append(ts, tk)
	}
	return ts, nil
}

func (t *tx) PutTicket(tk *lottery.Ticket) error {
	key := utils.Key(tk.Lottery, tk.Index)
	if t.root.Bucket(bucketTickets).Get(key) != nil {
		return xerrors.Errorf("ticket %d of lottery %d already issued",
			tk.Index, tk.Lottery)
	}
	return t.put(bucketTickets, key, tk)
}

func (t *tx) Vault(lotteryID uint64) (lottery.Amount, error) {
	buf := t.root.Bucket(bucketVaults).Get(utils.Key(lotteryID))
	if buf == nil {
		return 0, nil
	}
	if len(buf) != 8 {
		return 0, xerrors.Errorf("corrupted vault of lottery %d", lotteryID)
	}
	return lottery.Amount(binary.BigEndian.Uint64(buf)), nil
}

func (t *tx) PutVault(lotteryID uint64, balance lottery.Amount) error {
	return t.root.Bucket(bucketVaults).Put(utils.Key(lotteryID),
		utils.Key(uint64(balance)))
}

func (t *tx) Balance(owner string) (lottery.Amount, bool, error) {
	buf := t.root.Bucket(bucketAccounts).Get([]byte(owner))
	if buf == nil {
		return 0, false, nil
	}
	if len(buf) != 8 {
		return 0, false, xerrors.Errorf("corrupted account %q", owner)
	}
	return lottery.Amount(binary.BigEndian.Uint64(buf)), true, nil
}

func (t *tx) PutBalance(owner string, balance lottery.Amount) error {
	return t.root.Bucket(bucketAccounts).Put([]byte(owner),
		utils.Key(uint64(balance)))
}

// Nonce implements identity.Nonces.
func (s *Store) Nonce(caller string) (uint64, error) {
	var n uint64
	err := s.db.View(func(btx *bbolt.Tx) error {
		buf := btx.Bucket(s.root).Bucket(bucketNonces).Get([]byte(caller))
		if len(buf) == 8 {
			n = binary.BigEndian.Uint64(buf)
		}
		return nil
	})
	return n, err
}

// AdvanceNonce implements identity.Nonces.
func (s *Store) AdvanceNonce(caller string, nonce uint64) error {
	return s.db.Update(func(btx *bbolt.Tx) error {
		b := btx.Bucket(s.root).Bucket(bucketNonces)
		if buf := b.Get([]byte(caller)); len(buf) == 8 &&
			nonce <= binary.BigEndian.Uint64(buf) {
			return identity.ErrReplayed
		}
		if nonce == 0 {
			return identity.ErrReplayed
		}
		return b.Put([]byte(caller), utils.Key(nonce))
	})
}

// Rounds returns the stored rounds of a beacon, in order.
func (s *Store) Rounds(beacon []byte) ([][]byte, error) {
	var rounds [][]byte
	err := s.db.View(func(btx *bbolt.Tx) error {
		b := btx.Bucket(s.root).Bucket(bucketRounds).Bucket(beacon)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if binary.BigEndian.Uint64(k) != uint64(len(rounds)) {
				return xerrors.Errorf("round %d missing", len(rounds))
			}
			rounds = append(rounds, append([]byte{}, v...))
		}
		return nil
	})
	if err != nil {
		return nil, xerrors.Errorf("couldn't load beacon rounds: %v", err)
	}
	return rounds, nil
}

// AppendRound stores the signature of a round. Rounds are appended in
// order.
func (s *Store) AppendRound(beacon []byte, round uint64, sig []byte) error {
	return s.db.Update(func(btx *bbolt.Tx) error {
		b, err := btx.Bucket(s.root).Bucket(bucketRounds).CreateBucketIfNotExists(beacon)
		if err != nil {
			return err
		}
		if seq := b.Sequence(); seq != round {
			return xerrors.Errorf("appending round %d after %d rounds", round, seq)
		}
		if err := b.SetSequence(round + 1); err != nil {
			return err
		}
		return b.Put(utils.Key(round), sig)
	})
}

// Meta returns a value stored with PutMeta, nil if there is none.
func (s *Store) Meta(name string) ([]byte, error) {
	var v []byte
	err := s.db.View(func(btx *bbolt.Tx) error {
		if buf := btx.Bucket(s.root).Bucket(bucketMeta).Get([]byte(name)); buf != nil {
			v = append([]byte{}, buf...)
		}
		return nil
	})
	return v, err
}

// PutMeta stores a value outside the ledger records, e.g. a key.
func (s *Store) PutMeta(name string, v []byte) error {
	return s.db.Update(func(btx *bbolt.Tx) error {
		return btx.Bucket(s.root).Bucket(bucketMeta).Put([]byte(name), v)
	})
}
