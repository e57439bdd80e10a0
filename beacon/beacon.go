// Package beacon is a chained threshold-BLS randomness beacon over bn256.
//
// Round r signs r (8 bytes, little endian) followed by the signature of
// round r-1; round 0 signs a fixed genesis message. Every share holder
// contributes a partial signature and any Threshold of them recover the
// group signature, which verifies with bls.Verify under the group key.
// Rounds are produced by Produce, called directly or every interval by the
// goroutine Start launches, and persisted in a Chain. Queries only read the
// rounds already produced and never sign.
package beacon

import (
	"bytes"
	"sync"
	"time"

	"github.com/dedis/ledgerlot/lottery"
	"github.com/dedis/ledgerlot/utils"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/pairing/bn256"
	"go.dedis.ch/kyber/v3/share"
	"go.dedis.ch/kyber/v3/sign/bls"
	"go.dedis.ch/kyber/v3/sign/tbls"
	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"
)

var suite = bn256.NewSuite()

// Beacon implements lottery.Oracle.
type Beacon struct {
	sync.Mutex

	shares    []*share.PriShare
	online    []bool
	pubPoly   *share.PubPoly
	public    kyber.Point
	id        []byte
	threshold int

	genesis       time.Time
	interval      time.Duration
	confirmations uint64
	clock         Clock
	chain         Chain

	blocks [][]byte

	// producing serializes Produce calls.
	producing sync.Mutex
	stop      chan struct{}
	done      chan struct{}
}

// DefaultThreshold is the number of partials required among n holders.
func DefaultThreshold(n int) int {
	return n - (n-1)/3
}

// New deals the shares of a fresh group key to c.Nodes holders. If chain
// is not nil, the rounds it holds for this beacon are restored and new
// rounds are appended to it.
func New(c Config, clock Clock, chain Chain) (*Beacon, error) {
	if c.Nodes <= 0 {
		return nil, xerrors.Errorf("beacon needs at least one node, got %d", c.Nodes)
	}
	t := c.Threshold
	if t == 0 {
		t = DefaultThreshold(c.Nodes)
	}
	if t < 1 || t > c.Nodes {
		return nil, xerrors.Errorf("threshold %d out of range for %d nodes", t, c.Nodes)
	}
	if c.Interval <= 0 {
		return nil, xerrors.New("beacon interval must be positive")
	}
	if clock == nil {
		clock = SystemClock{}
	}
	if c.Genesis.IsZero() {
		c.Genesis = clock.Now()
	}
	g2 := suite.G2()
	priPoly := share.NewPriPoly(g2, t, c.Secret, suite.RandomStream())
	pubPoly := priPoly.Commit(g2.Point().Base())
	b := &Beacon{
		shares:        priPoly.Shares(c.Nodes),
		online:        make([]bool, c.Nodes),
		pubPoly:       pubPoly,
		public:        pubPoly.Commit(),
		threshold:     t,
		genesis:       c.Genesis,
		interval:      c.Interval,
		confirmations: c.Confirmations,
		clock:         clock,
		chain:         chain,
	}
	for i := range b.online {
		b.online[i] = true
	}
	id, err := lottery.BeaconID(b.public)
	if err != nil {
		return nil, err
	}
	b.id = id
	if chain != nil {
		if err := b.restore(); err != nil {
			return nil, err
		}
	}
	log.Lvlf2("beacon %x: %d-of-%d, round every %s", id[:8], t, c.Nodes, c.Interval)
	return b, nil
}

// ID is the hash of the group public key.
func (b *Beacon) ID() []byte {
	return append([]byte{}, b.id...)
}

// Public is the group public key in G2.
func (b *Beacon) Public() kyber.Point {
	return b.public
}

// SetOnline takes holder i in or out of round production.
func (b *Beacon) SetOnline(i int, online bool) error {
	b.Lock()
	defer b.Unlock()
	if i < 0 || i >= len(b.online) {
		return xerrors.Errorf("no share holder %d", i)
	}
	b.online[i] = online
	return nil
}

// NextRound is the first round that has not been produced yet.
func (b *Beacon) NextRound() (uint64, error) {
	b.Lock()
	defer b.Unlock()
	return uint64(len(b.blocks)), nil
}

// Randomness returns round ref.Round once Confirmations more rounds have
// been produced after it.
func (b *Beacon) Randomness(ref lottery.Reference) (*lottery.Randomness, error) {
	if !bytes.Equal(ref.Beacon, b.id) {
		return nil, xerrors.Errorf("reference names beacon %x: %w", ref.Beacon,
			lottery.ErrStale)
	}
	b.Lock()
	defer b.Unlock()
	if !b.final(ref.Round) {
		return nil, xerrors.Errorf("round %d pending, %d produced: %w", ref.Round,
			len(b.blocks), lottery.ErrNotFinalized)
	}
	return b.output(ref.Round), nil
}

// Latest returns the most recent final round.
func (b *Beacon) Latest() (*lottery.Randomness, error) {
	b.Lock()
	defer b.Unlock()
	produced := uint64(len(b.blocks))
	if produced <= b.confirmations {
		return nil, xerrors.Errorf("no final round yet: %w", lottery.ErrNotFinalized)
	}
	return b.output(produced - 1 - b.confirmations), nil
}

// Info summarizes the beacon.
func (b *Beacon) Info() (*Info, error) {
	next, err := b.NextRound()
	if err != nil {
		return nil, err
	}
	return &Info{
		ID:            b.ID(),
		Public:        b.public,
		Nodes:         len(b.shares),
		Threshold:     b.threshold,
		NextRound:     next,
		Confirmations: b.confirmations,
	}, nil
}

// Start produces the due rounds every interval in the background until
// Stop is called.
func (b *Beacon) Start() {
	b.Lock()
	if b.stop != nil {
		b.Unlock()
		return
	}
	b.stop = make(chan struct{})
	b.done = make(chan struct{})
	stop, done := b.stop, b.done
	b.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(b.interval)
		defer ticker.Stop()
		for {
			if _, err := b.produce(stop); err != nil {
				log.Error("beacon:", err)
			}
			select {
			case <-stop:
				return
			case <-ticker.C:
			}
		}
	}()
}

// Stop ends the background production and waits for it to return.
func (b *Beacon) Stop() {
	b.Lock()
	stop, done := b.stop, b.done
	b.stop, b.done = nil, nil
	b.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// Produce signs the rounds that are due and returns how many were added.
// Production stops at the first round that cannot gather enough partial
// signatures; a later call resumes it.
func (b *Beacon) Produce() (int, error) {
	return b.produce(nil)
}

func (b *Beacon) produce(stop <-chan struct{}) (int, error) {
	b.producing.Lock()
	defer b.producing.Unlock()
	n := 0
	for {
		select {
		case <-stop:
			return n, nil
		default:
		}
		b.Lock()
		round := uint64(len(b.blocks))
		if round >= b.due() {
			b.Unlock()
			return n, nil
		}
		msg := createMsg(b.blocks)
		online := append([]bool{}, b.online...)
		b.Unlock()

		sig, err := b.sign(msg, online)
		if err != nil {
			log.Lvlf2("beacon stalled at round %d: %v", round, err)
			return n, nil
		}
		if err := bls.Verify(suite, b.public, msg, sig); err != nil {
			return n, xerrors.Errorf("couldn't verify round %d: %v", round, err)
		}
		if b.chain != nil {
			if err := b.chain.AppendRound(b.id, round, sig); err != nil {
				return n, xerrors.Errorf("couldn't store round %d: %v", round, err)
			}
		}
		b.Lock()
		b.blocks = append(b.blocks, sig)
		b.Unlock()
		n++
		log.Lvlf3("beacon round %d produced", round)
	}
}

// restore loads the stored rounds. Only the last one is verified: the
// chain store is trusted for the others.
func (b *Beacon) restore() error {
	blocks, err := b.chain.Rounds(b.id)
	if err != nil {
		return err
	}
	if last := len(blocks) - 1; last >= 0 {
		err := bls.Verify(suite, b.public, createMsg(blocks[:last]), blocks[last])
		if err != nil {
			return xerrors.Errorf("stored round %d does not verify: %v", last, err)
		}
	}
	b.blocks = blocks
	log.Lvlf2("beacon %x: restored %d rounds", b.id[:8], len(blocks))
	return nil
}

func (b *Beacon) final(round uint64) bool {
	n := uint64(len(b.blocks))
	return round < n && n-round > b.confirmations
}

func (b *Beacon) output(round uint64) *lottery.Randomness {
	return &lottery.Randomness{
		Public: b.public,
		Round:  round,
		Prev:   createMsg(b.blocks[:round]),
		Value:  append([]byte{}, b.blocks[round]...),
	}
}

// due is the number of rounds whose time has come.
func (b *Beacon) due() uint64 {
	now := b.clock.Now()
	if now.Before(b.genesis) {
		return 0
	}
	return uint64(now.Sub(b.genesis)/b.interval) + 1
}

func (b *Beacon) sign(msg []byte, online []bool) ([]byte, error) {
	n := len(b.shares)
	sigs := make([][]byte, 0, n)
	for i, sh := range b.shares {
		if !online[i] {
			continue
		}
		sig, err := tbls.Sign(suite, sh, msg)
		if err != nil {
			return nil, xerrors.Errorf("couldn't sign partial %d: %v", i, err)
		}
		sigs = append(sigs, sig)
	}
	if len(sigs) < b.threshold {
		return nil, xerrors.Errorf("only %d of %d partials available",
			len(sigs), b.threshold)
	}
	return tbls.Recover(suite, b.pubPoly, msg, sigs, b.threshold, n)
}

func createMsg(blocks [][]byte) []byte {
	round := len(blocks)
	if round == 0 {
		return []byte(genesisMsg)
	}
	return append(utils.Uint64Bytes(uint64(round)), blocks[round-1]...)
}
