package beacon

import (
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dedis/ledgerlot/lottery"
	"github.com/dedis/ledgerlot/store"
	"github.com/stretchr/testify/require"
	"go.dedis.ch/kyber/v3/sign/bls"
	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"
)

func TestMain(m *testing.M) {
	log.MainTest(m)
}

type fakeClock struct {
	sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.Lock()
	defer c.Unlock()
	return c.now
}

func (c *fakeClock) add(d time.Duration) {
	c.Lock()
	c.now = c.now.Add(d)
	c.Unlock()
}

func newTestBeacon(t *testing.T, conf Config) (*Beacon, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	if conf.Genesis.IsZero() {
		conf.Genesis = clock.now
	}
	b, err := New(conf, clock, nil)
	require.NoError(t, err)
	return b, clock
}

func produce(t *testing.T, b *Beacon) {
	_, err := b.Produce()
	require.NoError(t, err)
}

func TestBeacon_Rounds(t *testing.T) {
	b, clock := newTestBeacon(t, Config{Nodes: 5, Interval: time.Second,
		Confirmations: 1})
	require.Equal(t, 4, b.threshold)

	next, err := b.NextRound()
	require.NoError(t, err)
	require.Equal(t, uint64(0), next)
	produce(t, b)
	next, err = b.NextRound()
	require.NoError(t, err)
	require.Equal(t, uint64(1), next)

	clock.add(3 * time.Second)
	n, err := b.Produce()
	require.NoError(t, err)
	require.Equal(t, 3, n)
	next, err = b.NextRound()
	require.NoError(t, err)
	require.Equal(t, uint64(4), next)

	for r := uint64(0); r < 3; r++ {
		out, err := b.Randomness(lottery.Reference{Beacon: b.ID(), Round: r})
		require.NoError(t, err)
		require.Equal(t, r, out.Round)
		require.NoError(t, bls.Verify(suite, b.Public(), out.Prev, out.Value))
		if r == 0 {
			require.Equal(t, []byte(genesisMsg), out.Prev)
		}
	}

	// Round 3 exists but is not confirmed yet.
	_, err = b.Randomness(lottery.Reference{Beacon: b.ID(), Round: 3})
	require.True(t, xerrors.Is(err, lottery.ErrNotFinalized))

	latest, err := b.Latest()
	require.NoError(t, err)
	require.Equal(t, uint64(2), latest.Round)
}

func TestBeacon_Chained(t *testing.T) {
	b, clock := newTestBeacon(t, Config{Nodes: 3, Interval: time.Second})
	clock.add(2 * time.Second)
	produce(t, b)
	r1, err := b.Randomness(lottery.Reference{Beacon: b.ID(), Round: 1})
	require.NoError(t, err)
	r2, err := b.Randomness(lottery.Reference{Beacon: b.ID(), Round: 2})
	require.NoError(t, err)
	require.Equal(t, r1.Value, r2.Prev[8:])
}

func TestBeacon_WrongBeacon(t *testing.T) {
	b, _ := newTestBeacon(t, Config{Nodes: 3, Interval: time.Second})
	_, err := b.Randomness(lottery.Reference{Beacon: []byte("other"), Round: 0})
	require.True(t, xerrors.Is(err, lottery.ErrStale))
}

func TestBeacon_Threshold(t *testing.T) {
	b, clock := newTestBeacon(t, Config{Nodes: 4, Threshold: 3,
		Interval: time.Second})
	require.NoError(t, b.SetOnline(0, false))
	clock.add(time.Second)
	produce(t, b)
	next, err := b.NextRound()
	require.NoError(t, err)
	require.Equal(t, uint64(2), next)

	// Below the threshold the beacon stalls, then catches up.
	require.NoError(t, b.SetOnline(1, false))
	clock.add(2 * time.Second)
	produce(t, b)
	next, err = b.NextRound()
	require.NoError(t, err)
	require.Equal(t, uint64(2), next)

	require.NoError(t, b.SetOnline(1, true))
	produce(t, b)
	next, err = b.NextRound()
	require.NoError(t, err)
	require.Equal(t, uint64(4), next)

	require.Error(t, b.SetOnline(4, true))
}

func TestBeacon_Reproducible(t *testing.T) {
	secret := suite.G2().Scalar().Pick(suite.RandomStream())
	genesis := time.Unix(5000, 0)
	conf := Config{Nodes: 4, Interval: time.Second, Genesis: genesis, Secret: secret}
	b1, c1 := newTestBeacon(t, conf)
	b2, c2 := newTestBeacon(t, conf)
	c1.now = genesis.Add(2 * time.Second)
	c2.now = genesis.Add(2 * time.Second)
	produce(t, b1)
	produce(t, b2)

	require.Equal(t, b1.ID(), b2.ID())
	ref := lottery.Reference{Beacon: b1.ID(), Round: 2}
	o1, err := b1.Randomness(ref)
	require.NoError(t, err)
	o2, err := b2.Randomness(ref)
	require.NoError(t, err)
	require.Equal(t, o1.Value, o2.Value)
}

func TestBeacon_Config(t *testing.T) {
	_, err := New(Config{Nodes: 0, Interval: time.Second}, nil, nil)
	require.Error(t, err)
	_, err = New(Config{Nodes: 3, Threshold: 4, Interval: time.Second}, nil, nil)
	require.Error(t, err)
	_, err = New(Config{Nodes: 3}, nil, nil)
	require.Error(t, err)
	require.Equal(t, 3, DefaultThreshold(4))
	require.Equal(t, 1, DefaultThreshold(1))
}

func TestBeacon_FarRounds(t *testing.T) {
	b, clock := newTestBeacon(t, Config{Nodes: 3, Interval: time.Second,
		Confirmations: 2})
	clock.add(4 * time.Second)
	produce(t, b)
	for _, r := range []uint64{3, 4, 5, math.MaxUint64 - 1, math.MaxUint64} {
		_, err := b.Randomness(lottery.Reference{Beacon: b.ID(), Round: r})
		require.True(t, xerrors.Is(err, lottery.ErrNotFinalized), "round %d", r)
	}
	_, err := b.Randomness(lottery.Reference{Beacon: b.ID(), Round: 2})
	require.NoError(t, err)
}

func TestBeacon_QueriesDoNotProduce(t *testing.T) {
	b, clock := newTestBeacon(t, Config{Nodes: 3, Interval: time.Second})
	clock.add(time.Hour)
	start := time.Now()
	next, err := b.NextRound()
	require.NoError(t, err)
	require.Equal(t, uint64(0), next)
	_, err = b.Randomness(lottery.Reference{Beacon: b.ID(), Round: 0})
	require.True(t, xerrors.Is(err, lottery.ErrNotFinalized))
	_, err = b.Latest()
	require.True(t, xerrors.Is(err, lottery.ErrNotFinalized))
	require.True(t, time.Since(start) < time.Second)
}

func TestBeacon_Restore(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "rounds.db"))
	require.NoError(t, err)
	defer st.Close()

	secret := suite.G2().Scalar().Pick(suite.RandomStream())
	clock := &fakeClock{now: time.Unix(1000, 0)}
	conf := Config{Nodes: 3, Interval: time.Second, Genesis: clock.now,
		Secret: secret}
	b1, err := New(conf, clock, st)
	require.NoError(t, err)
	clock.add(4 * time.Second)
	produce(t, b1)
	r1, err := b1.Randomness(lottery.Reference{Beacon: b1.ID(), Round: 3})
	require.NoError(t, err)

	// A restarted beacon picks up the stored chain without signing again.
	b2, err := New(conf, clock, st)
	require.NoError(t, err)
	next, err := b2.NextRound()
	require.NoError(t, err)
	require.Equal(t, uint64(5), next)
	r2, err := b2.Randomness(lottery.Reference{Beacon: b2.ID(), Round: 3})
	require.NoError(t, err)
	require.Equal(t, r1.Value, r2.Value)

	clock.add(time.Second)
	n, err := b2.Produce()
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// Rounds of another group key do not verify.
	conf.Secret = suite.G2().Scalar().Pick(suite.RandomStream())
	other, err := New(conf, clock, st)
	require.NoError(t, err)
	next, err = other.NextRound()
	require.NoError(t, err)
	require.Equal(t, uint64(0), next)
}

func TestBeacon_StartStop(t *testing.T) {
	b, clock := newTestBeacon(t, Config{Nodes: 3,
		Interval: 10 * time.Millisecond})
	clock.add(50 * time.Millisecond)
	b.Start()
	b.Start()
	require.Eventually(t, func() bool {
		next, err := b.NextRound()
		return err == nil && next == 6
	}, 5*time.Second, 10*time.Millisecond)
	b.Stop()
	b.Stop()

	clock.add(50 * time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	next, err := b.NextRound()
	require.NoError(t, err)
	require.Equal(t, uint64(6), next)
}
