package main

import (
	"time"

	"github.com/dedis/ledgerlot/bank"
	"github.com/dedis/ledgerlot/beacon"
	"github.com/dedis/ledgerlot/config"
	"github.com/dedis/ledgerlot/gateway"
	"github.com/dedis/ledgerlot/identity"
	"github.com/dedis/ledgerlot/lottery"
	"github.com/dedis/ledgerlot/minter"
	"github.com/dedis/ledgerlot/store"
	"github.com/gin-gonic/gin"
	"go.dedis.ch/cothority/v3"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/util/encoding"
	"go.dedis.ch/kyber/v3/util/key"
	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"
)

// Names of the values the daemon keeps in the store when the
// configuration does not fix them.
const (
	metaEpoch        = "epoch"
	metaMinterKey    = "minter-key"
	metaBeaconSecret = "beacon-secret"
)

// daemon is everything lotteryd runs.
type daemon struct {
	store  *store.Store
	bank   *bank.Ledger
	beacon *beacon.Beacon
	minter *minter.Minter
	engine *lottery.Engine
	router *gin.Engine
}

// newDaemon opens the database and restores the state kept in it. Keys and
// the epoch missing from both the configuration and the database are
// created and stored, so that a restart keeps them. Accounts of the
// configuration are opened once, on the first start.
func newDaemon(c *config.Config, wall lottery.TimeSource) (*daemon, error) {
	st, err := store.Open(c.DBPath)
	if err != nil {
		return nil, err
	}
	d, err := setupDaemon(c, st, wall)
	if err != nil {
		st.Close()
		return nil, err
	}
	return d, nil
}

func setupDaemon(c *config.Config, st *store.Store, wall lottery.TimeSource) (*daemon, error) {
	epoch, err := loadEpoch(c, st, wall)
	if err != nil {
		return nil, err
	}
	signer, err := loadMinterKey(c, st)
	if err != nil {
		return nil, err
	}
	secret, err := loadBeaconSecret(c, st)
	if err != nil {
		return nil, err
	}
	b, err := beacon.New(beacon.Config{
		Nodes:         c.Beacon.Nodes,
		Threshold:     c.Beacon.Threshold,
		Interval:      c.Beacon.Interval.Duration,
		Confirmations: c.Beacon.Confirmations,
		Genesis:       epoch,
		Secret:        secret,
	}, wall, st)
	if err != nil {
		return nil, err
	}
	ledger := bank.NewLedger(st)
	for _, a := range c.Accounts {
		created, err := ledger.Open(a.Owner, lottery.Amount(a.Balance))
		if err != nil {
			return nil, err
		}
		if created {
			log.Lvl2("opened account", a.Owner, "with", a.Balance)
		}
	}
	d := &daemon{
		store:  st,
		bank:   ledger,
		beacon: b,
		minter: minter.New(signer),
	}
	clock := lottery.WallClock{Epoch: epoch, SlotDuration: c.SlotDuration.Duration,
		Time: wall}
	d.engine = lottery.NewEngine(st, b, ledger, d.minter, clock)
	d.router = gateway.NewRouter(gateway.NewHandler(d.engine, b, st))
	return d, nil
}

// start launches the beacon rounds.
func (d *daemon) start() {
	d.beacon.Start()
}

func (d *daemon) close() error {
	d.beacon.Stop()
	return d.store.Close()
}

// loadMeta returns the value stored under name, storing the result of
// create first if there is none.
func loadMeta(st *store.Store, name string, create func() ([]byte, error)) ([]byte, error) {
	v, err := st.Meta(name)
	if err != nil || v != nil {
		return v, err
	}
	v, err = create()
	if err != nil {
		return nil, err
	}
	if err := st.PutMeta(name, v); err != nil {
		return nil, xerrors.Errorf("couldn't store %s: %v", name, err)
	}
	return v, nil
}

func loadEpoch(c *config.Config, st *store.Store, wall lottery.TimeSource) (time.Time, error) {
	if !c.Epoch.IsZero() {
		return c.Epoch, nil
	}
	buf, err := loadMeta(st, metaEpoch, func() ([]byte, error) {
		return wall.Now().MarshalBinary()
	})
	if err != nil {
		return time.Time{}, err
	}
	var epoch time.Time
	if err := epoch.UnmarshalBinary(buf); err != nil {
		return time.Time{}, xerrors.Errorf("couldn't decode epoch: %v", err)
	}
	return epoch, nil
}

func loadMinterKey(c *config.Config, st *store.Store) (*identity.Signer, error) {
	if c.Minter.Seed != "" {
		signer, err := identity.LoadSigner(c.Minter.Seed)
		if err != nil {
			return nil, xerrors.Errorf("couldn't load minter key: %v", err)
		}
		return signer, nil
	}
	buf, err := loadMeta(st, metaMinterKey, func() ([]byte, error) {
		return identity.NewSigner().Private.MarshalBinary()
	})
	if err != nil {
		return nil, err
	}
	sk := cothority.Suite.Scalar()
	if err := sk.UnmarshalBinary(buf); err != nil {
		return nil, xerrors.Errorf("couldn't decode minter key: %v", err)
	}
	return &identity.Signer{Pair: &key.Pair{
		Public:  cothority.Suite.Point().Mul(sk, nil),
		Private: sk,
	}}, nil
}

func loadBeaconSecret(c *config.Config, st *store.Store) (kyber.Scalar, error) {
	g2 := lottery.BeaconSuite.G2()
	if c.Beacon.Secret != "" {
		secret, err := encoding.StringHexToScalar(g2, c.Beacon.Secret)
		if err != nil {
			return nil, xerrors.Errorf("couldn't decode beacon secret: %v", err)
		}
		return secret, nil
	}
	buf, err := loadMeta(st, metaBeaconSecret, func() ([]byte, error) {
		return g2.Scalar().Pick(lottery.BeaconSuite.RandomStream()).MarshalBinary()
	})
	if err != nil {
		return nil, err
	}
	secret := g2.Scalar()
	if err := secret.UnmarshalBinary(buf); err != nil {
		return nil, xerrors.Errorf("couldn't decode beacon secret: %v", err)
	}
	return secret, nil
}

type systemTime struct{}

func (systemTime) Now() time.Time {
	return time.Now()
}
