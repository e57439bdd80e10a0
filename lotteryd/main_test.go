package main

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dedis/ledgerlot/config"
	"github.com/dedis/ledgerlot/identity"
	"github.com/dedis/ledgerlot/lottery"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.dedis.ch/cothority/v3"
	"go.dedis.ch/kyber/v3/util/encoding"
	"go.dedis.ch/onet/v3/log"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	log.MainTest(m)
}

type fixedTime time.Time

func (f fixedTime) Now() time.Time {
	return time.Time(f)
}

func TestDaemon(t *testing.T) {
	minterKey := identity.NewSigner()
	seed, err := encoding.ScalarToStringHex(cothority.Suite, minterKey.Private)
	require.NoError(t, err)
	secret := lottery.BeaconSuite.G2().Scalar().Pick(lottery.BeaconSuite.RandomStream())
	secretHex, err := encoding.ScalarToStringHex(lottery.BeaconSuite.G2(), secret)
	require.NoError(t, err)

	conf, err := config.Parse(`
Epoch = 2026-01-01T00:00:00Z
[Beacon]
Nodes = 3
Interval = "1s"
Secret = "` + secretHex + `"
[Minter]
Seed = "` + seed + `"
[[Accounts]]
Owner = "alice"
Balance = 40
`)
	require.NoError(t, err)
	conf.DBPath = filepath.Join(t.TempDir(), "daemon.db")

	wall := fixedTime(conf.Epoch.Add(time.Minute))
	d, err := newDaemon(conf, wall)
	require.NoError(t, err)
	require.True(t, d.minter.Public().Equal(minterKey.Public))
	require.True(t, d.beacon.Public().Equal(
		lottery.BeaconSuite.G2().Point().Mul(secret, nil)))
	bal, err := d.bank.Balance("alice")
	require.NoError(t, err)
	require.Equal(t, lottery.Amount(40), bal)
	require.Equal(t, lottery.Slot(60), d.engine.Now())

	w := httptest.NewRecorder()
	d.router.ServeHTTP(w, httptest.NewRequest("GET", "/beacon", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"next_round":0`)
	_, err = d.beacon.Produce()
	require.NoError(t, err)
	w = httptest.NewRecorder()
	d.router.ServeHTTP(w, httptest.NewRequest("GET", "/beacon", nil))
	require.Contains(t, w.Body.String(), `"next_round":61`)

	require.NoError(t, d.bank.Debit("alice", 15))
	require.NoError(t, d.close())

	// The accounts of the configuration are not refilled on restart.
	d, err = newDaemon(conf, wall)
	require.NoError(t, err)
	bal, err = d.bank.Balance("alice")
	require.NoError(t, err)
	require.Equal(t, lottery.Amount(25), bal)
	next, err := d.beacon.NextRound()
	require.NoError(t, err)
	require.Equal(t, uint64(61), next)
	require.NoError(t, d.close())

	conf.Minter.Seed = "not hex"
	_, err = newDaemon(conf, wall)
	require.Error(t, err)
}

func TestDaemon_Restart(t *testing.T) {
	conf, err := config.Parse(`
[Beacon]
Nodes = 3
Interval = "1s"
`)
	require.NoError(t, err)
	conf.DBPath = filepath.Join(t.TempDir(), "daemon.db")

	first := time.Unix(30000, 0)
	d, err := newDaemon(conf, fixedTime(first))
	require.NoError(t, err)
	d.start()
	require.Eventually(t, func() bool {
		next, err := d.beacon.NextRound()
		return err == nil && next == 1
	}, 5*time.Second, 10*time.Millisecond)
	minterPub := d.minter.Public()
	beaconID := d.beacon.ID()
	require.NoError(t, d.close())

	// Keys and epoch come back from the database.
	d, err = newDaemon(conf, fixedTime(first.Add(time.Hour)))
	require.NoError(t, err)
	defer d.close()
	require.True(t, d.minter.Public().Equal(minterPub))
	require.Equal(t, beaconID, d.beacon.ID())
	require.Equal(t, lottery.Slot(3600), d.engine.Now())
	next, err := d.beacon.NextRound()
	require.NoError(t, err)
	require.Equal(t, uint64(1), next)
}

func TestParseFields(t *testing.T) {
	fields, err := parseFields([]string{"1", "0xabcd", "42"})
	require.NoError(t, err)
	require.Equal(t, []interface{}{uint64(1), []byte{0xab, 0xcd}, uint64(42)}, fields)

	// The parsed fields produce the digest the gateway checks.
	require.Equal(t, identity.RequestDigest(identity.OpCommitRandomness, 3,
		uint64(1), []byte{0xab, 0xcd}, uint64(42)),
		identity.RequestDigest(identity.OpCommitRandomness, 3, fields...))

	_, err = parseFields([]string{"0xzz"})
	require.Error(t, err)
	_, err = parseFields([]string{"-1"})
	require.Error(t, err)
}

func TestFormatStatus(t *testing.T) {
	s := &lottery.Status{
		Config: lottery.Config{SaleStart: 0, SaleEnd: 10, TicketPrice: 5},
		Lottery: lottery.Lottery{ID: 1, ConfigID: 1, TicketsSold: 2, TotalPot: 10,
			Phase: lottery.PhaseResolved, Committed: true,
			Reference:    lottery.Reference{Beacon: []byte{0xaa}, Round: 7},
			WinnerChosen: true, WinningIndex: 1},
		Phase: lottery.PhaseResolved,
		Vault: 10,
		Now:   12,
	}
	out := formatStatus(s)
	require.True(t, strings.HasPrefix(out, "lottery 1 (config 1) at slot 12\n"))
	require.Contains(t, out, "phase:   Resolved (stored Resolved)")
	require.Contains(t, out, "round 7 of beacon aa")
	require.Contains(t, out, "winner:  ticket 1")
}
