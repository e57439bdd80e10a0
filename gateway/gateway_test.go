package gateway

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dedis/ledgerlot/bank"
	"github.com/dedis/ledgerlot/beacon"
	"github.com/dedis/ledgerlot/identity"
	"github.com/dedis/ledgerlot/lottery"
	"github.com/dedis/ledgerlot/minter"
	"github.com/dedis/ledgerlot/store"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	log.MainTest(m)
}

type testTime struct {
	sync.Mutex
	now time.Time
}

func (tt *testTime) Now() time.Time {
	tt.Lock()
	defer tt.Unlock()
	return tt.now
}

func (tt *testTime) add(d time.Duration) {
	tt.Lock()
	tt.now = tt.now.Add(d)
	tt.Unlock()
}

type testEnv struct {
	router *gin.Engine
	wall   *testTime
	store  *store.Store
	engine *lottery.Engine
	beacon *beacon.Beacon
	ledger *bank.Ledger
	nonces map[string]uint64
}

func newTestEnv(t *testing.T) *testEnv {
	st, err := store.Open(filepath.Join(t.TempDir(), "gw.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	wall := &testTime{now: time.Unix(20000, 0)}
	b, err := beacon.New(beacon.Config{Nodes: 3, Interval: time.Second,
		Confirmations: 1, Genesis: wall.now}, wall, st)
	require.NoError(t, err)
	ledger := bank.NewLedger(st)
	clock := lottery.WallClock{Epoch: wall.now, SlotDuration: time.Second, Time: wall}
	engine := lottery.NewEngine(st, b, ledger, minter.New(identity.NewSigner()), clock)
	return &testEnv{
		router: NewRouter(NewHandler(engine, b, st)),
		wall:   wall,
		store:  st,
		engine: engine,
		beacon: b,
		ledger: ledger,
		nonces: make(map[string]uint64),
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) (int, map[string]interface{}) {
	return serve(t, e.router, method, path, body)
}

func serve(t *testing.T, r *gin.Engine, method, path string,
	body interface{}) (int, map[string]interface{}) {
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	out := map[string]interface{}{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return w.Code, out
}

// elapse moves the test time forward and produces the rounds that became
// due.
func (e *testEnv) elapse(t *testing.T, d time.Duration) {
	e.wall.add(d)
	_, err := e.beacon.Produce()
	require.NoError(t, err)
}

// sign signs op under the next request number of s.
func (e *testEnv) sign(t *testing.T, s *identity.Signer, op string,
	fields ...interface{}) Signed {
	e.nonces[s.ID()]++
	nonce := e.nonces[s.ID()]
	sig, err := s.SignRequest(op, nonce, fields...)
	require.NoError(t, err)
	return Signed{Public: s.ID(), Nonce: nonce, Signature: hex.EncodeToString(sig)}
}

// addOrder adds the order of the ed25519 group to the little-endian
// scalar s.
func addOrder(s []byte) []byte {
	l, _ := new(big.Int).SetString(
		"7237005577332262213973186563042994240857116359379907606001950938285454250989", 10)
	be := make([]byte, len(s))
	for i := range s {
		be[len(s)-1-i] = s[i]
	}
	v := new(big.Int).Add(new(big.Int).SetBytes(be), l).Bytes()
	out := make([]byte, len(s))
	for i := range v {
		out[i] = v[len(v)-1-i]
	}
	return out
}

func TestGateway(t *testing.T) {
	e := newTestEnv(t)
	authority := identity.NewSigner()
	alice, bob := identity.NewSigner(), identity.NewSigner()
	require.NoError(t, e.ledger.Deposit(alice.ID(), 100))
	require.NoError(t, e.ledger.Deposit(bob.ID(), 100))

	code, out := e.do(t, "POST", "/configs", initConfigRequest{
		Signed:    e.sign(t, alice, identity.OpInitConfig, uint64(0), uint64(10), uint64(99)),
		SaleStart: 0, SaleEnd: 10, TicketPrice: 10,
	})
	require.Equal(t, http.StatusForbidden, code)
	require.Equal(t, "Unauthenticated", out["name"])

	code, out = e.do(t, "POST", "/configs", initConfigRequest{
		Signed:    e.sign(t, authority, identity.OpInitConfig, uint64(0), uint64(10), uint64(10)),
		SaleStart: 0, SaleEnd: 10, TicketPrice: 10,
	})
	require.Equal(t, http.StatusCreated, code)
	require.Equal(t, float64(1), out["config_id"])

	code, _ = e.do(t, "POST", "/configs", map[string]string{"public": "zz"})
	require.Equal(t, http.StatusBadRequest, code)

	code, out = e.do(t, "POST", "/lotteries", initLotteryRequest{
		Signed:   e.sign(t, authority, identity.OpInitLottery, uint64(1)),
		ConfigID: 1,
	})
	require.Equal(t, http.StatusCreated, code)
	require.Equal(t, float64(1), out["lottery_id"])

	for i, s := range []*identity.Signer{alice, bob} {
		code, out = e.do(t, "POST", "/lotteries/1/tickets",
			e.sign(t, s, identity.OpBuyTicket, uint64(1)))
		require.Equal(t, http.StatusCreated, code)
		require.Equal(t, float64(i), out["index"])
		require.Equal(t, s.ID(), out["owner"])
	}
	code, out = e.do(t, "POST", "/lotteries/1/tickets",
		e.sign(t, identity.NewSigner(), identity.OpBuyTicket, uint64(1)))
	require.Equal(t, http.StatusBadGateway, code)
	require.Equal(t, "PaymentFailed", out["name"])

	code, out = e.do(t, "GET", "/lotteries/1/tickets/1", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, bob.ID(), out["owner"])
	code, _ = e.do(t, "GET", "/lotteries/1/tickets/2", nil)
	require.Equal(t, http.StatusNotFound, code)
	code, _ = e.do(t, "GET", "/lotteries/7", nil)
	require.Equal(t, http.StatusNotFound, code)
	code, _ = e.do(t, "GET", "/lotteries/seven", nil)
	require.Equal(t, http.StatusBadRequest, code)

	// The beacon only moves when rounds are produced.
	code, out = e.do(t, "GET", "/beacon", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, float64(0), out["next_round"])
	require.Nil(t, out["latest_round"])
	beaconID := out["id"].(string)
	bid, err := hex.DecodeString(beaconID)
	require.NoError(t, err)

	commit := func(round uint64) (int, map[string]interface{}) {
		return e.do(t, "POST", "/lotteries/1/commit", commitRequest{
			Signed: e.sign(t, authority, identity.OpCommitRandomness, uint64(1), bid, round),
			Beacon: beaconID,
			Round:  round,
		})
	}
	code, out = commit(20)
	require.Equal(t, http.StatusConflict, code)
	require.Equal(t, "SaleStillOpen", out["name"])

	e.elapse(t, 10*time.Second)
	code, out = e.do(t, "POST", "/lotteries/1/advance", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "Closed", out["phase"])

	code, out = e.do(t, "GET", "/beacon", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, float64(11), out["next_round"])
	require.Equal(t, float64(9), out["latest_round"])
	require.Len(t, out["latest_hash"], 64)

	code, out = commit(3)
	require.Equal(t, http.StatusBadGateway, code)
	require.Equal(t, "AlreadyRevealed", out["name"])
	code, out = commit(11 + lottery.CommitWindow + 1)
	require.Equal(t, http.StatusConflict, code)
	require.Equal(t, "RoundTooFar", out["name"])
	code, _ = commit(12)
	require.Equal(t, http.StatusOK, code)

	resolve := func() (int, map[string]interface{}) {
		return e.do(t, "POST", "/lotteries/1/resolve",
			e.sign(t, authority, identity.OpResolveWinner, uint64(1)))
	}
	code, out = resolve()
	require.Equal(t, http.StatusAccepted, code)
	require.Equal(t, true, out["retry"])

	e.elapse(t, 3*time.Second)
	code, out = resolve()
	require.Equal(t, http.StatusOK, code)
	winner := uint64(out["winning_index"].(float64))
	owner := []*identity.Signer{alice, bob}[winner]

	code, out = e.do(t, "GET", "/lotteries/1", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "Resolved", out["phase"])
	require.Equal(t, float64(20), out["vault"])
	require.Equal(t, float64(12), out["round"])

	body := claimRequest{
		Signed: e.sign(t, owner, identity.OpClaimPrize, uint64(1), winner),
		Index:  winner,
	}
	code, out = e.do(t, "POST", "/lotteries/1/claim", body)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, float64(20), out["amount"])
	bal, err := e.ledger.Balance(owner.ID())
	require.NoError(t, err)
	require.Equal(t, lottery.Amount(110), bal)

	// The same signed body cannot be used twice.
	code, _ = e.do(t, "POST", "/lotteries/1/claim", body)
	require.Equal(t, http.StatusForbidden, code)

	code, out = e.do(t, "POST", "/lotteries/1/claim", claimRequest{
		Signed: e.sign(t, owner, identity.OpClaimPrize, uint64(1), winner),
		Index:  winner,
	})
	require.Equal(t, http.StatusConflict, code)
	require.Equal(t, "AlreadyClaimed", out["name"])
}

func TestGateway_Replay(t *testing.T) {
	e := newTestEnv(t)
	authority, alice := identity.NewSigner(), identity.NewSigner()
	require.NoError(t, e.ledger.Deposit(alice.ID(), 100))

	code, _ := e.do(t, "POST", "/configs", initConfigRequest{
		Signed:    e.sign(t, authority, identity.OpInitConfig, uint64(0), uint64(10), uint64(10)),
		SaleStart: 0, SaleEnd: 10, TicketPrice: 10,
	})
	require.Equal(t, http.StatusCreated, code)
	code, _ = e.do(t, "POST", "/lotteries", initLotteryRequest{
		Signed:   e.sign(t, authority, identity.OpInitLottery, uint64(1)),
		ConfigID: 1,
	})
	require.Equal(t, http.StatusCreated, code)

	buy := e.sign(t, alice, identity.OpBuyTicket, uint64(1))
	code, _ = e.do(t, "POST", "/lotteries/1/tickets", buy)
	require.Equal(t, http.StatusCreated, code)

	code, out := e.do(t, "GET", "/callers/"+alice.ID(), nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, float64(1), out["nonce"])

	// Resent as is.
	code, out = e.do(t, "POST", "/lotteries/1/tickets", buy)
	require.Equal(t, http.StatusForbidden, code)
	require.Equal(t, "Unauthenticated", out["name"])

	// Resent with s+L, which the bare Schnorr check accepts.
	sig, err := hex.DecodeString(buy.Signature)
	require.NoError(t, err)
	forged := buy
	forged.Signature = hex.EncodeToString(append(append([]byte{}, sig[:32]...),
		addOrder(sig[32:])...))
	code, out = e.do(t, "POST", "/lotteries/1/tickets", forged)
	require.Equal(t, http.StatusForbidden, code)
	require.Equal(t, "Unauthenticated", out["name"])

	// Resent to a handler restarted on the same store.
	restarted := NewRouter(NewHandler(e.engine, e.beacon, e.store))
	code, _ = serve(t, restarted, "POST", "/lotteries/1/tickets", buy)
	require.Equal(t, http.StatusForbidden, code)

	bal, err := e.ledger.Balance(alice.ID())
	require.NoError(t, err)
	require.Equal(t, lottery.Amount(90), bal)
	code, out = e.do(t, "GET", "/lotteries/1", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, float64(1), out["tickets_sold"])

	code, _ = e.do(t, "GET", "/callers/zz", nil)
	require.Equal(t, http.StatusBadRequest, code)
}

func TestStatusCode(t *testing.T) {
	wrap := func(e error) error { return xerrors.Errorf("op: %w", e) }
	require.Equal(t, http.StatusConflict, StatusCode(wrap(lottery.ErrSaleClosed)))
	require.Equal(t, http.StatusForbidden, StatusCode(lottery.ErrNotOwner))
	require.Equal(t, http.StatusAccepted, StatusCode(wrap(lottery.ErrNotFinalized)))
	require.Equal(t, http.StatusBadGateway, StatusCode(wrap(lottery.ErrStale)))
	require.Equal(t, http.StatusNotFound, StatusCode(lottery.ErrNoSuchLottery))
	require.Equal(t, http.StatusUnprocessableEntity, StatusCode(lottery.ErrNoTicketsSold))
	require.Equal(t, http.StatusInternalServerError, StatusCode(xerrors.New("disk")))
}
