// Package gateway serves the lottery engine over HTTP with JSON bodies.
// Mutating requests carry the caller's public key, the caller's next
// request number and a Schnorr signature over the request digest of the
// operation. Keys and signatures are hex encoded.
package gateway

import (
	"encoding/hex"
	"net/http"
	"strconv"

	"github.com/dedis/ledgerlot/beacon"
	"github.com/dedis/ledgerlot/identity"
	"github.com/dedis/ledgerlot/lottery"
	"github.com/gin-gonic/gin"
	"go.dedis.ch/kyber/v3/util/encoding"
	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"
)

// BeaconInfo describes the randomness beacon to clients.
type BeaconInfo interface {
	Info() (*beacon.Info, error)
	Latest() (*lottery.Randomness, error)
}

// Handler holds the engine the routes operate on.
type Handler struct {
	engine *lottery.Engine
	beacon BeaconInfo
	guard  *identity.Guard
}

// NewHandler creates the handler. Request numbers are recorded in nonces.
func NewHandler(engine *lottery.Engine, b BeaconInfo, nonces identity.Nonces) *Handler {
	return &Handler{engine: engine, beacon: b, guard: identity.NewGuard(nonces)}
}

// NewRouter returns a gin engine with every route registered.
func NewRouter(h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	h.RegisterRoutes(r)
	return r
}

// RegisterRoutes registers all the routes.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.POST("/configs", h.InitConfig)
	r.POST("/lotteries", h.InitLottery)
	r.GET("/lotteries/:id", h.Status)
	r.POST("/lotteries/:id/tickets", h.BuyTicket)
	r.GET("/lotteries/:id/tickets/:index", h.Ticket)
	r.POST("/lotteries/:id/commit", h.CommitRandomness)
	r.POST("/lotteries/:id/resolve", h.ResolveWinner)
	r.POST("/lotteries/:id/claim", h.ClaimPrize)
	r.POST("/lotteries/:id/advance", h.Advance)
	r.GET("/beacon", h.Beacon)
	r.GET("/callers/:id", h.Caller)
}

// Signed is embedded in every mutating request body.
type Signed struct {
	Public    string `json:"public" binding:"required"`
	Nonce     uint64 `json:"nonce"`
	Signature string `json:"signature" binding:"required"`
}

func (h *Handler) caller(s Signed, op string, fields ...interface{}) (identity.Caller, error) {
	pub, err := identity.ParseID(s.Public)
	if err != nil {
		return identity.Caller{}, xerrors.Errorf("%v: %w", err, lottery.ErrUnauthenticated)
	}
	sig, err := hex.DecodeString(s.Signature)
	if err != nil {
		return identity.Caller{}, xerrors.Errorf("bad signature encoding: %w",
			lottery.ErrUnauthenticated)
	}
	c, err := h.guard.Verify(pub, sig, op, s.Nonce, fields...)
	if err != nil {
		return identity.Caller{}, xerrors.Errorf("%v: %w", err, lottery.ErrUnauthenticated)
	}
	return c, nil
}

// StatusCode maps an error to the HTTP status returned for it.
func StatusCode(err error) int {
	switch lottery.KindOf(err) {
	case lottery.PolicyViolation:
		return http.StatusConflict
	case lottery.AuthorizationFailure:
		return http.StatusForbidden
	case lottery.ExternalDependencyPending:
		return http.StatusAccepted
	case lottery.ExternalDependencyFailure:
		return http.StatusBadGateway
	case lottery.ConsistencyViolation:
		switch lottery.NameOf(err) {
		case "NoSuchConfig", "NoSuchLottery", "NoSuchTicket":
			return http.StatusNotFound
		}
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func fail(c *gin.Context, err error) {
	code := StatusCode(err)
	if code == http.StatusInternalServerError {
		log.Error("request failed:", err)
	}
	c.JSON(code, gin.H{
		"error": err.Error(),
		"kind":  lottery.KindOf(err).String(),
		"name":  lottery.NameOf(err),
		"retry": lottery.IsRetryable(err),
	})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

func uintParam(c *gin.Context, name string) (uint64, bool) {
	v, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil {
		badRequest(c, xerrors.Errorf("invalid %s %q", name, c.Param(name)))
		return 0, false
	}
	return v, true
}

type initConfigRequest struct {
	Signed
	SaleStart   uint64 `json:"sale_start"`
	SaleEnd     uint64 `json:"sale_end"`
	TicketPrice uint64 `json:"ticket_price"`
}

func (h *Handler) InitConfig(c *gin.Context) {
	var req initConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	caller, err := h.caller(req.Signed, identity.OpInitConfig,
		req.SaleStart, req.SaleEnd, req.TicketPrice)
	if err != nil {
		fail(c, err)
		return
	}
	id, err := h.engine.InitConfig(caller, lottery.ConfigParams{
		SaleStart:   lottery.Slot(req.SaleStart),
		SaleEnd:     lottery.Slot(req.SaleEnd),
		TicketPrice: lottery.Amount(req.TicketPrice),
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"config_id": id})
}

type initLotteryRequest struct {
	Signed
	ConfigID uint64 `json:"config_id"`
}

func (h *Handler) InitLottery(c *gin.Context) {
	var req initLotteryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	caller, err := h.caller(req.Signed, identity.OpInitLottery, req.ConfigID)
	if err != nil {
		fail(c, err)
		return
	}
	id, err := h.engine.InitLottery(caller, req.ConfigID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"lottery_id": id})
}

type ticketResponse struct {
	Lottery    uint64 `json:"lottery"`
	Index      uint64 `json:"index"`
	Owner      string `json:"owner"`
	Credential string `json:"credential"`
	IssuedAt   uint64 `json:"issued_at"`
}

func newTicketResponse(t *lottery.Ticket) ticketResponse {
	return ticketResponse{
		Lottery:    t.Lottery,
		Index:      t.Index,
		Owner:      t.Owner,
		Credential: hex.EncodeToString(t.Credential),
		IssuedAt:   uint64(t.IssuedAt),
	}
}

func (h *Handler) BuyTicket(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	var req Signed
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	caller, err := h.caller(req, identity.OpBuyTicket, id)
	if err != nil {
		fail(c, err)
		return
	}
	t, err := h.engine.BuyTicket(caller, id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, newTicketResponse(t))
}

func (h *Handler) Ticket(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	index, ok := uintParam(c, "index")
	if !ok {
		return
	}
	t, err := h.engine.Ticket(id, index)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, newTicketResponse(t))
}

type commitRequest struct {
	Signed
	Beacon string `json:"beacon" binding:"required"`
	Round  uint64 `json:"round"`
}

func (h *Handler) CommitRandomness(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	var req commitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	bid, err := hex.DecodeString(req.Beacon)
	if err != nil {
		badRequest(c, xerrors.Errorf("invalid beacon id: %v", err))
		return
	}
	caller, err := h.caller(req.Signed, identity.OpCommitRandomness, id, bid,
		req.Round)
	if err != nil {
		fail(c, err)
		return
	}
	ref := lottery.Reference{Beacon: bid, Round: req.Round}
	if err := h.engine.CommitRandomness(caller, id, ref); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"lottery_id": id, "round": req.Round})
}

func (h *Handler) ResolveWinner(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	var req Signed
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	caller, err := h.caller(req, identity.OpResolveWinner, id)
	if err != nil {
		fail(c, err)
		return
	}
	w, err := h.engine.ResolveWinner(caller, id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"winning_index": w})
}

type claimRequest struct {
	Signed
	Index uint64 `json:"index"`
}

func (h *Handler) ClaimPrize(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	var req claimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	caller, err := h.caller(req.Signed, identity.OpClaimPrize, id, req.Index)
	if err != nil {
		fail(c, err)
		return
	}
	amount, err := h.engine.ClaimPrize(caller, id, req.Index)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"amount": uint64(amount)})
}

// Advance persists the phase changes that are due. Anyone may call it.
func (h *Handler) Advance(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	p, err := h.engine.Advance(id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"phase": p.String()})
}

type statusResponse struct {
	ID           uint64 `json:"id"`
	ConfigID     uint64 `json:"config_id"`
	Authority    string `json:"authority"`
	SaleStart    uint64 `json:"sale_start"`
	SaleEnd      uint64 `json:"sale_end"`
	TicketPrice  uint64 `json:"ticket_price"`
	Phase        string `json:"phase"`
	TicketsSold  uint64 `json:"tickets_sold"`
	TotalPot     uint64 `json:"total_pot"`
	Vault        uint64 `json:"vault"`
	Committed    bool   `json:"committed"`
	Beacon       string `json:"beacon,omitempty"`
	Round        uint64 `json:"round,omitempty"`
	WinnerChosen bool   `json:"winner_chosen"`
	WinningIndex uint64 `json:"winning_index"`
	Now          uint64 `json:"now"`
}

func (h *Handler) Status(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	st, err := h.engine.Status(id)
	if err != nil {
		fail(c, err)
		return
	}
	l := st.Lottery
	resp := statusResponse{
		ID:           l.ID,
		ConfigID:     l.ConfigID,
		Authority:    st.Config.Authority,
		SaleStart:    uint64(st.Config.SaleStart),
		SaleEnd:      uint64(st.Config.SaleEnd),
		TicketPrice:  uint64(st.Config.TicketPrice),
		Phase:        st.Phase.String(),
		TicketsSold:  l.TicketsSold,
		TotalPot:     uint64(l.TotalPot),
		Vault:        uint64(st.Vault),
		Committed:    l.Committed,
		WinnerChosen: l.WinnerChosen,
		WinningIndex: l.WinningIndex,
		Now:          uint64(st.Now),
	}
	if l.Committed {
		resp.Beacon = hex.EncodeToString(l.Reference.Beacon)
		resp.Round = l.Reference.Round
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) Beacon(c *gin.Context) {
	info, err := h.beacon.Info()
	if err != nil {
		fail(c, err)
		return
	}
	pub, err := encoding.PointToStringHex(lottery.BeaconSuite.G2(), info.Public)
	if err != nil {
		fail(c, err)
		return
	}
	resp := gin.H{
		"id":            hex.EncodeToString(info.ID),
		"public":        pub,
		"nodes":         info.Nodes,
		"threshold":     info.Threshold,
		"next_round":    info.NextRound,
		"confirmations": info.Confirmations,
	}
	latest, err := h.beacon.Latest()
	switch {
	case err == nil:
		digest, err := latest.Hash()
		if err != nil {
			fail(c, err)
			return
		}
		resp["latest_round"] = latest.Round
		resp["latest_hash"] = hex.EncodeToString(digest)
	case !xerrors.Is(err, lottery.ErrNotFinalized):
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Caller returns the last request number accepted from an identity. The
// next request must use a higher one.
func (h *Handler) Caller(c *gin.Context) {
	id := c.Param("id")
	if _, err := identity.ParseID(id); err != nil {
		badRequest(c, err)
		return
	}
	nonce, err := h.guard.Nonce(id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "nonce": nonce})
}
