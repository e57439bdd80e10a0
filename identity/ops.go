package identity

// Operation names covered by request signatures. A signature is made over
// RequestDigest(op, nonce, fields...) with the fields listed next to each
// name.
const (
	// OpSetup signs the slot duration, node count, threshold, beacon
	// interval and confirmations.
	OpSetup = "Setup"
	// OpDeposit signs the account owner and the amount.
	OpDeposit = "Deposit"
	// OpInitConfig signs sale start, sale end and ticket price.
	OpInitConfig = "InitConfig"
	// OpInitLottery signs the config id.
	OpInitLottery = "InitLottery"
	// OpBuyTicket signs the lottery id.
	OpBuyTicket = "BuyTicket"
	// OpCommitRandomness signs the lottery id, beacon id and round.
	OpCommitRandomness = "CommitRandomness"
	// OpResolveWinner signs the lottery id.
	OpResolveWinner = "ResolveWinner"
	// OpClaimPrize signs the lottery id and ticket index.
	OpClaimPrize = "ClaimPrize"
)
