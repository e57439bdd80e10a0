package lottery

// escrow adds amount to the vault of a lottery.
func escrow(tx Tx, lotteryID uint64, amount Amount) error {
	bal, err := tx.Vault(lotteryID)
	if err != nil {
		return err
	}
	sum, ok := addAmount(bal, amount)
	if !ok {
		return ErrOverflow
	}
	return tx.PutVault(lotteryID, sum)
}

// release empties the vault of l and returns what it held. It runs in the
// same transaction as the phase change that goes with it.
func release(tx Tx, l *Lottery) (Amount, error) {
	if l.Phase != PhaseResolved {
		return 0, ErrVaultLocked
	}
	bal, err := tx.Vault(l.ID)
	if err != nil {
		return 0, err
	}
	if bal == 0 {
		return 0, ErrNothingToRelease
	}
	if err := tx.PutVault(l.ID, 0); err != nil {
		return 0, err
	}
	return bal, nil
}

func addAmount(a, b Amount) (Amount, bool) {
	s := a + b
	return s, s >= a
}
