package ledger

import (
	"context"
	"errors"
	"time"
)

// WaitForValidation polls until the transaction is in a validated ledger or
// ctx ends. Not-found answers are expected while the transaction is pending.
func WaitForValidation(ctx context.Context, client Client, hash string, every time.Duration) (TxStatus, error) {
	if every <= 0 {
		every = 2 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		st, err := client.Transaction(ctx, hash)
		if err == nil && st.Validated {
			return st, nil
		}
		if err != nil && !errors.Is(err, ErrNotFound) {
			return TxStatus{}, err
		}
		select {
		case <-ctx.Done():
			return TxStatus{}, ctx.Err()
		case <-ticker.C:
		}
	}
}
