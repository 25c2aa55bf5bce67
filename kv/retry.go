package kv

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/kvtrace/kvtrace/txlog"
)

// Transact runs fn inside a transaction, committing on success and retrying
// on write conflicts until OnError gives up. The timeline log spans all
// attempts and is stopped exactly once, whether the transaction commits or
// is abandoned; it is returned either way so callers can render reports.
func (d *DB) Transact(ctx context.Context, fn func(ctx context.Context, tx *Transaction) error) (*txlog.Log, error) {
	tx := d.NewTransaction()
	log := tx.Log()
	defer log.Stop()

	for {
		err := fn(ctx, tx)
		if err == nil {
			err = tx.Commit(ctx)
		}
		if err == nil {
			d.log.Debug("transaction committed",
				"txid", tx.ID(),
				"attempts", log.Attempts(),
				"ops", log.Operations(),
			)
			return log, nil
		}

		if rerr := tx.OnError(ctx, err); rerr != nil {
			d.log.Warn("transaction abandoned",
				"txid", tx.ID(),
				"attempts", log.Attempts(),
				"error", rerr,
			)
			return log, errors.WithStack(rerr)
		}

		d.log.Debug("transaction retrying",
			"txid", tx.ID(),
			"attempt", log.Attempts()+1,
		)
	}
}
