package sink

import (
	"context"
	"database/sql"
	"encoding/base64"
	"fmt"

	"protosink/internal/ddl"
	"protosink/internal/domain"
)

// DeadLetterTable records skipped messages in the destination database.
type DeadLetterTable struct {
	db   *sql.DB
	stmt string
}

// NewDeadLetterTable returns a dead-letter writer for the migrated
// protosink_dead_letters table.
func NewDeadLetterTable(db *sql.DB, d ddl.Dialect) *DeadLetterTable {
	return &DeadLetterTable{db: db, stmt: ddl.RecordDeadLetter(d)}
}

// Send stores letters in one transaction. Keys and payloads are base64
// encoded. Re-sending a message replaces its reason.
func (t *DeadLetterTable) Send(ctx context.Context, letters []domain.DeadLetter) (err error) {
	if len(letters) == 0 {
		return nil
	}
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin dead letters: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, l := range letters {
		m := l.Message
		var key any
		if m.Key != nil {
			key = base64.StdEncoding.EncodeToString(m.Key)
		}
		if _, err = tx.ExecContext(ctx, t.stmt,
			l.BatchID, m.Topic, m.Partition, m.Offset, key,
			base64.StdEncoding.EncodeToString(m.Value), l.Reason,
		); err != nil {
			return fmt.Errorf("record dead letter %s/%d/%d: %w", m.Topic, m.Partition, m.Offset, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit dead letters: %w", err)
	}
	return nil
}
