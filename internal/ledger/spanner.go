package ledger

import (
	"context"
	"fmt"
	"log"
	"time"

	"cloud.google.com/go/spanner"

	"github.com/coverline/dispatch-core/internal/domain"
)

// SpannerMirror implements subscription.AuditLedger: every credit
// transaction and fine record is written to a durable CreditAudit table in
// Spanner and folded into the in-process Merkle tree, so a disputed firm
// balance can be proven against both an immutable store row and the current
// root hash. Adapted from the teacher's reputation.SpannerWallet.ApplyPenalty
// ReadWriteTransaction-plus-audit-row pattern.
type SpannerMirror struct {
	client *spanner.Client
	tree   *Ledger
	logger *log.Logger
}

// NewSpannerMirror dials Spanner and pairs it with an in-memory Merkle tree.
func NewSpannerMirror(project, instance, dbName string) (*SpannerMirror, error) {
	ctx := context.Background()
	dbPath := fmt.Sprintf("projects/%s/instances/%s/databases/%s", project, instance, dbName)

	client, err := spanner.NewClient(ctx, dbPath)
	if err != nil {
		return nil, fmt.Errorf("spanner.NewClient: %w", err)
	}

	return &SpannerMirror{
		client: client,
		tree:   NewLedger(),
		logger: log.New(log.Writer(), "[ledger/spanner] ", log.LstdFlags),
	}, nil
}

// RecordCreditTransaction implements subscription.AuditLedger. It is called
// after the transaction row has already been committed to the primary
// store, so a Spanner write failure here is logged, not propagated — the
// mirror trades strict consistency for never blocking a firm's credit
// purchase on a second datastore's availability.
func (m *SpannerMirror) RecordCreditTransaction(firmID string, tx domain.CreditTransaction) {
	entry := m.tree.Append(firmID, "credit_transaction", fmt.Sprintf(
		"delta=%d reason=%s ref=%s", tx.Delta, tx.Reason, tx.ExternalRef))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := m.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		mutation := spanner.Insert("CreditAudit",
			[]string{"FirmID", "TransactionID", "Delta", "Reason", "ExternalRef", "LeafHash", "CreatedAt"},
			[]interface{}{firmID, tx.ID, tx.Delta, tx.Reason, tx.ExternalRef, hashData(entry), spanner.CommitTimestamp},
		)
		return txn.BufferWrite([]*spanner.Mutation{mutation})
	})
	if err != nil {
		m.logger.Printf("audit write failed for firm %s tx %s: %v", firmID, tx.ID, err)
		return
	}
	m.logger.Printf("recorded credit transaction %s for firm %s (delta=%d)", tx.ID, firmID, tx.Delta)
}

// RecordFine mirrors a UserFine into the same audit trail, keyed by the
// fined user rather than a firm — the fine is not firm-scoped, but reusing
// the per-subject Merkle root gives it the same inclusion-proof guarantee.
func (m *SpannerMirror) RecordFine(userID string, f domain.UserFine) {
	entry := m.tree.Append(userID, "user_fine", fmt.Sprintf(
		"amount_cents=%d reason=%s", f.AmountCents, f.Reason))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := m.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		mutation := spanner.Insert("FineAudit",
			[]string{"UserID", "FineID", "AmountCents", "Reason", "LeafHash", "CreatedAt"},
			[]interface{}{userID, f.ID, f.AmountCents, f.Reason, hashData(entry), spanner.CommitTimestamp},
		)
		return txn.BufferWrite([]*spanner.Mutation{mutation})
	})
	if err != nil {
		m.logger.Printf("audit write failed for fine %s (user %s): %v", f.ID, userID, err)
	}
}

// VerifyFirmRoot reports the Merkle root currently recorded for firmID, for
// out-of-band dispute resolution against the durable CreditAudit rows.
func (m *SpannerMirror) VerifyFirmRoot(firmID string) (string, bool) {
	root, ok := m.tree.FirmRoot[firmID]
	return root, ok
}

func (m *SpannerMirror) Close() error {
	m.client.Close()
	return nil
}
