package store

import (
	"context"
	"fmt"
)

// Schema is the postgres DDL backing PostgresStore.
const Schema = `
CREATE TABLE IF NOT EXISTS accounts (
    account_id VARCHAR(64) PRIMARY KEY,
    credit_limit NUMERIC(19, 4) NOT NULL CHECK (credit_limit >= 0),
    credit_used NUMERIC(19, 4) NOT NULL DEFAULT 0,
    status VARCHAR(16) NOT NULL,
    version INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS ledger_transactions (
    seq BIGSERIAL UNIQUE,
    transaction_id VARCHAR(36) PRIMARY KEY,
    account_id VARCHAR(64) NOT NULL REFERENCES accounts(account_id),
    previous_balance NUMERIC(19, 4) NOT NULL,
    new_balance NUMERIC(19, 4) NOT NULL,
    amount_changed NUMERIC(19, 4) NOT NULL,
    transaction_type VARCHAR(32) NOT NULL,
    related_payment_id VARCHAR(36),
    related_invoice_id VARCHAR(64),
    description TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_ledger_account ON ledger_transactions (account_id, seq);
CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_payment_applied
    ON ledger_transactions (related_payment_id) WHERE transaction_type = 'payment_applied';

CREATE TABLE IF NOT EXISTS invoices (
    invoice_id VARCHAR(64) PRIMARY KEY,
    account_id VARCHAR(64) NOT NULL REFERENCES accounts(account_id),
    total_amount NUMERIC(19, 4) NOT NULL CHECK (total_amount >= 0),
    paid_amount NUMERIC(19, 4) NOT NULL DEFAULT 0 CHECK (paid_amount >= 0 AND paid_amount <= total_amount),
    status VARCHAR(16) NOT NULL,
    reference VARCHAR(128) NOT NULL DEFAULT '',
    version INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    due_date TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_invoices_account ON invoices (account_id, created_at);

CREATE TABLE IF NOT EXISTS payments (
    payment_id VARCHAR(36) PRIMARY KEY,
    account_id VARCHAR(64) NOT NULL REFERENCES accounts(account_id),
    amount NUMERIC(19, 4) NOT NULL CHECK (amount > 0),
    method VARCHAR(32) NOT NULL,
    reference VARCHAR(128) NOT NULL DEFAULT '',
    bank_reference VARCHAR(128) NOT NULL DEFAULT '',
    strategy VARCHAR(16) NOT NULL,
    notes TEXT NOT NULL DEFAULT '',
    status VARCHAR(16) NOT NULL,
    failure_reason TEXT NOT NULL DEFAULT '',
    total_allocated NUMERIC(19, 4) NOT NULL DEFAULT 0,
    transaction_id VARCHAR(36) NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_payments_reference ON payments (account_id, reference) WHERE reference <> '';
CREATE INDEX IF NOT EXISTS idx_payments_open ON payments (created_at) WHERE status IN ('pending', 'processing');

CREATE TABLE IF NOT EXISTS allocations (
    allocation_id VARCHAR(36) PRIMARY KEY,
    payment_id VARCHAR(36) NOT NULL REFERENCES payments(payment_id),
    invoice_id VARCHAR(64) NOT NULL REFERENCES invoices(invoice_id),
    allocated_amount NUMERIC(19, 4) NOT NULL CHECK (allocated_amount > 0),
    remaining_amount_after NUMERIC(19, 4) NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_allocations_payment ON allocations (payment_id);
`

// Migrate applies Schema. Every statement is idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
