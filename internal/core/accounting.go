package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// AccountingService materializes balanced journal entries from completed
// sales and received purchases. Entries are idempotent per source document:
// posting twice for the same sale or purchase is a no-op.
type AccountingService interface {
	// PostSaleEntry books DR cash / CR sales for a completed sale and links
	// the entry to the sale.
	PostSaleEntry(ctx context.Context, sale *Sale) (*AccountingEntry, error)

	// PostPurchaseEntry books DR stock / CR supplier for a received purchase
	// and links the entry to the purchase.
	PostPurchaseEntry(ctx context.Context, purchase *Purchase) (*AccountingEntry, error)
}

type accountingService struct {
	pool *pgxpool.Pool
}

func NewAccountingService(pool *pgxpool.Pool) AccountingService {
	return &accountingService{pool: pool}
}

func (s *accountingService) PostSaleEntry(ctx context.Context, sale *Sale) (*AccountingEntry, error) {
	reference := fmt.Sprintf("EC-VENTE-%s", sale.Reference)
	return s.postEntry(ctx, sale.TenantID, reference,
		fmt.Sprintf("Vente %s", sale.Reference), sale.Total,
		AccountCash, "Encaissement vente",
		AccountSales, "Produit de vente",
		"UPDATE sales SET accounting_entry_id = $1 WHERE id = $2", sale.ID)
}

func (s *accountingService) PostPurchaseEntry(ctx context.Context, purchase *Purchase) (*AccountingEntry, error) {
	reference := fmt.Sprintf("EC-ACHAT-%s", purchase.Reference)
	return s.postEntry(ctx, purchase.TenantID, reference,
		fmt.Sprintf("Achat %s", purchase.Reference), purchase.Total,
		AccountStock, "Entrée stock",
		AccountSupplier, "Dette fournisseur",
		"UPDATE purchases SET accounting_entry_id = $1 WHERE id = $2", purchase.ID)
}

// postEntry writes one balanced two-line entry (debit and credit for the same
// amount) and links it back to the source document, all in one transaction.
// The reference carries the idempotency: an existing entry short-circuits.
func (s *accountingService) postEntry(ctx context.Context, tenantID int, reference, description string,
	amount decimal.Decimal, debitAccount, debitDesc, creditAccount, creditDesc, linkSQL string, sourceID int) (*AccountingEntry, error) {

	callerTenant, err := RequireTenant(ctx)
	if err != nil {
		return nil, err
	}
	if callerTenant != tenantID {
		return nil, fmt.Errorf("entry for tenant %d under tenant %d scope: %w", tenantID, callerTenant, ErrTenantIsolation)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	entry := &AccountingEntry{
		TenantID:    tenantID,
		Reference:   reference,
		EntryDate:   time.Now(),
		Description: description,
		Status:      "posted",
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO accounting_entries (tenant_id, reference, entry_date, description, status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id, reference) DO NOTHING
		RETURNING id
	`, tenantID, reference, entry.EntryDate, description, entry.Status).Scan(&entry.ID)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("failed to insert accounting entry %s: %w", reference, err)
		}
		// Already posted for this document. Re-run the link so the source
		// document points at the entry even if it lost the reference.
		existing, err := s.getByReference(ctx, tenantID, reference)
		if err != nil {
			return nil, err
		}
		if _, err := tx.Exec(ctx, linkSQL, existing.ID, sourceID); err != nil {
			return nil, fmt.Errorf("failed to relink entry %s to source document: %w", reference, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("failed to commit relink for entry %s: %w", reference, err)
		}
		return existing, nil
	}

	entry.Lines = []AccountingLine{
		{EntryID: entry.ID, AccountCode: debitAccount, Debit: amount, Credit: decimal.Zero, Description: debitDesc},
		{EntryID: entry.ID, AccountCode: creditAccount, Debit: decimal.Zero, Credit: amount, Description: creditDesc},
	}
	for i := range entry.Lines {
		line := &entry.Lines[i]
		err = tx.QueryRow(ctx, `
			INSERT INTO accounting_lines (entry_id, account_code, debit, credit, description)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id
		`, line.EntryID, line.AccountCode, line.Debit, line.Credit, line.Description).Scan(&line.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to insert accounting line for %s: %w", reference, err)
		}
	}

	if _, err := tx.Exec(ctx, linkSQL, entry.ID, sourceID); err != nil {
		return nil, fmt.Errorf("failed to link entry %s to source document: %w", reference, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit accounting entry %s: %w", reference, err)
	}
	return entry, nil
}

func (s *accountingService) getByReference(ctx context.Context, tenantID int, reference string) (*AccountingEntry, error) {
	e := &AccountingEntry{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, reference, entry_date, description, status
		FROM accounting_entries
		WHERE tenant_id = $1 AND reference = $2
	`, tenantID, reference).Scan(&e.ID, &e.TenantID, &e.Reference, &e.EntryDate, &e.Description, &e.Status)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch entry %s: %w", reference, err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, entry_id, account_code, debit, credit, description
		FROM accounting_lines WHERE entry_id = $1 ORDER BY id
	`, e.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch lines for entry %s: %w", reference, err)
	}
	defer rows.Close()
	for rows.Next() {
		var l AccountingLine
		if err := rows.Scan(&l.ID, &l.EntryID, &l.AccountCode, &l.Debit, &l.Credit, &l.Description); err != nil {
			return nil, fmt.Errorf("failed to scan accounting line: %w", err)
		}
		e.Lines = append(e.Lines, l)
	}
	return e, rows.Err()
}
