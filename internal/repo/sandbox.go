package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"storeline/internal/domain"
)

const (
	SandboxStatusPurchased = "purchased"
	SandboxStatusPending   = "pending"
)

// UpsertSandboxProduct inserts or replaces a sandbox product definition.
func (r Repo) UpsertSandboxProduct(ctx context.Context, p domain.Product) error {
	_, err := r.DB.ExecContext(ctx, `
INSERT INTO sandbox_products(id,kind,display_name,description,price,period) VALUES (?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET kind=excluded.kind, display_name=excluded.display_name,
  description=excluded.description, price=excluded.price, period=excluded.period`,
		p.ID, p.Kind, p.DisplayName, nullable(p.Description), p.Price.String(), nullable(p.SubscriptionPeriod))
	return err
}

// SandboxProducts returns the products with the given ids; all products when
// ids is empty. Unknown ids are ignored.
func (r Repo) SandboxProducts(ctx context.Context, ids []string) ([]domain.Product, error) {
	query := `SELECT id,kind,display_name,COALESCE(description,''),price,COALESCE(period,'') FROM sandbox_products`
	var args []any
	if len(ids) > 0 {
		query += ` WHERE id IN (?` + strings.Repeat(",?", len(ids)-1) + `)`
		for _, id := range ids {
			args = append(args, id)
		}
	}
	query += ` ORDER BY id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Product
	for rows.Next() {
		var p domain.Product
		var price string
		if err := rows.Scan(&p.ID, &p.Kind, &p.DisplayName, &p.Description, &price, &p.SubscriptionPeriod); err != nil {
			return nil, err
		}
		if p.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("sandbox product %s price: %w", p.ID, err)
		}
		p.DisplayPrice = "$" + p.Price.StringFixed(2)
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) GetSandboxProduct(ctx context.Context, id string) (domain.Product, error) {
	products, err := r.SandboxProducts(ctx, []string{id})
	if err != nil {
		return domain.Product{}, err
	}
	if len(products) == 0 {
		return domain.Product{}, ErrNotFound
	}
	return products[0], nil
}

// InsertSandboxTransaction stores t and returns its id. A zero OriginalID
// makes the transaction its own original.
func (r Repo) InsertSandboxTransaction(ctx context.Context, t domain.SandboxTransaction) (int64, error) {
	if t.ProductID == "" {
		return 0, errors.New("product_id required")
	}
	if t.Status == "" {
		t.Status = SandboxStatusPurchased
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `INSERT INTO sandbox_transactions(original_id,product_id,app_account_token,status,purchase_date,expires_at,revoked_at,finished_at) VALUES (?,?,?,?,?,?,?,?)`,
		nullableID(t.OriginalID), t.ProductID, t.AppAccountToken, t.Status,
		t.PurchaseDate.UTC().Format(time.RFC3339Nano), nullableTime(t.ExpiresAt), nullableTime(t.RevokedAt), nullableTime(t.FinishedAt))
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	if t.OriginalID == 0 {
		if _, err := tx.ExecContext(ctx, `UPDATE sandbox_transactions SET original_id=? WHERE id=?`, id, id); err != nil {
			return 0, err
		}
	}
	return id, tx.Commit()
}

const sandboxTxColumns = `id,COALESCE(original_id,id),product_id,app_account_token,status,purchase_date,expires_at,revoked_at,finished_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSandboxTransaction(row rowScanner) (domain.SandboxTransaction, error) {
	var t domain.SandboxTransaction
	var purchased string
	var expires, revoked, finished sql.NullString
	if err := row.Scan(&t.ID, &t.OriginalID, &t.ProductID, &t.AppAccountToken, &t.Status, &purchased, &expires, &revoked, &finished); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return t, ErrNotFound
		}
		return t, err
	}
	var err error
	if t.PurchaseDate, err = parseTime(purchased); err != nil {
		return t, err
	}
	if t.ExpiresAt, err = parseNullTime(expires); err != nil {
		return t, err
	}
	if t.RevokedAt, err = parseNullTime(revoked); err != nil {
		return t, err
	}
	if t.FinishedAt, err = parseNullTime(finished); err != nil {
		return t, err
	}
	return t, nil
}

func (r Repo) GetSandboxTransaction(ctx context.Context, id int64) (domain.SandboxTransaction, error) {
	return scanSandboxTransaction(r.DB.QueryRowContext(ctx, `SELECT `+sandboxTxColumns+` FROM sandbox_transactions WHERE id=?`, id))
}

// SandboxTransactionFilter narrows ListSandboxTransactions.
type SandboxTransactionFilter struct {
	Status    string
	ProductID string
}

// ListSandboxTransactions returns transactions in id order.
func (r Repo) ListSandboxTransactions(ctx context.Context, f SandboxTransactionFilter) ([]domain.SandboxTransaction, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.ProductID != "" {
		clauses = append(clauses, "product_id=?")
		args = append(args, f.ProductID)
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+sandboxTxColumns+` FROM sandbox_transactions WHERE `+strings.Join(clauses, " AND ")+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SandboxTransaction
	for rows.Next() {
		t, err := scanSandboxTransaction(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// MarkSandboxFinished stamps finished_at once; later calls keep the first stamp.
func (r Repo) MarkSandboxFinished(ctx context.Context, id int64, at time.Time) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE sandbox_transactions SET finished_at=COALESCE(finished_at,?) WHERE id=?`, at.UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// RevokeSandboxTransaction stamps revoked_at once.
func (r Repo) RevokeSandboxTransaction(ctx context.Context, id int64, at time.Time) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE sandbox_transactions SET revoked_at=COALESCE(revoked_at,?) WHERE id=? AND status=?`, at.UTC().Format(time.RFC3339Nano), id, SandboxStatusPurchased)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// ApproveSandboxTransaction moves a pending transaction to purchased with the
// given purchase and expiry dates.
func (r Repo) ApproveSandboxTransaction(ctx context.Context, id int64, purchased time.Time, expires *time.Time) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE sandbox_transactions SET status=?, purchase_date=?, expires_at=? WHERE id=? AND status=?`,
		SandboxStatusPurchased, purchased.UTC().Format(time.RFC3339Nano), nullableTime(expires), id, SandboxStatusPending)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullableID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}
