package resrepo

import (
	"context"
	"strconv"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/pkg/errors"
	"github.com/sksmith/checkout-reservations/core"
	"github.com/sksmith/checkout-reservations/core/reservation"
	"github.com/sksmith/checkout-reservations/db"
)

const reservationColumns = `id, product_id, variant_id, session_id, quantity, status, expires_at, created_at, updated_at`

type dbRepo struct {
	conn core.Conn
}

func NewPostgresRepo(conn core.Conn) reservation.Repository {
	return &dbRepo{
		conn: conn,
	}
}

func (d *dbRepo) BeginTransaction(ctx context.Context) (core.Transaction, error) {
	tx, err := d.conn.Begin(ctx)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return tx, nil
}

func (d *dbRepo) GetStock(ctx context.Context, key reservation.StockKey, options ...core.QueryOptions) (reservation.Stock, error) {
	m := db.StartMetric("GetStock")
	tx, forUpdate := db.GetQueryOptions(d.conn, options...)

	s := reservation.Stock{}
	err := tx.QueryRow(ctx,
		`SELECT product_id, variant_id, quantity_total, quantity_held, updated_at FROM stock WHERE product_id = $1 AND variant_id = $2 `+forUpdate,
		key.ProductID, key.VariantID).
		Scan(&s.ProductID, &s.VariantID, &s.Total, &s.Held, &s.Updated)
	if err != nil {
		m.Complete(err)
		if err == pgx.ErrNoRows {
			return s, errors.WithStack(core.ErrNotFound)
		}
		return s, errors.WithStack(err)
	}

	m.Complete(nil)
	return s, nil
}

// SaveStock writes the total of a stock row, creating it when needed. The held quantity of an
// existing row is left alone.
func (d *dbRepo) SaveStock(ctx context.Context, stock reservation.Stock, options ...core.UpdateOptions) error {
	m := db.StartMetric("SaveStock")
	tx := db.GetUpdateOptions(d.conn, options...)

	if stock.Updated.IsZero() {
		stock.Updated = time.Now().UTC()
	}

	ct, err := tx.Exec(ctx, `
		UPDATE stock
		   SET quantity_total = $3, updated_at = $4
		 WHERE product_id = $1 AND variant_id = $2;`,
		stock.ProductID, stock.VariantID, stock.Total, stock.Updated)
	if err != nil {
		m.Complete(err)
		return errors.WithStack(err)
	}
	if ct.RowsAffected() == 0 {
		_, err := tx.Exec(ctx, `
		INSERT INTO stock (product_id, variant_id, quantity_total, quantity_held, updated_at)
		     VALUES ($1, $2, $3, 0, $4);`,
			stock.ProductID, stock.VariantID, stock.Total, stock.Updated)
		if err != nil {
			m.Complete(err)
			return errors.WithStack(err)
		}
	}
	m.Complete(nil)
	return nil
}

func (d *dbRepo) HoldStock(ctx context.Context, key reservation.StockKey, qty int64, options ...core.UpdateOptions) (bool, error) {
	m := db.StartMetric("HoldStock")
	tx := db.GetUpdateOptions(d.conn, options...)

	ct, err := tx.Exec(ctx, `
		UPDATE stock
		   SET quantity_held = quantity_held + $3, updated_at = NOW()
		 WHERE product_id = $1 AND variant_id = $2
		   AND quantity_total - quantity_held >= $3;`,
		key.ProductID, key.VariantID, qty)
	m.Complete(err)
	if err != nil {
		return false, errors.WithStack(err)
	}
	return ct.RowsAffected() == 1, nil
}

func (d *dbRepo) ReleaseHeld(ctx context.Context, key reservation.StockKey, qty int64, options ...core.UpdateOptions) error {
	return d.adjustStock(ctx, "ReleaseHeld", `
		UPDATE stock
		   SET quantity_held = quantity_held - $3, updated_at = NOW()
		 WHERE product_id = $1 AND variant_id = $2;`,
		key, qty, options...)
}

func (d *dbRepo) ConsumeStock(ctx context.Context, key reservation.StockKey, qty int64, options ...core.UpdateOptions) error {
	return d.adjustStock(ctx, "ConsumeStock", `
		UPDATE stock
		   SET quantity_total = quantity_total - $3, quantity_held = quantity_held - $3, updated_at = NOW()
		 WHERE product_id = $1 AND variant_id = $2;`,
		key, qty, options...)
}

func (d *dbRepo) adjustStock(ctx context.Context, funcName, update string, key reservation.StockKey, qty int64, options ...core.UpdateOptions) error {
	m := db.StartMetric(funcName)
	tx := db.GetUpdateOptions(d.conn, options...)

	ct, err := tx.Exec(ctx, update, key.ProductID, key.VariantID, qty)
	if err != nil {
		m.Complete(err)
		return errors.WithStack(err)
	}
	if ct.RowsAffected() == 0 {
		m.Complete(core.ErrNotFound)
		return errors.WithStack(core.ErrNotFound)
	}
	m.Complete(nil)
	return nil
}

func (d *dbRepo) GetReservation(ctx context.Context, ID string, options ...core.QueryOptions) (reservation.Reservation, error) {
	m := db.StartMetric("GetReservation")
	tx, forUpdate := db.GetQueryOptions(d.conn, options...)

	r, err := scanReservation(tx.QueryRow(ctx,
		`SELECT `+reservationColumns+` FROM reservations WHERE id = $1 `+forUpdate, ID))
	if err != nil {
		m.Complete(err)
		if err == pgx.ErrNoRows {
			return r, errors.WithStack(core.ErrNotFound)
		}
		return r, errors.WithStack(err)
	}

	m.Complete(nil)
	return r, nil
}

func (d *dbRepo) GetReservations(ctx context.Context, resOptions reservation.ListOptions, limit, offset int, options ...core.QueryOptions) ([]reservation.Reservation, error) {
	m := db.StartMetric("GetReservations")
	tx, forUpdate := db.GetQueryOptions(d.conn, options...)

	params := make([]interface{}, 0)
	whereClause := " WHERE 1 = 1"

	if resOptions.SessionID != "" {
		params = append(params, resOptions.SessionID)
		whereClause += " AND session_id = $" + strconv.Itoa(len(params))
	}
	if resOptions.Status != reservation.None {
		params = append(params, string(resOptions.Status))
		whereClause += " AND status = $" + strconv.Itoa(len(params))
	}

	page := ""
	if limit > 0 {
		params = append(params, limit)
		page += " LIMIT $" + strconv.Itoa(len(params))
	}
	if offset > 0 {
		params = append(params, offset)
		page += " OFFSET $" + strconv.Itoa(len(params))
	}

	rows, err := tx.Query(ctx,
		`SELECT `+reservationColumns+` FROM reservations`+whereClause+` ORDER BY created_at ASC, id ASC`+page+` `+forUpdate,
		params...)
	if err != nil {
		m.Complete(err)
		return nil, errors.WithStack(err)
	}
	rsv, err := scanReservations(rows)
	m.Complete(err)
	return rsv, err
}

func (d *dbRepo) SumHolding(ctx context.Context, key reservation.StockKey, now time.Time, options ...core.QueryOptions) (int64, error) {
	m := db.StartMetric("SumHolding")
	tx, _ := db.GetQueryOptions(d.conn, options...)

	var sum int64
	err := tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(quantity), 0)
		  FROM reservations
		 WHERE product_id = $1 AND variant_id = $2
		   AND status = 'active' AND expires_at > $3`,
		key.ProductID, key.VariantID, now).Scan(&sum)
	m.Complete(err)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	return sum, nil
}

func (d *dbRepo) GetExpiredStockKeys(ctx context.Context, now time.Time, limit int, options ...core.QueryOptions) ([]reservation.StockKey, error) {
	m := db.StartMetric("GetExpiredStockKeys")
	tx, _ := db.GetQueryOptions(d.conn, options...)

	rows, err := tx.Query(ctx, `
		SELECT DISTINCT product_id, variant_id
		  FROM reservations
		 WHERE status = 'active' AND expires_at <= $1
		 ORDER BY product_id, variant_id
		 LIMIT $2`,
		now, limit)
	if err != nil {
		m.Complete(err)
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	keys := make([]reservation.StockKey, 0)
	for rows.Next() {
		k := reservation.StockKey{}
		if err = rows.Scan(&k.ProductID, &k.VariantID); err != nil {
			m.Complete(err)
			return nil, errors.WithStack(err)
		}
		keys = append(keys, k)
	}
	if err = rows.Err(); err != nil {
		m.Complete(err)
		return nil, errors.WithStack(err)
	}

	m.Complete(nil)
	return keys, nil
}

func (d *dbRepo) SaveReservation(ctx context.Context, r *reservation.Reservation, options ...core.UpdateOptions) error {
	m := db.StartMetric("SaveReservation")
	tx := db.GetUpdateOptions(d.conn, options...)

	if r.Created.IsZero() {
		r.Created = time.Now().UTC()
		r.Updated = r.Created
	}

	_, err := tx.Exec(ctx, `
		INSERT INTO reservations (`+reservationColumns+`)
		     VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9);`,
		r.ID, r.ProductID, r.VariantID, r.SessionID, r.Quantity, string(r.Status), r.ExpiresAt, r.Created, r.Updated)
	m.Complete(err)
	if err != nil {
		return errors.WithStack(err)
	}
	return nil
}

func (d *dbRepo) TransitionReservation(ctx context.Context, ID string, from, to reservation.Status, now time.Time, options ...core.UpdateOptions) (bool, error) {
	m := db.StartMetric("TransitionReservation")
	tx := db.GetUpdateOptions(d.conn, options...)

	ct, err := tx.Exec(ctx, `
		UPDATE reservations
		   SET status = $3, updated_at = $4
		 WHERE id = $1 AND status = $2;`,
		ID, string(from), string(to), now)
	m.Complete(err)
	if err != nil {
		return false, errors.WithStack(err)
	}
	return ct.RowsAffected() == 1, nil
}

func (d *dbRepo) ExpireReservations(ctx context.Context, key reservation.StockKey, now time.Time, options ...core.UpdateOptions) ([]reservation.Reservation, error) {
	m := db.StartMetric("ExpireReservations")
	tx := db.GetUpdateOptions(d.conn, options...)

	rows, err := tx.Query(ctx, `
		UPDATE reservations
		   SET status = 'expired', updated_at = $3
		 WHERE product_id = $1 AND variant_id = $2
		   AND status = 'active' AND expires_at <= $3
		RETURNING `+reservationColumns,
		key.ProductID, key.VariantID, now)
	if err != nil {
		m.Complete(err)
		return nil, errors.WithStack(err)
	}
	rsv, err := scanReservations(rows)
	m.Complete(err)
	return rsv, err
}

func scanReservation(row pgx.Row) (reservation.Reservation, error) {
	r := reservation.Reservation{}
	var status string
	err := row.Scan(&r.ID, &r.ProductID, &r.VariantID, &r.SessionID, &r.Quantity, &status, &r.ExpiresAt, &r.Created, &r.Updated)
	r.Status = reservation.Status(status)
	return r, err
}

func scanReservations(rows pgx.Rows) ([]reservation.Reservation, error) {
	defer rows.Close()

	rsv := make([]reservation.Reservation, 0)
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		rsv = append(rsv, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WithStack(err)
	}
	return rsv, nil
}
