package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dkurilenko/ledgershop/internal/domain/models"
	"github.com/dkurilenko/ledgershop/internal/storage"
	"github.com/lib/pq"
)

type Storage struct {
	db *sql.DB
}

func New(dbUrl string) (*Storage, error) {
	db, err := sql.Open("postgres", dbUrl)
	if err != nil {
		return nil, fmt.Errorf("database connection error %s", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect database error %s", err)
	}

	return &Storage{db: db}, nil
}

func (s *Storage) Stop() error {
	return s.db.Close()
}

func (s *Storage) SaveUser(ctx context.Context, username, email string, passHash []byte) (int, error) {
	const op = "storage.postgres.SaveUser"

	var id int
	err := s.db.QueryRowContext(ctx,
		"INSERT INTO users (username, email, password_hash, balance) VALUES($1, $2, $3, 0) RETURNING id",
		username, email, passHash,
	).Scan(&id)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return 0, fmt.Errorf("%s: %w", op, storage.ErrEmailTaken)
		}
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return id, nil
}

func (s *Storage) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	const op = "storage.postgres.GetUserByEmail"

	var user models.User
	var picture sql.NullString

	err := s.db.QueryRowContext(ctx,
		"SELECT id, username, email, password_hash, balance, profile_picture, created_at FROM users WHERE email = $1",
		email,
	).Scan(&user.ID, &user.Username, &user.Email, &user.PasswordHash, &user.Balance, &picture, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	user.ProfilePicture = picture.String

	return &user, nil
}

func (s *Storage) GetUserByID(ctx context.Context, userID int) (*models.User, error) {
	const op = "storage.postgres.GetUserByID"

	var user models.User
	var picture sql.NullString

	err := s.db.QueryRowContext(ctx,
		"SELECT id, username, email, password_hash, balance, profile_picture, created_at FROM users WHERE id = $1",
		userID,
	).Scan(&user.ID, &user.Username, &user.Email, &user.PasswordHash, &user.Balance, &picture, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	user.ProfilePicture = picture.String

	return &user, nil
}

func (s *Storage) SetProfilePicture(ctx context.Context, userID int, path string) error {
	const op = "storage.postgres.SetProfilePicture"

	res, err := s.db.ExecContext(ctx, "UPDATE users SET profile_picture = $1 WHERE id = $2", path, userID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if affected == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	}

	return nil
}

// Credit adds amount to the user's balance and appends the matching credit
// transaction in a single database transaction. Either both rows change or
// neither does.
func (s *Storage) Credit(ctx context.Context, userID int, amount int) error {
	const op = "storage.postgres.Credit"

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, "UPDATE users SET balance = balance + $1 WHERE id = $2", amount, userID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if affected == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO transactions(user_id, amount, type) VALUES($1, $2, $3)",
		userID, amount, models.TypeCredit,
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// ConditionalDebit subtracts amount from the user's balance only if the
// current balance covers it, and appends the matching debit transaction in
// the same database transaction. The guard is part of the UPDATE itself, so
// two concurrent debits can never both pass against a stale balance.
func (s *Storage) ConditionalDebit(ctx context.Context, userID int, amount int) error {
	const op = "storage.postgres.ConditionalDebit"

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		"UPDATE users SET balance = balance - $1 WHERE id = $2 AND balance >= $1",
		amount, userID,
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if affected == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)", userID).Scan(&exists); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		if !exists {
			return fmt.Errorf("%s: %w", op, storage.ErrNotFound)
		}
		return fmt.Errorf("%s: %w", op, storage.ErrInsufficientFunds)
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO transactions(user_id, amount, type) VALUES($1, $2, $3)",
		userID, amount, models.TypeDebit,
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (s *Storage) GetBalance(ctx context.Context, userID int) (int, error) {
	const op = "storage.postgres.GetBalance"

	var balance int
	err := s.db.QueryRowContext(ctx, "SELECT balance FROM users WHERE id = $1", userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return balance, nil
}

// ListTransactions returns the user's transactions newest first.
func (s *Storage) ListTransactions(ctx context.Context, userID int) ([]models.Transaction, error) {
	const op = "storage.postgres.ListTransactions"

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, user_id, amount, type, created_at FROM transactions WHERE user_id = $1 ORDER BY created_at DESC, id DESC",
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = rows.Close() }()

	var transactions []models.Transaction
	for rows.Next() {
		var t models.Transaction
		if err := rows.Scan(&t.ID, &t.UserID, &t.Amount, &t.Type, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		transactions = append(transactions, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return transactions, nil
}

func (s *Storage) SaveProduct(ctx context.Context, product *models.Product) (int, error) {
	const op = "storage.postgres.SaveProduct"

	var id int
	err := s.db.QueryRowContext(ctx,
		"INSERT INTO products(user_id, name, quantity, price, image) VALUES($1, $2, $3, $4, $5) RETURNING id",
		product.UserID, product.Name, product.Quantity, product.Price, product.Image,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return id, nil
}

func (s *Storage) ListProductsByUser(ctx context.Context, userID int) ([]models.Product, error) {
	const op = "storage.postgres.ListProductsByUser"

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, user_id, name, quantity, price, image FROM products WHERE user_id = $1 ORDER BY id",
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = rows.Close() }()

	var products []models.Product
	for rows.Next() {
		var p models.Product
		var image sql.NullString
		if err := rows.Scan(&p.ID, &p.UserID, &p.Name, &p.Quantity, &p.Price, &image); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		p.Image = image.String
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return products, nil
}
