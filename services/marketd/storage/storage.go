package storage

import (
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strconv"
	"strings"
	"time"

	_ "github.com/glebarez/sqlite"
)

// Storage wraps the marketd persistence layer: the trade journal and the
// engine snapshot history.
type Storage struct {
	db *sql.DB
}

var (
	// ErrPathRequired is returned when the backing store path is missing.
	ErrPathRequired = errors.New("marketd storage path must be configured")
)

// TradeRecord is one journaled trade. Amounts travel as decimal strings so
// 256-bit values survive the round trip.
type TradeRecord struct {
	Seq         int64
	Key         string
	Op          string
	Account     string
	Beneficiary string
	DevAccount  string
	Token       string
	AmountIn    string
	AmountOut   string
	Fee         string
	Worth       string
	Price       string
	PrevDigest  string
	Digest      string
	CreatedAt   time.Time
}

// Open initialises the backing store using a sqlite-compatible DSN.
func Open(dsn string) (*Storage, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, ErrPathRequired
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Storage{db: db}, nil
}

// Close releases database resources.
func (s *Storage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS trades (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    idempotency_key TEXT NOT NULL UNIQUE,
    op TEXT NOT NULL,
    account TEXT NOT NULL,
    beneficiary TEXT NOT NULL,
    dev_account TEXT NOT NULL,
    token TEXT NOT NULL,
    amount_in TEXT NOT NULL,
    amount_out TEXT NOT NULL,
    fee TEXT NOT NULL,
    worth TEXT NOT NULL,
    price TEXT NOT NULL,
    prev_digest TEXT NOT NULL,
    digest TEXT NOT NULL,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_account ON trades(account, created_at);
CREATE INDEX IF NOT EXISTS idx_trades_created ON trades(created_at);

CREATE TABLE IF NOT EXISTS snapshots (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    blob BLOB NOT NULL,
    created_at INTEGER NOT NULL
);
`

// InsertTrade journals an applied trade and returns its sequence number.
func (s *Storage) InsertTrade(ctx context.Context, rec TradeRecord) (int64, error) {
	if s == nil {
		return 0, fmt.Errorf("storage not configured")
	}
	if strings.TrimSpace(rec.Key) == "" {
		return 0, fmt.Errorf("trade key required")
	}
	result, err := s.db.ExecContext(ctx, `
        INSERT INTO trades(idempotency_key, op, account, beneficiary, dev_account, token, amount_in, amount_out, fee, worth, price, prev_digest, digest, created_at)
        VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    `, rec.Key, rec.Op, rec.Account, rec.Beneficiary, rec.DevAccount, rec.Token, rec.AmountIn, rec.AmountOut, rec.Fee, rec.Worth, rec.Price, rec.PrevDigest, rec.Digest, rec.CreatedAt.UTC().Unix())
	if err != nil {
		return 0, fmt.Errorf("insert trade: %w", err)
	}
	seq, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("trade sequence: %w", err)
	}
	return seq, nil
}

// TradeByKey loads a journaled trade by idempotency key.
func (s *Storage) TradeByKey(ctx context.Context, key string) (TradeRecord, bool, error) {
	rec := TradeRecord{}
	if s == nil {
		return rec, false, fmt.Errorf("storage not configured")
	}
	row := s.db.QueryRowContext(ctx, `
        SELECT seq, idempotency_key, op, account, beneficiary, dev_account, token, amount_in, amount_out, fee, worth, price, prev_digest, digest, created_at
        FROM trades
        WHERE idempotency_key = ?
    `, strings.TrimSpace(key))
	var createdAt int64
	err := row.Scan(&rec.Seq, &rec.Key, &rec.Op, &rec.Account, &rec.Beneficiary, &rec.DevAccount, &rec.Token, &rec.AmountIn, &rec.AmountOut, &rec.Fee, &rec.Worth, &rec.Price, &rec.PrevDigest, &rec.Digest, &createdAt)
	if err == sql.ErrNoRows {
		return rec, false, nil
	}
	if err != nil {
		return rec, false, fmt.Errorf("query trade: %w", err)
	}
	rec.CreatedAt = time.Unix(createdAt, 0).UTC()
	return rec, true, nil
}

// LastDigest returns the digest of the newest journaled trade, or the empty
// string when the journal is empty.
func (s *Storage) LastDigest(ctx context.Context) (string, error) {
	if s == nil {
		return "", fmt.Errorf("storage not configured")
	}
	row := s.db.QueryRowContext(ctx, `
        SELECT digest FROM trades ORDER BY seq DESC LIMIT 1
    `)
	var digest string
	if err := row.Scan(&digest); err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("query digest: %w", err)
	}
	return digest, nil
}

// Trades returns journaled trades in ascending sequence order. A limit of
// zero returns the full journal.
func (s *Storage) Trades(ctx context.Context, limit int) ([]TradeRecord, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	query := `
        SELECT seq, idempotency_key, op, account, beneficiary, dev_account, token, amount_in, amount_out, fee, worth, price, prev_digest, digest, created_at
        FROM trades
        ORDER BY seq ASC
    `
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()
	records := make([]TradeRecord, 0)
	for rows.Next() {
		var rec TradeRecord
		var createdAt int64
		if err := rows.Scan(&rec.Seq, &rec.Key, &rec.Op, &rec.Account, &rec.Beneficiary, &rec.DevAccount, &rec.Token, &rec.AmountIn, &rec.AmountOut, &rec.Fee, &rec.Worth, &rec.Price, &rec.PrevDigest, &rec.Digest, &createdAt); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		rec.CreatedAt = time.Unix(createdAt, 0).UTC()
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trades: %w", err)
	}
	return records, nil
}

// DailyVolume sums the 18-decimal worth of all trades journaled during the
// UTC day containing the supplied instant.
func (s *Storage) DailyVolume(ctx context.Context, day time.Time) (*big.Int, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	start := day.UTC().Truncate(24 * time.Hour)
	end := start.Add(24 * time.Hour)
	rows, err := s.db.QueryContext(ctx, `
        SELECT worth FROM trades WHERE created_at >= ? AND created_at < ?
    `, start.Unix(), end.Unix())
	if err != nil {
		return nil, fmt.Errorf("query volume: %w", err)
	}
	defer rows.Close()
	total := big.NewInt(0)
	for rows.Next() {
		var worth string
		if err := rows.Scan(&worth); err != nil {
			return nil, fmt.Errorf("scan volume: %w", err)
		}
		value, ok := new(big.Int).SetString(strings.TrimSpace(worth), 10)
		if !ok {
			return nil, fmt.Errorf("corrupt worth value %q", worth)
		}
		total.Add(total, value)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate volume: %w", err)
	}
	return total, nil
}

// SaveSnapshot stores a serialized engine snapshot and returns its sequence.
func (s *Storage) SaveSnapshot(ctx context.Context, blob []byte, when time.Time) (int64, error) {
	if s == nil {
		return 0, fmt.Errorf("storage not configured")
	}
	if len(blob) == 0 {
		return 0, fmt.Errorf("snapshot blob required")
	}
	result, err := s.db.ExecContext(ctx, `
        INSERT INTO snapshots(blob, created_at) VALUES(?, ?)
    `, blob, when.UTC().Unix())
	if err != nil {
		return 0, fmt.Errorf("insert snapshot: %w", err)
	}
	seq, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("snapshot sequence: %w", err)
	}
	return seq, nil
}

// LatestSnapshot returns the newest stored snapshot blob.
func (s *Storage) LatestSnapshot(ctx context.Context) ([]byte, bool, error) {
	if s == nil {
		return nil, false, fmt.Errorf("storage not configured")
	}
	row := s.db.QueryRowContext(ctx, `
        SELECT blob FROM snapshots ORDER BY seq DESC LIMIT 1
    `)
	var blob []byte
	if err := row.Scan(&blob); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("query snapshot: %w", err)
	}
	return blob, true, nil
}

// ExportTradesCSV streams the full journal as CSV in sequence order.
func (s *Storage) ExportTradesCSV(ctx context.Context, w io.Writer) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	records, err := s.Trades(ctx, 0)
	if err != nil {
		return err
	}
	writer := csv.NewWriter(w)
	header := []string{"seq", "key", "op", "account", "beneficiary", "dev_account", "token", "amount_in", "amount_out", "fee", "worth", "price", "prev_digest", "digest", "created_at"}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, rec := range records {
		row := []string{
			strconv.FormatInt(rec.Seq, 10),
			rec.Key,
			rec.Op,
			rec.Account,
			rec.Beneficiary,
			rec.DevAccount,
			rec.Token,
			rec.AmountIn,
			rec.AmountOut,
			rec.Fee,
			rec.Worth,
			rec.Price,
			rec.PrevDigest,
			rec.Digest,
			rec.CreatedAt.UTC().Format(time.RFC3339),
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}
