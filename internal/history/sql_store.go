package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite" // registers "sqlite"
	_ "github.com/lib/pq"             // registers "postgres"

	"github.com/mbd888/txfeatures/internal/txn"
)

// Dialect selects the SQL flavour a SQLStore speaks.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

func (d Dialect) validate() error {
	switch d {
	case DialectPostgres, DialectSQLite:
		return nil
	}
	return fmt.Errorf("unsupported sql dialect %q", string(d))
}

func (d Dialect) driverName() string {
	return string(d)
}

func (d Dialect) gooseDialect() string {
	if d == DialectSQLite {
		return "sqlite3"
	}
	return "postgres"
}

// OpenSQL opens and pings a database for the given dialect. SQLite databases
// are limited to one connection because the file has a single writer.
func OpenSQL(ctx context.Context, d Dialect, dsn string) (*sql.DB, error) {
	if err := d.validate(); err != nil {
		return nil, err
	}
	db, err := sql.Open(d.driverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", d, err)
	}

	if d == DialectSQLite {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s database: %w", d, err)
	}
	return db, nil
}

// SQLiteDSN builds a DSN for a database file with WAL journaling and a busy
// timeout.
func SQLiteDSN(path string) string {
	return "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

// SQLStore persists histories in a relational table indexed by
// (entity, ts, seq). The external transaction id is unique, so a repeated
// commit of the same transaction returns the original sequence number.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect

	insertSQL string
	windowSQL string
	lastSQL   string
	matchSQL  map[Field]string
	byTxnSQL  string
}

// Compile-time check.
var _ Store = (*SQLStore)(nil)

const eventColumns = `seq, txn_id, entity, ts, amount, lat, lon, merch_lat, merch_lon,
	merchant, category, trans_date, trans_time, dob, gender, city_pop`

// NewSQLStore wraps an open database. Run Migrate first.
func NewSQLStore(db *sql.DB, d Dialect) (*SQLStore, error) {
	if err := d.validate(); err != nil {
		return nil, err
	}
	s := &SQLStore{db: db, dialect: d}
	s.insertSQL = s.rebind(`
		INSERT INTO history_events (txn_id, entity, ts, amount, lat, lon, merch_lat, merch_lon,
			merchant, category, trans_date, trans_time, dob, gender, city_pop)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (txn_id) DO NOTHING
		RETURNING seq`)
	s.windowSQL = s.rebind(`
		SELECT ` + eventColumns + `
		FROM history_events
		WHERE entity = ? AND ts >= ? AND ts < ?
		ORDER BY ts, seq`)
	s.lastSQL = s.rebind(`
		SELECT ` + eventColumns + `
		FROM history_events
		WHERE entity = ? AND ts < ?
		ORDER BY ts DESC, seq DESC
		LIMIT 1`)
	s.matchSQL = map[Field]string{
		FieldMerchant: s.rebind(`
			SELECT ` + eventColumns + `
			FROM history_events
			WHERE entity = ? AND merchant = ? AND ts < ?
			ORDER BY ts DESC, seq DESC
			LIMIT 1`),
		FieldCategory: s.rebind(`
			SELECT ` + eventColumns + `
			FROM history_events
			WHERE entity = ? AND category = ? AND ts < ?
			ORDER BY ts DESC, seq DESC
			LIMIT 1`),
	}
	s.byTxnSQL = s.rebind(`SELECT seq FROM history_events WHERE txn_id = ?`)
	return s, nil
}

func (s *SQLStore) Insert(ctx context.Context, ev txn.Event) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, s.insertSQL,
		nullString(ev.TxnID),
		ev.Entity,
		ev.Timestamp,
		ev.Amount,
		ev.Lat,
		ev.Long,
		ev.MerchLat,
		ev.MerchLong,
		nullString(ev.Merchant),
		nullString(ev.Category),
		nullString(ev.TransDate),
		nullString(ev.TransTime),
		nullString(ev.DOB),
		nullString(ev.Gender),
		ev.CityPop,
	).Scan(&seq)
	if err == nil {
		return seq, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fault(ctx, "insert event", err)
	}

	// Conflict on txn_id: the transaction is already part of history.
	if err := s.db.QueryRowContext(ctx, s.byTxnSQL, ev.TxnID).Scan(&seq); err != nil {
		return 0, fault(ctx, "lookup duplicate "+ev.TxnID, err)
	}
	return seq, nil
}

func (s *SQLStore) QueryWindow(ctx context.Context, entity string, asOf int64, window time.Duration) ([]Entry, error) {
	lo, hi, ok := windowBounds(asOf, window)
	if !ok {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, s.windowSQL, entity, lo, hi)
	if err != nil {
		return nil, fault(ctx, "query window", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fault(ctx, "scan event", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fault(ctx, "query window", err)
	}
	return out, nil
}

func (s *SQLStore) LastBefore(ctx context.Context, entity string, asOf int64) (Entry, bool, error) {
	return s.queryOne(ctx, s.lastSQL, entity, asOf)
}

func (s *SQLStore) LastMatchingBefore(ctx context.Context, entity string, asOf int64, p Predicate) (Entry, bool, error) {
	query, ok := s.matchSQL[p.Field]
	if !ok || p.Value == "" {
		return Entry{}, false, nil
	}
	return s.queryOne(ctx, query, entity, p.Value, asOf)
}

// Ping checks database connectivity.
func (s *SQLStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fault(ctx, "ping", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// DB exposes the connection pool for stats collection.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

func (s *SQLStore) queryOne(ctx context.Context, query string, args ...any) (Entry, bool, error) {
	e, err := scanEntry(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fault(ctx, "query last event", err)
	}
	return e, true, nil
}

// rebind rewrites ? placeholders as $n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var (
		e                                 Entry
		txnID, merchant, category         sql.NullString
		transDate, transTime, dob, gender sql.NullString
	)
	err := row.Scan(
		&e.Seq,
		&txnID,
		&e.Event.Entity,
		&e.Event.Timestamp,
		&e.Event.Amount,
		&e.Event.Lat,
		&e.Event.Long,
		&e.Event.MerchLat,
		&e.Event.MerchLong,
		&merchant,
		&category,
		&transDate,
		&transTime,
		&dob,
		&gender,
		&e.Event.CityPop,
	)
	if err != nil {
		return Entry{}, err
	}
	e.Event.TxnID = txnID.String
	e.Event.Merchant = merchant.String
	e.Event.Category = category.String
	e.Event.TransDate = transDate.String
	e.Event.TransTime = transTime.String
	e.Event.DOB = dob.String
	e.Event.Gender = gender.String
	return e, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
