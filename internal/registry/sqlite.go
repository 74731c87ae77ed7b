package registry

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	swerrors "p4switch/internal/errors"
)

//go:embed schema.sql
var schemaSQL string

// SQLiteStore is a [Store] kept in a local SQLite file. Several switch
// processes on one host can share the file; SQLite serialises writers.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens or creates the registry database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("registry directory: %w", err)
		}
	}

	db, err := sql.Open(sqliteDriver, sqliteDSN(path, [][2]string{
		{"journal_mode", "WAL"},
		{"foreign_keys", "1"},
		{"busy_timeout", "5000"},
	}))
	if err != nil {
		return nil, fmt.Errorf("open registry %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate registry %s: %w", path, err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) AddDatapath(ctx context.Context, name string, dpid uint64) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO datapaths (name, dpid) VALUES (?, ?) ON CONFLICT(name) DO NOTHING`,
		name, formatDPID(dpid))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return swerrors.ErrDatapathExists
	}
	return nil
}

func (s *SQLiteStore) DelDatapath(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM datapaths WHERE name = ?`, name)
	return err
}

func (s *SQLiteStore) SetListener(ctx context.Context, name, addr string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE datapaths SET listener = ? WHERE name = ?`, addr, name)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return swerrors.ErrDatapathNotFound
	}
	return err
}

func (s *SQLiteStore) AddPort(ctx context.Context, name, iface string, port uint16) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ports (datapath, port, iface) VALUES (?, ?, ?)
		 ON CONFLICT(datapath, port) DO UPDATE SET iface = excluded.iface`,
		name, int(port), iface)
	if err != nil && isForeignKeyViolation(err) {
		return swerrors.ErrDatapathNotFound
	}
	return err
}

func (s *SQLiteStore) DelPort(ctx context.Context, name string, port uint16) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM ports WHERE datapath = ? AND port = ?`, name, int(port))
	return err
}

func (s *SQLiteStore) Datapath(ctx context.Context, name string) (*Datapath, error) {
	var dpidHex string
	dp := &Datapath{Name: name, Ports: make(map[uint16]string)}
	err := s.db.QueryRowContext(ctx,
		`SELECT dpid, listener FROM datapaths WHERE name = ?`, name).Scan(&dpidHex, &dp.Listener)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, swerrors.ErrDatapathNotFound
	}
	if err != nil {
		return nil, err
	}
	if dp.DPID, err = parseDPID(dpidHex); err != nil {
		return nil, fmt.Errorf("datapath %s: %w", name, err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT port, iface FROM ports WHERE datapath = ?`, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var port int
		var iface string
		if err := rows.Scan(&port, &iface); err != nil {
			return nil, err
		}
		dp.Ports[uint16(port)] = iface
	}
	return dp, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// isForeignKeyViolation matches SQLite's FOREIGN KEY constraint error,
// which modernc.org/sqlite reports only as message text.
func isForeignKeyViolation(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "foreign key constraint failed")
}

var _ Store = (*SQLiteStore)(nil)
