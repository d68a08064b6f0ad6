package directory

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/helixvpn/connect/internal/model"
)

// Store is the SQLite-backed server directory. It implements [Directory]
// and additionally accepts writes from the sync layer.
type Store struct {
	db *sql.DB
}

var _ Directory = &Store{}

// Open creates or opens the directory database at path. Use ":memory:"
// for an ephemeral directory.
func Open(path string) (*Store, error) {
	// Per-connection PRAGMAs go into the DSN so every pooled
	// connection gets them.
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	dsn := path + sep + "_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite setup: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS servers (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	entry_country TEXT NOT NULL,
	exit_country TEXT NOT NULL,
	city TEXT NOT NULL DEFAULT '',
	tier INTEGER NOT NULL DEFAULT 0,
	features INTEGER NOT NULL DEFAULT 0,
	entry_ip TEXT NOT NULL,
	load INTEGER NOT NULL DEFAULT 0,
	status INTEGER NOT NULL DEFAULT 1,
	protocols INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_servers_exit_country ON servers(exit_country);
CREATE TABLE IF NOT EXISTS endpoint_overrides (
	server_id TEXT NOT NULL REFERENCES servers(id) ON DELETE CASCADE,
	transport INTEGER NOT NULL,
	ip TEXT NOT NULL DEFAULT '',
	ports TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (server_id, transport)
);`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Upsert inserts or replaces the given records. Only the sync layer
// calls this; the connection core treats the directory as read-only.
func (s *Store) Upsert(ctx context.Context, records []model.ServerRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, rec := range records {
		status := 1
		if rec.UnderMaintenance {
			status = 0
		}
		_, err := tx.ExecContext(ctx, `
INSERT INTO servers (id, name, entry_country, exit_country, city, tier, features, entry_ip, load, status, protocols)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	name=excluded.name, entry_country=excluded.entry_country,
	exit_country=excluded.exit_country, city=excluded.city,
	tier=excluded.tier, features=excluded.features,
	entry_ip=excluded.entry_ip, load=excluded.load,
	status=excluded.status, protocols=excluded.protocols`,
			rec.ID, rec.Name, rec.EntryCountry, rec.ExitCountry, rec.City,
			rec.Tier, int64(rec.Features), rec.EntryIP, rec.Load, status,
			int64(rec.Supported))
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM endpoint_overrides WHERE server_id = ?", rec.ID); err != nil {
			return err
		}
		for transport, override := range rec.Overrides {
			if _, err := tx.ExecContext(ctx, `
INSERT INTO endpoint_overrides (server_id, transport, ip, ports)
VALUES (?, ?, ?, ?)`,
				rec.ID, int(transport), override.IP, joinPorts(override.Ports)); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

// SetMaintenance flips the maintenance flag of a single server.
func (s *Store) SetMaintenance(ctx context.Context, id string, underMaintenance bool) error {
	status := 1
	if underMaintenance {
		status = 0
	}
	_, err := s.db.ExecContext(ctx, "UPDATE servers SET status = ? WHERE id = ?", status, id)
	return err
}

// Query implements [Directory].
func (s *Store) Query(ctx context.Context, filters *Filters, order Ordering) ([]model.ServerRecord, error) {
	if filters == nil {
		filters = &Filters{}
	}
	var (
		where []string
		args  []any
	)
	if filters.ExitCountry != "" {
		where = append(where, "exit_country = ?")
		args = append(args, filters.ExitCountry)
	}
	if filters.EntryCountry != "" {
		where = append(where, "entry_country = ?")
		args = append(args, filters.EntryCountry)
	}
	if filters.City != "" {
		where = append(where, "city = ?")
		args = append(args, filters.City)
	}
	if filters.Name != "" {
		where = append(where, "name = ?")
		args = append(args, filters.Name)
	}
	if !filters.MaxTier.IsNone() {
		where = append(where, "tier <= ?")
		args = append(args, filters.MaxTier.Unwrap())
	}
	if filters.RequiredFeatures != 0 {
		// compare against the required mask rather than > 0 since an
		// intent may require no features at all
		where = append(where, "(features & ?) = ?")
		args = append(args, int64(filters.RequiredFeatures), int64(filters.RequiredFeatures))
	}
	if filters.ExcludedFeatures != 0 {
		where = append(where, "(features & ?) = 0")
		args = append(args, int64(filters.ExcludedFeatures))
	}
	if filters.NotUnderMaintenance {
		where = append(where, "status != 0")
	}
	if filters.SupportsAny != 0 {
		where = append(where, "(protocols & ?) != 0")
		args = append(args, int64(filters.SupportsAny))
	}

	query := "SELECT id, name, entry_country, exit_country, city, tier, features, entry_ip, load, status, protocols FROM servers"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	switch order {
	case OrderByLoad:
		query += " ORDER BY load ASC, id ASC"
	case OrderByID:
		query += " ORDER BY id ASC"
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []model.ServerRecord
	for rows.Next() {
		var (
			rec       model.ServerRecord
			features  int64
			status    int
			protocols int64
		)
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.EntryCountry, &rec.ExitCountry,
			&rec.City, &rec.Tier, &features, &rec.EntryIP, &rec.Load,
			&status, &protocols); err != nil {
			return nil, err
		}
		rec.Features = model.Feature(features)
		rec.UnderMaintenance = status == 0
		rec.Supported = model.TransportMask(protocols)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range records {
		overrides, err := s.loadOverrides(ctx, records[i].ID)
		if err != nil {
			return nil, err
		}
		records[i].Overrides = overrides
	}
	return records, nil
}

// IsEmpty implements [Directory].
func (s *Store) IsEmpty(ctx context.Context) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM servers").Scan(&count)
	return count == 0, err
}

func (s *Store) loadOverrides(ctx context.Context, serverID string) (map[model.Transport]*model.EndpointOverride, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT transport, ip, ports FROM endpoint_overrides WHERE server_id = ?", serverID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var overrides map[model.Transport]*model.EndpointOverride
	for rows.Next() {
		var (
			transport int
			ip        string
			ports     string
		)
		if err := rows.Scan(&transport, &ip, &ports); err != nil {
			return nil, err
		}
		if overrides == nil {
			overrides = make(map[model.Transport]*model.EndpointOverride)
		}
		overrides[model.Transport(transport)] = &model.EndpointOverride{
			IP:    ip,
			Ports: splitPorts(ports),
		}
	}
	return overrides, rows.Err()
}

func joinPorts(ports []int) string {
	parts := make([]string, 0, len(ports))
	for _, p := range ports {
		parts = append(parts, strconv.Itoa(p))
	}
	return strings.Join(parts, ",")
}

func splitPorts(s string) []int {
	if s == "" {
		return nil
	}
	var ports []int
	for _, part := range strings.Split(s, ",") {
		p, err := strconv.Atoi(part)
		if err == nil {
			ports = append(ports, p)
		}
	}
	return ports
}
