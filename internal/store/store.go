package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"taglocator/gateway-server/internal/model"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps the SQLite database connection and schema lifecycle. Every
// table carries a company_id column; tenants share one database and are kept
// apart by that column.
type Store struct {
	db *sql.DB
}

// Open initializes the database connection, creating directories as needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks that the database answers.
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}
	return s.db.PingContext(ctx)
}

// InitSchema ensures baseline tables exist.
func (s *Store) InitSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tenants (
			company_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			location_mode TEXT NOT NULL DEFAULT 'realtime',
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		);`,
		`CREATE TABLE IF NOT EXISTS gateways (
			company_id TEXT NOT NULL REFERENCES tenants(company_id),
			gw_id TEXT NOT NULL,
			name TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
			PRIMARY KEY (company_id, gw_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_gateways_gw ON gateways(gw_id);`,
		`CREATE TABLE IF NOT EXISTS gateway_status (
			company_id TEXT NOT NULL,
			gw_id TEXT NOT NULL,
			hw_version TEXT,
			fw_version TEXT,
			ota_url TEXT,
			ws_url TEXT,
			report_interval INTEGER,
			rssi_filter INTEGER,
			remote_addr TEXT,
			connected INTEGER NOT NULL DEFAULT 0,
			connected_at TEXT,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (company_id, gw_id)
		);`,
		`CREATE TABLE IF NOT EXISTS tags (
			company_id TEXT NOT NULL REFERENCES tenants(company_id),
			tag_id TEXT NOT NULL,
			name TEXT,
			gw_id TEXT,
			owner_updated_at TEXT,
			PRIMARY KEY (company_id, tag_id)
		);`,
		`CREATE TABLE IF NOT EXISTS sensing_samples (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			company_id TEXT NOT NULL,
			tag_id TEXT NOT NULL,
			gw_id TEXT NOT NULL,
			scan_tick INTEGER NOT NULL,
			rssi INTEGER NOT NULL,
			temperature TEXT NOT NULL,
			voltage TEXT NOT NULL,
			raw_adv BLOB,
			sensed_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sensing_tag_time ON sensing_samples(company_id, tag_id, sensed_at);`,
		`CREATE TABLE IF NOT EXISTS rssi_samples (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			company_id TEXT NOT NULL,
			tag_id TEXT NOT NULL,
			gw_id TEXT NOT NULL,
			rssi INTEGER NOT NULL,
			sensed_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_rssi_company_time ON rssi_samples(company_id, sensed_at);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}

	return nil
}

// ListTenants returns every tenant id in creation order.
func (s *Store) ListTenants(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT company_id FROM tenants ORDER BY created_at, company_id;`)
	if err != nil {
		return nil, fmt.Errorf("query tenants: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tenants: %w", err)
	}
	return ids, nil
}

// EnsureTenant creates the tenant if it does not exist yet.
func (s *Store) EnsureTenant(ctx context.Context, companyID, name string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tenants (company_id, name) VALUES (?, ?) ON CONFLICT(company_id) DO NOTHING;`,
		companyID, name)
	if err != nil {
		return fmt.Errorf("ensure tenant: %w", err)
	}
	return nil
}

// LocationMode returns the tenant's configured location mode.
func (s *Store) LocationMode(ctx context.Context, companyID string) (model.LocationMode, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT location_mode FROM tenants WHERE company_id = ?;`, companyID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("location mode %s: %w", companyID, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("get location mode: %w", err)
	}
	return model.ParseLocationMode(raw), nil
}

// SetLocationMode changes the tenant's location mode.
func (s *Store) SetLocationMode(ctx context.Context, companyID string, mode model.LocationMode) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tenants SET location_mode = ? WHERE company_id = ?;`, string(mode), companyID)
	if err != nil {
		return fmt.Errorf("set location mode: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("set location mode %s: %w", companyID, ErrNotFound)
	}
	return nil
}

// GatewayExists reports whether the tenant owns a gateway record for gwID.
func (s *Store) GatewayExists(ctx context.Context, companyID, gwID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM gateways WHERE company_id = ? AND gw_id = ?;`, companyID, gwID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup gateway: %w", err)
	}
	return true, nil
}

// InsertGateway creates a gateway record, leaving an existing one untouched.
func (s *Store) InsertGateway(ctx context.Context, companyID, gwID, name string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO gateways (company_id, gw_id, name) VALUES (?, ?, ?)
		 ON CONFLICT(company_id, gw_id) DO NOTHING;`,
		companyID, gwID, name)
	if err != nil {
		return fmt.Errorf("insert gateway: %w", err)
	}
	return nil
}

// CountGateways returns the number of gateway records in a tenant.
func (s *Store) CountGateways(ctx context.Context, companyID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM gateways WHERE company_id = ?;`, companyID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count gateways: %w", err)
	}
	return n, nil
}

// UpsertGatewayStatus records the live status of a gateway.
func (s *Store) UpsertGatewayStatus(ctx context.Context, companyID string, st model.GatewayStatus) error {
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO gateway_status (company_id, gw_id, hw_version, fw_version, ota_url, ws_url, report_interval, rssi_filter, remote_addr, connected, connected_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(company_id, gw_id)
		 DO UPDATE SET hw_version = excluded.hw_version,
				 fw_version = excluded.fw_version,
				 ota_url = excluded.ota_url,
				 ws_url = excluded.ws_url,
				 report_interval = excluded.report_interval,
				 rssi_filter = excluded.rssi_filter,
				 remote_addr = excluded.remote_addr,
				 connected = excluded.connected,
				 connected_at = excluded.connected_at,
				 updated_at = excluded.updated_at;`,
		companyID,
		st.GatewayID,
		st.HardwareVersion,
		st.FirmwareVersion,
		st.OTAURL,
		st.WSURL,
		int64(st.ReportInterval),
		int(st.RSSIFilter),
		st.RemoteAddr,
		boolInt(st.Connected),
		formatTime(st.ConnectedAt),
		formatTime(st.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert gateway status: %w", err)
	}
	return nil
}

// SetGatewayDisconnected marks a gateway's status row as disconnected.
func (s *Store) SetGatewayDisconnected(ctx context.Context, companyID, gwID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE gateway_status SET connected = 0, updated_at = ? WHERE company_id = ? AND gw_id = ?;`,
		formatTime(at), companyID, gwID)
	if err != nil {
		return fmt.Errorf("set gateway disconnected: %w", err)
	}
	return nil
}

// GatewayStatus returns the status row of a gateway.
func (s *Store) GatewayStatus(ctx context.Context, companyID, gwID string) (model.GatewayStatus, error) {
	var (
		st                         model.GatewayStatus
		interval                   int64
		filter                     int
		connected                  int
		connectedAtStr, updatedStr sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT gw_id, hw_version, fw_version, ota_url, ws_url, report_interval, rssi_filter, remote_addr, connected, connected_at, updated_at
		 FROM gateway_status WHERE company_id = ? AND gw_id = ?;`, companyID, gwID).
		Scan(&st.GatewayID, &st.HardwareVersion, &st.FirmwareVersion, &st.OTAURL, &st.WSURL,
			&interval, &filter, &st.RemoteAddr, &connected, &connectedAtStr, &updatedStr)
	if errors.Is(err, sql.ErrNoRows) {
		return model.GatewayStatus{}, fmt.Errorf("gateway status %s: %w", gwID, ErrNotFound)
	}
	if err != nil {
		return model.GatewayStatus{}, fmt.Errorf("get gateway status: %w", err)
	}

	st.ReportInterval = uint32(interval)
	st.RSSIFilter = int8(filter)
	st.Connected = connected != 0
	st.ConnectedAt = parseTime(connectedAtStr.String)
	st.UpdatedAt = parseTime(updatedStr.String)
	return st, nil
}

// UpsertTag creates or renames a tag record without touching its owner.
func (s *Store) UpsertTag(ctx context.Context, companyID string, tag model.Tag) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tags (company_id, tag_id, name, gw_id) VALUES (?, ?, ?, ?)
		 ON CONFLICT(company_id, tag_id) DO UPDATE SET name = excluded.name;`,
		companyID, tag.TagID, tag.Name, nullString(tag.GatewayID))
	if err != nil {
		return fmt.Errorf("upsert tag: %w", err)
	}
	return nil
}

// LookupTag returns the tag record or ErrNotFound.
func (s *Store) LookupTag(ctx context.Context, companyID, tagID string) (model.Tag, error) {
	var name, gw sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT name, gw_id FROM tags WHERE company_id = ? AND tag_id = ?;`, companyID, tagID).Scan(&name, &gw)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Tag{}, fmt.Errorf("tag %s: %w", tagID, ErrNotFound)
	}
	if err != nil {
		return model.Tag{}, fmt.Errorf("lookup tag: %w", err)
	}
	return model.Tag{TagID: tagID, Name: name.String, GatewayID: gw.String}, nil
}

// UpdateTagOwner assigns the tag to a gateway.
func (s *Store) UpdateTagOwner(ctx context.Context, companyID, tagID, gwID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tags SET gw_id = ?, owner_updated_at = ? WHERE company_id = ? AND tag_id = ?;`,
		gwID, formatTime(time.Now().UTC()), companyID, tagID)
	if err != nil {
		return fmt.Errorf("update tag owner: %w", err)
	}
	return nil
}

// InsertSensingSample persists a calibrated tag sample.
func (s *Store) InsertSensingSample(ctx context.Context, companyID string, sample model.TagSample) error {
	sensedAt := sample.SensedAt
	if sensedAt.IsZero() {
		sensedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sensing_samples (company_id, tag_id, gw_id, scan_tick, rssi, temperature, voltage, raw_adv, sensed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		companyID,
		sample.TagID,
		sample.GatewayID,
		int64(sample.ScanTick),
		sample.RSSI,
		sample.TemperatureC.StringFixed(2),
		sample.VoltageV.StringFixed(2),
		sample.RawAdvertising,
		formatTime(sensedAt),
	)
	if err != nil {
		return fmt.Errorf("insert sensing sample: %w", err)
	}
	return nil
}

// CountSensingSamples returns the number of stored samples for a tag.
func (s *Store) CountSensingSamples(ctx context.Context, companyID, tagID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sensing_samples WHERE company_id = ? AND tag_id = ?;`, companyID, tagID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count sensing samples: %w", err)
	}
	return n, nil
}

// InsertRssiSample appends an accuracy-mode RSSI observation.
func (s *Store) InsertRssiSample(ctx context.Context, companyID string, sample model.RssiWindowSample) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rssi_samples (company_id, tag_id, gw_id, rssi, sensed_at) VALUES (?, ?, ?, ?, ?);`,
		companyID, sample.TagID, sample.GatewayID, sample.RSSI, sample.SensedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert rssi sample: %w", err)
	}
	return nil
}

// AggregateRssi returns the mean RSSI of each (tag, gateway) pair sensed at or
// after since, ordered by when the pair was first observed.
func (s *Store) AggregateRssi(ctx context.Context, companyID string, since time.Time) ([]model.RssiAggregate, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tag_id, gw_id, AVG(rssi), COUNT(*), MIN(id) AS first_id
		 FROM rssi_samples
		 WHERE company_id = ? AND sensed_at >= ?
		 GROUP BY tag_id, gw_id
		 ORDER BY first_id;`,
		companyID, since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("aggregate rssi: %w", err)
	}
	defer rows.Close()

	var out []model.RssiAggregate
	for rows.Next() {
		var (
			agg     model.RssiAggregate
			firstID int64
		)
		if err := rows.Scan(&agg.TagID, &agg.GatewayID, &agg.AvgRSSI, &agg.Samples, &firstID); err != nil {
			return nil, fmt.Errorf("scan rssi aggregate: %w", err)
		}
		out = append(out, agg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rssi aggregates: %w", err)
	}
	return out, nil
}

// DeleteExpiredRssi removes RSSI samples sensed before the cutoff.
func (s *Store) DeleteExpiredRssi(ctx context.Context, companyID string, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM rssi_samples WHERE company_id = ? AND sensed_at < ?;`, companyID, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("delete expired rssi: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func formatTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		t, _ = time.Parse("2006-01-02T15:04:05Z07:00", v)
	}
	return t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
