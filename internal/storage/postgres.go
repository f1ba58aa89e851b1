// internal/storage/postgres.go
// PostgreSQL implementation of the Store interface.
// This implementation is intended for production use with persistent data storage.
package storage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/RegistryAccord/registryaccord-iot-go/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// registryLockKey is the advisory lock every write transaction takes, so that
// registry mutations are applied one at a time like ledger transactions.
const registryLockKey int64 = 0x10752e617

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// postgres provides persistent storage for devices, streams, grants and owner stats.
type postgres struct {
	db *pgxpool.Pool // Connection pool to PostgreSQL database
}

// NewPostgres creates a new PostgreSQL storage implementation.
// It establishes a connection pool to the database and initializes the schema.
func NewPostgres(dsn string) (Store, error) {
	pool, err := OpenPool(dsn)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Initialize database schema
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &postgres{db: pool}, nil
}

// OpenPool parses dsn, applies pool settings and verifies connectivity.
// The ledger shares this helper so both tables live behind the same settings.
func OpenPool(dsn string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid database DSN: %w", err)
	}

	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = time.Minute * 30
	config.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

// initSchema creates all required tables and indexes if they don't already exist.
func initSchema(ctx context.Context, db *pgxpool.Pool) error {
	schema := `
		CREATE TABLE IF NOT EXISTS devices (
		    device_id TEXT PRIMARY KEY,
		    owner TEXT NOT NULL,
		    name TEXT NOT NULL,
		    device_type TEXT NOT NULL,
		    manufacturer TEXT NOT NULL,
		    firmware_version TEXT NOT NULL,
		    location TEXT,
		    status TEXT NOT NULL,
		    verified BOOLEAN NOT NULL DEFAULT FALSE,
		    registered_at BIGINT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_devices_owner ON devices(owner);

		CREATE TABLE IF NOT EXISTS streams (
		    stream_id TEXT PRIMARY KEY,
		    device_id TEXT NOT NULL REFERENCES devices(device_id),
		    stream_type TEXT NOT NULL,
		    description TEXT NOT NULL,
		    data_format TEXT NOT NULL,
		    update_frequency BIGINT NOT NULL,
		    price_per_access BIGINT NOT NULL,
		    requires_verification BOOLEAN NOT NULL,
		    active BOOLEAN NOT NULL DEFAULT TRUE,
		    access_count BIGINT NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_streams_device ON streams(device_id);

		CREATE TABLE IF NOT EXISTS access_grants (
		    subscriber TEXT NOT NULL,
		    stream_id TEXT NOT NULL REFERENCES streams(stream_id),
		    granted_by TEXT NOT NULL,
		    access_type TEXT NOT NULL,
		    payment_status BOOLEAN NOT NULL,
		    granted_at BIGINT NOT NULL,
		    expiry BIGINT NOT NULL,
		    base_fee BIGINT NOT NULL,
		    platform_fee BIGINT NOT NULL,
		    total_fee BIGINT NOT NULL,
		    receipt_id TEXT NOT NULL,
		    PRIMARY KEY (subscriber, stream_id)
		);

		CREATE TABLE IF NOT EXISTS owner_stats (
		    principal TEXT PRIMARY KEY,
		    devices TEXT[] NOT NULL,
		    total_streams BIGINT NOT NULL,
		    reputation_score BIGINT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS global_params (
		    id SMALLINT PRIMARY KEY CHECK (id = 1),
		    contract_owner TEXT NOT NULL,
		    platform_fee_rate_bps BIGINT NOT NULL,
		    min_access_price BIGINT NOT NULL
		);
	`

	_, err := db.Exec(ctx, schema)
	return err
}

// Close closes the database connection pool
func (p *postgres) Close() {
	p.db.Close()
}

func (p *postgres) Ping(ctx context.Context) error {
	return p.db.Ping(ctx)
}

func (p *postgres) GetDevice(ctx context.Context, deviceID string) (*model.Device, error) {
	return getDevice(ctx, p.db, deviceID, false)
}

func (p *postgres) GetStream(ctx context.Context, streamID string) (*model.Stream, error) {
	return getStream(ctx, p.db, streamID)
}

func (p *postgres) GetOwner(ctx context.Context, principal model.Principal) (*model.OwnerStats, error) {
	return getOwner(ctx, p.db, principal)
}

func (p *postgres) GetGrant(ctx context.Context, subscriber model.Principal, streamID string) (*model.AccessGrant, error) {
	return getGrant(ctx, p.db, subscriber, streamID)
}

func (p *postgres) GetParams(ctx context.Context) (*model.GlobalParams, error) {
	return getParams(ctx, p.db)
}

// InitParams inserts the single global_params row unless it already exists.
func (p *postgres) InitParams(ctx context.Context, params model.GlobalParams) error {
	rate, err := toInt64(params.PlatformFeeRateBPS)
	if err != nil {
		return err
	}
	minPrice, err := toInt64(params.MinAccessPrice)
	if err != nil {
		return err
	}
	query := `INSERT INTO global_params (id, contract_owner, platform_fee_rate_bps, min_access_price)
	          VALUES (1, $1, $2, $3) ON CONFLICT (id) DO NOTHING`
	if _, err := p.db.Exec(ctx, query, string(params.ContractOwner), rate, minPrice); err != nil {
		return fmt.Errorf("failed to initialize global params: %w", err)
	}
	return nil
}

// InTx runs fn inside a database transaction that holds the registry advisory lock.
func (p *postgres) InTx(ctx context.Context, fn func(tx Tx) error) error {
	return pgx.BeginFunc(ctx, p.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, registryLockKey); err != nil {
			return fmt.Errorf("failed to acquire registry lock: %w", err)
		}
		return fn(&postgresTx{tx: tx})
	})
}

// Snapshot reads every table inside one repeatable-read transaction.
func (p *postgres) Snapshot(ctx context.Context) (*model.Snapshot, error) {
	snap := &model.Snapshot{}
	err := pgx.BeginTxFunc(ctx, p.db, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}, func(tx pgx.Tx) error {
		params, err := getParams(ctx, tx)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if params != nil {
			snap.Params = *params
		}

		if snap.Devices, err = collect(ctx, tx, `SELECT `+deviceColumns+` FROM devices ORDER BY device_id`, scanDevice); err != nil {
			return err
		}
		if snap.Streams, err = collect(ctx, tx, `SELECT `+streamColumns+` FROM streams ORDER BY stream_id`, scanStream); err != nil {
			return err
		}
		if snap.Grants, err = collect(ctx, tx, `SELECT `+grantColumns+` FROM access_grants ORDER BY subscriber, stream_id`, scanGrant); err != nil {
			return err
		}
		snap.Owners, err = collect(ctx, tx, `SELECT `+ownerColumns+` FROM owner_stats ORDER BY principal`, scanOwner)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot registry: %w", err)
	}
	return snap, nil
}

// postgresTx implements Tx on top of a pgx transaction.
type postgresTx struct {
	tx pgx.Tx
}

func (t *postgresTx) GetDevice(ctx context.Context, deviceID string) (*model.Device, error) {
	return getDevice(ctx, t.tx, deviceID, true)
}

func (t *postgresTx) GetStream(ctx context.Context, streamID string) (*model.Stream, error) {
	return getStream(ctx, t.tx, streamID)
}

func (t *postgresTx) GetOwner(ctx context.Context, principal model.Principal) (*model.OwnerStats, error) {
	return getOwner(ctx, t.tx, principal)
}

func (t *postgresTx) GetGrant(ctx context.Context, subscriber model.Principal, streamID string) (*model.AccessGrant, error) {
	return getGrant(ctx, t.tx, subscriber, streamID)
}

func (t *postgresTx) GetParams(ctx context.Context) (*model.GlobalParams, error) {
	return getParams(ctx, t.tx)
}

// CreateDevice inserts a new device row
func (t *postgresTx) CreateDevice(ctx context.Context, d model.Device) error {
	registeredAt, err := toInt64(d.RegisteredAt)
	if err != nil {
		return err
	}
	query := `INSERT INTO devices (device_id, owner, name, device_type, manufacturer, firmware_version, location, status, verified, registered_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err = t.tx.Exec(ctx, query,
		d.ID,
		string(d.Owner),
		d.Name,
		d.DeviceType,
		d.Manufacturer,
		d.FirmwareVersion,
		d.Location,
		string(d.Status),
		d.Verified,
		registeredAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to create device: %w", err)
	}
	return nil
}

// UpdateDevice updates the mutable device columns; owner is never rewritten
func (t *postgresTx) UpdateDevice(ctx context.Context, d model.Device) error {
	query := `UPDATE devices SET name = $1, device_type = $2, manufacturer = $3, firmware_version = $4,
	          location = $5, status = $6, verified = $7 WHERE device_id = $8`
	tag, err := t.tx.Exec(ctx, query,
		d.Name,
		d.DeviceType,
		d.Manufacturer,
		d.FirmwareVersion,
		d.Location,
		string(d.Status),
		d.Verified,
		d.ID)
	if err != nil {
		return fmt.Errorf("failed to update device: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateStream inserts a new stream row
func (t *postgresTx) CreateStream(ctx context.Context, s model.Stream) error {
	args, err := streamArgs(s)
	if err != nil {
		return err
	}
	query := `INSERT INTO streams (stream_id, device_id, stream_type, description, data_format, update_frequency,
	          price_per_access, requires_verification, active, access_count)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	if _, err := t.tx.Exec(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// UpdateStream rewrites a stream row; device binding is immutable
func (t *postgresTx) UpdateStream(ctx context.Context, s model.Stream) error {
	args, err := streamArgs(s)
	if err != nil {
		return err
	}
	query := `UPDATE streams SET stream_type = $3, description = $4, data_format = $5, update_frequency = $6,
	          price_per_access = $7, requires_verification = $8, active = $9, access_count = $10
	          WHERE stream_id = $1 AND device_id = $2`
	tag, err := t.tx.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update stream: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// PutOwner upserts an owner_stats row
func (t *postgresTx) PutOwner(ctx context.Context, o model.OwnerStats) error {
	total, err := toInt64(o.TotalStreams)
	if err != nil {
		return err
	}
	reputation, err := toInt64(o.ReputationScore)
	if err != nil {
		return err
	}
	devices := o.Devices
	if devices == nil {
		devices = []string{}
	}
	query := `INSERT INTO owner_stats (principal, devices, total_streams, reputation_score)
	          VALUES ($1, $2, $3, $4)
	          ON CONFLICT (principal) DO UPDATE
	          SET devices = $2, total_streams = $3, reputation_score = $4`
	if _, err := t.tx.Exec(ctx, query, string(o.Principal), devices, total, reputation); err != nil {
		return fmt.Errorf("failed to store owner stats: %w", err)
	}
	return nil
}

// PutGrant upserts an access grant, replacing any previous grant for the pair
func (t *postgresTx) PutGrant(ctx context.Context, g model.AccessGrant) error {
	nums := make([]int64, 0, 5)
	for _, v := range []uint64{g.GrantedAt, g.Expiry, g.Fee.BaseFee, g.Fee.PlatformFee, g.Fee.TotalFee} {
		n, err := toInt64(v)
		if err != nil {
			return err
		}
		nums = append(nums, n)
	}
	query := `INSERT INTO access_grants (subscriber, stream_id, granted_by, access_type, payment_status, granted_at,
	          expiry, base_fee, platform_fee, total_fee, receipt_id)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	          ON CONFLICT (subscriber, stream_id) DO UPDATE
	          SET granted_by = $3, access_type = $4, payment_status = $5, granted_at = $6, expiry = $7,
	              base_fee = $8, platform_fee = $9, total_fee = $10, receipt_id = $11`
	_, err := t.tx.Exec(ctx, query,
		string(g.Subscriber),
		g.StreamID,
		string(g.GrantedBy),
		g.AccessType,
		g.PaymentStatus,
		nums[0], nums[1], nums[2], nums[3], nums[4],
		g.ReceiptID)
	if err != nil {
		return fmt.Errorf("failed to store access grant: %w", err)
	}
	return nil
}

// PutParams overwrites the global parameters row
func (t *postgresTx) PutParams(ctx context.Context, params model.GlobalParams) error {
	rate, err := toInt64(params.PlatformFeeRateBPS)
	if err != nil {
		return err
	}
	minPrice, err := toInt64(params.MinAccessPrice)
	if err != nil {
		return err
	}
	query := `INSERT INTO global_params (id, contract_owner, platform_fee_rate_bps, min_access_price)
	          VALUES (1, $1, $2, $3)
	          ON CONFLICT (id) DO UPDATE SET contract_owner = $1, platform_fee_rate_bps = $2, min_access_price = $3`
	if _, err := t.tx.Exec(ctx, query, string(params.ContractOwner), rate, minPrice); err != nil {
		return fmt.Errorf("failed to store global params: %w", err)
	}
	return nil
}

const (
	deviceColumns = `device_id, owner, name, device_type, manufacturer, firmware_version, location, status, verified, registered_at`
	streamColumns = `stream_id, device_id, stream_type, description, data_format, update_frequency, price_per_access,
	                 requires_verification, active, access_count`
	grantColumns = `subscriber, stream_id, granted_by, access_type, payment_status, granted_at, expiry,
	                base_fee, platform_fee, total_fee, receipt_id`
	ownerColumns = `principal, devices, total_streams, reputation_score`
)

func getDevice(ctx context.Context, q querier, id string, forUpdate bool) (*model.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE device_id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	d, err := scanDevice(q.QueryRow(ctx, query, id))
	if err != nil {
		return nil, notFoundOr(err, "failed to get device")
	}
	return &d, nil
}

func getStream(ctx context.Context, q querier, id string) (*model.Stream, error) {
	s, err := scanStream(q.QueryRow(ctx, `SELECT `+streamColumns+` FROM streams WHERE stream_id = $1`, id))
	if err != nil {
		return nil, notFoundOr(err, "failed to get stream")
	}
	return &s, nil
}

func getOwner(ctx context.Context, q querier, principal model.Principal) (*model.OwnerStats, error) {
	o, err := scanOwner(q.QueryRow(ctx, `SELECT `+ownerColumns+` FROM owner_stats WHERE principal = $1`, string(principal)))
	if err != nil {
		return nil, notFoundOr(err, "failed to get owner stats")
	}
	return &o, nil
}

func getGrant(ctx context.Context, q querier, subscriber model.Principal, streamID string) (*model.AccessGrant, error) {
	query := `SELECT ` + grantColumns + ` FROM access_grants WHERE subscriber = $1 AND stream_id = $2`
	g, err := scanGrant(q.QueryRow(ctx, query, string(subscriber), streamID))
	if err != nil {
		return nil, notFoundOr(err, "failed to get access grant")
	}
	return &g, nil
}

func getParams(ctx context.Context, q querier) (*model.GlobalParams, error) {
	var (
		p              model.GlobalParams
		owner          string
		rate, minPrice int64
	)
	query := `SELECT contract_owner, platform_fee_rate_bps, min_access_price FROM global_params WHERE id = 1`
	if err := q.QueryRow(ctx, query).Scan(&owner, &rate, &minPrice); err != nil {
		return nil, notFoundOr(err, "failed to get global params")
	}
	p.ContractOwner = model.Principal(owner)
	p.PlatformFeeRateBPS = uint64(rate)
	p.MinAccessPrice = uint64(minPrice)
	return &p, nil
}

func scanDevice(row pgx.Row) (model.Device, error) {
	var (
		d            model.Device
		owner        string
		status       string
		registeredAt int64
	)
	err := row.Scan(&d.ID, &owner, &d.Name, &d.DeviceType, &d.Manufacturer, &d.FirmwareVersion,
		&d.Location, &status, &d.Verified, &registeredAt)
	d.Owner = model.Principal(owner)
	d.Status = model.DeviceStatus(status)
	d.RegisteredAt = uint64(registeredAt)
	return d, err
}

func scanStream(row pgx.Row) (model.Stream, error) {
	var (
		s                           model.Stream
		frequency, price, accessCnt int64
	)
	err := row.Scan(&s.ID, &s.DeviceID, &s.StreamType, &s.Description, &s.DataFormat, &frequency, &price,
		&s.RequiresVerification, &s.Active, &accessCnt)
	s.UpdateFrequency = uint64(frequency)
	s.PricePerAccess = uint64(price)
	s.AccessCount = uint64(accessCnt)
	return s, err
}

func scanGrant(row pgx.Row) (model.AccessGrant, error) {
	var (
		g                                           model.AccessGrant
		subscriber, grantedBy                       string
		grantedAt, expiry, base, platform, totalFee int64
	)
	err := row.Scan(&subscriber, &g.StreamID, &grantedBy, &g.AccessType, &g.PaymentStatus, &grantedAt, &expiry,
		&base, &platform, &totalFee, &g.ReceiptID)
	g.Subscriber = model.Principal(subscriber)
	g.GrantedBy = model.Principal(grantedBy)
	g.GrantedAt = uint64(grantedAt)
	g.Expiry = uint64(expiry)
	g.Fee = model.Fee{BaseFee: uint64(base), PlatformFee: uint64(platform), TotalFee: uint64(totalFee)}
	return g, err
}

func scanOwner(row pgx.Row) (model.OwnerStats, error) {
	var (
		o                 model.OwnerStats
		principal         string
		total, reputation int64
	)
	err := row.Scan(&principal, &o.Devices, &total, &reputation)
	o.Principal = model.Principal(principal)
	o.TotalStreams = uint64(total)
	o.ReputationScore = uint64(reputation)
	return o, err
}

func collect[T any](ctx context.Context, q querier, query string, scan func(pgx.Row) (T, error)) ([]T, error) {
	rows, err := q.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]T, 0)
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func streamArgs(s model.Stream) ([]any, error) {
	nums := make([]int64, 0, 3)
	for _, v := range []uint64{s.UpdateFrequency, s.PricePerAccess, s.AccessCount} {
		n, err := toInt64(v)
		if err != nil {
			return nil, err
		}
		nums = append(nums, n)
	}
	return []any{s.ID, s.DeviceID, s.StreamType, s.Description, s.DataFormat, nums[0], nums[1],
		s.RequiresVerification, s.Active, nums[2]}, nil
}

// toInt64 guards the BIGINT columns, which cannot hold the top half of uint64.
func toInt64(v uint64) (int64, error) {
	if v > math.MaxInt64 {
		return 0, fmt.Errorf("%w: %d exceeds BIGINT range", ErrOutOfRange, v)
	}
	return int64(v), nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func notFoundOr(err error, msg string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return fmt.Errorf("%s: %w", msg, err)
}
