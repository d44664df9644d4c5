package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"landprice/internal/geo"
	"landprice/internal/ingest/models"
	"landprice/pkg/platform/sentinel"
)

// PostgresStore implements the store interfaces against the fixed schema the
// dashboard reads from. Materialized views hanging off the transactions
// table are refreshed out-of-band; this store never touches them.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres constructs a PostgreSQL-backed store.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS prefectures (
	code    CHAR(2) PRIMARY KEY,
	name_ja TEXT NOT NULL,
	name_en TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS municipalities (
	code            CHAR(5) PRIMARY KEY,
	prefecture_code CHAR(2) NOT NULL,
	name_ja         TEXT NOT NULL,
	name_en         TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS stations (
	code CHAR(6) PRIMARY KEY,
	name TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS train_lines (
	code TEXT PRIMARY KEY,
	name TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS property_types (
	id    INTEGER PRIMARY KEY,
	label TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS fx_rates (
	currency   CHAR(3) NOT NULL,
	year       INTEGER NOT NULL,
	quarter    INTEGER NOT NULL,
	rate       DOUBLE PRECISION NOT NULL,
	rate_date  DATE NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (currency, year, quarter)
);
CREATE TABLE IF NOT EXISTS transactions (
	id                   BIGSERIAL PRIMARY KEY,
	source_hash          CHAR(32) NOT NULL UNIQUE,
	price_classification CHAR(2) NOT NULL,
	prefecture_code      CHAR(2) NOT NULL,
	municipality_code    CHAR(5),
	district_name        TEXT,
	station_code         TEXT,
	property_type_id     INTEGER,
	property_type_raw    TEXT,
	structure            TEXT,
	floor_plan           TEXT,
	trade_price          BIGINT,
	unit_price           BIGINT,
	tsubo_unit_price     BIGINT,
	area_m2              DOUBLE PRECISION,
	total_floor_area_m2  DOUBLE PRECISION,
	balcony_area_m2      DOUBLE PRECISION,
	building_year        INTEGER,
	building_age         INTEGER,
	land_shape           TEXT,
	frontage_m           DOUBLE PRECISION,
	road_direction       TEXT,
	road_type            TEXT,
	road_width_m         DOUBLE PRECISION,
	city_planning        TEXT,
	coverage_ratio       INTEGER,
	floor_area_ratio     INTEGER,
	transaction_year     INTEGER NOT NULL,
	transaction_quarter  INTEGER,
	transaction_period   TEXT,
	price_bucket         TEXT,
	size_bucket          TEXT,
	age_bucket           TEXT,
	renovation           TEXT,
	remarks              TEXT,
	created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_transactions_prefecture ON transactions(prefecture_code);
CREATE INDEX IF NOT EXISTS idx_transactions_year       ON transactions(transaction_year);
CREATE INDEX IF NOT EXISTS idx_transactions_type       ON transactions(property_type_id);
CREATE INDEX IF NOT EXISTS idx_transactions_muni       ON transactions(municipality_code);`

// Migrate creates the schema when it does not exist yet. Every statement is
// idempotent, so running it on every start is safe.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

var transactionColumns = []string{
	"source_hash", "price_classification", "prefecture_code",
	"municipality_code", "district_name", "station_code",
	"property_type_id", "property_type_raw", "structure", "floor_plan",
	"trade_price", "unit_price", "tsubo_unit_price",
	"area_m2", "total_floor_area_m2", "balcony_area_m2",
	"building_year", "building_age",
	"land_shape", "frontage_m", "road_direction", "road_type", "road_width_m",
	"city_planning", "coverage_ratio", "floor_area_ratio",
	"transaction_year", "transaction_quarter", "transaction_period",
	"price_bucket", "size_bucket", "age_bucket",
	"renovation", "remarks",
}

// Upstream occasionally revises already-published rows, so a source_hash
// conflict refreshes the mutable measures instead of being ignored.
var upsertTransactionsSQL = fmt.Sprintf(`
	INSERT INTO transactions (%s)
	VALUES %%s
	ON CONFLICT (source_hash) DO UPDATE SET
		trade_price         = EXCLUDED.trade_price,
		unit_price          = EXCLUDED.unit_price,
		tsubo_unit_price    = EXCLUDED.tsubo_unit_price,
		area_m2             = EXCLUDED.area_m2,
		total_floor_area_m2 = EXCLUDED.total_floor_area_m2,
		balcony_area_m2     = EXCLUDED.balcony_area_m2,
		building_age        = EXCLUDED.building_age,
		price_bucket        = EXCLUDED.price_bucket,
		size_bucket         = EXCLUDED.size_bucket,
		age_bucket          = EXCLUDED.age_bucket,
		renovation          = EXCLUDED.renovation,
		remarks             = EXCLUDED.remarks,
		updated_at          = NOW()
	RETURNING (xmax = 0) AS inserted`,
	strings.Join(transactionColumns, ", "))

func (s *PostgresStore) UpsertBatch(ctx context.Context, batch []*models.Transaction) (models.LoadResult, error) {
	var result models.LoadResult
	if len(batch) == 0 {
		return result, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("begin batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	placeholders := make([]string, 0, len(batch))
	args := make([]any, 0, len(batch)*len(transactionColumns))
	for i, t := range batch {
		base := i * len(transactionColumns)
		ph := make([]string, len(transactionColumns))
		for j := range transactionColumns {
			ph[j] = fmt.Sprintf("$%d", base+j+1)
		}
		placeholders = append(placeholders, "("+strings.Join(ph, ",")+")")
		args = append(args,
			t.SourceHash, t.PriceClassification, t.PrefectureCode,
			nullString(t.MunicipalityCode), nullString(t.DistrictName), nullString(t.StationCode),
			t.PropertyTypeID, nullString(t.PropertyTypeRaw), nullString(t.Structure), nullString(t.FloorPlan),
			t.TradePrice, t.UnitPrice, t.TsuboUnitPrice,
			t.AreaM2, t.TotalFloorAreaM2, t.BalconyAreaM2,
			t.BuildingYear, t.BuildingAge,
			nullString(t.LandShape), t.FrontageM, nullString(t.RoadDirection),
			nullString(t.RoadType), t.RoadWidthM,
			nullString(t.CityPlanning), t.CoverageRatio, t.FloorAreaRatio,
			t.TransactionYear, t.TransactionQuarter, nullString(t.TransactionPeriod),
			nullString(t.PriceBucket), nullString(t.SizeBucket), nullString(t.AgeBucket),
			nullString(t.Renovation), nullString(t.Remarks),
		)
	}

	query := fmt.Sprintf(upsertTransactionsSQL, strings.Join(placeholders, ","))
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return result, fmt.Errorf("upsert batch: %w", err)
	}
	for rows.Next() {
		var inserted bool
		if err := rows.Scan(&inserted); err != nil {
			rows.Close()
			return result, fmt.Errorf("scan upsert result: %w", err)
		}
		if inserted {
			result.Inserted++
		} else {
			result.Updated++
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return result, fmt.Errorf("upsert batch rows: %w", err)
	}
	rows.Close()

	if err := tx.Commit(); err != nil {
		return models.LoadResult{}, fmt.Errorf("commit batch: %w", err)
	}
	return result, nil
}

func (s *PostgresStore) EnsurePrefecture(ctx context.Context, p geo.Prefecture) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO prefectures (code, name_ja, name_en)
		VALUES ($1, $2, $3)
		ON CONFLICT (code) DO NOTHING`,
		p.Code, p.NameJA, p.NameEN)
	if err != nil {
		return fmt.Errorf("ensure prefecture %s: %w", p.Code, err)
	}
	return nil
}

func (s *PostgresStore) EnsureMunicipality(ctx context.Context, code, prefectureCode, name string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO municipalities (code, prefecture_code, name_ja, name_en)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (code) DO NOTHING`,
		code, prefectureCode, name, name)
	if err != nil {
		return fmt.Errorf("ensure municipality %s: %w", code, err)
	}
	return nil
}

func (s *PostgresStore) EnsureStation(ctx context.Context, code, name string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stations (code, name)
		VALUES ($1, $2)
		ON CONFLICT (code) DO NOTHING`,
		code, name)
	if err != nil {
		return fmt.Errorf("ensure station %s: %w", code, err)
	}
	return nil
}

func (s *PostgresStore) EnsurePropertyType(ctx context.Context, id int, label string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO property_types (id, label)
		VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING`,
		id, label)
	if err != nil {
		return fmt.Errorf("ensure property type %d: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) FindRate(ctx context.Context, currency string, year, quarter int) (*models.FXRate, error) {
	rate := models.FXRate{Currency: currency, Year: year, Quarter: quarter}
	err := s.db.QueryRowContext(ctx, `
		SELECT rate, rate_date FROM fx_rates
		WHERE currency = $1 AND year = $2 AND quarter = $3`,
		currency, year, quarter).Scan(&rate.Rate, &rate.RateDate)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find fx rate %s %d Q%d: %w", currency, year, quarter, err)
	}
	return &rate, nil
}

func (s *PostgresStore) UpsertRate(ctx context.Context, rate models.FXRate) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fx_rates (currency, year, quarter, rate, rate_date)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (currency, year, quarter)
		DO UPDATE SET rate = EXCLUDED.rate, rate_date = EXCLUDED.rate_date, updated_at = NOW()`,
		rate.Currency, rate.Year, rate.Quarter, rate.Rate, rate.RateDate)
	if err != nil {
		return fmt.Errorf("upsert fx rate %s %d Q%d: %w", rate.Currency, rate.Year, rate.Quarter, err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
