package models

import (
	"fmt"
	"time"
)

// Transaction is the canonical, store-ready representation of one upstream
// record. Nullable numerics are pointers: a nil field means the upstream
// value was missing or unparseable, never zero.
type Transaction struct {
	SourceHash string

	PriceClassification string
	PrefectureCode      string
	MunicipalityCode    string // empty when the upstream code is malformed
	MunicipalityName    string
	DistrictName        string
	StationCode         string

	PropertyTypeID  *int
	PropertyTypeRaw string
	Structure       string
	FloorPlan       string

	TradePrice     *int64
	UnitPrice      *int64 // price per m2
	TsuboUnitPrice *int64 // price per tsubo

	AreaM2           *float64
	TotalFloorAreaM2 *float64
	BalconyAreaM2    *float64

	BuildingYear *int
	BuildingAge  *int

	LandShape      string
	FrontageM      *float64
	RoadDirection  string
	RoadType       string
	RoadWidthM     *float64
	CityPlanning   string
	CoverageRatio  *int
	FloorAreaRatio *int

	TransactionYear    int
	TransactionQuarter int
	TransactionPeriod  string

	PriceBucket string // empty when trade price is nil
	SizeBucket  string // empty when area is nil
	AgeBucket   string // empty when building age is nil

	Renovation string
	Remarks    string
}

// Partition is one (prefecture, year, quarter) unit of ingestion work.
type Partition struct {
	PrefectureCode string
	Year           int
	Quarter        int
}

func (p Partition) String() string {
	return fmt.Sprintf("%s/%dQ%d", p.PrefectureCode, p.Year, p.Quarter)
}

// PartitionStatus tracks a partition through the run state machine.
type PartitionStatus string

const (
	StatusPending     PartitionStatus = "pending"
	StatusFetching    PartitionStatus = "fetching"
	StatusNormalizing PartitionStatus = "normalizing"
	StatusLoading     PartitionStatus = "loading"
	StatusDone        PartitionStatus = "done"
	StatusFailed      PartitionStatus = "failed"
)

// PartitionResult is the outcome of one partition's fetch-normalize-load.
type PartitionResult struct {
	Partition Partition
	Status    PartitionStatus
	Fetched   int
	Inserted  int
	Updated   int
	Skipped   int
	Err       error
}

// LoadResult aggregates one batch-load call.
type LoadResult struct {
	Inserted int
	Updated  int
}

// RunReport is the final aggregation handed back to the CLI.
type RunReport struct {
	RunID      string
	Mode       string
	StartedAt  time.Time
	FinishedAt time.Time

	Attempted int
	Succeeded int
	Failed    int

	RecordsFetched  int
	RecordsInserted int
	RecordsUpdated  int
	RecordsSkipped  int

	FailedPartitions []PartitionResult
}

// PartialFailure reports whether the run finished but left partitions behind.
// The CLI maps this to a distinct exit code so a targeted re-run can follow.
func (r *RunReport) PartialFailure() bool {
	return r.Failed > 0
}

// ReferenceKind identifies which dimension table a code belongs to.
type ReferenceKind string

const (
	RefPrefecture   ReferenceKind = "prefecture"
	RefMunicipality ReferenceKind = "municipality"
	RefStation      ReferenceKind = "station"
	RefPropertyType ReferenceKind = "property_type"
)

// ReferenceEntity is a minimal dimension row: code plus raw name. Enrichment
// happens elsewhere; ingestion only guarantees existence.
type ReferenceEntity struct {
	Kind           ReferenceKind
	Code           string
	Name           string
	PrefectureCode string // set for municipalities and stations
}

// FXRate is one quarterly JPY conversion rate.
type FXRate struct {
	Currency string
	Year     int
	Quarter  int
	Rate     float64
	RateDate time.Time
}
