package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"strconv"
	"strings"

	"landprice/internal/geo"
	"landprice/internal/ingest/models"
	"landprice/internal/mlit"
)

// TsuboToM2 converts the traditional area unit; 1 tsubo is about 3.31 m2.
const TsuboToM2 = 3.30579

// SkipReason explains why a record carried no analytical value. Skips are
// counted, not treated as errors.
type SkipReason string

const (
	SkipNone       SkipReason = ""
	SkipIncomplete SkipReason = "incomplete"
)

// Context carries the partition coordinates a raw record was fetched under.
// The upstream row itself does not repeat them.
type Context struct {
	PrefectureCode string
	Year           int
	Quarter        int
}

// Record maps one raw API row into the canonical transaction shape,
// computing derived fields and the dedup hash. A non-empty SkipReason means
// the record should be dropped (and counted); Record never errors, every
// malformed field degrades to nil.
func Record(raw mlit.RawTransaction, ctx Context) (*models.Transaction, SkipReason) {
	tradePrice := parseInt64(raw.TradePrice)
	unitPrice := parseInt64(raw.UnitPrice)
	areaM2 := ParseNumeric(raw.Area)

	// Nothing to analyze without at least one of price, unit price, area.
	if tradePrice == nil && unitPrice == nil && areaM2 == nil {
		return nil, SkipIncomplete
	}

	t := &models.Transaction{
		SourceHash:          SourceHash(raw),
		PriceClassification: priceClassification(raw.PriceCategory),
		PrefectureCode:      ctx.PrefectureCode,
		MunicipalityCode:    municipalityCode(raw.MunicipalityCode),
		MunicipalityName:    raw.Municipality,
		DistrictName:        raw.DistrictName,
		StationCode:         raw.NearestStation,
		PropertyTypeRaw:     raw.Type,
		Structure:           raw.Structure,
		FloorPlan:           raw.FloorPlan,
		TradePrice:          tradePrice,
		AreaM2:              areaM2,
		TotalFloorAreaM2:    ParseNumeric(raw.TotalFloorArea),
		BalconyAreaM2:       ParseNumeric(raw.Balcony),
		BuildingYear:        ParseBuildingYear(raw.BuildingYear),
		LandShape:           raw.LandShape,
		FrontageM:           ParseNumeric(raw.Frontage),
		RoadDirection:       raw.Direction,
		RoadType:            raw.Classification,
		RoadWidthM:          ParseNumeric(raw.Breadth),
		CityPlanning:        raw.CityPlanning,
		CoverageRatio:       parseIntPtr(raw.CoverageRatio),
		FloorAreaRatio:      parseIntPtr(raw.FloorAreaRatio),
		TransactionYear:     ctx.Year,
		TransactionQuarter:  ctx.Quarter,
		TransactionPeriod:   raw.Period,
		Renovation:          raw.Renovation,
		Remarks:             raw.Remarks,
	}

	if id, ok := geo.PropertyTypeID(raw.Type); ok {
		t.PropertyTypeID = &id
	}

	t.UnitPrice = deriveUnitPrice(unitPrice, tradePrice, areaM2)
	if t.UnitPrice != nil {
		tsubo := int64(math.Round(float64(*t.UnitPrice) * TsuboToM2))
		t.TsuboUnitPrice = &tsubo
	}

	t.BuildingAge = deriveBuildingAge(t.BuildingYear, ctx.Year)

	if t.TradePrice != nil {
		t.PriceBucket = PriceBucket(*t.TradePrice)
	}
	if t.AreaM2 != nil {
		t.SizeBucket = SizeBucket(*t.AreaM2)
	}
	if t.BuildingAge != nil {
		t.AgeBucket = AgeBucket(*t.BuildingAge)
	}

	return t, SkipNone
}

// SourceHash derives the dedup key from the fixed ordered set of stable
// source fields. Field order is part of the contract: reprocessing the same
// upstream row must yield the same hash across runs and JSON key orderings.
// Price is deliberately not part of the key, so an upstream price revision
// lands on the existing row as an update instead of creating a near-twin.
func SourceHash(raw mlit.RawTransaction) string {
	key := strings.Join([]string{
		raw.MunicipalityCode,
		raw.DistrictName,
		raw.Area,
		raw.Period,
		raw.BuildingYear,
		raw.Type,
		raw.FloorPlan,
	}, "|")
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])[:32]
}

// ParseNumeric parses an upstream numeric string defensively. Empty or
// non-numeric input becomes nil, not zero; grouping commas are tolerated.
func ParseNumeric(s string) *float64 {
	cleaned := strings.TrimSpace(strings.ReplaceAll(s, ",", ""))
	if cleaned == "" {
		return nil
	}
	f, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return nil
	}
	return &f
}

// ParseBuildingYear handles both western years and Japanese era notation
// (Reiwa/Heisei/Showa), which older records still use. Years outside
// 1900-2100 are rejected as data errors.
func ParseBuildingYear(s string) *int {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if year, err := strconv.Atoi(s); err == nil {
		if year >= 1900 && year <= 2100 {
			return &year
		}
		return nil
	}

	var base int
	switch {
	case strings.Contains(s, "令和") || strings.Contains(s, "Reiwa"):
		base = 2018
	case strings.Contains(s, "平成") || strings.Contains(s, "Heisei"):
		base = 1988
	case strings.Contains(s, "昭和") || strings.Contains(s, "Showa"):
		base = 1925
	default:
		return nil
	}

	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
	n, err := strconv.Atoi(digits)
	if err != nil {
		return nil
	}
	year := base + n
	return &year
}

// PriceBucket classifies a trade price in yen into its fixed range.
func PriceBucket(price int64) string {
	switch {
	case price < 10_000_000:
		return "<10M"
	case price < 20_000_000:
		return "10-20M"
	case price < 30_000_000:
		return "20-30M"
	case price < 50_000_000:
		return "30-50M"
	case price < 80_000_000:
		return "50-80M"
	case price < 100_000_000:
		return "80-100M"
	case price < 200_000_000:
		return "100-200M"
	default:
		return "200M+"
	}
}

// SizeBucket classifies an area in m2 into its fixed range.
func SizeBucket(area float64) string {
	switch {
	case area < 30:
		return "<30"
	case area < 50:
		return "30-50"
	case area < 70:
		return "50-70"
	case area < 100:
		return "70-100"
	case area < 150:
		return "100-150"
	default:
		return "150+"
	}
}

// AgeBucket classifies a building age in years into its fixed range.
func AgeBucket(age int) string {
	switch {
	case age < 5:
		return "<5"
	case age < 10:
		return "5-10"
	case age < 20:
		return "10-20"
	case age < 30:
		return "20-30"
	default:
		return "30+"
	}
}

// deriveUnitPrice prefers a positive upstream unit price, then falls back to
// trade price over area. A non-positive area yields nil, never a division.
func deriveUnitPrice(upstream, tradePrice *int64, areaM2 *float64) *int64 {
	if upstream != nil && *upstream > 0 {
		return upstream
	}
	if tradePrice != nil && areaM2 != nil && *areaM2 > 0 {
		derived := int64(math.Round(float64(*tradePrice) / *areaM2))
		return &derived
	}
	return nil
}

// deriveBuildingAge returns transaction year minus building year, but only
// for plausible years. A negative age is an upstream data error and maps to
// nil rather than being clamped.
func deriveBuildingAge(buildingYear *int, transactionYear int) *int {
	if buildingYear == nil || *buildingYear <= 1900 {
		return nil
	}
	age := transactionYear - *buildingYear
	if age < 0 {
		return nil
	}
	return &age
}

func parseInt64(s string) *int64 {
	f := ParseNumeric(s)
	if f == nil {
		return nil
	}
	n := int64(*f)
	return &n
}

func parseIntPtr(s string) *int {
	f := ParseNumeric(s)
	if f == nil {
		return nil
	}
	n := int(*f)
	return &n
}

func municipalityCode(code string) string {
	if len(code) == 5 {
		return code
	}
	return ""
}

func priceClassification(category string) string {
	if category == "" {
		return "01"
	}
	if len(category) > 2 {
		return category[:2]
	}
	return category
}
