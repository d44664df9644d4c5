package mlit

// RawTransaction mirrors one row of the transaction endpoint response.
// Everything arrives as a string; parsing is the normalizer's job. Values are
// ephemeral: decoded per page and discarded once normalized.
type RawTransaction struct {
	Type             string `json:"Type"`
	PriceCategory    string `json:"PriceCategory"`
	MunicipalityCode string `json:"MunicipalityCode"`
	Municipality     string `json:"Municipality"`
	DistrictName     string `json:"DistrictName"`
	NearestStation   string `json:"Station"`
	TradePrice       string `json:"TradePrice"`
	UnitPrice        string `json:"UnitPrice"`
	Area             string `json:"Area"`
	TotalFloorArea   string `json:"TotalFloorArea"`
	Balcony          string `json:"Balcony"`
	FloorPlan        string `json:"FloorPlan"`
	BuildingYear     string `json:"BuildingYear"`
	Structure        string `json:"Structure"`
	LandShape        string `json:"LandShape"`
	Frontage         string `json:"Frontage"`
	Breadth          string `json:"Breadth"`
	Direction        string `json:"Direction"`
	Classification   string `json:"Classification"`
	CityPlanning     string `json:"CityPlanning"`
	CoverageRatio    string `json:"CoverageRatio"`
	FloorAreaRatio   string `json:"FloorAreaRatio"`
	Period           string `json:"Period"`
	Renovation       string `json:"Renovation"`
	Remarks          string `json:"Remarks"`
}

// Municipality is one row of the municipality list endpoint.
type Municipality struct {
	Code string `json:"id"`
	Name string `json:"name"`
}

// Station is one row of the station list endpoint.
type Station struct {
	Code string `json:"id"`
	Name string `json:"name"`
}

// TransactionParams selects one slice of the transaction endpoint.
type TransactionParams struct {
	Year                int
	Quarter             int    // 0 fetches the whole year
	Area                string // 2-digit prefecture code
	City                string // optional 5-digit municipality code
	Station             string // optional station code
	PriceClassification string // "01" transaction prices, "02" contract prices
	Language            string // "en" or "ja"
}
