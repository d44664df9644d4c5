package geo

// Property-type labels as the upstream API emits them in English responses.
// The API is not consistent between endpoints, hence the duplicate spellings.
var propertyTypeIDs = map[string]int{
	"Pre-owned Condominiums":              1,
	"Pre-owned Condominiums, etc.":        1,
	"Residential Land":                    2,
	"Residential Land(Land Only)":         2,
	"Residential Land and Building":       3,
	"Residential Land(Land and Building)": 3,
	"Agricultural Land":                   4,
	"Forest Land":                         5,
	"Pre-owned House":                     6,
	"Office":                              7,
	"Shop":                                8,
	"Warehouse":                           9,
	"Factory":                             10,
}

// PropertyTypeID maps a raw upstream property-type label to its dimension
// row id. Unknown labels return (0, false); the raw label is still stored.
func PropertyTypeID(raw string) (int, bool) {
	id, ok := propertyTypeIDs[raw]
	return id, ok
}
