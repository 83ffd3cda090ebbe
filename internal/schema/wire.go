// Package schema implements the schema document lifecycle state
// machine and its stable JSON wire format: a DatabaseSchema/
// TableDefinition/IndexSchema JSON bridge, and a validator expressed
// as a tagged union instead of cyclic struct references, with id
// validators resolved lazily by table name.
package schema

import "encoding/json"

// DatabaseSchema is the top-level wire document.
type DatabaseSchema struct {
	Tables           []TableDefinition `json:"tables"`
	SchemaValidation bool              `json:"schemaValidation"`
}

type TableDefinition struct {
	TableName     string               `json:"tableName"`
	Indexes       []IndexSchema        `json:"indexes"`
	SearchIndexes []SearchIndexSchema  `json:"searchIndexes,omitempty"`
	VectorIndexes []VectorIndexSchema  `json:"vectorIndexes,omitempty"`
	DocumentType  *Validator           `json:"documentType,omitempty"`
}

type IndexSchema struct {
	IndexDescriptor string   `json:"indexDescriptor"`
	Fields          []string `json:"fields"`
}

type SearchIndexSchema struct {
	IndexDescriptor string   `json:"indexDescriptor"`
	SearchField     string   `json:"searchField"`
	FilterFields    []string `json:"filterFields"`
}

// VectorIndexSchema accepts the legacy singular `dimension` field on
// input and always emits the plural `dimensions` on output.
type VectorIndexSchema struct {
	IndexDescriptor string   `json:"indexDescriptor"`
	VectorField     string   `json:"vectorField"`
	Dimensions      uint32   `json:"dimensions"`
	FilterFields    []string `json:"filterFields"`
}

type vectorIndexSchemaJSON struct {
	IndexDescriptor string   `json:"indexDescriptor"`
	VectorField     string   `json:"vectorField"`
	Dimensions      *uint32  `json:"dimensions,omitempty"`
	Dimension       *uint32  `json:"dimension,omitempty"`
	FilterFields    []string `json:"filterFields"`
}

func (v *VectorIndexSchema) UnmarshalJSON(data []byte) error {
	var j vectorIndexSchemaJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	v.IndexDescriptor = j.IndexDescriptor
	v.VectorField = j.VectorField
	v.FilterFields = j.FilterFields
	switch {
	case j.Dimensions != nil:
		v.Dimensions = *j.Dimensions
	case j.Dimension != nil:
		v.Dimensions = *j.Dimension
	default:
		return errMissingDimensions
	}
	return nil
}

func (v VectorIndexSchema) MarshalJSON() ([]byte, error) {
	return json.Marshal(vectorIndexSchemaJSON{
		IndexDescriptor: v.IndexDescriptor,
		VectorField:     v.VectorField,
		Dimensions:      &v.Dimensions,
		FilterFields:    v.FilterFields,
	})
}

var errMissingDimensions = &missingDimensionsError{}

type missingDimensionsError struct{}

func (e *missingDimensionsError) Error() string { return "vector index schema is missing a dimensions field" }
