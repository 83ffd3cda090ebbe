package schema

import (
	"encoding/json"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/tessera-db/coredb/internal/errs"
)

// normalize maps the driver's named BSON container types (bson.A,
// bson.D, bson.M) onto the plain []interface{} / map[string]interface{}
// shapes Validate type-switches on, since a type assertion does not
// see through a named type to its underlying one.
func normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case bson.A:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = normalize(e)
		}
		return out
	case bson.D:
		out := make(map[string]interface{}, len(t))
		for _, e := range t {
			out[e.Key] = normalize(e.Value)
		}
		return out
	case bson.M:
		out := make(map[string]interface{}, len(t))
		for k, e := range t {
			out[k] = normalize(e)
		}
		return out
	default:
		return v
	}
}

// ValidatorTag is one of the stable union tags a Validator can carry.
type ValidatorTag string

const (
	TagNull    ValidatorTag = "null"
	TagNumber  ValidatorTag = "number"
	TagBigint  ValidatorTag = "bigint"
	TagBoolean ValidatorTag = "boolean"
	TagString  ValidatorTag = "string"
	TagBytes   ValidatorTag = "bytes"
	TagAny     ValidatorTag = "any"
	TagLiteral ValidatorTag = "literal"
	TagId      ValidatorTag = "id"
	TagArray   ValidatorTag = "array"
	TagSet     ValidatorTag = "set"
	TagMap     ValidatorTag = "map"
	TagRecord  ValidatorTag = "record"
	TagObject  ValidatorTag = "object"
	TagUnion   ValidatorTag = "union"
)

// FieldValidator pairs a Validator with the optionality of the field
// that carries it.
type FieldValidator struct {
	Validator *Validator
	Optional  bool
}

// Validator is a tagged sum over the validator variants, avoiding
// cyclic struct references: an `id` validator holds only a table
// *name*, resolved lazily by a TableResolver at validate time rather
// than an eager pointer into another table's schema graph.
type Validator struct {
	Tag ValidatorTag

	Literal interface{} // TagLiteral
	Table   string      // TagId

	Element *Validator // TagArray, TagSet

	MapKey   *Validator // TagMap
	MapValue *Validator // TagMap

	RecordKeys   *Validator // TagRecord: key validator (must itself be string/id-like)
	RecordValues FieldValidator

	Fields map[string]FieldValidator // TagObject

	Union []*Validator // TagUnion
}

// TableResolver answers whether a table name exists, for lazily
// resolving `id` validators at write time instead of holding a cyclic
// pointer into the schema graph.
type TableResolver func(tableName string) bool

// Validate checks value against the validator. path is used only for
// error messages.
func (v *Validator) Validate(value interface{}, resolve TableResolver, path string) error {
	value = normalize(value)
	if value == nil {
		if v.Tag == TagNull || v.Tag == TagAny {
			return nil
		}
		return mismatch(path, v.Tag, "null")
	}
	switch v.Tag {
	case TagAny:
		return nil
	case TagNull:
		return mismatch(path, v.Tag, describe(value))
	case TagNumber:
		if _, ok := value.(float64); ok {
			return nil
		}
		return mismatch(path, v.Tag, describe(value))
	case TagBigint:
		switch value.(type) {
		case int64, int32, int:
			return nil
		}
		return mismatch(path, v.Tag, describe(value))
	case TagBoolean:
		if _, ok := value.(bool); ok {
			return nil
		}
		return mismatch(path, v.Tag, describe(value))
	case TagString:
		if _, ok := value.(string); ok {
			return nil
		}
		return mismatch(path, v.Tag, describe(value))
	case TagBytes:
		if _, ok := value.([]byte); ok {
			return nil
		}
		return mismatch(path, v.Tag, describe(value))
	case TagLiteral:
		if value == v.Literal {
			return nil
		}
		return &errs.SchemaEnforcement{TableName: path, Reason: fmt.Sprintf("expected literal %v, got %v", v.Literal, value)}
	case TagId:
		s, ok := value.(string)
		if !ok {
			return mismatch(path, v.Tag, describe(value))
		}
		if resolve != nil && !resolve(v.Table) {
			return &errs.SchemaEnforcement{TableName: path, Reason: fmt.Sprintf("id references unknown table %q", v.Table)}
		}
		_ = s
		return nil
	case TagArray, TagSet:
		items, ok := value.([]interface{})
		if !ok {
			return mismatch(path, v.Tag, describe(value))
		}
		for i, item := range items {
			if err := v.Element.Validate(item, resolve, fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
		return nil
	case TagMap:
		m, ok := value.(map[string]interface{})
		if !ok {
			return mismatch(path, v.Tag, describe(value))
		}
		for k, val := range m {
			if v.MapKey != nil {
				if err := v.MapKey.Validate(k, resolve, path+".<key>"); err != nil {
					return err
				}
			}
			if err := v.MapValue.Validate(val, resolve, path+"."+k); err != nil {
				return err
			}
		}
		return nil
	case TagRecord:
		m, ok := value.(map[string]interface{})
		if !ok {
			return mismatch(path, v.Tag, describe(value))
		}
		if !v.RecordValues.Optional {
			return &errs.SchemaEnforcement{TableName: path, Reason: "record value validator must be optional"}
		}
		for k, val := range m {
			if err := v.RecordValues.Validator.Validate(val, resolve, path+"."+k); err != nil {
				return err
			}
		}
		return nil
	case TagObject:
		m, ok := value.(map[string]interface{})
		if !ok {
			return mismatch(path, v.Tag, describe(value))
		}
		for name, fv := range v.Fields {
			val, present := m[name]
			if !present {
				if !fv.Optional {
					return &errs.SchemaEnforcement{TableName: path, Reason: fmt.Sprintf("missing required field %q", name)}
				}
				continue
			}
			if err := fv.Validator.Validate(val, resolve, path+"."+name); err != nil {
				return err
			}
		}
		return nil
	case TagUnion:
		var lastErr error
		for _, variant := range v.Union {
			if err := variant.Validate(value, resolve, path); err == nil {
				return nil
			} else {
				lastErr = err
			}
		}
		if lastErr == nil {
			lastErr = &errs.SchemaEnforcement{TableName: path, Reason: "union validator had no variants"}
		}
		return lastErr
	default:
		return &errs.SchemaEnforcement{TableName: path, Reason: fmt.Sprintf("unknown validator tag %q", v.Tag)}
	}
}

func mismatch(path string, tag ValidatorTag, got string) error {
	return &errs.SchemaEnforcement{TableName: path, Reason: fmt.Sprintf("expected %s, got %s", tag, got)}
}

func describe(value interface{}) string {
	return fmt.Sprintf("%T", value)
}

// --- JSON wire encoding ---

type validatorJSON struct {
	Type    ValidatorTag               `json:"type"`
	Value   json.RawMessage            `json:"value,omitempty"`
	TableName string                   `json:"tableName,omitempty"`
	Keys    json.RawMessage            `json:"keys,omitempty"`
	Values  json.RawMessage            `json:"values,omitempty"`
	Fields  map[string]fieldValidatorJSON `json:"fields,omitempty"`
}

type fieldValidatorJSON struct {
	FieldType json.RawMessage `json:"fieldType"`
	Optional  bool            `json:"optional"`
}

func (v Validator) MarshalJSON() ([]byte, error) {
	w := validatorJSON{Type: v.Tag}
	switch v.Tag {
	case TagLiteral:
		b, err := json.Marshal(v.Literal)
		if err != nil {
			return nil, err
		}
		w.Value = b
	case TagId:
		w.TableName = v.Table
	case TagArray, TagSet:
		b, err := json.Marshal(v.Element)
		if err != nil {
			return nil, err
		}
		w.Value = b
	case TagMap:
		kb, err := json.Marshal(v.MapKey)
		if err != nil {
			return nil, err
		}
		vb, err := json.Marshal(v.MapValue)
		if err != nil {
			return nil, err
		}
		w.Keys, w.Values = kb, vb
	case TagRecord:
		kb, err := json.Marshal(v.RecordKeys)
		if err != nil {
			return nil, err
		}
		vb, err := json.Marshal(fieldValidatorJSON{mustRaw(v.RecordValues.Validator), v.RecordValues.Optional})
		if err != nil {
			return nil, err
		}
		w.Keys, w.Values = kb, vb
	case TagObject:
		w.Fields = make(map[string]fieldValidatorJSON, len(v.Fields))
		for name, fv := range v.Fields {
			w.Fields[name] = fieldValidatorJSON{mustRaw(fv.Validator), fv.Optional}
		}
	case TagUnion:
		b, err := json.Marshal(v.Union)
		if err != nil {
			return nil, err
		}
		w.Value = b
	}
	return json.Marshal(w)
}

func mustRaw(v *Validator) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return b
}

func (v *Validator) UnmarshalJSON(data []byte) error {
	var w validatorJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	v.Tag = w.Type
	switch w.Type {
	case TagLiteral:
		return json.Unmarshal(w.Value, &v.Literal)
	case TagId:
		v.Table = w.TableName
	case TagArray, TagSet:
		v.Element = new(Validator)
		return json.Unmarshal(w.Value, v.Element)
	case TagMap:
		v.MapKey, v.MapValue = new(Validator), new(Validator)
		if err := json.Unmarshal(w.Keys, v.MapKey); err != nil {
			return err
		}
		return json.Unmarshal(w.Values, v.MapValue)
	case TagRecord:
		v.RecordKeys = new(Validator)
		if err := json.Unmarshal(w.Keys, v.RecordKeys); err != nil {
			return err
		}
		var fv fieldValidatorJSON
		if err := json.Unmarshal(w.Values, &fv); err != nil {
			return err
		}
		val := new(Validator)
		if err := json.Unmarshal(fv.FieldType, val); err != nil {
			return err
		}
		v.RecordValues = FieldValidator{Validator: val, Optional: fv.Optional}
	case TagObject:
		v.Fields = make(map[string]FieldValidator, len(w.Fields))
		for name, fvj := range w.Fields {
			val := new(Validator)
			if err := json.Unmarshal(fvj.FieldType, val); err != nil {
				return err
			}
			v.Fields[name] = FieldValidator{Validator: val, Optional: fvj.Optional}
		}
	case TagUnion:
		return json.Unmarshal(w.Value, &v.Union)
	}
	return nil
}
