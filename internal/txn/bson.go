package txn

import "go.mongodb.org/mongo-driver/v2/bson"

// decodeBSON unmarshals a staged document's BSON-encoded value for the
// schema enforcer, which validates against the decoded field map
// rather than raw bytes.
func decodeBSON(data []byte, out *map[string]interface{}) error {
	return bson.Unmarshal(data, out)
}
