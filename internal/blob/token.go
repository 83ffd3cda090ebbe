package blob

import (
	"encoding/json"

	"github.com/tessera-db/coredb/internal/errs"
)

// UploadToken is the opaque handle a client-driven upload hands back
// to its caller between start/uploadPart/finish calls. It encodes the
// object key and upload id as a JSON string so the caller never has to
// understand (or be trusted with) the Store's own addressing scheme.
type UploadToken string

type uploadTokenBody struct {
	ObjectKey ObjectKey `json:"objectKey"`
	UploadId  UploadId  `json:"uploadId"`
}

func encodeUploadToken(key ObjectKey, uploadId UploadId) (UploadToken, error) {
	b, err := json.Marshal(uploadTokenBody{ObjectKey: key, UploadId: uploadId})
	if err != nil {
		return "", errs.Wrap(err, "encode upload token")
	}
	return UploadToken(b), nil
}

func decodeUploadToken(token UploadToken) (ObjectKey, UploadId, error) {
	var body uploadTokenBody
	if err := json.Unmarshal([]byte(token), &body); err != nil {
		return "", "", &errs.InvalidArgument{Message: "malformed upload token"}
	}
	if body.ObjectKey == "" || body.UploadId == "" {
		return "", "", &errs.InvalidArgument{Message: "upload token missing objectKey or uploadId"}
	}
	return body.ObjectKey, body.UploadId, nil
}

// PartToken is the opaque handle returned from uploading one part of a
// client-driven upload. finish needs only the part number, ETag, and
// size to build the CompleteMultipartUpload call, so the token encodes
// exactly that and nothing about the object or upload id.
type PartToken string

type partTokenBody struct {
	Number PartNumber `json:"partNumber"`
	ETag   string     `json:"etag"`
	Size   int64      `json:"size"`
}

func encodePartToken(p Part) (PartToken, error) {
	b, err := json.Marshal(partTokenBody{Number: p.Number, ETag: p.ETag, Size: p.Size})
	if err != nil {
		return "", errs.Wrap(err, "encode part token")
	}
	return PartToken(b), nil
}

func decodePartToken(token PartToken) (Part, error) {
	var body partTokenBody
	if err := json.Unmarshal([]byte(token), &body); err != nil {
		return Part{}, &errs.InvalidArgument{Message: "malformed part token"}
	}
	return Part{Number: body.Number, ETag: body.ETag, Size: body.Size}, nil
}
