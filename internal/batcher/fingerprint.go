package batcher

import (
	"bytes"
	"encoding/json"
	"fmt"
	"hash/fnv"
)

// canonicalParams encodes params with sorted keys at every level. Values
// are round-tripped through JSON so structs and maps with the same content
// produce the same bytes. Numbers keep their literal text.
func canonicalParams(p Params) ([]byte, error) {
	if len(p) == 0 {
		return []byte("{}"), nil
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return json.Marshal(v)
}

// Fingerprint identifies a request by endpoint and canonical params.
func Fingerprint(endpoint string, p Params) (uint64, error) {
	canon, err := canonicalParams(p)
	if err != nil {
		return 0, err
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(endpoint))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(canon)
	return h.Sum64(), nil
}
