package remote

import (
	"encoding/json"
	"fmt"
)

// SanitizeDoc strips top-level fields whose value is JSON null before a
// write; the collection store rejects null field values. The strip is
// shallow: nulls nested inside objects or arrays pass through
// untouched. Non-object documents are returned as-is.
func SanitizeDoc(doc json.RawMessage) (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(doc, &fields); err != nil {
		return doc, nil //nolint:nilerr // intentional: non-object docs pass through unsanitized
	}

	dirty := false

	for k, v := range fields {
		if string(v) == "null" {
			delete(fields, k)

			dirty = true
		}
	}

	if !dirty {
		return doc, nil
	}

	out, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("re-encoding sanitized doc: %w", err)
	}

	return out, nil
}

// SanitizeDocs applies SanitizeDoc to every document.
func SanitizeDocs(docs []json.RawMessage) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, len(docs))

	for i, doc := range docs {
		clean, err := SanitizeDoc(doc)
		if err != nil {
			return nil, err
		}

		out[i] = clean
	}

	return out, nil
}
