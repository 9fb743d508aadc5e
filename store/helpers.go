package store

import "time"

// This file holds the L1 shared substrate helpers (spec §4.2): free
// functions parameterized only by primitive inputs, shared by every L2
// substrate instead of living on a base type. Spec §9 is explicit that
// this is a capability set, not an inheritance hierarchy.

// idempotentCreateConflict checks an existing stream's fixed attributes
// against a new put's declared options. Returns a non-nil error if the
// put must fail; nil means "already present with matching config, not
// created".
func idempotentCreateConflict(path string, existing *Metadata, opts CreateOptions) error {
	existingCT := NormalizeContentType(existing.ContentType)
	requestedCT := NormalizeContentType(opts.ContentType)
	if existingCT != requestedCT {
		return &ContentTypeMismatchError{Path: path, Expected: existingCT, Received: requestedCT}
	}

	if !ttlEqual(existing.TTLSeconds, opts.TTLSeconds) {
		return &StreamConflictError{Path: path, Field: "ttl"}
	}
	if !expiresAtEqual(existing.ExpiresAt, opts.ExpiresAt) {
		return &StreamConflictError{Path: path, Field: "expiresAt"}
	}
	return nil
}

func ttlEqual(a, b *int64) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	return a == nil || *a == *b
}

func expiresAtEqual(a, b *time.Time) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	return a == nil || a.Equal(*b)
}

// preparedInitialData is the result of validating a put's initial body.
type preparedInitialData struct {
	Buffer      []byte
	AppendCount uint64
	NextOffset  Offset
}

// prepareInitialData validates and lays out a put's optional initial
// body (spec §4.2). Empty/absent data yields an empty stream. JSON
// content types apply the trailing-comma stitching convention (empty
// arrays are permitted here, unlike on append).
func prepareInitialData(path string, contentType string, data []byte) (preparedInitialData, error) {
	if len(data) == 0 {
		return preparedInitialData{NextOffset: InitialOffset}, nil
	}

	var buf []byte
	if IsJSONContentType(contentType) {
		items, err := stitchItems(path, data, true)
		if err != nil {
			return preparedInitialData{}, err
		}
		buf = appendStitched(nil, items)
	} else {
		buf = append([]byte(nil), data...)
	}

	appendCount := uint64(0)
	if len(buf) > 0 {
		appendCount = 1
	}
	return preparedInitialData{
		Buffer:      buf,
		AppendCount: appendCount,
		NextOffset:  Offset{Seq: appendCount, Bytes: uint64(len(buf))},
	}, nil
}

// validateAppendContentType checks a declared append content type (if
// any) against the stream's fixed content type.
func validateAppendContentType(path string, streamContentType, requestContentType string) error {
	if requestContentType == "" {
		return nil
	}
	if !ContentTypesMatch(streamContentType, requestContentType) {
		return &ContentTypeMismatchError{
			Path:     path,
			Expected: NormalizeContentType(streamContentType),
			Received: NormalizeContentType(requestContentType),
		}
	}
	return nil
}

// validateAppendSeq enforces spec §4.2's strict-greater-than rule. Both
// lastSeq and seq are caller-chosen tokens compared string-wise; the
// store does not interpret their structure.
func validateAppendSeq(path string, lastSeq, seq string) error {
	if seq == "" || lastSeq == "" {
		return nil
	}
	if seq <= lastSeq {
		return &SequenceConflictError{Path: path, Expected: "> " + lastSeq, Received: seq}
	}
	return nil
}

// mergeAppend lays out the bytes a single append contributes: for JSON
// content types, the stitched items (empty arrays rejected); for
// everything else, the raw body as one chunk.
func mergeAppend(path, contentType string, data []byte) ([]byte, error) {
	if IsJSONContentType(contentType) {
		items, err := stitchItems(path, data, false)
		if err != nil {
			return nil, err
		}
		return appendStitched(nil, items), nil
	}
	return append([]byte(nil), data...), nil
}
