package reconcile

import (
	"encoding/json"

	"github.com/apapsch/go-jsonmerge/v2"
)

// MergeRecords applies `patch` to `data` with json merge semantics: patch
// fields replace, nested objects merge, fields absent from the patch are
// kept. Used both for the optimistic apply and for folding the server's
// response over the optimistic record (server fields take precedence by
// being the patch side).
func MergeRecords(data Record, patch Record) (Record, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	patchBytes, err := json.Marshal(patch)
	if err != nil {
		return nil, err
	}

	merger := jsonmerge.Merger{
		CopyNonexistent: true,
	}
	mergedBytes, err := merger.MergeBytes(dataBytes, patchBytes)
	if err != nil {
		return nil, err
	}

	var merged Record
	if err := json.Unmarshal(mergedBytes, &merged); err != nil {
		return nil, err
	}
	return merged, nil
}
