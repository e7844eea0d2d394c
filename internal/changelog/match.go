package changelog

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/example/twodo-sync-engine/internal/address"
	"github.com/example/twodo-sync-engine/internal/change"
)

var (
	// ErrNoMatch is returned when no element plausibly corresponds to the
	// recorded value.
	ErrNoMatch = errors.New("no matching element")

	// ErrAmbiguousMatch is returned when multiple elements score equally and
	// removing any of them would be a guess.
	ErrAmbiguousMatch = errors.New("ambiguous match")
)

// Match weights. An exact identifier match is decisive over any combination
// of secondary signals.
const (
	scoreIdentifier = 1000
	scoreContent    = 10
	scoreFlag       = 1
)

// locateInserted finds the current position of a previously inserted element.
// Identifier lookup wins outright; otherwise the recorded index is trusted
// only if its occupant matches by content, and failing that the whole
// sequence is scanned with weighted scoring.
func locateInserted(seq address.Sequence, value any, recordedIndex int) (int, error) {
	want := newFieldReader(value)

	if id := change.ValueID(value); id != "" {
		if idx := seq.IndexOf(id); idx >= 0 {
			return idx, nil
		}
	}

	if recordedIndex >= 0 && recordedIndex < seq.Len() {
		if scoreCandidate(newFieldReader(seq.At(recordedIndex)), want) > 0 {
			return recordedIndex, nil
		}
	}

	best, bestIdx, ties := 0, -1, 0
	for i := 0; i < seq.Len(); i++ {
		s := scoreCandidate(newFieldReader(seq.At(i)), want)
		switch {
		case s > best:
			best, bestIdx, ties = s, i, 1
		case s == best && s > 0:
			ties++
		}
	}
	if bestIdx < 0 {
		return 0, fmt.Errorf("no candidate for recorded index %d: %w", recordedIndex, ErrNoMatch)
	}
	if ties > 1 {
		return 0, fmt.Errorf("%d equal candidates: %w", ties, ErrAmbiguousMatch)
	}
	return bestIdx, nil
}

// scoreCandidate rates how plausibly elem is the recorded value. When both
// sides carry identifiers the identifiers are authoritative; content scoring
// only applies when at least one side lacks one.
func scoreCandidate(elem, want fieldReader) int {
	elemID, wantID := readString(elem, "id"), readString(want, "id")
	if elemID != "" && wantID != "" {
		if elemID == wantID {
			return scoreIdentifier
		}
		return 0
	}

	if readString(elem, "type") != readString(want, "type") {
		return 0
	}
	if readString(elem, "text") != readString(want, "text") {
		return 0
	}
	score := scoreContent
	if readBool(elem, "completed") == readBool(want, "completed") {
		score += scoreFlag
	}
	if readBool(elem, "scheduled") == readBool(want, "scheduled") {
		score += scoreFlag
	}
	return score
}

// fieldReader abstracts over live tree nodes, decoded JSON maps, and raw
// bytes so scoring does not care where a value came from.
type fieldReader func(name string) (any, bool)

func newFieldReader(value any) fieldReader {
	switch v := value.(type) {
	case interface{ Field(string) (any, bool) }:
		return v.Field
	case map[string]any:
		return func(name string) (any, bool) {
			val, ok := v[name]
			return val, ok
		}
	case json.RawMessage:
		return rawReader([]byte(v))
	case []byte:
		return rawReader(v)
	default:
		return func(string) (any, bool) { return nil, false }
	}
}

func rawReader(data []byte) fieldReader {
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return func(string) (any, bool) { return nil, false }
	}
	return func(name string) (any, bool) {
		val, ok := decoded[name]
		return val, ok
	}
}

func readString(r fieldReader, name string) string {
	v, ok := r(name)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func readBool(r fieldReader, name string) bool {
	v, ok := r(name)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}
