// Package chunk encodes a configuration document as an ordered set of
// size-capped fragments suitable for storage as individual chat messages.
// Fragments are tagged with a generation id and a sequence index so a
// reader can reassemble the document byte-for-byte and reject partial or
// mixed fragment sets.
package chunk

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"
)

// FormatVersion is bumped when the fragment layout changes. Readers ignore
// fragments written with an unknown version.
const FormatVersion = 1

// DefaultPayloadLimit caps fragment payloads so the encoded message stays
// under the smallest common platform limit (Telegram's 4096 characters)
// with headroom for the header line.
const DefaultPayloadLimit = 3584

// MinPayloadLimit is the smallest usable payload cap. Anything below a
// single UTF-8 rune cannot make forward progress.
const MinPayloadLimit = utf8.UTFMax

var (
	// ErrCorrupt reports a fragment set that can never reassemble: mixed
	// generations, conflicting totals, duplicate or out-of-range indexes.
	ErrCorrupt = errors.New("corrupt fragment set")

	// ErrIncomplete reports a fragment set with one or more indexes
	// missing. The write may still be in flight; callers fail closed.
	ErrIncomplete = errors.New("incomplete fragment set")
)

const headerTag = "relay-config"

// Fragment is one piece of an encoded document. Index is zero-based;
// every fragment of a set carries the same Generation and Total.
type Fragment struct {
	Generation string
	Index      int
	Total      int
	Payload    string
}

// Encode renders the fragment as a single message: a header line followed
// by the raw payload.
func (f Fragment) Encode() string {
	return fmt.Sprintf("%s/%d %s %d/%d\n%s", headerTag, FormatVersion, f.Generation, f.Index, f.Total, f.Payload)
}

// Decode parses a message produced by Encode. The second return is false
// when the message is not a fragment at all (foreign content in the data
// chat), letting callers skip it without treating it as corruption.
func Decode(msg string) (Fragment, bool) {
	header, payload, hasBody := strings.Cut(msg, "\n")
	if !hasBody {
		payload = ""
	}

	fields := strings.Fields(header)
	if len(fields) != 3 {
		return Fragment{}, false
	}

	tag, version, ok := strings.Cut(fields[0], "/")
	if !ok || tag != headerTag {
		return Fragment{}, false
	}
	if v, err := strconv.Atoi(version); err != nil || v != FormatVersion {
		return Fragment{}, false
	}

	index, total, ok := strings.Cut(fields[2], "/")
	if !ok {
		return Fragment{}, false
	}
	idx, err := strconv.Atoi(index)
	if err != nil || idx < 0 {
		return Fragment{}, false
	}
	tot, err := strconv.Atoi(total)
	if err != nil || tot < 1 {
		return Fragment{}, false
	}

	return Fragment{
		Generation: fields[1],
		Index:      idx,
		Total:      tot,
		Payload:    payload,
	}, true
}

// Split divides doc into fragments whose payloads stay within limit bytes,
// breaking only on rune boundaries so every fragment remains valid UTF-8.
// An empty document yields a single empty fragment so that "no document"
// and "empty document" stay distinguishable. Joining the result reproduces
// doc byte-for-byte.
func Split(doc []byte, generation string, limit int) ([]Fragment, error) {
	if generation == "" || strings.ContainsAny(generation, " \t\n") {
		return nil, fmt.Errorf("invalid generation id %q", generation)
	}
	if limit < MinPayloadLimit {
		return nil, fmt.Errorf("payload limit %d below minimum %d", limit, MinPayloadLimit)
	}

	var payloads []string
	remaining := string(doc)
	for len(remaining) > limit {
		cut := limit
		// Back up to the start of the rune straddling the cut.
		for cut > 0 && !utf8.RuneStart(remaining[cut]) {
			cut--
		}
		if cut == 0 {
			return nil, fmt.Errorf("payload limit %d cannot fit next rune", limit)
		}
		payloads = append(payloads, remaining[:cut])
		remaining = remaining[cut:]
	}
	payloads = append(payloads, remaining)

	frags := make([]Fragment, len(payloads))
	for i, p := range payloads {
		frags[i] = Fragment{
			Generation: generation,
			Index:      i,
			Total:      len(payloads),
			Payload:    p,
		}
	}
	return frags, nil
}

// Join reassembles a fragment set into the original document. The set must
// belong to a single generation and contain every index exactly once;
// anything else returns ErrCorrupt or ErrIncomplete and no data.
func Join(frags []Fragment) ([]byte, error) {
	if len(frags) == 0 {
		return nil, fmt.Errorf("%w: no fragments", ErrIncomplete)
	}

	generation := frags[0].Generation
	total := frags[0].Total
	for _, f := range frags {
		if f.Generation != generation {
			return nil, fmt.Errorf("%w: mixed generations %s and %s", ErrCorrupt, generation, f.Generation)
		}
		if f.Total != total {
			return nil, fmt.Errorf("%w: conflicting totals %d and %d", ErrCorrupt, total, f.Total)
		}
		if f.Index < 0 || f.Index >= total {
			return nil, fmt.Errorf("%w: index %d outside 0..%d", ErrCorrupt, f.Index, total-1)
		}
	}

	seen := make(map[int]bool, len(frags))
	for _, f := range frags {
		if seen[f.Index] {
			return nil, fmt.Errorf("%w: duplicate index %d", ErrCorrupt, f.Index)
		}
		seen[f.Index] = true
	}
	if len(seen) < total {
		return nil, fmt.Errorf("%w: have %d of %d fragments", ErrIncomplete, len(seen), total)
	}

	ordered := make([]Fragment, len(frags))
	copy(ordered, frags)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })

	var b strings.Builder
	for _, f := range ordered {
		b.WriteString(f.Payload)
	}
	return []byte(b.String()), nil
}
