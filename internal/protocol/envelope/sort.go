package envelope

import (
	"cmp"
	"slices"

	"e2e_groupchat/internal/model"
)

// CompareSequence orders by sequence key. Keys are fixed width, so lexical
// and numeric order agree.
func CompareSequence(a, b *Envelope) int {
	return cmp.Compare(a.sequenceKey, b.sequenceKey)
}

// SortForDispatch orders a fetched batch in place: SECRET_KEY envelopes
// first so decryption material lands before the content needing it, then
// ascending sequence key.
func SortForDispatch(batch []*Envelope) {
	slices.SortStableFunc(batch, func(a, b *Envelope) int {
		ak, bk := a.typ == model.SecretKeyType, b.typ == model.SecretKeyType
		switch {
		case ak && !bk:
			return -1
		case bk && !ak:
			return 1
		}
		return CompareSequence(a, b)
	})
}

// MaxSequenceKey returns the largest sequence key in batch.
func MaxSequenceKey(batch []*Envelope) string {
	out := ""
	for _, e := range batch {
		if e.sequenceKey > out {
			out = e.sequenceKey
		}
	}
	return out
}
