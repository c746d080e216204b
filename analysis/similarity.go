package analysis

import (
	"math"
	"sort"

	"github.com/Alia5/usbreplay/capture"
)

// DefaultDecay weighs payload byte i by 0.85^i.
const DefaultDecay = 0.85

// Matcher scores recorded submissions against a live request.
type Matcher struct {
	// Decay is the per-byte weight ratio. Zero selects DefaultDecay.
	Decay float64
}

func (m Matcher) decay() float64 {
	if m.Decay == 0 {
		return DefaultDecay
	}
	return m.Decay
}

// Distance compares two submissions. The bool is false when they are
// incomparable: they differ in transfer type, endpoint, direction or any
// setup field but wLength, or both carry payloads of different lengths.
// When only one side carries a payload, each of its bytes is a mismatch.
func (m Matcher) Distance(a, b *capture.Transaction) (float64, bool) {
	if a.TransferType != b.TransferType || a.Endpoint != b.Endpoint || a.Direction != b.Direction {
		return 0, false
	}
	// bmRequestType, bRequest, wValue, wIndex
	for i := 0; i < 6; i++ {
		if a.Setup[i] != b.Setup[i] {
			return 0, false
		}
	}

	la, lb := len(a.Payload), len(b.Payload)
	switch {
	case la == 0 && lb == 0:
		return 0, true
	case la != 0 && lb != 0 && la != lb:
		return 0, false
	}

	n := max(la, lb)
	d := m.decay()
	var dist float64
	for i := 0; i < n; i++ {
		if i >= la || i >= lb || a.Payload[i] != b.Payload[i] {
			dist += math.Pow(d, float64(i))
		}
	}
	return dist, true
}

// Match is a comparable recorded pair and its distance from the live request.
type Match struct {
	Pair     *capture.Pair
	Distance float64
}

// Search ranks every comparable pair by ascending distance. Equal distances
// keep corpus order, so the first recorded pair wins ties. An empty result
// means nothing comparable was recorded.
func (m Matcher) Search(live *capture.Transaction, pairs []*capture.Pair) []Match {
	var out []Match
	for _, p := range pairs {
		if p == nil || p.Submit == nil {
			continue
		}
		if d, ok := m.Distance(live, p.Submit); ok {
			out = append(out, Match{Pair: p, Distance: d})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	return out
}
