// Package labelset defines the fixed label schema for the cringe classifier.
//
// The schema is an ordered list of binary content-quality attributes. Every
// probability vector, supervision target, and logit row in this module is
// indexed by the same positions: index i refers to the same label in teacher
// records, human annotations, model outputs, and metric reports. The order
// is part of the wire and artifact contracts and never changes at runtime.
//
// The final label, [Overall], aggregates the others into a single
// post-level score.
package labelset

// names holds the schema in wire order. Overall stays last.
var names = [...]string{
	"humbleBragging",
	"excessiveEmojis",
	"engagementBait",
	"fakeStories",
	"companyCulture",
	"personalAnecdotes",
	"hiringStories",
	"basicDecencyPraising",
	"minorAchievements",
	"buzzwordOveruse",
	"linkedinCliches",
	"virtueSignaling",
	"professionalOversharing",
	"mundaneLifeLessons",
	"overall_cringe",
}

// Size is the number of labels in the schema.
const Size = len(names)

// Overall is the aggregate post-level label.
const Overall = "overall_cringe"

var index = make(map[string]int, Size)

func init() {
	for i, n := range names {
		index[n] = i
	}
}

// Names returns the labels in schema order.
// The returned slice is a copy; callers may modify it freely.
func Names() []string {
	out := make([]string, Size)
	copy(out, names[:])
	return out
}

// Index returns the position of name in the schema, and whether the
// name is part of the schema at all.
func Index(name string) (int, bool) {
	i, ok := index[name]
	return i, ok
}

// FloatVector builds a schema-ordered vector from a name→score map.
// Names absent from m default to 0; names outside the schema are ignored.
func FloatVector(m map[string]float64) []float64 {
	out := make([]float64, Size)
	for i, n := range names {
		out[i] = m[n]
	}
	return out
}

// BoolVector builds a schema-ordered 0/1 vector from a name→presence map.
// Names absent from m default to 0; names outside the schema are ignored.
func BoolVector(m map[string]bool) []float64 {
	out := make([]float64, Size)
	for i, n := range names {
		if m[n] {
			out[i] = 1
		}
	}
	return out
}
