package ap

import (
	"github.com/concrnt/ccworld-ap-relay/types"
)

// IsPublic reports whether an activity is addressed to the public
// collection: as its bare object, in the embedded object's audience fields,
// or in the activity's own audience fields.
func IsPublic(activity types.Activity) bool {
	if !activity.Object.IsEmbedded() && activity.Object.IRI == types.PublicCollection {
		return true
	}

	for _, iri := range audienceOf(activity) {
		if iri == types.PublicCollection {
			return true
		}
	}
	return false
}

// audienceOf collects the addressed IRIs of the embedded object followed by
// those of the activity.
func audienceOf(activity types.Activity) []string {
	var out []string
	if activity.Object.Embedded != nil {
		out = append(out, activity.Object.Embedded.Targets()...)
	}
	return append(out, activity.Targets()...)
}
