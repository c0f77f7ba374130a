package ap

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/concrnt/ccworld-ap-relay/types"
)

// NewFollowResponse builds an Accept or Reject answering request. The
// stored Follow is embedded verbatim when it is valid JSON; otherwise a
// Follow is rebuilt from the request row.
func NewFollowResponse(config types.RelayConfig, kind string, request types.FollowRequest) types.Envelope {
	var follow any
	if request.RawActivity != "" && json.Valid([]byte(request.RawActivity)) {
		follow = json.RawMessage(request.RawActivity)
	} else {
		follow = RebuildFollow(request)
	}

	return types.Envelope{
		Context: types.ActivityStreamsContext,
		ID:      "https://" + config.Hostname + "/activities/" + uuid.NewString(),
		Type:    kind,
		Actor:   config.ActorID(),
		Object:  follow,
	}
}

// RebuildFollow reconstructs the Follow a request row was created from.
func RebuildFollow(request types.FollowRequest) types.Envelope {
	object := request.ObjectID
	if object == "" {
		object = types.PublicCollection
	}
	return types.Envelope{
		Context: types.ActivityStreamsContext,
		ID:      request.ID,
		Type:    "Follow",
		Actor:   request.ActorID,
		Object:  object,
	}
}
