package ap

import (
	"context"
	"net/http"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/concrnt/ccworld-ap-relay/types"
)

const announceJSON = `{"@context":"https://www.w3.org/ns/activitystreams","id":"https://origin.example/announces/1","type":"Announce","actor":"https://origin.example/users/carol","to":["https://www.w3.org/ns/activitystreams#Public"],"object":"https://origin.example/notes/1"}`

func subscribe(t *testing.T, env testEnv, actors ...types.Actor) {
	t.Helper()
	for _, actor := range actors {
		require.NoError(t, env.store.UpsertActor(context.Background(), actor))
	}
}

func TestRelay_PartialFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	subscribe(t, env,
		types.Actor{ID: "https://origin.example/actor", Inbox: "https://origin.example/inbox"},
		types.Actor{ID: "https://b.example/actor", Inbox: "https://b.example/actor/inbox", SharedInbox: "https://b.example/inbox"},
		types.Actor{ID: "https://c.example/actor", Inbox: "https://c.example/inbox"},
	)
	env.client.failing["https://c.example/inbox"] = true

	result, err := env.service.Relay(ctx, parseActivity(t, announceJSON), []byte(announceJSON))
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, 1, result.RelayedCount)
	assert.Equal(t, 1, result.FailureCount)

	deliveries := env.client.delivered()
	require.Len(t, deliveries, 1)
	assert.Equal(t, "https://b.example/inbox", deliveries[0].inbox)
	assert.Equal(t, announceJSON, string(deliveries[0].body))
}

func TestRelay_AllRecipients(t *testing.T) {
	env := newTestEnv(t, nil)

	var subscribers []types.Actor
	for _, host := range []string{"b.example", "c.example", "d.example", "e.example"} {
		subscribers = append(subscribers, types.Actor{ID: "https://" + host + "/actor", Inbox: "https://" + host + "/inbox"})
	}
	subscribe(t, env, subscribers...)

	response := env.service.Dispatch(context.Background(), parseActivity(t, announceJSON), []byte(announceJSON), types.Person{})
	assert.Equal(t, http.StatusAccepted, response.Status)
	assert.Equal(t, "Accepted: Relayed to 4 follower(s)", response.Message)

	var inboxes []string
	for _, d := range env.client.delivered() {
		inboxes = append(inboxes, d.inbox)
	}
	sort.Strings(inboxes)
	assert.Equal(t, []string{
		"https://b.example/inbox",
		"https://c.example/inbox",
		"https://d.example/inbox",
		"https://e.example/inbox",
	}, inboxes)
}

func TestRelay_NotPublic(t *testing.T) {
	env := newTestEnv(t, nil)
	subscribe(t, env, types.Actor{ID: "https://b.example/actor", Inbox: "https://b.example/inbox"})

	raw := `{"id":"https://origin.example/creates/1","type":"Create","actor":"https://origin.example/users/carol","to":["https://b.example/users/dave"],"object":{"type":"Note","to":["https://b.example/users/dave"]}}`
	result, err := env.service.Relay(context.Background(), parseActivity(t, raw), []byte(raw))
	require.NoError(t, err)
	assert.Equal(t, RelayResult{}, result)
	assert.Empty(t, env.client.delivered())
}

func TestRelay_NoSubscribers(t *testing.T) {
	env := newTestEnv(t, nil)

	response := env.service.Dispatch(context.Background(), parseActivity(t, announceJSON), []byte(announceJSON), types.Person{})
	assert.Equal(t, http.StatusAccepted, response.Status)
	assert.Equal(t, "Accepted: Activity is not public or no followers registered", response.Message)
}

func TestRelay_OnlySameOrigin(t *testing.T) {
	env := newTestEnv(t, nil)
	subscribe(t, env, types.Actor{ID: "https://origin.example/actor", Inbox: "https://origin.example/inbox"})

	result, err := env.service.Relay(context.Background(), parseActivity(t, announceJSON), []byte(announceJSON))
	require.NoError(t, err)
	assert.False(t, result.Success)
}

func TestRelay_UnparseableActorRelaysToEveryone(t *testing.T) {
	env := newTestEnv(t, nil)
	subscribe(t, env,
		types.Actor{ID: "https://origin.example/actor", Inbox: "https://origin.example/inbox"},
		types.Actor{ID: "https://b.example/actor", Inbox: "https://b.example/inbox"},
	)

	raw := `{"id":"urn:x:1","type":"Create","actor":"not a url","to":"https://www.w3.org/ns/activitystreams#Public","object":{"type":"Note"}}`
	result, err := env.service.Relay(context.Background(), parseActivity(t, raw), []byte(raw))
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 2, result.RelayedCount)
}

func TestRelay_BlockedOrigin(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	subscribe(t, env, types.Actor{ID: "https://b.example/actor", Inbox: "https://b.example/inbox"})
	_, err := env.store.CreateDomainRule(ctx, types.DomainRule{Pattern: `^origin\.`, IsRegex: true})
	require.NoError(t, err)

	result, err := env.service.Relay(ctx, parseActivity(t, announceJSON), []byte(announceJSON))
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Empty(t, env.client.delivered())
}

func TestRelay_Duplicate(t *testing.T) {
	env := newTestEnv(t, &memoryDeduper{seen: map[string]bool{}})
	subscribe(t, env, types.Actor{ID: "https://b.example/actor", Inbox: "https://b.example/inbox"})

	first := env.service.Dispatch(context.Background(), parseActivity(t, announceJSON), []byte(announceJSON), types.Person{})
	assert.Equal(t, "Accepted: Relayed to 1 follower(s)", first.Message)

	second := env.service.Dispatch(context.Background(), parseActivity(t, announceJSON), []byte(announceJSON), types.Person{})
	assert.Equal(t, http.StatusAccepted, second.Status)
	assert.Equal(t, "Accepted: Activity already relayed", second.Message)

	assert.Len(t, env.client.delivered(), 1)
}

func TestRelay_AllKinds(t *testing.T) {
	for _, kind := range []string{"Create", "Announce", "Update", "Delete", "Remove"} {
		t.Run(kind, func(t *testing.T) {
			env := newTestEnv(t, nil)
			subscribe(t, env, types.Actor{ID: "https://b.example/actor", Inbox: "https://b.example/inbox"})

			raw := `{"id":"https://origin.example/x/1","type":"` + kind + `","actor":"https://origin.example/users/carol","to":["https://www.w3.org/ns/activitystreams#Public"],"object":"https://origin.example/notes/1"}`
			response := env.service.Dispatch(context.Background(), parseActivity(t, raw), []byte(raw), types.Person{})
			assert.Equal(t, http.StatusAccepted, response.Status)
			assert.Len(t, env.client.delivered(), 1)
		})
	}
}

func TestDispatch_NotImplemented(t *testing.T) {
	env := newTestEnv(t, nil)

	raw := `{"id":"https://a.example/likes/1","type":"Like","actor":"https://a.example/users/bob","object":"https://b.example/notes/1"}`
	response := env.service.Dispatch(context.Background(), parseActivity(t, raw), []byte(raw), types.Person{})
	assert.Equal(t, http.StatusNotImplemented, response.Status)
}
