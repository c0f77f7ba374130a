package ap

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsPublic(t *testing.T) {
	testCases := []struct {
		name     string
		raw      string
		expected bool
	}{
		{
			name:     "bare public object",
			raw:      `{"type":"Follow","actor":"https://a.example/users/bob","object":"https://www.w3.org/ns/activitystreams#Public"}`,
			expected: true,
		},
		{
			name:     "direct message",
			raw:      `{"type":"Create","actor":"https://a.example/users/bob","to":["https://example.com/users/alice"],"object":{"type":"Note","to":["https://example.com/users/alice"]}}`,
			expected: false,
		},
		{
			name:     "embedded object cc as string",
			raw:      `{"type":"Create","actor":"https://a.example/users/bob","object":{"type":"Note","cc":"https://www.w3.org/ns/activitystreams#Public"}}`,
			expected: true,
		},
		{
			name:     "embedded object bto",
			raw:      `{"type":"Create","actor":"https://a.example/users/bob","object":{"type":"Note","bto":["https://a.example/followers","https://www.w3.org/ns/activitystreams#Public"]}}`,
			expected: true,
		},
		{
			name:     "top level to",
			raw:      `{"type":"Announce","actor":"https://a.example/users/bob","to":["https://www.w3.org/ns/activitystreams#Public"],"object":"https://b.example/notes/1"}`,
			expected: true,
		},
		{
			name:     "top level audience",
			raw:      `{"type":"Announce","actor":"https://a.example/users/bob","audience":"https://www.w3.org/ns/activitystreams#Public","object":"https://b.example/notes/1"}`,
			expected: true,
		},
		{
			name:     "followers only",
			raw:      `{"type":"Create","actor":"https://a.example/users/bob","to":["https://a.example/users/bob/followers"],"object":{"type":"Note","to":["https://a.example/users/bob/followers"]}}`,
			expected: false,
		},
		{
			name:     "no object",
			raw:      `{"type":"Delete","actor":"https://a.example/users/bob"}`,
			expected: false,
		},
		{
			name:     "embedded object with public id only",
			raw:      `{"type":"Follow","actor":"https://a.example/users/bob","object":{"id":"https://www.w3.org/ns/activitystreams#Public"}}`,
			expected: false,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, IsPublic(parseActivity(t, tc.raw)))
		})
	}
}
