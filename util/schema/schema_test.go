package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type searchArgs struct {
	Query    string   `json:"query" description:"Text to search for"`
	Limit    int      `json:"limit,omitempty" description:"Maximum results"`
	Mode     string   `json:"mode" enum:"exact, fuzzy" required:"false"`
	Email    *string  `json:"email" format:"email"`
	Tags     []string `json:"tags,omitempty"`
	Verbose  bool
	internal string
	Ignored  string `json:"-"`
}

func TestFromStruct(t *testing.T) {
	s, err := FromStruct(&searchArgs{})
	require.NoError(t, err)

	assert.Equal(t, "object", s.Type)
	assert.ElementsMatch(t, []string{"query", "verbose"}, s.Required)
	require.Len(t, s.Properties, 6)

	assert.Equal(t, "string", s.Properties["query"].Type)
	assert.Equal(t, "Text to search for", s.Properties["query"].Description)
	assert.Equal(t, "integer", s.Properties["limit"].Type)
	assert.Equal(t, []string{"exact", "fuzzy"}, s.Properties["mode"].Enum)
	assert.Equal(t, "email", s.Properties["email"].Format)
	assert.Equal(t, "array", s.Properties["tags"].Type)
	assert.Equal(t, "boolean", s.Properties["verbose"].Type)
	assert.NotContains(t, s.Properties, "internal")
	assert.NotContains(t, s.Properties, "Ignored")

	_, err = FromStruct("not a struct")
	assert.Error(t, err)
}

func TestDecode(t *testing.T) {
	args, err := Decode[searchArgs](json.RawMessage(`{"query":"go","limit":"5","mode":"fuzzy","verbose":true}`))
	require.NoError(t, err)
	assert.Equal(t, "go", args.Query)
	assert.Equal(t, 5, args.Limit)
	assert.Equal(t, "fuzzy", args.Mode)
	assert.True(t, args.Verbose)
	assert.Nil(t, args.Email)

	cases := map[string]string{
		"missing required": `{"verbose":false}`,
		"null required":    `{"query":null,"verbose":false}`,
		"bad enum":         `{"query":"go","verbose":false,"mode":"regex"}`,
		"unknown argument": `{"query":"go","verbose":false,"colour":"red"}`,
		"not an object":    `["go"]`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode[searchArgs](json.RawMessage(raw))
			assert.Error(t, err)
		})
	}

	_, err = Decode[int](json.RawMessage(`1`))
	assert.Error(t, err)
}
