package mt

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashPayloadIgnoresWhitespace(t *testing.T) {
	a := Payload{Type: TaskTypeData, Data: json.RawMessage(`{"rows": [1, 2, 3]}`)}
	b := Payload{Type: TaskTypeData, Data: json.RawMessage("{\n  \"rows\":[1,2,3]\n}")}

	ha, err := HashPayload(a)
	require.NoError(t, err)
	hb, err := HashPayload(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
	assert.Len(t, ha, 64)

	c := Payload{Type: TaskTypeContent, Data: a.Data}
	hc, err := HashPayload(c)
	require.NoError(t, err)
	assert.NotEqual(t, ha, hc, "type is part of the hash")
}

func TestPayloadCanonical(t *testing.T) {
	got, err := Payload{Type: TaskTypeURL}.Canonical()
	require.NoError(t, err)
	assert.Equal(t, `{"type":"url","data":null}`, string(got))

	_, err = Payload{Type: TaskTypeURL, Data: json.RawMessage(`{broken`)}.Canonical()
	assert.Error(t, err)
}

func TestStatusPredicates(t *testing.T) {
	assert.True(t, BountyStatusOpen.AcceptsSubmissions())
	assert.True(t, BountyStatusInProgress.AcceptsSubmissions())
	assert.False(t, BountyStatusDraft.AcceptsSubmissions())
	assert.False(t, BountyStatusCompleted.AcceptsSubmissions())

	for _, s := range []BountyStatus{BountyStatusCompleted, BountyStatusExpired, BountyStatusCancelled} {
		assert.True(t, s.IsTerminal(), s)
	}
	assert.False(t, BountyStatusOpen.IsTerminal())

	assert.True(t, SubmissionStatusRejected.IsTerminal())
	assert.False(t, SubmissionStatusValidating.IsTerminal())

	assert.True(t, TaskTypeCode.Valid())
	assert.False(t, TaskType("poetry").Valid())
}

func TestPageNormalize(t *testing.T) {
	p := Page{}.Normalize()
	assert.Equal(t, 1, p.Page)
	assert.Equal(t, DefaultPageLimit, p.Limit)
	assert.Zero(t, p.Offset())

	p = Page{Page: 3, Limit: 1000}.Normalize()
	assert.Equal(t, MaxPageLimit, p.Limit)
	assert.Equal(t, 2*MaxPageLimit, p.Offset())
}
