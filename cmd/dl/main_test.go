package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dairyline/internal/domain"
)

func TestParseMetadataKeepsJSONTypes(t *testing.T) {
	got, err := parseMetadata([]string{"temp=72.5", "batch=B-17", "sealed=true", "tanks=[1,2]"})
	require.NoError(t, err)
	assert.Equal(t, 72.5, got["temp"])
	assert.Equal(t, "B-17", got["batch"])
	assert.Equal(t, true, got["sealed"])
	assert.Equal(t, []any{float64(1), float64(2)}, got["tanks"])

	_, err = parseMetadata([]string{"novalue"})
	assert.Error(t, err)

	got, err = parseMetadata(nil)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestParseCapabilities(t *testing.T) {
	caps, err := parseCapabilities([]string{"view", "Approve"})
	require.NoError(t, err)
	assert.Equal(t, domain.Capabilities{View: true, Approve: true}, caps)
	assert.Equal(t, "view,approve", capabilityList(caps))

	caps, err = parseCapabilities([]string{"all"})
	require.NoError(t, err)
	assert.Equal(t, "view,edit,delete,approve,create", capabilityList(caps))

	_, err = parseCapabilities([]string{"manage"})
	assert.Error(t, err)
}

func TestGrantDescriptions(t *testing.T) {
	g := domain.PermissionGrant{Department: "Lab", FormType: "lab-forms"}
	assert.Equal(t, "department:Lab", grantTarget(g))
	assert.Equal(t, "type:lab-forms", grantCovers(g))
	g = domain.PermissionGrant{UserID: "ana", Role: "admin", FormID: "f1"}
	assert.Equal(t, "user:ana", grantTarget(g))
	assert.Equal(t, "form:f1", grantCovers(g))
}
