package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseAssignments(t *testing.T) {
	assignments, err := parseAssignments([]string{"stage=Qualified", "notes=a=b", " owner_id =user-7"})
	require.NoError(t, err)
	require.Equal(t, []assignment{
		{name: "stage", value: "Qualified"},
		{name: "notes", value: "a=b"},
		{name: "owner_id", value: "user-7"},
	}, assignments)
}

func TestParseAssignmentsRejectsMissingName(t *testing.T) {
	_, err := parseAssignments([]string{"=value"})
	require.Error(t, err)
	_, err = parseAssignments([]string{"stage"})
	require.Error(t, err)
}
