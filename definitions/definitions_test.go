package definitions

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/approval-engine/types"
)

func TestParseDefinitions(t *testing.T) {
	doc := `
definitions:
  - companyId: 7
    name: Leave request
    active: false
    nodes:
      - nodeType: APPROVER
        notifyEmail: false
        notifySms: true
        assignment: {assignmentType: ROLE, assignmentId: 3}
      - nodeType: RULE
        ruleExpression: requestType == "LONG"
      - nodeType: APPROVER
        timeLimitHours: 12
        assignment: {assignmentType: USER, assignmentId: 9}
`
	defs, err := ParseDefinitions(strings.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, defs, 1)

	def := defs[0]
	assert.Equal(t, uint64(7), def.CompanyID)
	assert.Equal(t, "Leave request", def.Name)
	assert.False(t, def.Active)
	require.Len(t, def.Nodes, 3)

	for i, n := range def.Nodes {
		assert.Equal(t, i, n.Sequence)
		assert.NoError(t, n.Validate())
	}
	assert.Equal(t, []types.Channel{types.ChannelSMS}, def.Nodes[0].Channels())
	assert.Equal(t, types.Assignment{Type: types.AssignRole, ID: 3}, *def.Nodes[0].Assignment)
	assert.Equal(t, types.NodeTypeRule, def.Nodes[1].Type)
	assert.Nil(t, def.Nodes[1].Assignment)
	assert.Equal(t, []types.Channel{types.ChannelEmail}, def.Nodes[2].Channels(), "email is on by default")
	assert.Equal(t, 12, def.Nodes[2].TimeLimitHours)
}

func TestParseDefinitionsErrors(t *testing.T) {
	_, err := ParseDefinitions(strings.NewReader(""))
	assert.ErrorIs(t, err, ErrEmptyDocument)

	_, err = ParseDefinitions(strings.NewReader("workflows: []\n"))
	assert.Error(t, err, "unknown top-level keys are rejected")

	_, err = ParseDefinitions(strings.NewReader("definitions: {name: x}\n"))
	assert.Error(t, err)
}

func TestParseDirectory(t *testing.T) {
	doc := `
companyId: 2
profiles:
  - {id: 10, code: P1, roleIds: [100]}
users:
  - {id: 1, username: ana}
  - {id: 2, username: maria, profileIds: [10]}
  - {id: 3, username: juan, profileIds: [10], active: false}
  - {id: 4, username: other, companyId: 3, profileIds: [10]}
`
	dir, err := ParseDirectory(strings.NewReader(doc))
	require.NoError(t, err)

	ana, ok := dir.User(1)
	require.True(t, ok)
	assert.True(t, ana.Active)
	assert.Equal(t, uint64(2), ana.CompanyID)

	ctx := context.Background()
	users, err := dir.ListActiveUsers(ctx, 2, types.Assignment{Type: types.AssignProfile, ID: 10})
	require.NoError(t, err)
	assert.Equal(t, []uint64{2}, users)

	users, err = dir.ListActiveUsers(ctx, 2, types.Assignment{Type: types.AssignRole, ID: 100})
	require.NoError(t, err)
	assert.Equal(t, []uint64{2}, users)

	_, err = ParseDirectory(strings.NewReader("users:\n  - {username: nobody}\n"))
	assert.Error(t, err)
}

func TestLoadExampleFiles(t *testing.T) {
	defs, err := LoadDefinitions(filepath.Join("..", "examples", "definitions"))
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.True(t, defs[0].Active)
	assert.Len(t, defs[0].Nodes, 3)
	assert.Equal(t, "amount > 1000", defs[1].Nodes[1].RuleExpression)

	dir, err := LoadDirectory(filepath.Join("..", "examples", "directory.yaml"))
	require.NoError(t, err)
	users, err := dir.ListActiveUsers(context.Background(), 1, types.Assignment{Type: types.AssignProfile, ID: 10})
	require.NoError(t, err)
	assert.Equal(t, []uint64{2, 3, 4}, users)

	_, err = LoadDefinitions(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
