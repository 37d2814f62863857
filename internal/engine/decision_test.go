package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecisionOperations_Ordering(t *testing.T) {
	d := &Decision{Identifier: "staff", Kind: ObjectGroup, Action: ActionUpdate}
	d.AppendOperation(Operation{
		Type:      OpModify,
		DN:        "cn=staff,ou=groups,dc=example,dc=com",
		AddValues: map[string][]string{"memberUid": {"alice"}},
	})
	d.AppendOperation(Operation{
		Type:         OpModify,
		DN:           "cn=staff,ou=groups,dc=example,dc=com",
		DeleteValues: map[string][]string{"memberUid": {"bob"}},
	})
	d.AppendOperation(Operation{
		Type:       OpAdd,
		DN:         "cn=staff,ou=groups,dc=example,dc=com",
		Attributes: map[string][]string{"cn": {"staff"}},
	})

	ops := d.Operations()
	require.Len(t, ops, 3)
	assert.Equal(t, OpAdd, ops[0].Type, "creation first")
	assert.NotEmpty(t, ops[1].DeleteValues, "membership removals before additions")
	assert.NotEmpty(t, ops[2].AddValues)
}

func TestDecision_DefaultTarget(t *testing.T) {
	d := &Decision{}
	d.AppendOperation(Operation{Type: OpModify, DN: "uid=jrod,ou=users,dc=example,dc=com"})
	d.AppendOperation(Operation{Type: OpModify, DN: "CN=g,DC=ad,DC=example", Target: SourcePrimary})

	ops := d.Operations()
	assert.Equal(t, SourceDependent, ops[0].Target)
	assert.Equal(t, SourcePrimary, ops[1].Target)
}

func TestCompile_PreservesDecisionOrder(t *testing.T) {
	create := &Decision{Identifier: "newgrp", Action: ActionCreate}
	create.AppendOperation(Operation{Type: OpAdd, DN: "cn=newgrp,ou=groups,dc=example,dc=com"})

	update := &Decision{Identifier: "newgrp", Action: ActionUpdate}
	update.AppendOperation(Operation{
		Type:      OpModify,
		DN:        "cn=newgrp,ou=groups,dc=example,dc=com",
		AddValues: map[string][]string{"memberUid": {"alice"}},
	})

	ops := Compile([]*Decision{create, update})
	require.Len(t, ops, 2)
	assert.Equal(t, OpAdd, ops[0].Type)
	assert.Equal(t, OpModify, ops[1].Type)
}
