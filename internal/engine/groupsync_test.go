package engine

import (
	"context"
	"fmt"
	"strconv"
	"testing"

	goldap "github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	adGroupBase    = "ou=groups,dc=ad,dc=example"
	adGroupFilter  = "(objectClass=group)"
	adGraphBase    = "dc=ad,dc=example"
	ldapGroupBase  = "ou=groups,dc=example,dc=com"
	ldapGroupQuery = "(objectClass=posixGroup)"
)

func adUserDN(name string) string {
	return fmt.Sprintf("CN=%s,OU=staff,DC=ad,DC=example", name)
}

func adGroupDN(name string) string {
	return fmt.Sprintf("CN=%s,OU=groups,DC=ad,DC=example", name)
}

// serveGroupRun loads all four snapshots into the fake directories.
func serveGroupRun(primary, dependent *fakeDirectory, adGroups, adUsers, ldapGroups, ldapUsers []*goldap.Entry) {
	primary.serve(adGroupBase, adGroupFilter, adGroups...)
	primary.serve(adGraphBase, adUserFilter, adUsers...)
	dependent.serve(ldapGroupBase, ldapGroupQuery, ldapGroups...)
	dependent.serve(ldapUserBase, ldapUserQuery, ldapUsers...)
}

func TestGroupSync_MembershipUpdateOrdersDeletesFirst(t *testing.T) {
	primary := newFakeDirectory()
	dependent := newFakeDirectory()
	sink := &memorySink{}

	serveGroupRun(primary, dependent,
		[]*goldap.Entry{adGroup("eng", "20000", adUserDN("alice"), adUserDN("bob"))},
		[]*goldap.Entry{adUser("alice", 512, nil), adUser("bob", 512, nil)},
		[]*goldap.Entry{ldapGroup("eng", "20000", "bob", "carol")},
		[]*goldap.Entry{
			ldapUser("alice", "10000", nil),
			ldapUser("bob", "10001", nil),
			ldapUser("carol", "10002", nil),
		})

	summary, err := NewGroupSync(testOptions(testConfig(), primary, dependent, sink)).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, summary.Success)
	assert.Equal(t, 1, summary.Applied)

	require.Len(t, dependent.modifies, 2)
	assert.Equal(t, map[string][]string{"memberUid": {"carol"}}, dependent.modifies[0].DeleteAttributes,
		"departures leave before arrivals join")
	assert.Equal(t, map[string][]string{"memberUid": {"alice"}}, dependent.modifies[1].AddAttributes)
	assert.Equal(t, "cn=eng,ou=groups,dc=example,dc=com", dependent.modifies[0].DN)
}

func TestGroupSync_FlattensNestedGroups(t *testing.T) {
	primary := newFakeDirectory()
	dependent := newFakeDirectory()
	sink := &memorySink{}

	serveGroupRun(primary, dependent,
		[]*goldap.Entry{
			adGroup("all", "20001", adGroupDN("eng"), adUserDN("carol")),
			adGroup("eng", "20000", adUserDN("alice"), adUserDN("bob")),
		},
		[]*goldap.Entry{
			adUser("alice", 512, nil),
			adUser("bob", 512, nil),
			adUser("carol", 512, nil),
		},
		[]*goldap.Entry{
			ldapGroup("all", "20001"),
			ldapGroup("eng", "20000", "alice", "bob"),
		},
		[]*goldap.Entry{
			ldapUser("alice", "10000", nil),
			ldapUser("bob", "10001", nil),
			ldapUser("carol", "10002", nil),
		})

	summary, err := NewGroupSync(testOptions(testConfig(), primary, dependent, sink)).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, summary.Success)

	require.Len(t, dependent.modifies, 1)
	assert.Equal(t, "cn=all,ou=groups,dc=example,dc=com", dependent.modifies[0].DN)
	assert.Equal(t, map[string][]string{"memberUid": {"alice", "bob", "carol"}},
		dependent.modifies[0].AddAttributes, "nested groups resolve to their user members")
}

func TestGroupSync_CreatesMissingGroupWithWriteback(t *testing.T) {
	primary := newFakeDirectory()
	dependent := newFakeDirectory()
	sink := &memorySink{}

	serveGroupRun(primary, dependent,
		[]*goldap.Entry{adGroup("newgrp", "", adUserDN("alice"))},
		[]*goldap.Entry{adUser("alice", 512, nil)},
		nil,
		[]*goldap.Entry{ldapUser("alice", "10000", nil)})

	summary, err := NewGroupSync(testOptions(testConfig(), primary, dependent, sink)).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, summary.Success)

	require.Len(t, dependent.adds, 1)
	add := dependent.adds[0]
	assert.Equal(t, "cn=newgrp,ou=groups,dc=example,dc=com", add.DN)
	assert.Equal(t, []string{"posixGroup"}, add.Attributes["objectClass"])
	assert.Equal(t, []string{"20000"}, add.Attributes["gidNumber"], "first identifier at the floor")

	require.Len(t, primary.modifies, 1, "allocated gidNumber written back to the primary directory")
	assert.Equal(t, adGroupDN("newgrp"), primary.modifies[0].DN)
	assert.Equal(t, map[string][]string{"gidNumber": {"20000"}}, primary.modifies[0].ReplaceAttributes)

	require.Len(t, dependent.modifies, 1)
	assert.Equal(t, map[string][]string{"memberUid": {"alice"}}, dependent.modifies[0].AddAttributes)
}

func TestGroupSync_CreateKeepsPrimaryGID(t *testing.T) {
	primary := newFakeDirectory()
	dependent := newFakeDirectory()
	sink := &memorySink{}

	serveGroupRun(primary, dependent,
		[]*goldap.Entry{adGroup("haspgid", "31337")},
		nil, nil, nil)

	summary, err := NewGroupSync(testOptions(testConfig(), primary, dependent, sink)).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, summary.Success)

	require.Len(t, dependent.adds, 1)
	assert.Equal(t, []string{"31337"}, dependent.adds[0].Attributes["gidNumber"])
	assert.Empty(t, primary.modifies, "no writeback when the primary already carries a gidNumber")
}

func TestGroupSync_GIDMismatchFailsGroup(t *testing.T) {
	primary := newFakeDirectory()
	dependent := newFakeDirectory()
	sink := &memorySink{}

	serveGroupRun(primary, dependent,
		[]*goldap.Entry{adGroup("eng", "20001", adUserDN("alice"))},
		[]*goldap.Entry{adUser("alice", 512, nil)},
		[]*goldap.Entry{ldapGroup("eng", "20002")},
		[]*goldap.Entry{ldapUser("alice", "10000", nil)})

	summary, err := NewGroupSync(testOptions(testConfig(), primary, dependent, sink)).Run(context.Background())
	require.NoError(t, err)
	assert.False(t, summary.Success)
	assert.Equal(t, 1, summary.Failed)
	assert.Empty(t, dependent.modifies, "no membership sync past a gidNumber mismatch")
}

func TestGroupSync_WritesBackMissingPrimaryGID(t *testing.T) {
	primary := newFakeDirectory()
	dependent := newFakeDirectory()
	sink := &memorySink{}

	serveGroupRun(primary, dependent,
		[]*goldap.Entry{adGroup("eng", "", adUserDN("alice"))},
		[]*goldap.Entry{adUser("alice", 512, nil)},
		[]*goldap.Entry{ldapGroup("eng", "20005", "alice")},
		[]*goldap.Entry{ldapUser("alice", "10000", nil)})

	summary, err := NewGroupSync(testOptions(testConfig(), primary, dependent, sink)).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, summary.Success)

	require.Len(t, primary.modifies, 1)
	assert.Equal(t, map[string][]string{"gidNumber": {"20005"}}, primary.modifies[0].ReplaceAttributes)
	assert.Empty(t, dependent.modifies, "membership already in sync")
}

func TestGroupSync_GatesLargeDeletions(t *testing.T) {
	var adUsers, ldapUsers []*goldap.Entry
	var keptDNs []string
	var current []string
	for i := 0; i < 20; i++ {
		name := fmt.Sprintf("user%02d", i)
		adUsers = append(adUsers, adUser(name, 512, nil))
		ldapUsers = append(ldapUsers, ldapUser(name, strconv.Itoa(10000+i), nil))
		current = append(current, name)
		if i < 15 {
			keptDNs = append(keptDNs, adUserDN(name))
		}
	}

	primary := newFakeDirectory()
	dependent := newFakeDirectory()
	sink := &memorySink{}
	serveGroupRun(primary, dependent,
		[]*goldap.Entry{adGroup("big", "20000", keptDNs...)},
		adUsers,
		[]*goldap.Entry{ldapGroup("big", "20000", current...)},
		ldapUsers)

	summary, err := NewGroupSync(testOptions(testConfig(), primary, dependent, sink)).Run(context.Background())
	require.NoError(t, err)

	assert.Empty(t, dependent.modifies, "gated group applies nothing")
	require.Len(t, summary.Gated, 1)
	assert.Equal(t, "big", summary.Gated[0].Identifier)
	assert.Equal(t, 20, summary.Gated[0].BatchSize)
	assert.Equal(t, 5, summary.Gated[0].Deletions)
	require.Len(t, sink.recordsFor(ActionSkipOverride), 1)

	t.Run("per-group override authorizes the batch", func(t *testing.T) {
		dependent := newFakeDirectory()
		sink := &memorySink{}
		serveGroupRun(primary, dependent,
			[]*goldap.Entry{adGroup("big", "20000", keptDNs...)},
			adUsers,
			[]*goldap.Entry{ldapGroup("big", "20000", current...)},
			ldapUsers)

		opts := testOptions(testConfig(), primary, dependent, sink)
		opts.OverrideGroups = []string{"big"}

		summary, err := NewGroupSync(opts).Run(context.Background())
		require.NoError(t, err)
		assert.Empty(t, summary.Gated)
		require.Len(t, dependent.modifies, 1)
		assert.Len(t, dependent.modifies[0].DeleteAttributes["memberUid"], 5)
	})
}

func TestGroupSync_CountryControlExcludesMembers(t *testing.T) {
	primary := newFakeDirectory()
	dependent := newFakeDirectory()
	sink := &memorySink{}

	serveGroupRun(primary, dependent,
		[]*goldap.Entry{adGroup("secure", "20000",
			adUserDN("alice"), adUserDN("bob"), adUserDN("carol"))},
		[]*goldap.Entry{
			adUser("alice", 512, map[string][]string{"c": {"US"}}),
			adUser("bob", 512, map[string][]string{"c": {"DE"}}),
			adUser("carol", 512, nil),
		},
		[]*goldap.Entry{ldapGroup("secure", "20000")},
		[]*goldap.Entry{
			ldapUser("alice", "10000", nil),
			ldapUser("bob", "10001", nil),
			ldapUser("carol", "10002", nil),
		})

	opts := testOptions(testConfig(), primary, dependent, sink)
	opts.Countries = CountryPolicy{"secure": {"US"}}

	summary, err := NewGroupSync(opts).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, summary.Success)

	require.Len(t, dependent.modifies, 1)
	assert.Equal(t, map[string][]string{"memberUid": {"alice", "carol"}},
		dependent.modifies[0].AddAttributes, "untagged members pass, disallowed countries do not")

	skips := sink.recordsFor(ActionSkipExcepted)
	require.Len(t, skips, 1)
	assert.Equal(t, "bob", skips[0].Identifier)
	assert.Contains(t, skips[0].Reason, "country DE")
}

func TestGroupSync_ExceptionNeverMemberExcluded(t *testing.T) {
	primary := newFakeDirectory()
	dependent := newFakeDirectory()
	sink := &memorySink{}

	serveGroupRun(primary, dependent,
		[]*goldap.Entry{adGroup("eng", "20000", adUserDN("alice"), adUserDN("svc-bot"))},
		[]*goldap.Entry{adUser("alice", 512, nil), adUser("svc-bot", 512, nil)},
		[]*goldap.Entry{ldapGroup("eng", "20000")},
		[]*goldap.Entry{ldapUser("alice", "10000", nil)})

	opts := testOptions(testConfig(), primary, dependent, sink)
	opts.Exceptions = ExceptionTable{"svc-bot": ExceptionNever}

	summary, err := NewGroupSync(opts).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, summary.Success)

	require.Len(t, dependent.modifies, 1)
	assert.Equal(t, map[string][]string{"memberUid": {"alice"}}, dependent.modifies[0].AddAttributes)
	require.Len(t, sink.recordsFor(ActionSkipExcepted), 1)
}

func TestGroupSync_MissingDependentMemberFails(t *testing.T) {
	primary := newFakeDirectory()
	dependent := newFakeDirectory()
	sink := &memorySink{}

	serveGroupRun(primary, dependent,
		[]*goldap.Entry{adGroup("eng", "20000", adUserDN("alice"), adUserDN("dave"))},
		[]*goldap.Entry{adUser("alice", 512, nil), adUser("dave", 512, nil)},
		[]*goldap.Entry{ldapGroup("eng", "20000")},
		[]*goldap.Entry{ldapUser("alice", "10000", nil)})

	summary, err := NewGroupSync(testOptions(testConfig(), primary, dependent, sink)).Run(context.Background())
	require.NoError(t, err)
	assert.False(t, summary.Success)
	assert.Equal(t, 1, summary.Failed)

	require.Len(t, dependent.modifies, 1, "remaining members still reconcile")
	assert.Equal(t, map[string][]string{"memberUid": {"alice"}}, dependent.modifies[0].AddAttributes)
}

func TestGroupSync_DepthExceededFailsGroup(t *testing.T) {
	cfg := testConfig()
	cfg.Settings.MaxGroupDepth = 1

	primary := newFakeDirectory()
	dependent := newFakeDirectory()
	sink := &memorySink{}

	serveGroupRun(primary, dependent,
		[]*goldap.Entry{
			adGroup("outer", "20001", adGroupDN("inner")),
			adGroup("inner", "20000", adUserDN("alice")),
		},
		[]*goldap.Entry{adUser("alice", 512, nil)},
		[]*goldap.Entry{
			ldapGroup("outer", "20001"),
			ldapGroup("inner", "20000"),
		},
		[]*goldap.Entry{ldapUser("alice", "10000", nil)})

	summary, err := NewGroupSync(testOptions(cfg, primary, dependent, sink)).Run(context.Background())
	require.NoError(t, err)
	assert.False(t, summary.Success, "outer exceeds the nesting limit")
	assert.Equal(t, 1, summary.Failed)
}
