package engine

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"

	goldap "github.com/go-ldap/ldap/v3"

	"github.com/isometry/ad-ldap-sync/internal/ldap"
)

// GroupSync reconciles group membership from the primary directory into the
// dependent directory: missing-group creation, numeric-identifier
// writeback, nested membership flattening, and threshold-governed
// membership updates.
type GroupSync struct {
	opts *Options
}

// NewGroupSync builds the group-sync orchestrator.
func NewGroupSync(opts *Options) *GroupSync {
	return &GroupSync{opts: opts}
}

// Run executes one full group reconciliation pass.
func (s *GroupSync) Run(ctx context.Context) (*RunSummary, error) {
	state := newRunState(s.opts, "group-sync")
	cfg := s.opts.Config
	priSchema := cfg.Primary.Schema
	depSchema := cfg.Dependent.Schema

	var primaryGroupsRaw, primaryUsersRaw, dependentGroupsRaw, dependentUsersRaw []*goldap.Entry
	err := fetchBoth(ctx,
		func(ctx context.Context) error {
			var err error
			primaryGroupsRaw, err = searchAll(ctx, s.opts.Primary,
				ouDN(priSchema.GroupsOU, priSchema.Base),
				classFilter(priSchema.Objects.Group.ObjectClass))
			if err != nil {
				return err
			}
			primaryUsersRaw, err = searchAll(ctx, s.opts.Primary,
				priSchema.Base,
				classFilter(priSchema.Objects.User.ObjectClass))
			return err
		},
		func(ctx context.Context) error {
			var err error
			dependentGroupsRaw, err = searchAll(ctx, s.opts.Dependent,
				ouDN(depSchema.GroupsOU, depSchema.Base),
				classFilter(depSchema.Objects.Group.ObjectClass))
			if err != nil {
				return err
			}
			dependentUsersRaw, err = searchAll(ctx, s.opts.Dependent,
				ouDN(depSchema.UsersOU, depSchema.Base),
				classFilter(depSchema.Objects.User.ObjectClass))
			return err
		})
	if err != nil {
		return nil, err
	}

	primaryGroups, failures := IngestEntries(primaryGroupsRaw, ObjectGroup, SourcePrimary, priSchema.Objects.Group)
	for _, f := range failures {
		state.recordFailure("ingest", ObjectGroup, f)
	}
	primaryUsers, failures := IngestEntries(primaryUsersRaw, ObjectUser, SourcePrimary, priSchema.Objects.User)
	for _, f := range failures {
		state.recordFailure("ingest", ObjectUser, f)
	}
	dependentGroups, failures := IngestEntries(dependentGroupsRaw, ObjectGroup, SourceDependent, depSchema.Objects.Group)
	for _, f := range failures {
		state.recordFailure("ingest", ObjectGroup, f)
	}
	dependentUsers, failures := IngestEntries(dependentUsersRaw, ObjectUser, SourceDependent, depSchema.Objects.User)
	for _, f := range failures {
		state.recordFailure("ingest", ObjectUser, f)
	}

	graph := s.buildGraph(primaryGroups, primaryUsers)
	gidAlloc := NewAllocator(depSchema.NewGroup.MinMemberNumber, collectUsedIDs(dependentGroups, depSchema.Objects.Group.GIDNumber))

	var decisions []*Decision
	for _, name := range sortedNames(primaryGroups) {
		primary := primaryGroups[name]
		dependent := dependentGroups[name]

		currentMembers := []string{}
		groupDN := ""

		if dependent == nil {
			decisions = append(decisions, s.buildGroupCreate(primary, name, gidAlloc)...)
			groupDN = ldap.BuildDN(depSchema.Objects.Group.Name, name, ouDN(depSchema.GroupsOU, depSchema.Base))
		} else {
			ok, writeback := s.checkGIDGate(primary, dependent)
			if !ok {
				state.recordFailure(name, ObjectGroup, fmt.Errorf(
					"gidNumber mismatch between directories (%s vs %s)",
					primary.Get(priSchema.Objects.Group.GIDNumber).String(),
					dependent.Get(depSchema.Objects.Group.GIDNumber).String()))
				continue
			}
			if writeback != nil {
				decisions = append(decisions, writeback)
			}
			for _, member := range dependent.Get(depSchema.Objects.Group.Members).Values() {
				currentMembers = append(currentMembers, strings.ToLower(member))
			}
			groupDN = dependent.DN
		}

		membership, skips, err := s.buildMembership(primary, name, groupDN, currentMembers, graph, primaryUsers, dependentUsers, state)
		if err != nil {
			state.recordFailure(name, ObjectGroup, err)
			continue
		}
		decisions = append(decisions, skips...)
		if membership != nil {
			decisions = append(decisions, membership)
		}
	}

	for _, decision := range decisions {
		state.apply(ctx, decision)
	}

	return state.finish()
}

// buildGraph assembles the nested-membership graph from primary search
// results. Member DNs resolve to group or user names; anything else is
// logged and dropped.
func (s *GroupSync) buildGraph(groups, users map[string]*Entry) *MembershipGraph {
	membersAttr := s.opts.Config.Primary.Schema.Objects.Group.Members

	groupsByDN := make(map[string]string, len(groups))
	for name, group := range groups {
		groupsByDN[strings.ToLower(group.DN)] = name
	}
	usersByDN := make(map[string]string, len(users))
	for name, user := range users {
		usersByDN[strings.ToLower(user.DN)] = name
	}

	graph := NewMembershipGraph()
	for name, group := range groups {
		var members []string
		for _, memberDN := range group.Get(membersAttr).Values() {
			dn := strings.ToLower(memberDN)
			if memberName, ok := groupsByDN[dn]; ok {
				members = append(members, memberName)
				continue
			}
			if memberName, ok := usersByDN[dn]; ok {
				members = append(members, memberName)
				continue
			}
			s.opts.Log.Warn("group member not found in primary snapshot", "group", name, "member_dn", memberDN)
		}
		graph.AddGroup(name, members)
	}
	return graph
}

// buildGroupCreate assembles the creation decision for a primary group
// absent from the dependent directory, plus the primary-directory
// gidNumber writeback when the primary group carries none.
func (s *GroupSync) buildGroupCreate(primary *Entry, name string, gidAlloc *Allocator) []*Decision {
	cfg := s.opts.Config
	priSchema := cfg.Primary.Schema
	depSchema := cfg.Dependent.Schema
	groupSchema := depSchema.Objects.Group

	var gid int
	priGID := primary.Get(priSchema.Objects.Group.GIDNumber).String()
	needsWriteback := false
	if parsed, err := strconv.Atoi(priGID); err == nil {
		gid = parsed
		gidAlloc.Register(gid)
	} else {
		gid = gidAlloc.Next()
		needsWriteback = priSchema.Objects.Group.GIDNumber != ""
	}

	attrs := map[string][]string{
		"objectClass":         slices.Clone(depSchema.NewGroup.ObjectClasses),
		groupSchema.Name:      {name},
		groupSchema.GIDNumber: {strconv.Itoa(gid)},
	}
	for attr, value := range depSchema.NewGroup.Attributes {
		attrs[attr] = []string{value}
	}

	decision := &Decision{
		Identifier: name,
		Kind:       ObjectGroup,
		Action:     ActionCreate,
		After:      attrs,
	}
	decision.AppendOperation(Operation{
		Type:       OpAdd,
		DN:         ldap.BuildDN(groupSchema.Name, name, ouDN(depSchema.GroupsOU, depSchema.Base)),
		Attributes: attrs,
	})
	decisions := []*Decision{decision}

	if needsWriteback {
		writeback := &Decision{
			Identifier: name,
			Kind:       ObjectGroup,
			Action:     ActionUpdate,
			Reason:     "gidNumber written back to primary directory",
			After:      map[string][]string{priSchema.Objects.Group.GIDNumber: {strconv.Itoa(gid)}},
		}
		writeback.AppendOperation(Operation{
			Type:          OpModify,
			DN:            primary.DN,
			ReplaceValues: map[string][]string{priSchema.Objects.Group.GIDNumber: {strconv.Itoa(gid)}},
			Target:        SourcePrimary,
		})
		decisions = append(decisions, writeback)
	}

	return decisions
}

// checkGIDGate enforces that a group present in both directories agrees on
// its numeric identifier before any membership sync. A primary group
// without one gets the dependent value written back.
func (s *GroupSync) checkGIDGate(primary, dependent *Entry) (bool, *Decision) {
	priAttr := s.opts.Config.Primary.Schema.Objects.Group.GIDNumber
	depAttr := s.opts.Config.Dependent.Schema.Objects.Group.GIDNumber

	priGID := primary.Get(priAttr).String()
	depGID := dependent.Get(depAttr).String()

	if priGID == "" && depGID != "" && priAttr != "" {
		writeback := &Decision{
			Identifier: primary.Name,
			Kind:       ObjectGroup,
			Action:     ActionUpdate,
			Reason:     "gidNumber written back to primary directory",
			After:      map[string][]string{priAttr: {depGID}},
		}
		writeback.AppendOperation(Operation{
			Type:          OpModify,
			DN:            primary.DN,
			ReplaceValues: map[string][]string{priAttr: {depGID}},
			Target:        SourcePrimary,
		})
		return true, writeback
	}

	if priGID != "" && depGID != "" && priGID != depGID {
		return false, nil
	}
	return true, nil
}

// buildMembership computes the membership diff for one group and wraps it
// in a governed decision. It returns the membership decision (nil when
// nothing changes) plus skip decisions for members excluded by policy.
func (s *GroupSync) buildMembership(primary *Entry, name, groupDN string, currentMembers []string, graph *MembershipGraph, primaryUsers, dependentUsers map[string]*Entry, state *runState) (*Decision, []*Decision, error) {
	cfg := s.opts.Config
	depSchema := cfg.Dependent.Schema
	membersAttr := depSchema.Objects.Group.Members
	countryAttr := cfg.Primary.Schema.Objects.User.Country

	flattened, err := graph.Flatten(name, cfg.Settings.MaxGroupDepth)
	if err != nil {
		return nil, nil, err
	}

	var skips []*Decision
	desired := make([]string, 0, len(flattened))
	excepted := make(map[string]bool)

	for _, member := range flattened {
		mapped, listed, never := s.opts.Exceptions.Resolve(member)
		if never {
			skips = append(skips, &Decision{
				Identifier: member,
				Kind:       ObjectUser,
				Action:     ActionSkipExcepted,
				Reason:     fmt.Sprintf("exception table: excluded from group %s", name),
			})
			continue
		}

		if s.opts.Countries.Controlled(name) {
			country := ""
			if user, ok := primaryUsers[member]; ok && countryAttr != "" {
				country = user.Get(countryAttr).String()
			}
			if !s.opts.Countries.Allowed(name, country) {
				skips = append(skips, &Decision{
					Identifier: member,
					Kind:       ObjectUser,
					Action:     ActionSkipExcepted,
					Reason:     fmt.Sprintf("country %s not permitted in group %s", country, name),
				})
				continue
			}
		}

		if _, ok := dependentUsers[mapped]; !ok {
			state.recordFailure(mapped, ObjectUser,
				fmt.Errorf("member of group %s not found in dependent directory", name))
			continue
		}

		desired = append(desired, mapped)
		if listed {
			excepted[mapped] = true
		}
	}
	slices.Sort(desired)
	desired = slices.Compact(desired)

	additions := difference(desired, currentMembers)
	deletions := difference(currentMembers, desired)
	if len(additions) == 0 && len(deletions) == 0 {
		return nil, skips, nil
	}

	// Exception-listed members are excluded from threshold counting; their
	// handling is tracked explicitly through the manifest.
	metrics := BatchMetrics{
		BatchSize: len(currentMembers),
		Additions: countExcluding(additions, excepted),
		Deletions: countExcluding(deletions, excepted),
	}

	decision := &Decision{
		Identifier: name,
		Kind:       ObjectGroup,
		Additions:  len(additions),
		Deletions:  len(deletions),
		Before:     map[string][]string{membersAttr: currentMembers},
		After:      map[string][]string{membersAttr: desired},
	}

	if s.opts.thresholds().Evaluate(metrics) == VerdictOverrideRequired && !s.opts.overrideAuthorized(name) {
		state.gated = append(state.gated, GatedBatch{
			Identifier: name,
			BatchSize:  metrics.BatchSize,
			Additions:  len(additions),
			Deletions:  len(deletions),
		})
		decision.Action = ActionSkipOverride
		decision.Reason = fmt.Sprintf("%d additions / %d deletions against %d members exceeds thresholds",
			len(additions), len(deletions), len(currentMembers))
		return decision, skips, nil
	}

	decision.Action = ActionUpdate
	if len(deletions) > 0 {
		decision.AppendOperation(Operation{
			Type:         OpModify,
			DN:           groupDN,
			DeleteValues: map[string][]string{membersAttr: deletions},
		})
	}
	if len(additions) > 0 {
		decision.AppendOperation(Operation{
			Type:      OpModify,
			DN:        groupDN,
			AddValues: map[string][]string{membersAttr: additions},
		})
	}
	return decision, skips, nil
}

// difference returns the elements of a not present in b, preserving order.
func difference(a, b []string) []string {
	inB := make(map[string]bool, len(b))
	for _, v := range b {
		inB[v] = true
	}
	var out []string
	for _, v := range a {
		if !inB[v] {
			out = append(out, v)
		}
	}
	return out
}

func countExcluding(members []string, excluded map[string]bool) int {
	count := 0
	for _, member := range members {
		if !excluded[member] {
			count++
		}
	}
	return count
}
