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

// userAccountControl is the primary-directory account state bitfield.
const userAccountControlAttr = "userAccountControl"

// credentialAttrs never appear in manifests or logs in the clear.
var credentialAttrs = []string{"userPassword", "sambaNTPassword"}

// UserSync reconciles user accounts from the primary directory into the
// dependent directory: creation, attribute updates, objectClass repair, and
// enable/disable state transitions.
type UserSync struct {
	opts *Options
}

// NewUserSync builds the user-sync orchestrator.
func NewUserSync(opts *Options) *UserSync {
	return &UserSync{opts: opts}
}

// Run executes one full user reconciliation pass.
func (s *UserSync) Run(ctx context.Context) (*RunSummary, error) {
	state := newRunState(s.opts, "user-sync")
	cfg := s.opts.Config
	priSchema := cfg.Primary.Schema
	depSchema := cfg.Dependent.Schema

	generator, err := NewGenerator(CredentialPolicy{
		Length:       cfg.Settings.PasswordLength,
		SpecialChars: cfg.Settings.SpecialPasswordCharacters,
		BannedChars:  cfg.Settings.BannedPasswordChars,
	})
	if err != nil {
		return nil, fmt.Errorf("invalid credential policy: %w", err)
	}

	var primaryRaw, dependentRaw []*goldap.Entry
	err = fetchBoth(ctx,
		func(ctx context.Context) error {
			bases := priSchema.UserSyncOUs
			if len(bases) == 0 {
				bases = []string{ouDN(priSchema.UsersOU, priSchema.Base)}
			}
			for _, ou := range bases {
				base := ou
				if !strings.Contains(ou, "=") {
					base = ouDN(ou, priSchema.Base)
				}
				entries, err := searchAll(ctx, s.opts.Primary, base, classFilter(priSchema.Objects.User.ObjectClass))
				if err != nil {
					return err
				}
				primaryRaw = append(primaryRaw, entries...)
			}
			return nil
		},
		func(ctx context.Context) error {
			var err error
			dependentRaw, err = searchAll(ctx, s.opts.Dependent,
				ouDN(depSchema.UsersOU, depSchema.Base),
				classFilter(depSchema.Objects.User.ObjectClass))
			return err
		})
	if err != nil {
		return nil, err
	}

	primaryUsers, ingestFailures := IngestEntries(primaryRaw, ObjectUser, SourcePrimary, priSchema.Objects.User)
	for _, f := range ingestFailures {
		state.recordFailure("ingest", ObjectUser, f)
	}
	dependentUsers, ingestFailures := IngestEntries(dependentRaw, ObjectUser, SourceDependent, depSchema.Objects.User)
	for _, f := range ingestFailures {
		state.recordFailure("ingest", ObjectUser, f)
	}

	comparator := NewComparator(depSchema.ASCIIOnlyAttrs)

	userSchema := depSchema.Objects.User
	uidAlloc := NewAllocator(depSchema.NewUser.MinMemberNumber, collectUsedIDs(dependentUsers, userSchema.UIDNumber))
	var sidAlloc *Allocator
	if depSchema.SIDPrefix != "" && userSchema.SID != "" {
		sidAlloc = NewAllocator(depSchema.NewUser.MinMemberNumber, s.collectUsedRIDs(dependentUsers))
	}

	var creations, others []*Decision
	for _, name := range sortedNames(primaryUsers) {
		primary := primaryUsers[name]

		mapped, listed, never := s.opts.Exceptions.Resolve(name)
		if never {
			others = append(others, &Decision{
				Identifier: name,
				Kind:       ObjectUser,
				Action:     ActionSkipExcepted,
				Reason:     "exception table: never synchronized",
			})
			continue
		}

		dependent := dependentUsers[mapped]
		if listed && dependent == nil {
			state.recordFailure(name, ObjectUser,
				fmt.Errorf("exception target %q not found in dependent directory", mapped))
			continue
		}

		active, known := s.primaryActive(primary)

		if dependent == nil {
			if known && !active {
				// Inactive accounts are never provisioned.
				continue
			}
			decision, err := s.buildCreate(primary, mapped, comparator, generator, uidAlloc, sidAlloc)
			if err != nil {
				state.recordFailure(name, ObjectUser, err)
				continue
			}
			creations = append(creations, decision)
			continue
		}

		decisions, err := s.buildUpdates(primary, dependent, comparator, generator, sidAlloc, active, known)
		if err != nil {
			state.recordFailure(name, ObjectUser, err)
			continue
		}
		others = append(others, decisions...)
	}

	// Mass account creation is governed as one batch against the current
	// dependent population; updates and state flips are not counted.
	metrics := BatchMetrics{BatchSize: len(dependentUsers), Additions: len(creations)}
	if s.opts.thresholds().Evaluate(metrics) == VerdictOverrideRequired && !s.opts.OverrideAll {
		state.gated = append(state.gated, GatedBatch{
			Identifier: "user-creations",
			BatchSize:  metrics.BatchSize,
			Additions:  metrics.Additions,
		})
		for _, decision := range creations {
			decision.Action = ActionSkipOverride
			decision.Reason = fmt.Sprintf("creation batch of %d exceeds thresholds", len(creations))
			decision.ops = nil
		}
	}

	for _, decision := range append(creations, others...) {
		state.apply(ctx, decision)
	}

	return state.finish()
}

// primaryActive reports the primary account state. The second return is
// false when the state attribute is missing or unparseable, in which case
// no state transition is attempted.
func (s *UserSync) primaryActive(primary *Entry) (active, known bool) {
	raw := primary.Get(userAccountControlAttr).String()
	if raw == "" {
		return false, false
	}
	uac, err := strconv.Atoi(raw)
	if err != nil {
		return false, false
	}
	return slices.Contains(s.opts.Config.Settings.ActiveAccountControls, uac), true
}

// dependentActive reports whether the dependent account is enabled: an
// account matching every disable-mask value is disabled.
func (s *UserSync) dependentActive(dependent *Entry) (active, known bool) {
	mask := s.opts.Config.Dependent.Schema.DisableUserMask
	if len(mask) == 0 {
		return false, false
	}
	for attr, value := range mask {
		if dependent.Get(attr).String() != value {
			return true, true
		}
	}
	return false, true
}

func (s *UserSync) collectUsedRIDs(users map[string]*Entry) []int {
	schema := s.opts.Config.Dependent.Schema
	var rids []int
	for _, user := range users {
		sid := user.Get(schema.Objects.User.SID).String()
		if sid == "" {
			continue
		}
		rid, err := sidHandler.SplitSID(sid, schema.SIDPrefix)
		if err != nil {
			continue
		}
		rids = append(rids, rid)
	}
	return rids
}

// buildCreate assembles the creation decision for a primary account absent
// from the dependent directory.
func (s *UserSync) buildCreate(primary *Entry, name string, comparator *Comparator, generator *Generator, uidAlloc, sidAlloc *Allocator) (*Decision, error) {
	cfg := s.opts.Config
	depSchema := cfg.Dependent.Schema
	userSchema := depSchema.Objects.User

	attrs := map[string][]string{
		"objectClass":   slices.Clone(depSchema.NewUser.ObjectClasses),
		userSchema.Name: {name},
	}
	for attr, value := range depSchema.NewUser.Attributes {
		attrs[attr] = []string{value}
	}

	for srcAttr, dstAttr := range cfg.Primary.Schema.RemoteSyncedAttrs {
		if slices.Contains(depSchema.NotSyncedAttrs, dstAttr) {
			continue
		}
		if equal, value := comparator.Compare(primary.Get(srcAttr), Absent(), dstAttr); !equal {
			attrs[dstAttr] = value.Values()
		}
	}
	for srcAttr, dstAttr := range depSchema.LocalCopyAttrs {
		if values, ok := attrs[srcAttr]; ok {
			attrs[dstAttr] = values
		}
	}

	attrs[userSchema.UIDNumber] = []string{strconv.Itoa(uidAlloc.Next())}

	if sidAlloc != nil {
		attrs[userSchema.SID] = []string{sidHandler.FormatSID(depSchema.SIDPrefix, sidAlloc.NextSequential())}
	}

	password, err := generator.Generate()
	if err != nil {
		return nil, err
	}
	passwordHash, err := SSHA512Hash(password)
	if err != nil {
		return nil, err
	}
	attrs["userPassword"] = []string{passwordHash}
	if sidAlloc != nil {
		attrs["sambaNTPassword"] = []string{NTHash(password)}
	}

	// New accounts come up enabled; the state masks keep the toggle
	// attributes consistent from the start.
	for attr, value := range depSchema.EnableUserMask {
		attrs[attr] = []string{value}
	}

	decision := &Decision{
		Identifier: name,
		Kind:       ObjectUser,
		Action:     ActionCreate,
		After:      redactCredentials(attrs),
	}
	decision.AppendOperation(Operation{
		Type:       OpAdd,
		DN:         ldap.BuildDN(userSchema.Name, name, ouDN(depSchema.UsersOU, depSchema.Base)),
		Attributes: attrs,
	})
	return decision, nil
}

// buildUpdates assembles the update and state-transition decisions for an
// account present in both directories.
func (s *UserSync) buildUpdates(primary, dependent *Entry, comparator *Comparator, generator *Generator, sidAlloc *Allocator, primaryActive, stateKnown bool) ([]*Decision, error) {
	cfg := s.opts.Config
	depSchema := cfg.Dependent.Schema
	userSchema := depSchema.Objects.User

	var decisions []*Decision

	changes := comparator.Diff(primary, dependent, cfg.Primary.Schema.RemoteSyncedAttrs, depSchema.NotSyncedAttrs)
	comparator.ApplyLocalCopies(changes, dependent, depSchema.LocalCopyAttrs)

	replace := map[string][]string{}
	addValues := map[string][]string{}
	before := map[string][]string{}
	after := map[string][]string{}
	for attr, value := range changes {
		replace[attr] = value.Values()
		before[attr] = dependent.Get(attr).Values()
		after[attr] = value.Values()
	}

	// Repair accounts missing an objectClass from the new-user mask.
	// Gaining the security-identifier class also requires a SID and an NT
	// password hash.
	missing := missingClasses(dependent, depSchema.NewUser.ObjectClasses)
	if len(missing) > 0 {
		addValues["objectClass"] = missing
		before["objectClass"] = dependent.Get("objectClass").Values()
		after["objectClass"] = append(dependent.Get("objectClass").Values(), missing...)

		if sidAlloc != nil && !dependent.Has(userSchema.SID) {
			addValues[userSchema.SID] = []string{sidHandler.FormatSID(depSchema.SIDPrefix, sidAlloc.NextSequential())}
			password, err := generator.Generate()
			if err != nil {
				return nil, err
			}
			addValues["sambaNTPassword"] = []string{NTHash(password)}
		}
	}

	if len(replace) > 0 || len(addValues) > 0 {
		decision := &Decision{
			Identifier: dependent.Name,
			Kind:       ObjectUser,
			Action:     ActionUpdate,
			Changes:    changes,
			Before:     redactCredentials(before),
			After:      redactCredentials(after),
		}
		decision.AppendOperation(Operation{
			Type:          OpModify,
			DN:            dependent.DN,
			ReplaceValues: replace,
			AddValues:     addValues,
		})
		decisions = append(decisions, decision)
	}

	// State transitions are evaluated after attribute diffing; the mask is
	// applied wholesale and the credentials rotate with every flip.
	if stateKnown {
		if flip, err := s.buildStateFlip(dependent, generator, primaryActive); err != nil {
			return nil, err
		} else if flip != nil {
			decisions = append(decisions, flip)
		}
	}

	return decisions, nil
}

func (s *UserSync) buildStateFlip(dependent *Entry, generator *Generator, primaryActive bool) (*Decision, error) {
	dependentActive, known := s.dependentActive(dependent)
	if !known || dependentActive == primaryActive {
		return nil, nil
	}

	depSchema := s.opts.Config.Dependent.Schema
	mask := depSchema.DisableUserMask
	action := ActionDisable
	if primaryActive {
		mask = depSchema.EnableUserMask
		action = ActionEnable
	}

	replace := map[string][]string{}
	before := map[string][]string{}
	for attr, value := range mask {
		replace[attr] = []string{value}
		before[attr] = dependent.Get(attr).Values()
	}

	password, err := generator.Generate()
	if err != nil {
		return nil, err
	}
	passwordHash, err := SSHA512Hash(password)
	if err != nil {
		return nil, err
	}
	replace["userPassword"] = []string{passwordHash}
	if dependent.Has(depSchema.Objects.User.SID) {
		replace["sambaNTPassword"] = []string{NTHash(password)}
	}

	decision := &Decision{
		Identifier: dependent.Name,
		Kind:       ObjectUser,
		Action:     action,
		Before:     redactCredentials(before),
		After:      redactCredentials(replace),
	}
	decision.AppendOperation(Operation{
		Type:          OpModify,
		DN:            dependent.DN,
		ReplaceValues: replace,
	})
	return decision, nil
}

func missingClasses(entry *Entry, required []string) []string {
	current := entry.Get("objectClass").Values()
	var missing []string
	for _, class := range required {
		found := false
		for _, have := range current {
			if strings.EqualFold(have, class) {
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, class)
		}
	}
	return missing
}

// redactCredentials copies an attribute snapshot with credential values
// masked; plaintext and hashes never reach the manifest.
func redactCredentials(attrs map[string][]string) map[string][]string {
	redacted := make(map[string][]string, len(attrs))
	for attr, values := range attrs {
		if slices.Contains(credentialAttrs, attr) {
			redacted[attr] = []string{"[REDACTED]"}
			continue
		}
		redacted[attr] = values
	}
	return redacted
}
