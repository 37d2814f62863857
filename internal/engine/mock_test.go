package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	goldap "github.com/go-ldap/ldap/v3"

	"github.com/isometry/ad-ldap-sync/internal/config"
	"github.com/isometry/ad-ldap-sync/internal/ldap"
)

// fakeDirectory serves canned search results keyed by base DN and filter,
// and records every write.
type fakeDirectory struct {
	mu      sync.Mutex
	results map[string][]*goldap.Entry

	searchErr error

	adds     []*ldap.AddRequest
	modifies []*ldap.ModifyRequest
	deletes  []string
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{results: make(map[string][]*goldap.Entry)}
}

func searchKey(baseDN, filter string) string {
	return baseDN + "|" + filter
}

func (f *fakeDirectory) serve(baseDN, filter string, entries ...*goldap.Entry) {
	f.results[searchKey(baseDN, filter)] = entries
}

func (f *fakeDirectory) Connect(ctx context.Context) error { return nil }
func (f *fakeDirectory) Close() error                      { return nil }

func (f *fakeDirectory) Search(ctx context.Context, req *ldap.SearchRequest) (*ldap.SearchResult, error) {
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	entries := f.results[searchKey(req.BaseDN, req.Filter)]
	return &ldap.SearchResult{Entries: entries, Total: len(entries)}, nil
}

func (f *fakeDirectory) Add(ctx context.Context, req *ldap.AddRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.adds = append(f.adds, req)
	return nil
}

func (f *fakeDirectory) Modify(ctx context.Context, req *ldap.ModifyRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.modifies = append(f.modifies, req)
	return nil
}

func (f *fakeDirectory) Delete(ctx context.Context, dn string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, dn)
	return nil
}

func (f *fakeDirectory) Compare(ctx context.Context, dn, attribute, value string) (bool, error) {
	return false, nil
}

// memorySink collects manifest records and run summaries in memory.
type memorySink struct {
	mu        sync.Mutex
	records   []ManifestRecord
	summaries []RunSummary
}

func (s *memorySink) AppendManifest(record ManifestRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record)
	return nil
}

func (s *memorySink) WriteRunSummary(summary RunSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summaries = append(s.summaries, summary)
	return nil
}

func (s *memorySink) recordsFor(action Action) []ManifestRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ManifestRecord
	for _, r := range s.records {
		if r.Action == action {
			out = append(out, r)
		}
	}
	return out
}

// testConfig builds the configuration shared by the orchestrator tests.
func testConfig() *config.Config {
	return &config.Config{
		Settings: config.Settings{
			PasswordLength:            14,
			SpecialPasswordCharacters: "!%&*+-_",
			BannedPasswordChars:       "lI01O",
			TotalChangeThreshold:      30,
			AdditionsChangeThreshold:  30,
			DeletionsChangeThreshold:  15,
			SmallGroupBlindUpdate:     10,
			MaxGroupDepth:             20,
			ActiveAccountControls:     []int{512, 66048},
		},
		Primary: config.Directory{
			URL: "ldaps://ad.example.com",
			Schema: config.Schema{
				Base:     "dc=ad,dc=example",
				UsersOU:  "staff",
				GroupsOU: "groups",
				Objects: config.Objects{
					User: config.ObjectSchema{
						Name:        "sAMAccountName",
						ObjectClass: "user",
						Country:     "c",
					},
					Group: config.ObjectSchema{
						Name:        "cn",
						ObjectClass: "group",
						Members:     "member",
						GIDNumber:   "gidNumber",
					},
				},
				RemoteSyncedAttrs: map[string]string{
					"givenName": "givenName",
					"sn":        "sn",
					"gecos":     "gecos",
				},
			},
		},
		Dependent: config.Directory{
			URL: "ldaps://ldap.example.com",
			Schema: config.Schema{
				Base:      "dc=example,dc=com",
				UsersOU:   "users",
				GroupsOU:  "groups",
				SIDPrefix: "S-1-5-21-1-2-3",
				Objects: config.Objects{
					User: config.ObjectSchema{
						Name:        "uid",
						ObjectClass: "posixAccount",
						UIDNumber:   "uidNumber",
						GIDNumber:   "gidNumber",
						SID:         "sambaSID",
					},
					Group: config.ObjectSchema{
						Name:        "cn",
						ObjectClass: "posixGroup",
						Members:     "memberUid",
						GIDNumber:   "gidNumber",
					},
				},
				ASCIIOnlyAttrs:  []string{"gecos"},
				EnableUserMask:  map[string]string{"loginShell": "/bin/bash"},
				DisableUserMask: map[string]string{"loginShell": "/sbin/nologin"},
				NewUser: config.NewObjectMask{
					ObjectClasses:   []string{"posixAccount", "sambaSamAccount"},
					Attributes:      map[string]string{"homeDirectory": "/home/new"},
					MinMemberNumber: 10000,
				},
				NewGroup: config.NewObjectMask{
					ObjectClasses:   []string{"posixGroup"},
					MinMemberNumber: 20000,
				},
			},
		},
	}
}

func testOptions(cfg *config.Config, primary, dependent *fakeDirectory, sink *memorySink) *Options {
	return &Options{
		Config:     cfg,
		Primary:    primary,
		Dependent:  dependent,
		Sink:       sink,
		Log:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		Exceptions: ExceptionTable{},
		Countries:  CountryPolicy{},
		RunID:      "test-run",
	}
}

// adUser builds a primary-directory user entry.
func adUser(name string, uac int, attrs map[string][]string) *goldap.Entry {
	all := map[string][]string{
		"sAMAccountName":     {name},
		"userAccountControl": {fmt.Sprintf("%d", uac)},
	}
	for k, v := range attrs {
		all[k] = v
	}
	return goldap.NewEntry(fmt.Sprintf("CN=%s,OU=staff,DC=ad,DC=example", name), all)
}

// ldapUser builds a dependent-directory user entry.
func ldapUser(name, uidNumber string, attrs map[string][]string) *goldap.Entry {
	all := map[string][]string{
		"uid":         {name},
		"uidNumber":   {uidNumber},
		"objectClass": {"posixAccount", "sambaSamAccount"},
		"loginShell":  {"/bin/bash"},
		"sambaSID":    {"S-1-5-21-1-2-3-" + uidNumber},
	}
	for k, v := range attrs {
		all[k] = v
	}
	return goldap.NewEntry(fmt.Sprintf("uid=%s,ou=users,dc=example,dc=com", name), all)
}

func adGroup(name string, gid string, memberDNs ...string) *goldap.Entry {
	attrs := map[string][]string{
		"cn":     {name},
		"member": memberDNs,
	}
	if gid != "" {
		attrs["gidNumber"] = []string{gid}
	}
	return goldap.NewEntry(fmt.Sprintf("CN=%s,OU=groups,DC=ad,DC=example", name), attrs)
}

func ldapGroup(name, gid string, memberUids ...string) *goldap.Entry {
	return goldap.NewEntry(fmt.Sprintf("cn=%s,ou=groups,dc=example,dc=com", name), map[string][]string{
		"cn":        {name},
		"gidNumber": {gid},
		"memberUid": memberUids,
	})
}
