package engine

import (
	"fmt"
	"strings"

	goldap "github.com/go-ldap/ldap/v3"

	"github.com/isometry/ad-ldap-sync/internal/config"
	"github.com/isometry/ad-ldap-sync/internal/ldap"
)

var sidHandler = ldap.NewSIDHandler()

// IngestEntry converts a raw directory search result into a normalized
// Entry. The naming attribute from the object schema becomes the lowercased
// Name; objectSid binary values are decoded into their string form at this
// point so downstream code only ever sees S-1-5-21 strings.
func IngestEntry(raw *goldap.Entry, kind ObjectKind, source Source, schema config.ObjectSchema) (*Entry, error) {
	if raw == nil {
		return nil, fmt.Errorf("cannot ingest nil entry")
	}

	entry := &Entry{
		DN:     raw.DN,
		Kind:   kind,
		Source: source,
		Attrs:  make(map[string]Value, len(raw.Attributes)),
	}

	for _, attr := range raw.Attributes {
		if strings.EqualFold(attr.Name, "objectSid") {
			sid, err := sidHandler.ExtractSID(raw, attr.Name)
			if err != nil {
				return nil, fmt.Errorf("entry %s: %w", raw.DN, err)
			}
			entry.Attrs[attr.Name] = Scalar(sid)
			continue
		}
		entry.Attrs[attr.Name] = List(attr.Values)
	}

	name := entry.Get(schema.Name).String()
	if name == "" {
		return nil, fmt.Errorf("entry %s: missing naming attribute %s", raw.DN, schema.Name)
	}
	entry.Name = strings.ToLower(name)

	return entry, nil
}

// IngestEntries converts a search result set, returning the entries keyed by
// lowercased name together with the per-entry failures. Duplicate names
// within one result set are a failure for the later entry.
func IngestEntries(results []*goldap.Entry, kind ObjectKind, source Source, schema config.ObjectSchema) (map[string]*Entry, []error) {
	entries := make(map[string]*Entry, len(results))
	var failures []error

	for _, raw := range results {
		entry, err := IngestEntry(raw, kind, source, schema)
		if err != nil {
			failures = append(failures, err)
			continue
		}
		if _, exists := entries[entry.Name]; exists {
			failures = append(failures, fmt.Errorf("entry %s: duplicate name %q", raw.DN, entry.Name))
			continue
		}
		entries[entry.Name] = entry
	}

	return entries, failures
}
