package ldap

import (
	"fmt"
	"strconv"
	"strings"

	objectsid "github.com/bwmarrin/go-objectsid"
	"github.com/go-ldap/ldap/v3"
)

// SIDHandler provides SID operations for Active Directory and Samba.
// Active Directory stores SIDs in binary format that needs to be converted to
// human-readable strings; Samba schema attributes carry the string form.
type SIDHandler struct{}

// NewSIDHandler creates a new SID handler instance.
func NewSIDHandler() *SIDHandler {
	return &SIDHandler{}
}

// ConvertBinarySIDToString converts a binary SID to its string representation
// (S-1-5-21-... format).
func (s *SIDHandler) ConvertBinarySIDToString(binarySID []byte) (string, error) {
	if len(binarySID) == 0 {
		return "", fmt.Errorf("binary SID cannot be empty")
	}
	sid := objectsid.Decode(binarySID)
	return sid.String(), nil
}

// ExtractSID extracts a SID attribute from an LDAP entry and returns it as a
// string. Handles both binary SID data (objectSid from Active Directory) and
// string SID values (sambaSID from OpenLDAP).
func (s *SIDHandler) ExtractSID(entry *ldap.Entry, attribute string) (string, error) {
	if entry == nil {
		return "", fmt.Errorf("LDAP entry cannot be nil")
	}

	sidBytes := entry.GetRawAttributeValue(attribute)
	if len(sidBytes) == 0 {
		return "", fmt.Errorf("%s attribute not found in entry", attribute)
	}

	sidString := string(sidBytes)
	if s.ValidateSIDString(sidString) == nil {
		return sidString, nil
	}

	return s.ConvertBinarySIDToString(sidBytes)
}

// ExtractSIDSafe extracts a SID attribute, returning empty string if absent
// or malformed.
func (s *SIDHandler) ExtractSIDSafe(entry *ldap.Entry, attribute string) string {
	sid, err := s.ExtractSID(entry, attribute)
	if err != nil {
		return ""
	}
	return sid
}

// ValidateSIDString validates that a string is a properly formatted SID.
func (s *SIDHandler) ValidateSIDString(sidString string) error {
	if sidString == "" {
		return fmt.Errorf("SID string cannot be empty")
	}
	if len(sidString) < 5 || sidString[:2] != "S-" {
		return fmt.Errorf("invalid SID format: must start with 'S-'")
	}
	for _, part := range strings.Split(sidString[2:], "-") {
		if _, err := strconv.ParseUint(part, 10, 64); err != nil {
			return fmt.Errorf("invalid SID component %q", part)
		}
	}
	return nil
}

// SplitSID splits a SID string into its domain prefix and relative
// identifier. The prefix argument is the expected domain prefix without the
// trailing RID (for example "S-1-5-21-1234-5678-9012").
func (s *SIDHandler) SplitSID(sidString, prefix string) (int, error) {
	if err := s.ValidateSIDString(sidString); err != nil {
		return 0, err
	}
	if !strings.HasPrefix(sidString, prefix+"-") {
		return 0, fmt.Errorf("SID %s does not belong to domain %s", sidString, prefix)
	}
	rid, err := strconv.Atoi(strings.TrimPrefix(sidString, prefix+"-"))
	if err != nil {
		return 0, fmt.Errorf("invalid RID in SID %s: %w", sidString, err)
	}
	return rid, nil
}

// FormatSID joins a domain prefix and relative identifier into a SID string.
func (s *SIDHandler) FormatSID(prefix string, rid int) string {
	return fmt.Sprintf("%s-%d", prefix, rid)
}
