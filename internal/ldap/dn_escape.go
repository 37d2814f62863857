package ldap

import (
	"fmt"
	"strings"
)

// EscapeDNValue escapes special characters in a DN attribute value according
// to RFC 4514.
//
// RFC 4514 defines the following escaping rules for DN attribute values:
//   - Special characters that must be escaped: , + " \ < > ;
//   - Leading # must be escaped
//   - Leading and trailing spaces must be escaped
//   - NULL bytes must be escaped as \00
func EscapeDNValue(value string) string {
	if value == "" {
		return value
	}

	var result strings.Builder
	result.Grow(len(value) + 10)

	for i, r := range value {
		switch r {
		case ',', '+', '"', '\\', '<', '>', ';':
			result.WriteRune('\\')
			result.WriteRune(r)
		case '#':
			if i == 0 {
				result.WriteRune('\\')
			}
			result.WriteRune(r)
		case ' ':
			if i == 0 || i == len(value)-1 {
				result.WriteRune('\\')
			}
			result.WriteRune(r)
		case 0:
			result.WriteString("\\00")
		default:
			result.WriteRune(r)
		}
	}

	return result.String()
}

// BuildDN composes a DN from an RDN attribute and value under a container.
// The value is escaped per RFC 4514.
func BuildDN(rdnAttr, rdnValue, container string) string {
	return fmt.Sprintf("%s=%s,%s", rdnAttr, EscapeDNValue(rdnValue), container)
}
