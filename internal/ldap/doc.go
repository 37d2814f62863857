// Package ldap provides the directory access layer for the synchronization
// engine.
//
// It exposes a small Client interface over go-ldap with retrying
// single-connection semantics, supporting both simple bind and
// Kerberos/GSSAPI authentication, plus helpers for SID handling and RFC 4514
// DN escaping. NewNoOpClient wraps any Client for dry-run execution, where
// reads pass through and writes are suppressed.
package ldap
