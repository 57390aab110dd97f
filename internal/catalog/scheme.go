package catalog

import "strings"

// Scheme is a transfer-protocol bit flag, modelling worker types as a
// bit-set per spec.md §9 ("Duck typing / polymorphism": "model [worker
// types] as a bit-set and a small lookup table mapping schemes to
// credential-bearing / not").
type Scheme uint32

// Recognised schemes. The protocol implementations themselves are out
// of scope (spec.md §1); only the credential-bearing classification
// matters to the GC.
const (
	SchemeFTP Scheme = 1 << iota
	SchemeSFTP
	SchemeSMTP
	SchemeHTTP
	SchemeSCP
	SchemeLocal
	SchemeWMO
	SchemeMAP
	SchemeDFAX
	SchemeExec
	SchemeUnknown
)

var credentialBearing = map[Scheme]bool{
	SchemeFTP:     true,
	SchemeSFTP:    true,
	SchemeHTTP:    true,
	SchemeSCP:     true,
	SchemeSMTP:    false, // plain SMTP: no auth per spec.md §4.2 phase 8
	SchemeLocal:   false,
	SchemeWMO:     false,
	SchemeMAP:     false,
	SchemeDFAX:    false,
	SchemeExec:    false,
	SchemeUnknown: false,
}

// IsCredentialBearing reports whether jobs using s reference a
// password-table entry at all. Credentials are never removed for
// schemes that answer false here, per spec.md §4.2 phase 8: "not
// removed for schemes that have no password (local, plain SMTP, WMO,
// MAP, DFAX, EXEC)". SMTP with authentication is credential-bearing;
// callers distinguish that case before calling this (see
// SchemeFromRecipient's smtp+auth handling).
func IsCredentialBearing(s Scheme) bool { return credentialBearing[s] }

// SchemeFromRecipient classifies a job's recipient URL scheme prefix.
// "smtp+auth://" is treated as HTTP-class (credential-bearing); plain
// "smtp://" is not.
func SchemeFromRecipient(recipient string) Scheme {
	lower := strings.ToLower(recipient)
	switch {
	case strings.HasPrefix(lower, "sftp://"):
		return SchemeSFTP
	case strings.HasPrefix(lower, "ftp://"):
		return SchemeFTP
	case strings.HasPrefix(lower, "smtp+auth://"):
		return SchemeHTTP
	case strings.HasPrefix(lower, "smtp://"):
		return SchemeSMTP
	case strings.HasPrefix(lower, "http://"), strings.HasPrefix(lower, "https://"):
		return SchemeHTTP
	case strings.HasPrefix(lower, "scp://"):
		return SchemeSCP
	case strings.HasPrefix(lower, "file://"):
		return SchemeLocal
	case strings.HasPrefix(lower, "wmo://"):
		return SchemeWMO
	case strings.HasPrefix(lower, "map://"):
		return SchemeMAP
	case strings.HasPrefix(lower, "dfax://"):
		return SchemeDFAX
	case strings.HasPrefix(lower, "exec://"):
		return SchemeExec
	default:
		return SchemeUnknown
	}
}

// CredentialKey derives the "user@realhost" credential-table key from
// a recipient URL, per spec.md §4.2 phase 8. Returns "", false if the
// URL carries no userinfo@host structure.
func CredentialKey(recipient string) (string, bool) {
	rest := recipient
	if i := strings.Index(rest, "://"); i >= 0 {
		rest = rest[i+3:]
	}
	if i := strings.IndexAny(rest, "/?#"); i >= 0 {
		rest = rest[:i]
	}
	at := strings.LastIndex(rest, "@")
	if at < 0 {
		return "", false
	}
	userinfo := rest[:at]
	hostport := rest[at+1:]
	if userinfo == "" || hostport == "" {
		return "", false
	}
	user := userinfo
	if colon := strings.IndexByte(userinfo, ':'); colon >= 0 {
		user = userinfo[:colon]
	}
	host := hostport
	if colon := strings.IndexByte(hostport, ':'); colon >= 0 {
		host = hostport[:colon]
	}
	return user + "@" + host, true
}
