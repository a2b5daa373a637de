package lnurl

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var ErrInvalidAddress = errors.New("invalid lightning address")

var (
	addressRe   = regexp.MustCompile(`^[a-zA-Z0-9._+-]+@[a-zA-Z0-9-]+(\.[a-zA-Z0-9-]+)+$`)
	localPartRe = regexp.MustCompile(`^[a-zA-Z0-9._-]{3,32}$`)
)

var reservedWords = map[string]struct{}{
	"admin": {}, "root": {}, "support": {}, "help": {}, "info": {},
	"api": {}, "www": {}, "mail": {}, "system": {}, "lnurl": {},
	"wallet": {}, "bitsacco": {}, "security": {}, "billing": {}, "payments": {},
	"noreply": {}, "postmaster": {}, "webmaster": {}, "abuse": {}, "test": {},
}

// LightningAddress is a parsed LUD-16 identifier. Composite addresses
// ("user-group") carry the member and group segments as well.
type LightningAddress struct {
	User      string
	Domain    string
	Member    string
	Group     string
	Composite bool
}

func (a LightningAddress) String() string {
	return a.User + "@" + a.Domain
}

// WellKnownURL is the LUD-16 metadata endpoint for the address.
func (a LightningAddress) WellKnownURL() string {
	return fmt.Sprintf("https://%s/.well-known/lnurlp/%s", a.Domain, a.User)
}

func IsLightningAddress(value string) bool {
	_, err := ParseLightningAddress(value)
	return err == nil
}

func ParseLightningAddress(value string) (LightningAddress, error) {
	value = strings.TrimSpace(value)
	if !addressRe.MatchString(value) {
		return LightningAddress{}, fmt.Errorf("%w: %q", ErrInvalidAddress, value)
	}

	at := strings.LastIndex(value, "@")
	addr := LightningAddress{
		User:   strings.ToLower(value[:at]),
		Domain: strings.ToLower(value[at+1:]),
	}

	if member, group, ok := splitComposite(addr.User); ok {
		addr.Member = member
		addr.Group = group
		addr.Composite = true
	}
	return addr, nil
}

func splitComposite(localPart string) (member, group string, ok bool) {
	segments := strings.Split(localPart, "-")
	if len(segments) != 2 || segments[0] == "" || segments[1] == "" {
		return "", "", false
	}
	return segments[0], segments[1], true
}

// IsCompositeLocalPart reports whether a local part has the member-group
// shape. Such names belong to member-of-group addresses only.
func IsCompositeLocalPart(localPart string) bool {
	_, _, ok := splitComposite(strings.ToLower(localPart))
	return ok
}

// ValidLocalPart checks the registration format; reserved words are
// checked separately.
func ValidLocalPart(localPart string) bool {
	return localPartRe.MatchString(localPart)
}

func IsReserved(localPart string) bool {
	_, ok := reservedWords[strings.ToLower(localPart)]
	return ok
}

// CompositeLocalPart joins a member and group into a member-of-group local part.
func CompositeLocalPart(member, group string) string {
	return strings.ToLower(member) + "-" + strings.ToLower(group)
}
