package mfa

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is the closed set of principal categories that can hold a second factor.
type Kind string

const (
	KindStaff  Kind = "staff"
	KindClient Kind = "client"
	KindOwner  Kind = "owner"
)

// Kinds lists every supported principal kind.
var Kinds = []Kind{KindStaff, KindClient, KindOwner}

var legacyKinds = map[string]Kind{
	"admin":        KindStaff,
	"cliente":      KindClient,
	"proprietario": KindOwner,
}

var (
	ErrInvalidKind     = errors.New("mfa: invalid principal kind")
	ErrInvalidIdentity = errors.New("mfa: principal identity is required")
)

// ParseKind normalises raw into a Kind. Legacy tags used by older clients are
// mapped onto their current equivalents.
func ParseKind(raw string) (Kind, error) {
	value := strings.ToLower(strings.TrimSpace(raw))
	switch Kind(value) {
	case KindStaff, KindClient, KindOwner:
		return Kind(value), nil
	}
	if kind, ok := legacyKinds[value]; ok {
		return kind, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidKind, raw)
}

func (k Kind) Valid() bool {
	switch k {
	case KindStaff, KindClient, KindOwner:
		return true
	}
	return false
}

func (k Kind) String() string { return string(k) }

// Principal identifies the subject of a verification. Identity is only unique
// within its Kind, so both fields always travel together.
type Principal struct {
	Identity string
	Kind     Kind
}

func NewPrincipal(identity string, kind Kind) (Principal, error) {
	p := Principal{Identity: strings.TrimSpace(identity), Kind: kind}
	return p, p.Validate()
}

func (p Principal) Validate() error {
	if p.Identity == "" {
		return ErrInvalidIdentity
	}
	if !p.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidKind, string(p.Kind))
	}
	return nil
}

func (p Principal) String() string {
	return string(p.Kind) + ":" + p.Identity
}

// Method is the delivery channel of a verification code.
type Method string

const MethodEmail Method = "email"

func (m Method) Valid() bool {
	return m == MethodEmail
}
