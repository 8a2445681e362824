package event

import (
	"fmt"
	"strconv"
	"strings"
)

type ContactKind string

const (
	ContactGroup   ContactKind = "group"
	ContactPrivate ContactKind = "private"
)

// Contact is a chat that receives notifications.
type Contact struct {
	Kind ContactKind `yaml:"kind" json:"kind"`
	ID   int64       `yaml:"id" json:"id"`
}

func (c Contact) String() string { return string(c.Kind) + ":" + strconv.FormatInt(c.ID, 10) }

// ParseContact parses the "group:123" / "private:456" form used in config files.
func ParseContact(s string) (Contact, error) {
	kind, id, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return Contact{}, fmt.Errorf("contact %q: want kind:id", s)
	}
	n, err := strconv.ParseInt(strings.TrimSpace(id), 10, 64)
	if err != nil {
		return Contact{}, fmt.Errorf("contact %q: %w", s, err)
	}
	switch ContactKind(strings.ToLower(strings.TrimSpace(kind))) {
	case ContactGroup:
		return Contact{Kind: ContactGroup, ID: n}, nil
	case ContactPrivate:
		return Contact{Kind: ContactPrivate, ID: n}, nil
	default:
		return Contact{}, fmt.Errorf("contact %q: unknown kind %q", s, kind)
	}
}
