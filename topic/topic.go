// Package topic derives broker topics from session identities and parses
// inbound topics back into the session they address.
//
// The wire format is
//
//	base/{clientID}/{sessionID}[/{channel}]
//
// where base is fixed per deployment, clientID is the namespacing token
// allocated while the session's subscription is live, sessionID is a UUID and
// channel is an optional, possibly multi-level, sub-address.
package topic

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// DefaultBase is the namespace root used when none is configured.
const DefaultBase = "personal"

const (
	separator      = "/"
	singleWildcard = "+"
	multiWildcard  = "#"
)

var (
	// ErrUnroutable is returned by Parse for topics that do not address a
	// session under the scheme's base. Inbound messages on such topics are
	// dropped.
	ErrUnroutable = errors.New("topic: unroutable")
	// ErrInvalidChannel is returned for channels that cannot be published to.
	ErrInvalidChannel = errors.New("topic: invalid channel")
	// ErrInvalidBase is returned by NewScheme for an unusable namespace root.
	ErrInvalidBase = errors.New("topic: invalid base")
	// ErrInvalidFilter is returned by ValidateFilter.
	ErrInvalidFilter = errors.New("topic: invalid filter")
)

// Address is the decoded form of a session topic.
type Address struct {
	ClientID  string
	SessionID uuid.UUID
	// Channel is empty when the topic carries no channel segment.
	Channel string
}

// Scheme builds and parses topics under a fixed base.
type Scheme struct {
	base   string
	prefix string
}

// NewScheme returns a Scheme rooted at base. The base may span several levels
// ("tenants/acme") but must not contain wildcards or empty levels.
func NewScheme(base string) (Scheme, error) {
	if base == "" {
		return Scheme{}, fmt.Errorf("%w: empty", ErrInvalidBase)
	}
	if err := validateLevels(base); err != nil {
		return Scheme{}, fmt.Errorf("%w: %q: %v", ErrInvalidBase, base, err)
	}
	return Scheme{base: base, prefix: base + separator}, nil
}

// MustScheme is like NewScheme but panics on an invalid base.
func MustScheme(base string) Scheme {
	s, err := NewScheme(base)
	if err != nil {
		panic(err)
	}
	return s
}

// Base returns the namespace root.
func (s Scheme) Base() string { return s.base }

// Build returns the topic for the given identity. An empty channel yields the
// session's root topic.
func (s Scheme) Build(clientID string, sessionID uuid.UUID, channel string) string {
	t := s.prefix + clientID + separator + sessionID.String()
	if channel == "" {
		return t
	}
	return t + separator + channel
}

// Filter returns the subscription filter covering every channel of a
// session. In MQTT a trailing multi-level wildcard also matches its parent,
// so messages published without a channel are received too.
func (s Scheme) Filter(clientID string, sessionID uuid.UUID) string {
	return s.Build(clientID, sessionID, "") + separator + multiWildcard
}

// Parse decodes an inbound topic. Topics outside the base, with fewer than
// two levels below it, with an empty client level, or whose session level is
// not a UUID are reported as ErrUnroutable.
func (s Scheme) Parse(t string) (Address, error) {
	if s.prefix == "" || !strings.HasPrefix(t, s.prefix) {
		return Address{}, ErrUnroutable
	}
	levels := strings.SplitN(t[len(s.prefix):], separator, 3)
	if len(levels) < 2 || levels[0] == "" {
		return Address{}, ErrUnroutable
	}
	sessionID, err := uuid.Parse(levels[1])
	if err != nil {
		return Address{}, ErrUnroutable
	}
	addr := Address{ClientID: levels[0], SessionID: sessionID}
	if len(levels) == 3 {
		addr.Channel = levels[2]
	}
	return addr, nil
}

// ValidateChannel reports whether channel can be appended to a session topic.
// The empty channel is valid and means "no channel".
func ValidateChannel(channel string) error {
	if channel == "" {
		return nil
	}
	if err := validateLevels(channel); err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidChannel, channel, err)
	}
	return nil
}

// ValidateFilter reports whether filter is a well-formed MQTT 3.1.1 topic
// filter: '#' only as the whole last level, '+' only as a whole level.
func ValidateFilter(filter string) error {
	if filter == "" {
		return fmt.Errorf("%w: empty filter", ErrInvalidFilter)
	}
	if strings.ContainsRune(filter, 0) {
		return fmt.Errorf("%w: %q: contains NUL", ErrInvalidFilter, filter)
	}
	levels := strings.Split(filter, separator)
	for i, l := range levels {
		if strings.Contains(l, multiWildcard) && (l != multiWildcard || i != len(levels)-1) {
			return fmt.Errorf("%w: %q: '#' must be the last level", ErrInvalidFilter, filter)
		}
		if strings.Contains(l, singleWildcard) && l != singleWildcard {
			return fmt.Errorf("%w: %q: '+' must fill a level", ErrInvalidFilter, filter)
		}
	}
	return nil
}

func validateLevels(v string) error {
	if strings.ContainsRune(v, 0) {
		return errors.New("contains NUL")
	}
	for _, level := range strings.Split(v, separator) {
		switch {
		case level == "":
			return errors.New("empty level")
		case strings.Contains(level, singleWildcard), strings.Contains(level, multiWildcard):
			return errors.New("contains wildcard")
		}
	}
	return nil
}

// Match reports whether topic t matches an MQTT 3.1.1 topic filter.
func Match(filter, t string) bool {
	fl := strings.Split(filter, separator)
	tl := strings.Split(t, separator)

	for i, f := range fl {
		if f == multiWildcard {
			// '#' must be last; it matches the parent level and everything below.
			return i == len(fl)-1
		}
		if i >= len(tl) {
			return false
		}
		if f != singleWildcard && f != tl[i] {
			return false
		}
	}
	return len(fl) == len(tl)
}
