// Package node implements the canonical node identity used to address
// processes across the cluster.
package node

import (
	"fmt"
	"strconv"
	"strings"
)

// ID is the canonical "name@host:port" identity of a cluster node. It is a
// value type: two IDs compare equal iff their canonical strings match.
type ID struct {
	canonical string
	name      string
	host      string
	port      int
}

// Parse validates and parses a NodeId string of the form "name@host:port".
// name and host must be non-empty, and port must be a decimal integer in
// 1..65535. Exactly one "@" and one ":" are permitted.
func Parse(s string) (ID, error) {
	atParts := strings.Split(s, "@")
	if len(atParts) != 2 {
		return ID{}, fmt.Errorf("node: invalid nodeId %q: expected exactly one '@'", s)
	}
	name := atParts[0]
	if name == "" {
		return ID{}, fmt.Errorf("node: invalid nodeId %q: empty name", s)
	}

	hostPort := atParts[1]
	colonParts := strings.Split(hostPort, ":")
	if len(colonParts) != 2 {
		return ID{}, fmt.Errorf("node: invalid nodeId %q: expected exactly one ':'", s)
	}
	host := colonParts[0]
	if host == "" {
		return ID{}, fmt.Errorf("node: invalid nodeId %q: empty host", s)
	}

	port, err := strconv.Atoi(colonParts[1])
	if err != nil {
		return ID{}, fmt.Errorf("node: invalid nodeId %q: port is not an integer: %w", s, err)
	}
	if port < 1 || port > 65535 {
		return ID{}, fmt.Errorf("node: invalid nodeId %q: port %d out of range 1..65535", s, port)
	}

	return ID{
		canonical: name + "@" + host + ":" + strconv.Itoa(port),
		name:      name,
		host:      host,
		port:      port,
	}, nil
}

// MustParse is like Parse but panics on error. Intended for constants/tests.
func MustParse(s string) ID {
	id, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return id
}

// New builds an ID from its parts by formatting them as "name@host:port" and
// parsing the result, so the same validation as Parse applies.
func New(name, host string, port int) (ID, error) {
	return Parse(fmt.Sprintf("%s@%s:%d", name, host, port))
}

// Name returns the node's name segment.
func (id ID) Name() string { return id.name }

// Host returns the node's host segment.
func (id ID) Host() string { return id.host }

// Port returns the node's port segment.
func (id ID) Port() int { return id.port }

// IsZero reports whether id is the zero value (unset).
func (id ID) IsZero() bool { return id.canonical == "" }

// String returns the canonical "name@host:port" form.
func (id ID) String() string { return id.canonical }

// Equal reports whether two IDs denote the same node.
func (id ID) Equal(other ID) bool { return id.canonical == other.canonical }

// MarshalText implements encoding.TextMarshaler so an ID can be embedded
// directly in JSON wire structures as a plain string.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.canonical), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
