package vibemesh

import "strings"

// Peer identifiers have the form "<user>:<spriteName>". An identifier
// without a separator refers to a whole user.
const idSeparator = ":"

// ID builds a peer identifier from its user and sprite name parts.
func ID(user, name string) string {
	return user + idSeparator + name
}

// ParsedID is the decomposition of a peer identifier. Name is empty when
// the identifier refers to a whole user.
type ParsedID struct {
	User string
	Name string
}

// ParseID splits a peer identifier on the first separator.
func ParseID(id string) ParsedID {
	user, name, _ := strings.Cut(id, idSeparator)
	return ParsedID{User: user, Name: name}
}
