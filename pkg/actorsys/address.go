package actorsys

import (
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"strings"
)

// Address is the location of an actor within an actor system, a
// slash-separated path from the system root.
type Address struct {
	path string
}

var rootAddress = Address{path: "/"}

// Addr builds a new address from path components. Each component must be
// URL-safe and slash-free.
func Addr(rawPath ...interface{}) Address {
	if len(rawPath) == 0 {
		panic("must have a non-empty address")
	}
	parts := make([]string, 0, len(rawPath))
	for _, raw := range rawPath {
		part := fmt.Sprint(raw)
		if strings.ContainsAny(part, "/") {
			panic("address path parts cannot contain a slash")
		}
		parts = append(parts, part)
	}
	parsed, err := url.Parse("/" + strings.Join(parts, "/"))
	if err != nil {
		panic(err)
	}
	return Address{path: parsed.String()}
}

// AddrFromString is the inverse of Address.String().
func AddrFromString(full string) Address { return Address{path: full} }

func (a Address) String() string { return a.path }

// Parent returns this address's parent.
func (a Address) Parent() Address { return Address{path: path.Dir(a.path)} }

// Child returns a child address of this one.
func (a Address) Child(child interface{}) Address {
	id := fmt.Sprint(child)
	if strings.ContainsAny(id, "/") {
		panic("address path parts cannot contain a slash")
	}
	return Address{path: path.Join(a.path, id)}
}

// Local returns the final path component.
func (a Address) Local() string { return path.Base(a.path) }

// IsAncestorOf reports whether address is a descendant of a.
func (a Address) IsAncestorOf(address Address) bool {
	if a == rootAddress {
		return a != address
	}
	return strings.HasPrefix(address.path, a.path+"/")
}

// MarshalJSON implements json.Marshaler.
func (a Address) MarshalJSON() ([]byte, error) { return json.Marshal(a.path) }

// UnmarshalJSON implements json.Unmarshaler.
func (a *Address) UnmarshalJSON(data []byte) error { return json.Unmarshal(data, &a.path) }
