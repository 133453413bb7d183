package remote

import (
	"fmt"
	"path"
	"strings"
)

// Endpoint is one side of a sync run. An empty Host means the local machine.
type Endpoint struct {
	User string `mapstructure:"user" yaml:"user" json:"user"`
	Host string `mapstructure:"host" yaml:"host" json:"host"`
	Root string `mapstructure:"root" yaml:"root" json:"root"`
}

// IsLocal reports whether commands for this endpoint run on this machine.
func (e Endpoint) IsLocal() bool {
	return e.Host == ""
}

// Address returns the ssh destination, `user@host` or just `host`.
func (e Endpoint) Address() string {
	if e.User == "" {
		return e.Host
	}
	return e.User + "@" + e.Host
}

// Path joins a slash separated relative path onto the endpoint root.
func (e Endpoint) Path(rel string) string {
	if rel == "" || rel == "." {
		return path.Clean(e.Root)
	}
	return path.Join(e.Root, rel)
}

func (e Endpoint) String() string {
	if e.IsLocal() {
		return "local:" + e.Root
	}
	return fmt.Sprintf("%s:%s", e.Address(), e.Root)
}

// Location is a single file on an endpoint.
type Location struct {
	Endpoint Endpoint
	Path     string
}

// scpSpec is the scp argument naming this location.
func (l Location) scpSpec() string {
	if l.Endpoint.IsLocal() {
		return l.Path
	}
	return l.Endpoint.Address() + ":" + l.Path
}

func (l Location) String() string {
	if l.Endpoint.IsLocal() {
		return l.Path
	}
	return l.Endpoint.Address() + ":" + l.Path
}

// Owner is the user and group that transferred files are handed to.
type Owner struct {
	User  string `mapstructure:"user" yaml:"user" json:"user"`
	Group string `mapstructure:"group" yaml:"group" json:"group"`
}

// Spec returns the chown argument for the owner.
func (o Owner) Spec() string {
	if o.Group == "" {
		return o.User
	}
	return o.User + ":" + o.Group
}

func (o Owner) IsZero() bool {
	return o.User == "" && o.Group == ""
}

// ParseEndpoint reads an scp style endpoint, `[user@]host:/root` or a plain
// local path.
func ParseEndpoint(s string) (Endpoint, error) {
	if s == "" {
		return Endpoint{}, fmt.Errorf("empty endpoint")
	}

	// a leading slash or dot means a local path even if it contains a colon
	if strings.HasPrefix(s, "/") || strings.HasPrefix(s, ".") || strings.HasPrefix(s, "~") {
		return Endpoint{Root: s}, nil
	}

	hostPart, root, ok := strings.Cut(s, ":")
	if !ok {
		return Endpoint{Root: s}, nil
	}
	if root == "" {
		return Endpoint{}, fmt.Errorf("endpoint %q: missing path", s)
	}

	ep := Endpoint{Host: hostPart, Root: root}
	if user, host, ok := strings.Cut(hostPart, "@"); ok {
		ep.User, ep.Host = user, host
	}
	if ep.Host == "" {
		return Endpoint{}, fmt.Errorf("endpoint %q: missing host", s)
	}
	return ep, nil
}
