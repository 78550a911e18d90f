package artifact

import (
	"errors"
	"fmt"
)

// ErrUnknownKind is returned for names or values outside the fixed set of kinds
var ErrUnknownKind = errors.New("unknown artifact kind")

// Kind identifies one of the synchronized configuration files
type Kind int

const (
	// ClusterConf is the cluster membership XML
	ClusterConf Kind = iota + 1
	// CorosyncConf is the block structured transport configuration
	CorosyncConf
	// Settings is the daemon settings JSON
	Settings
	// Tokens is the authentication token store JSON
	Tokens
	// KnownHosts is the known-peers registry JSON
	KnownHosts
)

// dataVersionField is the top-level version field of the JSON kinds
const dataVersionField = "data_version"

// AllKinds returns every kind in synchronization order
func AllKinds() []Kind {
	return []Kind{ClusterConf, CorosyncConf, Settings, Tokens, KnownHosts}
}

// Name returns the canonical on-disk file name of the kind
func (k Kind) Name() string {
	switch k {
	case ClusterConf:
		return "cluster.conf"
	case CorosyncConf:
		return "corosync.conf"
	case Settings:
		return "settings.conf"
	case Tokens:
		return "tokens"
	case KnownHosts:
		return "known-hosts"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

func (k Kind) String() string {
	return k.Name()
}

// Valid reports whether k is one of the fixed kinds
func (k Kind) Valid() bool {
	return k >= ClusterConf && k <= KnownHosts
}

// IsJSON reports whether the kind is a JSON document carrying data_version
func (k Kind) IsJSON() bool {
	return k == Settings || k == Tokens || k == KnownHosts
}

// formatVersion is the document schema revision written into new JSON documents
func (k Kind) formatVersion() int {
	switch k {
	case Settings:
		return 2
	case Tokens:
		return 3
	default:
		return 1
	}
}

// ParseKind maps a canonical file name back to its kind
func ParseKind(name string) (Kind, error) {
	for _, k := range AllKinds() {
		if k.Name() == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownKind, name)
}
