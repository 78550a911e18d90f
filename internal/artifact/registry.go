package artifact

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

const registryFormatVersion = 1

// Address is one reachable endpoint of a peer
type Address struct {
	Addr string `json:"addr"`
	Port int    `json:"port"`
}

// PeerRecord is one entry of the known-peers registry
type PeerRecord struct {
	Name      string    `json:"-"`
	Addresses []Address `json:"addr_port_list"`
	Token     string    `json:"token"`
}

// registryDocument is the on-disk layout of the known-hosts file
type registryDocument struct {
	FormatVersion int                   `json:"format_version"`
	DataVersion   int64                 `json:"data_version"`
	KnownHosts    map[string]PeerRecord `json:"known_hosts"`
}

// Peers decodes the registry of a KnownHosts artifact. An empty file is an
// empty registry.
func (a *Artifact) Peers() (map[string]PeerRecord, error) {
	if a.kind != KnownHosts {
		return nil, fmt.Errorf("%s does not hold a peer registry", a.kind)
	}

	peers := make(map[string]PeerRecord)
	if strings.TrimSpace(a.text) == "" {
		return peers, nil
	}

	var doc registryDocument
	if err := json.Unmarshal([]byte(a.text), &doc); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", a.kind, err)
	}

	for name, rec := range doc.KnownHosts {
		rec.Name = name
		peers[name] = rec
	}
	return peers, nil
}

// EncodeRegistry renders a known-hosts document with names in sorted order
func EncodeRegistry(version int64, peers map[string]PeerRecord) (string, error) {
	doc := registryDocument{
		FormatVersion: registryFormatVersion,
		DataVersion:   version,
		KnownHosts:    make(map[string]PeerRecord, len(peers)),
	}
	for name, rec := range peers {
		if rec.Addresses == nil {
			rec.Addresses = []Address{}
		}
		doc.KnownHosts[name] = rec
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return "", fmt.Errorf("failed to encode %s: %w", KnownHosts, err)
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

// NewRegistry builds a KnownHosts artifact from a set of peers
func NewRegistry(version int64, peers map[string]PeerRecord) (*Artifact, error) {
	text, err := EncodeRegistry(version, peers)
	if err != nil {
		return nil, err
	}
	return New(KnownHosts, text)
}
