// Package transport moves config files between cluster nodes.
package transport

import (
	"context"
	"strings"

	"github.com/clusterd/cfgsync/internal/artifact"
)

// Node is a peer in the cluster
type Node struct {
	ID   string `yaml:"id" json:"id"`
	Addr string `yaml:"addr" json:"addr"`
}

// PushResult is a peer's answer to a pushed config file
type PushResult string

const (
	PushAccepted PushResult = "accepted"
	PushRejected PushResult = "rejected"
	PushError    PushResult = "error"
)

// Transport fetches config files from peers and pushes local ones to them.
//
// Fetch omits nodes that cannot be reached and entries that cannot be parsed;
// it only fails when the request cannot be attempted at all.
type Transport interface {
	Fetch(ctx context.Context, nodes []Node, kinds []artifact.Kind) (map[string]map[artifact.Kind]*artifact.Artifact, error)
	Push(ctx context.Context, nodes []Node, a *artifact.Artifact) (map[string]PushResult, error)
}

// ConfigsResponse is the body of GET /v1/sync/configs
type ConfigsResponse struct {
	NodeID  string            `json:"node_id"`
	Configs map[string]string `json:"configs"`
}

// PushRequest is the body of POST /v1/sync/configs
type PushRequest struct {
	NodeID  string            `json:"node_id"`
	Configs map[string]string `json:"configs"`
}

// PushResponse is the reply to POST /v1/sync/configs
type PushResponse struct {
	Results map[string]PushResult `json:"results"`
}

// PeerPayload is a freshly authenticated peer as sent to POST /v1/peers
type PeerPayload struct {
	Name      string             `json:"name"`
	Addresses []artifact.Address `json:"addr_port_list"`
	Token     string             `json:"token"`
}

// Record converts the payload to a registry record
func (p PeerPayload) Record() artifact.PeerRecord {
	return artifact.PeerRecord{
		Name:      p.Name,
		Addresses: p.Addresses,
		Token:     p.Token,
	}
}

// EncodeConfigs maps artifacts to their file names
func EncodeConfigs(artifacts map[artifact.Kind]*artifact.Artifact) map[string]string {
	configs := make(map[string]string, len(artifacts))
	for kind, a := range artifacts {
		configs[kind.Name()] = a.Text()
	}
	return configs
}

// DecodeConfigs parses a name to text map. Unknown names and texts that do
// not parse are dropped.
func DecodeConfigs(configs map[string]string) map[artifact.Kind]*artifact.Artifact {
	artifacts := make(map[artifact.Kind]*artifact.Artifact, len(configs))
	for name, text := range configs {
		kind, err := artifact.ParseKind(name)
		if err != nil {
			continue
		}
		a, err := artifact.New(kind, text)
		if err != nil {
			continue
		}
		artifacts[kind] = a
	}
	return artifacts
}

func wanted(kinds []artifact.Kind) map[artifact.Kind]bool {
	set := make(map[artifact.Kind]bool, len(kinds))
	for _, kind := range kinds {
		set[kind] = true
	}
	return set
}

// baseURL accepts a bare host:port or a full URL
func baseURL(addr string) string {
	addr = strings.TrimRight(addr, "/")
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return addr
	}
	return "http://" + addr
}
