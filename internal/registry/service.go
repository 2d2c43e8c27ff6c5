// Package registry provides service discovery for the mesh: services
// register their endpoints, lookups are served through a TTL cache, and
// unregistration purges everything a service owned.
package registry

import (
	"fmt"
	"net"
	"strconv"
)

// Protocols recognized on endpoints.
const (
	ProtocolHTTP  = "http"
	ProtocolHTTPS = "https"
	ProtocolGRPC  = "grpc"
)

// ServiceEndpoint is one network-reachable instance of a service.
// Endpoints are immutable once registered; updates replace them wholesale.
type ServiceEndpoint struct {
	ID        string            `json:"id" yaml:"id"`
	ServiceID string            `json:"serviceId" yaml:"serviceId"`
	Host      string            `json:"host" yaml:"host"`
	Port      int               `json:"port" yaml:"port"`
	Protocol  string            `json:"protocol" yaml:"protocol"`
	Path      string            `json:"path,omitempty" yaml:"path,omitempty"`
	Weight    int               `json:"weight" yaml:"weight"`
	Metadata  map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Address returns the endpoint's host:port.
func (e *ServiceEndpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// URL returns the endpoint's base URL.
func (e *ServiceEndpoint) URL() string {
	scheme := e.Protocol
	if scheme == "" || scheme == ProtocolGRPC {
		scheme = ProtocolHTTP
	}
	return fmt.Sprintf("%s://%s%s", scheme, e.Address(), e.Path)
}

// clone returns a deep copy of the endpoint.
func (e *ServiceEndpoint) clone() *ServiceEndpoint {
	cp := *e
	if e.Metadata != nil {
		cp.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// ServiceInfo describes a registered service and its endpoints.
type ServiceInfo struct {
	ID           string             `json:"id" yaml:"id"`
	Name         string             `json:"name" yaml:"name"`
	Type         string             `json:"type,omitempty" yaml:"type,omitempty"`
	Version      string             `json:"version,omitempty" yaml:"version,omitempty"`
	Endpoints    []*ServiceEndpoint `json:"endpoints" yaml:"endpoints"`
	Dependencies []string           `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
}

// clone returns a deep copy of the service info.
func (s *ServiceInfo) clone() *ServiceInfo {
	cp := *s
	cp.Endpoints = make([]*ServiceEndpoint, len(s.Endpoints))
	for i, ep := range s.Endpoints {
		cp.Endpoints[i] = ep.clone()
	}
	if s.Dependencies != nil {
		cp.Dependencies = append([]string(nil), s.Dependencies...)
	}
	return &cp
}

// Endpoint returns the endpoint with the given ID, or nil.
func (s *ServiceInfo) Endpoint(endpointID string) *ServiceEndpoint {
	for _, ep := range s.Endpoints {
		if ep.ID == endpointID {
			return ep
		}
	}
	return nil
}
