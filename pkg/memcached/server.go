package memcached

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/nobletooth/pouch/pkg/cache"
)

const (
	DefaultHost   = "127.0.0.1"
	DefaultPort   = 11211
	DefaultWeight = 0
)

// Server describes one memcached server of the topology. Servers with a higher Weight get a larger share of the
// keys; zero weighs the same as one.
type Server struct {
	Host   string
	Port   int
	Weight int
}

// Address returns the host:port of the server.
func (s Server) Address() string {
	return s.Host + ":" + strconv.Itoa(s.Port)
}

// ValidateServers checks the topology isn't empty and every descriptor is usable.
func ValidateServers(servers []Server) error {
	if len(servers) == 0 {
		return fmt.Errorf("%w: could not find any servers", cache.ErrStorage)
	}
	for i, server := range servers {
		if strings.TrimSpace(server.Host) == "" {
			return fmt.Errorf("%w: expecting a host for server #%d", cache.ErrStorage, i)
		}
		if server.Port <= 0 || server.Port > 65535 {
			return fmt.Errorf("%w: expecting a port within 1..65535 for server %s but got %d",
				cache.ErrStorage, server.Host, server.Port)
		}
		if server.Weight < 0 {
			return fmt.Errorf("%w: expecting a non-negative weight for server %s but got %d",
				cache.ErrStorage, server.Address(), server.Weight)
		}
	}
	return nil
}

// ParseServers parses a comma separated list of `host:port[:weight]` descriptors and validates them.
func ParseServers(descriptors string) ([]Server, error) {
	var servers []Server
	for _, descriptor := range strings.Split(descriptors, ",") {
		descriptor = strings.TrimSpace(descriptor)
		if descriptor == "" {
			continue
		}
		parts := strings.Split(descriptor, ":")
		if len(parts) < 2 || len(parts) > 3 {
			return nil, fmt.Errorf("%w: expecting host:port[:weight] but got %q", cache.ErrStorage, descriptor)
		}
		server := Server{Host: parts[0], Weight: DefaultWeight}
		port, err := strconv.Atoi(parts[1])
		if err != nil {
			return nil, fmt.Errorf("%w: expecting an integer port in %q", cache.ErrStorage, descriptor)
		}
		server.Port = port
		if len(parts) == 3 {
			weight, err := strconv.Atoi(parts[2])
			if err != nil {
				return nil, fmt.Errorf("%w: expecting an integer weight in %q", cache.ErrStorage, descriptor)
			}
			server.Weight = weight
		}
		servers = append(servers, server)
	}

	if err := ValidateServers(servers); err != nil {
		return nil, err
	}
	return servers, nil
}
