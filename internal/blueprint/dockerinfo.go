package blueprint

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// ServiceEndpoint is a container's resolved network location.
type ServiceEndpoint struct {
	Address string `json:"address" validate:"required"`
	Port    int    `json:"port" validate:"min=1,max=65535"`
}

type dockerInfoEntryDoc struct {
	ContainerName string `json:"container_name" validate:"required"`
	IPAddress     string `json:"ip_address" validate:"required"`
	Port          string `json:"port" validate:"required"`
}

type dockerInfoSchemaDoc struct {
	DockerInfoList []dockerInfoEntryDoc `json:"docker_info_list" validate:"required,min=1"`
}

// ParseDockerInfoFile reads and parses a dockerinfo.json file from disk.
func ParseDockerInfoFile(path string) (map[string]ServiceEndpoint, error) {
	if strings.TrimSpace(path) == "" {
		return nil, parseErr("path is required", nil)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, parseErr("dockerinfo file not found: "+path, err)
	}
	defer func() { _ = f.Close() }()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, parseErr("failed to read dockerinfo file", err)
	}
	return ParseDockerInfoJSON(data)
}

// ParseDockerInfoJSON parses dockerinfo JSON bytes into a container-name
// to ServiceEndpoint map. A later entry for the same container name
// overwrites an earlier one, matching the original parser's plain dict
// assignment in a loop.
func ParseDockerInfoJSON(data []byte) (map[string]ServiceEndpoint, error) {
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.DisallowUnknownFields()

	var schema dockerInfoSchemaDoc
	if err := dec.Decode(&schema); err != nil {
		return nil, parseErr("invalid dockerinfo structure", err)
	}
	if err := validate.Struct(&schema); err != nil {
		return nil, parseErr("invalid dockerinfo structure", err)
	}
	for i := range schema.DockerInfoList {
		if err := validate.Struct(&schema.DockerInfoList[i]); err != nil {
			return nil, parseErr("invalid dockerinfo structure", err)
		}
	}

	endpoints := make(map[string]ServiceEndpoint, len(schema.DockerInfoList))
	for _, entry := range schema.DockerInfoList {
		port, err := strconv.Atoi(entry.Port)
		if err != nil {
			return nil, parseErr(fmt.Sprintf("invalid port for %s: %s", entry.ContainerName, entry.Port), err)
		}
		endpoint := ServiceEndpoint{Address: entry.IPAddress, Port: port}
		if err := validate.Struct(&endpoint); err != nil {
			return nil, parseErr(fmt.Sprintf("invalid endpoint for %s", entry.ContainerName), err)
		}
		endpoints[entry.ContainerName] = endpoint
	}

	return endpoints, nil
}
