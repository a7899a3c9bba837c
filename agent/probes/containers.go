package probes

import (
	"bufio"
	"bytes"
	"context"
	"strings"

	json "github.com/json-iterator/go"

	"github.com/grenade/slarti/pkg/logtrace"
	"github.com/grenade/slarti/pkg/protocol"
	"github.com/pkg/errors"
)

var containerRuntimes = []string{"docker", "podman"}

// ContainersList answers containers_list from the first container runtime
// CLI present and responsive.
func (p *Prober) ContainersList(ctx context.Context, _ protocol.Request) (interface{}, error) {
	var lastErr error
	for _, rt := range containerRuntimes {
		if _, err := p.lookPath(rt); err != nil {
			continue
		}
		out, err := p.run(ctx, rt, "ps", "--all", "--no-trunc", "--format", "{{json .}}")
		if err != nil {
			// e.g. docker installed but the daemon is down or socket denied
			logtrace.Warn(ctx, "container runtime not responding", logtrace.Fields{
				logtrace.FieldModule: "probes",
				"runtime":            rt,
				logtrace.FieldError:  err.Error(),
			})
			lastErr = errors.Wrapf(err, "%s ps", rt)
			continue
		}
		containers, err := parseContainers(out)
		if err != nil {
			return nil, errors.Wrapf(err, "parse %s ps", rt)
		}
		return protocol.ContainersList{Runtime: rt, Containers: containers}, nil
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, unavailable("no container runtime present")
}

// psRow covers both docker and podman `ps --format {{json .}}` rows.
// Podman's Names is a list, docker's a comma-separated string.
type psRow struct {
	ID     string          `json:"ID"`
	Image  string          `json:"Image"`
	Names  json.RawMessage `json:"Names"`
	State  string          `json:"State"`
	Status string          `json:"Status"`
	Ports  json.RawMessage `json:"Ports"`
}

func parseContainers(out []byte) ([]protocol.ContainerInfo, error) {
	containers := []protocol.ContainerInfo{}
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) == 0 {
		return containers, nil
	}

	// podman >= 4 prints one JSON array instead of one object per line
	if trimmed[0] == '[' {
		var rows []psRow
		if err := json.Unmarshal(trimmed, &rows); err != nil {
			return nil, err
		}
		for _, row := range rows {
			containers = append(containers, row.info())
		}
		return containers, nil
	}

	sc := bufio.NewScanner(bytes.NewReader(trimmed))
	sc.Buffer(make([]byte, 64<<10), 1<<20)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var row psRow
		if err := json.Unmarshal(line, &row); err != nil {
			return nil, err
		}
		containers = append(containers, row.info())
	}
	return containers, sc.Err()
}

func (r psRow) info() protocol.ContainerInfo {
	id := r.ID
	if len(id) > 12 {
		id = id[:12]
	}
	return protocol.ContainerInfo{
		ID:     id,
		Name:   flexString(r.Names),
		Image:  r.Image,
		State:  strings.ToLower(r.State),
		Status: r.Status,
		Ports:  flexString(r.Ports),
	}
}

// flexString renders a JSON string or string array as one string.
func flexString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return strings.Join(list, ",")
	}
	return ""
}
