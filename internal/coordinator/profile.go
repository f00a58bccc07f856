package coordinator

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"zstack-go-home/internal/zcl"
)

// ReportingEntry configures reporting of one attribute on joining devices.
type ReportingEntry struct {
	Cluster   uint16 `json:"cluster" yaml:"cluster"`
	Endpoint  uint8  `json:"endpoint" yaml:"endpoint"`
	Attribute uint16 `json:"attribute" yaml:"attribute"`
	Type      uint8  `json:"type" yaml:"type"`
	Min       uint16 `json:"min" yaml:"min"`
	Max       uint16 `json:"max" yaml:"max"`
	Change    uint64 `json:"change" yaml:"change"`
}

// Record returns the configure-reporting record for the entry.
func (r ReportingEntry) Record() zcl.ConfigureReporting {
	return zcl.ConfigureReporting{
		AttrID:           r.Attribute,
		DataType:         r.Type,
		MinInterval:      r.Min,
		MaxInterval:      r.Max,
		ReportableChange: r.Change,
	}
}

// Profile is the provisioning applied to every device that joins: the
// clusters bound to the coordinator and the reporting configured on them.
type Profile struct {
	Bind      []uint16         `json:"bind,omitempty" yaml:"bind,omitempty"`
	Reporting []ReportingEntry `json:"reporting,omitempty" yaml:"reporting,omitempty"`
}

// Add merges another profile into p. Duplicate bindings are dropped; a
// reporting entry for the same endpoint, cluster and attribute replaces the
// existing one.
func (p *Profile) Add(other Profile) {
	for _, c := range other.Bind {
		if !containsCluster(p.Bind, c) {
			p.Bind = append(p.Bind, c)
		}
	}
	for _, r := range other.Reporting {
		replaced := false
		for i := range p.Reporting {
			e := &p.Reporting[i]
			if e.Cluster == r.Cluster && e.Attribute == r.Attribute && e.Endpoint == r.Endpoint {
				*e = r
				replaced = true
				break
			}
		}
		if !replaced {
			p.Reporting = append(p.Reporting, r)
		}
	}
}

// Clusters returns every cluster the profile binds, including those only
// named by reporting entries, in ascending order.
func (p *Profile) Clusters() []uint16 {
	out := append([]uint16(nil), p.Bind...)
	for _, r := range p.Reporting {
		if !containsCluster(out, r.Cluster) {
			out = append(out, r.Cluster)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// EndpointFor returns the device endpoint a cluster is bound on. Reporting
// entries may name one; otherwise endpoint 1 is used.
func (p *Profile) EndpointFor(cluster uint16) uint8 {
	for _, r := range p.Reporting {
		if r.Cluster == cluster && r.Endpoint != 0 {
			return r.Endpoint
		}
	}
	return 1
}

// ReportingFor groups the reporting entries of one cluster.
func (p *Profile) ReportingFor(cluster uint16) []ReportingEntry {
	var out []ReportingEntry
	for _, r := range p.Reporting {
		if r.Cluster == cluster {
			out = append(out, r)
		}
	}
	return out
}

func containsCluster(list []uint16, c uint16) bool {
	for _, v := range list {
		if v == c {
			return true
		}
	}
	return false
}

// profileFile is the structure of files in the profiles directory.
type profileFile struct {
	Clusters  []zcl.ClusterDef `json:"clusters,omitempty" yaml:"clusters,omitempty"`
	Bind      []uint16         `json:"bind,omitempty" yaml:"bind,omitempty"`
	Reporting []ReportingEntry `json:"reporting,omitempty" yaml:"reporting,omitempty"`
}

// LoadProfileDir reads all *.json, *.yaml and *.yml files from a directory,
// registering custom clusters into the ZCL registry and merging bindings and
// reporting into one Profile. A missing or empty directory yields an empty
// profile.
func LoadProfileDir(dir string, registry *zcl.Registry, logger *slog.Logger) (*Profile, error) {
	p := &Profile{}
	if dir == "" {
		return p, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Info("no profile directory", "dir", dir)
			return p, nil
		}
		return p, fmt.Errorf("read profile dir: %w", err)
	}

	files := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		var pf profileFile
		switch strings.ToLower(filepath.Ext(path)) {
		case ".json":
			data, err := os.ReadFile(path)
			if err != nil {
				return p, fmt.Errorf("read %s: %w", path, err)
			}
			if err := json.Unmarshal(data, &pf); err != nil {
				return p, fmt.Errorf("parse %s: %w", path, err)
			}
		case ".yaml", ".yml":
			data, err := os.ReadFile(path)
			if err != nil {
				return p, fmt.Errorf("read %s: %w", path, err)
			}
			if err := yaml.Unmarshal(data, &pf); err != nil {
				return p, fmt.Errorf("parse %s: %w", path, err)
			}
		default:
			continue
		}

		for _, c := range pf.Clusters {
			registry.Register(c)
		}
		p.Add(Profile{Bind: pf.Bind, Reporting: pf.Reporting})
		files++
		logger.Info("loaded profile file", "path", e.Name(),
			"clusters", len(pf.Clusters), "reporting", len(pf.Reporting))
	}

	logger.Info("profiles loaded", "files", files, "bind", len(p.Clusters()), "reporting", len(p.Reporting))
	return p, nil
}
