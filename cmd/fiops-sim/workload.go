package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Workload describes what the simulator runs against a device
type Workload struct {
	Duration time.Duration `yaml:"duration"`
	Groups   []Group       `yaml:"groups"`
}

// Group is a set of identical submitters. Each submitter is its own task
// unless Shared is set, in which case the group shares one io context.
type Group struct {
	Name      string `yaml:"name"`
	Tasks     int    `yaml:"tasks"`
	Op        string `yaml:"op"`      // read, write or mixed
	Pattern   string `yaml:"pattern"` // random or sequential
	BlockSize string `yaml:"block_size"`
	Region    string `yaml:"region"` // bytes of the device the group touches, 0 for all
	Priority  int    `yaml:"priority"`
	Shared    bool   `yaml:"shared"`

	blockSize int64
	region    int64
}

func defaultWorkload() *Workload {
	return &Workload{
		Duration: 5 * time.Second,
		Groups: []Group{
			{Name: "reader", Tasks: 1, Op: "read", Pattern: "random", BlockSize: "4K"},
			{Name: "writer", Tasks: 1, Op: "write", Pattern: "sequential", BlockSize: "4K"},
		},
	}
}

func loadWorkload(path string) (*Workload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	w := &Workload{}
	if err := yaml.Unmarshal(data, w); err != nil {
		return nil, fmt.Errorf("parse workload %s: %w", path, err)
	}
	return w, nil
}

// validate fills in defaults and checks every group against the device size
func (w *Workload) validate(devSize int64) error {
	if w.Duration <= 0 {
		w.Duration = 5 * time.Second
	}
	if len(w.Groups) == 0 {
		return fmt.Errorf("workload has no groups")
	}

	for i := range w.Groups {
		g := &w.Groups[i]
		if g.Name == "" {
			g.Name = fmt.Sprintf("group%d", i)
		}
		if g.Tasks <= 0 {
			g.Tasks = 1
		}
		switch g.Op {
		case "":
			g.Op = "read"
		case "read", "write", "mixed":
		default:
			return fmt.Errorf("group %s: unknown op %q", g.Name, g.Op)
		}
		switch g.Pattern {
		case "":
			g.Pattern = "random"
		case "random", "sequential":
		default:
			return fmt.Errorf("group %s: unknown pattern %q", g.Name, g.Pattern)
		}

		bs := g.BlockSize
		if bs == "" {
			bs = "4K"
		}
		size, err := parseSize(bs)
		if err != nil {
			return fmt.Errorf("group %s: block size: %w", g.Name, err)
		}
		if size <= 0 || size%512 != 0 {
			return fmt.Errorf("group %s: block size %d is not a positive multiple of 512", g.Name, size)
		}
		g.blockSize = size

		g.region = devSize
		if g.Region != "" {
			region, err := parseSize(g.Region)
			if err != nil {
				return fmt.Errorf("group %s: region: %w", g.Name, err)
			}
			if region > 0 && region < devSize {
				g.region = region
			}
		}
		if g.region < g.blockSize {
			return fmt.Errorf("group %s: region smaller than one block", g.Name)
		}
	}
	return nil
}

// parseSize parses a size string like "64M", "1G", "512K"
func parseSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))

	var multiplier int64 = 1
	var numStr string

	if strings.HasSuffix(s, "K") {
		multiplier = 1024
		numStr = strings.TrimSuffix(s, "K")
	} else if strings.HasSuffix(s, "M") {
		multiplier = 1024 * 1024
		numStr = strings.TrimSuffix(s, "M")
	} else if strings.HasSuffix(s, "G") {
		multiplier = 1024 * 1024 * 1024
		numStr = strings.TrimSuffix(s, "G")
	} else {
		numStr = s
	}

	num, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil {
		return 0, err
	}

	return num * multiplier, nil
}

// formatSize formats a byte count as a human-readable string
func formatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	units := []string{"K", "M", "G", "T"}
	return fmt.Sprintf("%.1f %sB", float64(bytes)/float64(div), units[exp])
}
