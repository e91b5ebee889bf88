package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/hetmoe/internal/tensorstore"
)

type tensorInfo struct {
	Key   string `json:"key"`
	Kind  string `json:"dtype"`
	Shape []int  `json:"shape"`
	Bytes int64  `json:"bytes"`
}

type inspectReport struct {
	Path    string            `json:"path"`
	Size    int64             `json:"size"`
	Meta    map[string]string `json:"metadata,omitempty"`
	Kinds   map[string]int    `json:"kinds"`
	Total   int64             `json:"tensor_bytes"`
	Tensors []tensorInfo      `json:"tensors,omitempty"`
}

func inspectCmd() *cli.Command {
	var (
		path        string
		showTensors bool
		showConfig  bool
		asJSON      bool
		limit       int
		filter      string
	)

	return &cli.Command{
		Name:  "inspect",
		Usage: "Inspect the contents of a tensor file",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "weights",
				Aliases:     []string{"w"},
				Usage:       "path to a tensor file",
				Destination: &path,
				Required:    true,
			},
			&cli.BoolFlag{Name: "tensors", Usage: "list tensors", Destination: &showTensors},
			&cli.BoolFlag{Name: "config", Usage: "print the embedded engine config", Destination: &showConfig},
			&cli.BoolFlag{Name: "json", Usage: "print a JSON report", Destination: &asJSON},
			&cli.IntFlag{Name: "limit", Usage: "limit tensor listing (0 = no limit)", Value: 50, Destination: &limit},
			&cli.StringFlag{Name: "filter", Usage: "substring filter for tensor listing", Destination: &filter},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			stat, err := os.Stat(path)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: stat %q: %v", path, err), 1)
			}
			f, err := tensorstore.Open(path)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: open: %v", err), 1)
			}
			defer func() { _ = f.Close() }()

			rep, err := buildReport(f, path, stat.Size(), filter, limit, showTensors || asJSON)
			if err != nil {
				return err
			}
			if asJSON {
				out, err := json.MarshalIndent(rep, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(out))
				return nil
			}
			printReport(rep, showConfig)
			return nil
		},
	}
}

func buildReport(f *tensorstore.File, path string, size int64, filter string, limit int, list bool) (*inspectReport, error) {
	rep := &inspectReport{Path: path, Size: size, Meta: f.Meta(), Kinds: map[string]int{}}
	for _, key := range f.Keys() {
		meta, err := f.Metadata(key)
		if err != nil {
			return nil, err
		}
		info := tensorInfo{Key: key, Kind: meta.Kind.String(), Shape: meta.Shape, Bytes: tensorBytes(meta)}
		rep.Kinds[info.Kind]++
		rep.Total += info.Bytes
		if !list || (filter != "" && !strings.Contains(key, filter)) {
			continue
		}
		if limit > 0 && len(rep.Tensors) >= limit {
			continue
		}
		rep.Tensors = append(rep.Tensors, info)
	}
	return rep, nil
}

func tensorBytes(m tensorstore.Metadata) int64 {
	rows, cols := m.Matrix()
	rb, err := m.Kind.RowBytes(cols)
	if err != nil {
		return 0
	}
	return int64(rows) * int64(rb)
}

func printReport(rep *inspectReport, showConfig bool) {
	fmt.Printf("Tensor file: %s (%s)\n", filepath.Base(rep.Path), formatBytes(uint64(rep.Size)))
	fmt.Printf("Tensor data: %s\n", formatBytes(uint64(rep.Total)))
	kinds := make([]string, 0, len(rep.Kinds))
	for k := range rep.Kinds {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		fmt.Printf("  %-6s %d tensors\n", k, rep.Kinds[k])
	}
	if kind, ok := rep.Meta[metaKind]; ok {
		fmt.Printf("Synthetic: kind=%s seed=%s\n", kind, rep.Meta[metaSeed])
	}
	if len(rep.Tensors) > 0 {
		fmt.Println("\nTensors:")
		for _, t := range rep.Tensors {
			fmt.Printf("  %-40s %-6s %-18s %s\n", t.Key, t.Kind, fmt.Sprint(t.Shape), formatBytes(uint64(t.Bytes)))
		}
	}
	if showConfig {
		if doc, ok := rep.Meta[metaConfig]; ok {
			fmt.Printf("\nEngine config:\n%s\n", doc)
		} else {
			fmt.Println("\nEngine config: none embedded")
		}
	}
}

func formatBytes(b uint64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case b >= gb:
		return fmt.Sprintf("%.2f GiB", float64(b)/float64(gb))
	case b >= mb:
		return fmt.Sprintf("%.2f MiB", float64(b)/float64(mb))
	case b >= kb:
		return fmt.Sprintf("%.2f KiB", float64(b)/float64(kb))
	default:
		return fmt.Sprintf("%d B", b)
	}
}

