package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/adalundhe/callguard/core/resilience"
)

const (
	formatAuto  = "auto"
	formatTable = "table"
	formatYAML  = "yaml"
	formatJSON  = "json"
)

// resolveFormat turns "auto" into a table on terminals and YAML elsewhere.
func resolveFormat(format string, w io.Writer) (string, error) {
	switch format {
	case formatTable, formatYAML, formatJSON:
		return format, nil
	case formatAuto, "":
		if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
			return formatTable, nil
		}
		return formatYAML, nil
	default:
		return "", fmt.Errorf("unknown output format %q (valid: auto, table, yaml, json)", format)
	}
}

// writeStructured encodes v as YAML or JSON.
func writeStructured(w io.Writer, format string, v any) error {
	if format == formatJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

func writeSnapshotTable(out io.Writer, snap resilience.Snapshot) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)

	fmt.Fprintln(w, "OUTCOME\tCOUNT")
	fmt.Fprintln(w, "-------\t-----")
	for _, name := range sortedKeys(snap.Outcomes) {
		fmt.Fprintf(w, "%s\t%d\n", name, snap.Outcomes[name])
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "CACHE HITS\tMISSES\tSETS\tEXPIRED\tHIT RATE")
	fmt.Fprintf(w, "%d\t%d\t%d\t%d\t%.1f%%\n",
		snap.CacheHits, snap.CacheMisses, snap.Cache.Sets, snap.Cache.Expired, snap.Cache.HitRate*100)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "PROVIDER\tSTATE\tSUCCESS\tFAILURE\tFALLBACK\tSTREAK\tP50\tP95")
	fmt.Fprintln(w, "--------\t-----\t-------\t-------\t--------\t------\t---\t---")
	for _, p := range snap.Providers {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%s\t%s\n",
			p.Provider, p.State, p.Successes, p.Failures, p.Fallbacks, p.ConsecutiveFailures,
			p.LatencyP50, p.LatencyP95)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "KEY\tADMITTED\tREJECTED")
	fmt.Fprintln(w, "---\t--------\t--------")
	for _, a := range snap.Admissions {
		fmt.Fprintf(w, "%s\t%d\t%d\n", a.Key, a.Admitted, a.Rejected)
	}

	return w.Flush()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
