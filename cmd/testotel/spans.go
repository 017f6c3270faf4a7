package main

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/andrewh/testotel/pkg/semconv"
	"github.com/andrewh/testotel/pkg/session"
	"github.com/andrewh/testotel/pkg/sink"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func spansCmd() *cobra.Command {
	var (
		format      string
		inputFormat string
		noCheck     bool
		semconvDir  string
	)

	cmd := &cobra.Command{
		Use:   "spans <spans.json>",
		Short: "Show and check a captured span file",
		Long: "Prints the session tree recorded by --otel-span-file-output and runs\n" +
			"structural checks: one root, every test parented to it, the root closed\n" +
			"last, status codes consistent with test outcomes, and tests.* attributes\n" +
			"matching the built-in conventions.\n\n" +
			"Besides span files it reads --otel-debug stdouttrace output and OTLP JSON\n" +
			"export requests, one per line as a collector file exporter writes them.",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return fmt.Errorf("missing span file\n\nUsage: testotel spans <spans.json>")
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			records, err := sink.ReadFormat(args[0], sink.Format(inputFormat))
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			switch format {
			case "table":
				renderSpanTable(cmd, records)
			case "yaml":
				enc := yaml.NewEncoder(w)
				enc.SetIndent(2)
				if err := enc.Encode(records); err != nil {
					return fmt.Errorf("encoding yaml: %w", err)
				}
				if err := enc.Close(); err != nil {
					return fmt.Errorf("encoding yaml: %w", err)
				}
			default:
				return fmt.Errorf("unknown format %q, valid formats: table, yaml", format)
			}

			if noCheck {
				return nil
			}
			conv, err := semconv.LoadWith(semconvDir)
			if err != nil {
				return err
			}
			results := sink.Verify(records, conv)
			for _, r := range results {
				status := "PASS"
				if !r.Pass {
					status = "FAIL"
				}
				line := fmt.Sprintf("%s  %s", status, r.Name)
				if r.Detail != "" {
					line += ": " + r.Detail
				}
				_, _ = fmt.Fprintln(w, line)
			}
			if sink.Failed(results) {
				return fmt.Errorf("one or more checks failed")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", "table", "output format: table or yaml")
	cmd.Flags().StringVar(&inputFormat, "input-format", string(sink.FormatAuto), "input format: auto, file, stdouttrace, otlp")
	cmd.Flags().BoolVar(&noCheck, "no-check", false, "skip structural checks")
	cmd.Flags().StringVar(&semconvDir, "semconv", "", "directory of additional convention YAML files merged over the built-in set")

	return cmd
}

// renderSpanTable prints roots first with their children indented beneath,
// each group in file order.
func renderSpanTable(cmd *cobra.Command, records []sink.Record) {
	t := table.NewWriter()
	t.SetOutputMirror(cmd.OutOrStdout())
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Span", "Kind", "Status", "Outcome", "Duration"})

	row := func(r sink.Record, indent string) table.Row {
		return table.Row{
			indent + r.Name,
			r.Kind,
			r.Status.StatusCode,
			r.Attr(session.AttrStatus),
			r.EndTime.Sub(r.StartTime).Round(time.Millisecond).String(),
		}
	}

	children := make(map[string][]sink.Record)
	var roots []sink.Record
	for _, r := range records {
		if r.ParentID == nil {
			roots = append(roots, r)
			continue
		}
		children[r.Parent()] = append(children[r.Parent()], r)
	}
	seen := make(map[string]bool)
	for _, root := range roots {
		t.AppendRow(row(root, ""))
		seen[root.Context.SpanID] = true
		for _, c := range children[root.Context.SpanID] {
			t.AppendRow(row(c, "  "))
		}
	}
	// Orphans whose parent is not in the file.
	for _, parent := range slices.Sorted(maps.Keys(children)) {
		if seen[parent] {
			continue
		}
		for _, c := range children[parent] {
			t.AppendRow(row(c, "? "))
		}
	}
	t.AppendFooter(table.Row{fmt.Sprintf("%d spans", len(records))})
	t.Render()
}
