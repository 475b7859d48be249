package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/matzehuels/webpm/pkg/graph"
	"github.com/matzehuels/webpm/pkg/pipeline"
	"github.com/matzehuels/webpm/pkg/resolver"
)

// Output formats of the resolve command.
const (
	formatJSON = "json"
	formatDOT  = "dot"
	formatSVG  = "svg"
)

type resolveOpts struct {
	using      []string
	extraIndex string
	format     string
	output     string
	detailed   bool
	noCache    bool
}

func (c *CLI) resolveCommand() *cobra.Command {
	opts := resolveOpts{format: formatJSON}

	cmd := &cobra.Command{
		Use:   "resolve name#range [name#range ...]",
		Short: "Resolve module queries into a loading graph",
		Long: `Resolve asks the resolution server for the loading graph of the queries and
prints it as JSON, as a Graphviz DOT graph, or rendered to SVG.`,
		Example: `  webpm resolve "rxjs#^7.0.0" "@demo/ui#^1.0.0"
  webpm resolve "@demo/ui#^1.0.0" --format svg -o graph.svg`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch opts.format {
			case formatJSON, formatDOT, formatSVG:
			default:
				return fmt.Errorf("unknown format %q (want %s)", opts.format, strings.Join([]string{formatJSON, formatDOT, formatSVG}, ", "))
			}
			return c.runResolve(cmd.Context(), resolver.Query{
				Modules:           args,
				UsingDependencies: opts.using,
				ExtraIndex:        opts.extraIndex,
			}, opts)
		},
	}

	f := cmd.Flags()
	f.StringSliceVar(&opts.using, "using", nil, "force name#version for indirect dependencies (repeatable)")
	f.StringVar(&opts.extraIndex, "extra-index", "", "additional package index")
	f.StringVarP(&opts.format, "format", "f", opts.format, "output format: json, dot, svg")
	f.StringVarP(&opts.output, "output", "o", "", "output file (default: stdout)")
	f.BoolVar(&opts.detailed, "detailed", false, "add api keys and asset ids to graph nodes")
	f.BoolVar(&opts.noCache, "no-cache", false, "bypass the loading graph cache")

	return cmd
}

func (c *CLI) runResolve(ctx context.Context, q resolver.Query, opts resolveOpts) error {
	cfg, err := c.config()
	if err != nil {
		return err
	}
	popts, cs, err := c.installerOptions(ctx, cfg, opts.noCache)
	if err != nil {
		return err
	}
	defer cs.Close()

	prog := newProgress(c.Logger)
	spinner := newSpinner(ctx, "Resolving "+strings.Join(q.Modules, ", "))
	spinner.Start()
	g, err := pipeline.NewInstaller(popts).Resolver().Resolve(ctx, q)
	spinner.Stop()
	if err != nil {
		return err
	}
	prog.done(printer.Sprintf("Resolved %d libraries in %d layers", len(g.Lock), len(g.Definition)))

	data, err := encodeGraph(ctx, g, opts)
	if err != nil {
		return err
	}
	if opts.output == "" {
		_, err = out.Write(data)
		return err
	}
	if err := os.WriteFile(opts.output, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", opts.output, err)
	}
	printFile(opts.output)
	if opts.format == formatJSON {
		printNextStep("Install it", "webpm install "+strings.Join(quoted(q.Modules), " "))
	}
	return nil
}

func encodeGraph(ctx context.Context, g *graph.LoadingGraph, opts resolveOpts) ([]byte, error) {
	switch opts.format {
	case formatDOT:
		return []byte(graph.ToDOT(g, graph.DOTOptions{Detailed: opts.detailed})), nil
	case formatSVG:
		return graph.RenderSVG(ctx, graph.ToDOT(g, graph.DOTOptions{Detailed: opts.detailed}))
	default:
		var b strings.Builder
		if err := graph.Write(g, &b); err != nil {
			return nil, err
		}
		return []byte(b.String()), nil
	}
}

func quoted(ss []string) []string {
	qs := make([]string, len(ss))
	for i, s := range ss {
		qs[i] = fmt.Sprintf("%q", s)
	}
	return qs
}
