package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/matzehuels/webpm/pkg/events"
	"github.com/matzehuels/webpm/pkg/graph"
	"github.com/matzehuels/webpm/pkg/pipeline"
	"github.com/matzehuels/webpm/pkg/registry"
)

// installOpts holds the command-line flags for the install command.
type installOpts struct {
	backends    []string
	scripts     []string
	css         []string
	aliases     map[string]string
	using       []string
	extraIndex  string
	pyModules   []string
	pyVersion   string
	pyAlias     string
	partition   string
	noCache     bool
	tui         bool
	graphOutput string
	jsonOutput  bool
}

// request converts the flags and module arguments to an install request.
func (o installOpts) request(modules []string) pipeline.Request {
	req := pipeline.Request{
		ESM: pipeline.ESM{
			Modules:           modules,
			Aliases:           o.aliases,
			UsingDependencies: o.using,
			ExtraIndex:        o.extraIndex,
		},
		Backends: pipeline.Backends{
			Modules:     o.backends,
			PartitionID: o.partition,
		},
	}
	for _, s := range o.scripts {
		req.ESM.Scripts = append(req.ESM.Scripts, pipeline.ScriptInput{Location: s})
	}
	for _, c := range o.css {
		req.CSS = append(req.CSS, pipeline.CSSInput{Location: c})
	}
	if len(o.pyModules) > 0 || o.pyVersion != "" {
		req.Pyodide = &pipeline.Pyodide{Version: o.pyVersion, Modules: o.pyModules, Alias: o.pyAlias}
	}
	return req
}

func (c *CLI) installCommand() *cobra.Command {
	var opts installOpts

	cmd := &cobra.Command{
		Use:   "install [name#range ...]",
		Short: "Install modules, backends and Python packages",
		Long: `Install resolves the module queries into a loading graph and installs every
library layer by layer. Queries are "name#range", optionally followed by
" as alias".`,
		Example: `  webpm install "rxjs#^7.0.0" "@demo/ui#^1.0.0 as UI"
  webpm install --backend "demo-svc#^0.3.0" --partition dev
  webpm install --pyodide-module numpy --pyodide-version 0.26.2`,
		RunE: func(cmd *cobra.Command, args []string) error {
			req := opts.request(args)
			if req.IsEmpty() {
				return fmt.Errorf("nothing to install: give module queries or --backend, --script, --css, --pyodide-module")
			}
			if err := req.Validate(); err != nil {
				return err
			}
			return c.runInstall(cmd.Context(), req, opts)
		},
	}

	f := cmd.Flags()
	f.StringSliceVar(&opts.backends, "backend", nil, "backend query name#range (repeatable)")
	f.StringSliceVar(&opts.scripts, "script", nil, "standalone script resource name#version~path (repeatable)")
	f.StringSliceVar(&opts.css, "css", nil, "stylesheet resource name#version~path (repeatable)")
	f.StringToStringVar(&opts.aliases, "alias", nil, "alias=name#range or alias=symbol.path (repeatable)")
	f.StringSliceVar(&opts.using, "using", nil, "force name#version for indirect dependencies (repeatable)")
	f.StringVar(&opts.extraIndex, "extra-index", "", "additional package index")
	f.StringSliceVar(&opts.pyModules, "pyodide-module", nil, "Python requirement to install (repeatable)")
	f.StringVar(&opts.pyVersion, "pyodide-version", "", "Pyodide runtime version (default: latest release)")
	f.StringVar(&opts.pyAlias, "pyodide-alias", pipeline.DefaultPyodideAlias, "symbol of the Python runtime")
	f.StringVar(&opts.partition, "partition", "", "backend partition (default: random)")
	f.BoolVar(&opts.noCache, "no-cache", false, "bypass the loading graph and artifact cache")
	f.BoolVar(&opts.tui, "tui", false, "show an interactive progress view")
	f.StringVarP(&opts.graphOutput, "graph", "g", "", "write the resolved loading graph to a file")
	f.BoolVar(&opts.jsonOutput, "json", false, "print the bound symbols as JSON")

	return cmd
}

func (c *CLI) runInstall(ctx context.Context, req pipeline.Request, opts installOpts) error {
	cfg, err := c.config()
	if err != nil {
		return err
	}
	popts, cs, err := c.installerOptions(ctx, cfg, opts.noCache)
	if err != nil {
		return err
	}
	defer cs.Close()
	popts.PartitionID = opts.partition

	var res *pipeline.Result
	install := func(ctx context.Context, sink events.Sink) error {
		popts.Events = sink
		var err error
		res, err = pipeline.NewInstaller(popts).Install(ctx, req)
		return err
	}

	prog := newProgress(c.Logger)
	if opts.tui {
		popts.Logger = log.New(io.Discard)
		err = runWithTUI(ctx, "webpm install", install)
	} else {
		spinner := newSpinner(ctx, "Installing...")
		spinner.Start()
		err = install(ctx, events.Multi(spinner.Sink(), eventLogger(c.Logger)))
		spinner.Stop()
	}
	if err != nil {
		return err
	}
	prog.done("Installation done")

	if opts.graphOutput != "" && res.Graph != nil {
		if err := graph.WriteFile(res.Graph, opts.graphOutput); err != nil {
			return err
		}
	}
	if opts.jsonOutput {
		return printSymbolsJSON(res.Symbols)
	}
	printInstallResult(res, opts)
	return nil
}

// printInstallResult prints the bound symbols and the timings of an
// installation.
func printInstallResult(res *pipeline.Result, opts installOpts) {
	names := res.Symbols.Names()
	printSuccess("%d symbols bound", len(names))
	if len(names) > 0 {
		rows := make([][]string, 0, len(names))
		for _, name := range names {
			rows = append(rows, []string{name, describe(res.Symbols[name])})
		}
		printTable([]string{"Symbol", "Value"}, rows)
	}

	if res.Graph != nil {
		printKeyValue("layers", printer.Sprintf("%d", len(res.Graph.Definition)))
		printKeyValue("libraries", printer.Sprintf("%d", len(res.Graph.Lock)))
	}
	if opts.partition != "" {
		printKeyValue("partition", opts.partition)
	}
	printKeyValue("resolve", res.Stats.ResolveTime.Round(time.Millisecond).String())
	printKeyValue("modules", res.Stats.ModulesTime.Round(time.Millisecond).String())
	if res.PythonLock != "" {
		printKeyValue("python", res.Stats.PythonTime.Round(time.Millisecond).String())
	}
	printKeyValue("total", res.Stats.Duration.Round(time.Millisecond).String())
	if opts.graphOutput != "" && res.Graph != nil {
		printFile(opts.graphOutput)
	}
}

// describe summarizes a bound value in one line.
func describe(v any) string {
	switch v := v.(type) {
	case nil:
		return "null"
	case map[string]any:
		return printer.Sprintf("object, %d keys", len(v))
	case []any:
		return printer.Sprintf("array, %d items", len(v))
	case string:
		if len(v) > 40 {
			return fmt.Sprintf("%q…", v[:40])
		}
		return fmt.Sprintf("%q", v)
	case fmt.Stringer:
		return v.String()
	}
	return fmt.Sprintf("%T", v)
}

func printSymbolsJSON(symbols registry.SymbolTable) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	values := make(map[string]any, len(symbols))
	for name, v := range symbols {
		if _, err := json.Marshal(v); err != nil {
			values[name] = describe(v)
			continue
		}
		values[name] = v
	}
	return enc.Encode(values)
}
