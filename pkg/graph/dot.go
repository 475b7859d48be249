package graph

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/goccy/go-graphviz"
)

// DOTOptions configures loading graph rendering.
type DOTOptions struct {
	// Detailed adds api key and asset id to node labels.
	Detailed bool
}

// ToDOT converts a loading graph to Graphviz DOT format. Each layer is a
// cluster; layers are stacked top to bottom in installation order and
// backends are filled in blue.
func ToDOT(g *LoadingGraph, opts DOTOptions) string {
	var buf bytes.Buffer
	buf.WriteString("digraph G {\n")
	buf.WriteString("  rankdir=TB;\n")
	buf.WriteString("  bgcolor=\"transparent\";\n")
	buf.WriteString("  node [shape=box, style=\"rounded,filled\", fillcolor=white, fontsize=14, margin=\"0.2,0.1\"];\n")
	buf.WriteString("  ranksep=0.5;\n")
	buf.WriteString("  nodesep=0.3;\n")

	var anchors []string
	for i, layer := range g.Definition {
		if len(layer) == 0 {
			continue
		}
		fmt.Fprintf(&buf, "\n  subgraph cluster_%d {\n", i)
		fmt.Fprintf(&buf, "    label=%q;\n", fmt.Sprintf("layer %d", i))
		buf.WriteString("    style=dashed;\n")
		for _, e := range layer {
			id := e.Path()
			lib, _ := g.Library(e)
			attrs := []string{fmt.Sprintf("label=%q", fmtLabel(lib, e, opts.Detailed))}
			if lib.IsBackend() {
				attrs = append(attrs, "fillcolor=lightblue")
			}
			fmt.Fprintf(&buf, "    %q [%s];\n", id, strings.Join(attrs, ", "))
		}
		buf.WriteString("  }\n")
		anchors = append(anchors, layer[0].Path())
	}

	if len(anchors) > 1 {
		buf.WriteString("\n")
		for i := 1; i < len(anchors); i++ {
			fmt.Fprintf(&buf, "  %q -> %q [style=invis];\n", anchors[i-1], anchors[i])
		}
	}

	buf.WriteString("}\n")
	return buf.String()
}

func fmtLabel(lib Library, e Entry, detailed bool) string {
	name := lib.Name
	if name == "" {
		name = e.AssetID()
	}
	label := name + "#" + e.Version()
	if !detailed {
		return label
	}
	return fmt.Sprintf("%s\napiKey: %s\nassetId: %s", label, lib.APIKey, e.AssetID())
}

// RenderSVG renders a DOT graph to SVG using Graphviz.
func RenderSVG(ctx context.Context, dot string) ([]byte, error) {
	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("init graphviz: %w", err)
	}
	defer gv.Close()

	g, err := graphviz.ParseBytes([]byte(dot))
	if err != nil {
		return nil, fmt.Errorf("parse DOT: %w", err)
	}
	defer g.Close()

	var buf bytes.Buffer
	if err := gv.Render(ctx, g, graphviz.SVG, &buf); err != nil {
		return nil, fmt.Errorf("render: %w", err)
	}
	return normalizeViewBox(buf.Bytes()), nil
}

var (
	svgTagRe  = regexp.MustCompile(`<svg[^>]*>`)
	viewBoxRe = regexp.MustCompile(`viewBox="([0-9.]+)\s+([0-9.]+)\s+([0-9.]+)\s+([0-9.]+)"`)
)

func normalizeViewBox(svg []byte) []byte {
	match := viewBoxRe.FindSubmatch(svg)
	if match == nil {
		return svg
	}

	w, _ := strconv.ParseFloat(string(match[3]), 64)
	h, _ := strconv.ParseFloat(string(match[4]), 64)
	if w == 0 || h == 0 {
		return svg
	}

	newSvg := fmt.Sprintf(`<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 %.2f %.2f" width="%.0f" height="%.0f">`,
		w, h, w, h)

	return svgTagRe.ReplaceAll(svg, []byte(newSvg))
}
