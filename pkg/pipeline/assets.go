package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	werrors "github.com/matzehuels/webpm/pkg/errors"
	"github.com/matzehuels/webpm/pkg/events"
	"github.com/matzehuels/webpm/pkg/graph"
	"github.com/matzehuels/webpm/pkg/registry"
)

// resourceTarget locates a resource id "name#version~path".
func (in *Installer) resourceTarget(location string) (graph.Resource, events.Target, error) {
	res, err := graph.ParseResource(location)
	if err != nil {
		return graph.Resource{}, events.Target{}, err
	}
	return res, in.fetcher.Target(res.Name, res.URL(in.fetcher.ResourceURL())), nil
}

// installScripts fetches standalone scripts concurrently and evaluates
// them in the given order. Scripts already evaluated in the scope are not
// evaluated again.
func (in *Installer) installScripts(ctx context.Context, scripts []ScriptInput, r run) error {
	targets := make([]events.Target, len(scripts))
	artifacts := make([]*registry.Artifact, len(scripts))
	errs := make([]error, len(scripts))

	var wg sync.WaitGroup
	for i, s := range scripts {
		_, t, err := in.resourceTarget(s.Location)
		if err != nil {
			errs[i] = err
			continue
		}
		targets[i] = t
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, err := in.fetcher.Fetch(ctx, t, r.sink)
			if err != nil {
				in.console(r, events.LevelError, events.ComponentESM, "Error while fetching script at "+t.URL)
				errs[i] = err
				return
			}
			artifacts[i] = a
		}()
	}
	wg.Wait()

	var failed []error
	for _, err := range errs {
		if err != nil {
			failed = append(failed, err)
		}
	}
	if len(failed) > 0 {
		return &werrors.FetchErrors{Errors: failed}
	}

	for i, s := range scripts {
		t, a := targets[i], artifacts[i]
		if r.scope.Evaluated(a.URL) {
			r.sink.Emit(events.SourceParsed(t))
			continue
		}
		value, err := r.scope.Evaluate(ctx, a)
		if err != nil {
			r.sink.Emit(events.ParseError(t))
			return &werrors.SourceParsingFailed{AssetID: t.AssetID, Name: t.Name, URL: t.URL, Message: err.Error()}
		}
		r.sink.Emit(events.SourceParsed(t))
		if s.SideEffect == nil {
			continue
		}
		if err := s.SideEffect(ctx, ScriptSideEffectInput{Origin: a, Value: value, Scope: r.scope, Events: r.sink}); err != nil {
			return fmt.Errorf("side effect of %s: %w", s.Location, err)
		}
	}
	return nil
}

// installCSS installs stylesheets concurrently. A stylesheet is checked
// for availability and recorded in the scope; stylesheets already recorded
// are skipped. Every stylesheet is attempted; the failures are joined.
func (in *Installer) installCSS(ctx context.Context, inputs []CSSInput, r run) error {
	errs := make([]error, len(inputs))
	var wg sync.WaitGroup
	for i, c := range inputs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = in.installStylesheet(ctx, c, r)
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (in *Installer) installStylesheet(ctx context.Context, c CSSInput, r run) error {
	res, t, err := in.resourceTarget(c.Location)
	if err != nil {
		return err
	}
	if r.scope.HasStylesheet(t.URL) {
		in.console(r, events.LevelInfo, events.ComponentCSS,
			fmt.Sprintf("Stylesheet already installed for %s#%s (%s)", res.Name, res.Version, t.URL))
		r.sink.Emit(events.CSSParsed(t))
		return nil
	}

	r.sink.Emit(events.CSSLoading(t))
	if err := in.fetcher.Check(ctx, t, r.sink); err != nil {
		in.console(r, events.LevelError, events.ComponentCSS, "Failed to install stylesheet from "+t.URL)
		return err
	}
	r.scope.AddStylesheet(t.URL)
	r.sink.Emit(events.CSSParsed(t))

	if c.SideEffect == nil {
		return nil
	}
	if err := c.SideEffect(ctx, CSSSideEffectInput{Target: t, Scope: r.scope}); err != nil {
		return fmt.Errorf("side effect of %s: %w", c.Location, err)
	}
	return nil
}
