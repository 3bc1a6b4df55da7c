// Package local contains resources that only touch the local filesystem.
package local

import (
	"context"

	"github.com/pulumi/pulumi-go-provider/infer"

	"github.com/corymhall/pulumi-provider-pde/internal/link"
	"github.com/corymhall/pulumi-provider-pde/provider/config"
	"github.com/corymhall/pulumi-provider-pde/provider/putil"
)

type Link struct{}

type LinkArgs link.Spec

type LinkState link.State

var _ = (infer.CustomCheck[LinkArgs])((*Link)(nil))
var _ = (infer.CustomDiff[LinkArgs, LinkState])((*Link)(nil))
var _ = (infer.CustomRead[LinkArgs, LinkState])((*Link)(nil))
var _ = (infer.CustomUpdate[LinkArgs, LinkState])((*Link)(nil))
var _ = (infer.CustomDelete[LinkState])((*Link)(nil))
var _ = (infer.Annotated)((*Link)(nil))
var _ = (infer.Annotated)((*LinkArgs)(nil))
var _ = (infer.Annotated)((*LinkState)(nil))

func (l *Link) Annotate(a infer.Annotator) {
	a.Describe(&l, "Create a symlink to a file or directory.")
}

func (l *LinkArgs) Annotate(a infer.Annotator) {
	a.Describe(&l.Source, "The file or directory to link to. A leading ~/ is expanded.")
	a.Describe(&l.Target, "Where the link is created. A leading ~/ is expanded.")
	a.Describe(&l.Overwrite, "Replace whatever is at target. Non-empty directories are only replaced by recursive links.")
	a.Describe(&l.Recursive, `Mirror a source directory as real directories at target,
linking every file individually.`)
	a.Describe(&l.Retain, "Replace the links with copies of the source when the resource is deleted.")
}

func (l *LinkState) Annotate(a infer.Annotator) {
	a.Describe(&l.IsDir, "Whether source is a directory.")
	a.Describe(&l.Linked, "Whether target currently links to source.")
	a.Describe(&l.Result, "Linked, Absent or Conflict.")
	a.Describe(&l.Targets, "The links that were created.")
}

func (*Link) Check(ctx context.Context, req infer.CheckRequest) (infer.CheckResponse[LinkArgs], error) {
	args, failures, err := infer.DefaultCheck[LinkArgs](ctx, req.NewInputs)
	if err != nil || len(failures) > 0 {
		return infer.CheckResponse[LinkArgs]{Inputs: args, Failures: failures}, err
	}
	if args.Source, err = link.ExpandHome(args.Source); err != nil {
		return infer.CheckResponse[LinkArgs]{}, err
	}
	if args.Target, err = link.ExpandHome(args.Target); err != nil {
		return infer.CheckResponse[LinkArgs]{}, err
	}
	failures, err = putil.CheckFailures(req.NewInputs, link.New(nil).Validate(link.Spec(args)))
	return infer.CheckResponse[LinkArgs]{Inputs: args, Failures: failures}, err
}

func (*Link) Create(ctx context.Context, req infer.CreateRequest[LinkArgs]) (infer.CreateResponse[LinkState], error) {
	rt, err := config.Of(ctx)
	if err != nil {
		return infer.CreateResponse[LinkState]{}, err
	}
	spec := link.Spec(req.Inputs)
	if req.DryRun {
		return infer.CreateResponse[LinkState]{
			ID:     spec.Target,
			Output: LinkState(rt.Linker.Preview(spec, link.State{})),
		}, nil
	}
	res, err := rt.Links.Create(ctx, spec.Target, spec)
	if err != nil {
		return infer.CreateResponse[LinkState]{}, err
	}
	return infer.CreateResponse[LinkState]{ID: spec.Target, Output: LinkState(res.State)}, nil
}

func (*Link) Read(ctx context.Context, req infer.ReadRequest[LinkArgs, LinkState]) (infer.ReadResponse[LinkArgs, LinkState], error) {
	rt, err := config.Of(ctx)
	if err != nil {
		return infer.ReadResponse[LinkArgs, LinkState]{}, err
	}
	st, err := rt.Links.Read(ctx, req.ID, link.State(req.State))
	if putil.IsGone(err) {
		return infer.ReadResponse[LinkArgs, LinkState]{}, nil
	} else if err != nil {
		return infer.ReadResponse[LinkArgs, LinkState]{}, err
	}
	return infer.ReadResponse[LinkArgs, LinkState]{ID: req.ID, Inputs: req.Inputs, State: LinkState(st)}, nil
}

func (*Link) Diff(ctx context.Context, req infer.DiffRequest[LinkArgs, LinkState]) (infer.DiffResponse, error) {
	rt, err := config.Of(ctx)
	if err != nil {
		return infer.DiffResponse{}, err
	}
	return putil.DiffOf(rt.Links.Diff(link.Spec(req.Inputs), link.State(req.State))), nil
}

func (*Link) Update(ctx context.Context, req infer.UpdateRequest[LinkArgs, LinkState]) (infer.UpdateResponse[LinkState], error) {
	rt, err := config.Of(ctx)
	if err != nil {
		return infer.UpdateResponse[LinkState]{}, err
	}
	spec, prior := link.Spec(req.Inputs), link.State(req.State)
	if req.DryRun {
		return infer.UpdateResponse[LinkState]{Output: LinkState(rt.Linker.Preview(spec, prior))}, nil
	}
	res, err := rt.Links.Update(ctx, req.ID, spec, prior)
	if err != nil {
		return infer.UpdateResponse[LinkState]{}, err
	}
	return infer.UpdateResponse[LinkState]{Output: LinkState(res.State)}, nil
}

func (*Link) Delete(ctx context.Context, req infer.DeleteRequest[LinkState]) (infer.DeleteResponse, error) {
	rt, err := config.Of(ctx)
	if err != nil {
		return infer.DeleteResponse{}, err
	}
	return infer.DeleteResponse{}, rt.Links.Delete(ctx, req.ID, link.State(req.State))
}
