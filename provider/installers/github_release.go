// Package installers contains the resources that put software on the machine.
package installers

import (
	"context"

	p "github.com/pulumi/pulumi-go-provider"
	"github.com/pulumi/pulumi-go-provider/infer"

	"github.com/corymhall/pulumi-provider-pde/internal/installer"
	"github.com/corymhall/pulumi-provider-pde/provider/config"
	"github.com/corymhall/pulumi-provider-pde/provider/putil"
)

type GitHubRelease struct{}

type GitHubReleaseArgs installer.Spec

type GitHubReleaseState installer.State

var _ = (infer.CustomCheck[GitHubReleaseArgs])((*GitHubRelease)(nil))
var _ = (infer.CustomDiff[GitHubReleaseArgs, GitHubReleaseState])((*GitHubRelease)(nil))
var _ = (infer.CustomRead[GitHubReleaseArgs, GitHubReleaseState])((*GitHubRelease)(nil))
var _ = (infer.CustomUpdate[GitHubReleaseArgs, GitHubReleaseState])((*GitHubRelease)(nil))
var _ = (infer.CustomDelete[GitHubReleaseState])((*GitHubRelease)(nil))
var _ = (infer.Annotated)((*GitHubRelease)(nil))
var _ = (infer.Annotated)((*GitHubReleaseArgs)(nil))
var _ = (infer.Annotated)((*GitHubReleaseState)(nil))

func (r *GitHubRelease) Annotate(a infer.Annotator) {
	a.Describe(&r, "Install a program from a GitHub release.")
}

func describeCommands(a infer.Annotator, install, uninstall, update *[]string, interpreter *[]string, env *map[string]string) {
	a.Describe(install, "Commands run after the program is installed.")
	a.Describe(uninstall, "Commands run before the program is removed. Failures are reported but do not stop the removal.")
	a.Describe(update, "Commands run when the resource changes without a reinstall.")
	a.Describe(interpreter, `The interpreter commands are run with. Defaults to ["/bin/sh", "-c"].`)
	a.Describe(env, "Extra environment variables for the commands. Names starting with PDE_ are reserved.")
}

func (a *GitHubReleaseArgs) Annotate(an infer.Annotator) {
	an.Describe(&a.Org, "The GitHub organization or user that owns the repository.")
	an.Describe(&a.Repo, "The repository that publishes the release.")
	an.Describe(&a.ReleaseVersion, `The release tag to install. Defaults to the latest stable release.`)
	an.Describe(&a.AssetName, `The release asset to install. An exact name or a regular expression.
If it is not set the asset matching the current platform is picked.`)
	an.Describe(&a.Executable, "The executable to link. Defaults to the only executable in the asset.")
	an.Describe(&a.BinFolder, `A folder inside the asset that holds the executables.
Every executable in it is linked.`)
	an.Describe(&a.BinLocation, "The directory executables are linked into. Defaults to the provider's binLocation.")
	describeCommands(an, &a.InstallCommands, &a.UninstallCommands, &a.UpdateCommands, &a.Interpreter, &a.Environment)
}

func (s *GitHubReleaseState) Annotate(a infer.Annotator) {
	a.Describe(&s.Version, "The release tag that is installed.")
	a.Describe(&s.DownloadURL, "The URL of the release asset.")
	a.Describe(&s.ResolvedAsset, "The name of the release asset that was installed.")
	a.Describe(&s.Locations, "The links that expose the installed executables.")
	a.Describe(&s.InstallDir, "The directory the asset was extracted into.")
	a.Describe(&s.ExecutablePath, "The path of the primary executable inside installDir.")
	a.Describe(&s.Environment, "The environment the commands ran with.")
}

func (*GitHubRelease) Check(ctx context.Context, req infer.CheckRequest) (infer.CheckResponse[GitHubReleaseArgs], error) {
	args, failures, err := infer.DefaultCheck[GitHubReleaseArgs](ctx, req.NewInputs)
	if err != nil || len(failures) > 0 {
		return infer.CheckResponse[GitHubReleaseArgs]{Inputs: args, Failures: failures}, err
	}
	if rt, rtErr := config.Of(ctx); rtErr == nil {
		failures, err = putil.CheckFailures(req.NewInputs, rt.Installer.Validate(installer.Spec(args)))
	}
	return infer.CheckResponse[GitHubReleaseArgs]{Inputs: args, Failures: failures}, err
}

func (*GitHubRelease) Create(ctx context.Context, req infer.CreateRequest[GitHubReleaseArgs]) (infer.CreateResponse[GitHubReleaseState], error) {
	rt, err := config.Of(ctx)
	if err != nil {
		return infer.CreateResponse[GitHubReleaseState]{}, err
	}
	spec := installer.Spec(req.Inputs)
	if req.DryRun {
		st, err := rt.Installer.Preview(ctx, req.Name, spec)
		return infer.CreateResponse[GitHubReleaseState]{ID: req.Name, Output: GitHubReleaseState(st)}, err
	}

	p.GetLogger(ctx).InfoStatusf("installing %s/%s", spec.Org, spec.Repo)
	res, err := rt.Releases.Create(ctx, req.Name, spec)
	if err != nil {
		return infer.CreateResponse[GitHubReleaseState]{}, err
	}
	return infer.CreateResponse[GitHubReleaseState]{ID: req.Name, Output: GitHubReleaseState(res.State)}, nil
}

func (*GitHubRelease) Read(
	ctx context.Context, req infer.ReadRequest[GitHubReleaseArgs, GitHubReleaseState],
) (infer.ReadResponse[GitHubReleaseArgs, GitHubReleaseState], error) {
	rt, err := config.Of(ctx)
	if err != nil {
		return infer.ReadResponse[GitHubReleaseArgs, GitHubReleaseState]{}, err
	}
	st, err := rt.Releases.Read(ctx, req.ID, installer.State(req.State))
	if putil.IsGone(err) {
		return infer.ReadResponse[GitHubReleaseArgs, GitHubReleaseState]{}, nil
	} else if err != nil {
		return infer.ReadResponse[GitHubReleaseArgs, GitHubReleaseState]{}, err
	}
	return infer.ReadResponse[GitHubReleaseArgs, GitHubReleaseState]{
		ID:     req.ID,
		Inputs: req.Inputs,
		State:  GitHubReleaseState(st),
	}, nil
}

func (*GitHubRelease) Diff(ctx context.Context, req infer.DiffRequest[GitHubReleaseArgs, GitHubReleaseState]) (infer.DiffResponse, error) {
	rt, err := config.Of(ctx)
	if err != nil {
		return infer.DiffResponse{}, err
	}
	return putil.DiffOf(rt.Releases.Diff(installer.Spec(req.Inputs), installer.State(req.State))), nil
}

func (*GitHubRelease) Update(
	ctx context.Context, req infer.UpdateRequest[GitHubReleaseArgs, GitHubReleaseState],
) (infer.UpdateResponse[GitHubReleaseState], error) {
	rt, err := config.Of(ctx)
	if err != nil {
		return infer.UpdateResponse[GitHubReleaseState]{}, err
	}
	spec := installer.Spec(req.Inputs)
	if req.DryRun {
		st, err := rt.Installer.Preview(ctx, req.ID, spec)
		return infer.UpdateResponse[GitHubReleaseState]{Output: GitHubReleaseState(st)}, err
	}
	res, err := rt.Releases.Update(ctx, req.ID, spec, installer.State(req.State))
	if err != nil {
		return infer.UpdateResponse[GitHubReleaseState]{}, err
	}
	return infer.UpdateResponse[GitHubReleaseState]{Output: GitHubReleaseState(res.State)}, nil
}

func (*GitHubRelease) Delete(ctx context.Context, req infer.DeleteRequest[GitHubReleaseState]) (infer.DeleteResponse, error) {
	rt, err := config.Of(ctx)
	if err != nil {
		return infer.DeleteResponse{}, err
	}
	return infer.DeleteResponse{}, rt.Releases.Delete(ctx, req.ID, installer.State(req.State))
}
