package installers

import (
	"context"

	p "github.com/pulumi/pulumi-go-provider"
	"github.com/pulumi/pulumi-go-provider/infer"

	"github.com/corymhall/pulumi-provider-pde/internal/reposync"
	"github.com/corymhall/pulumi-provider-pde/provider/config"
	"github.com/corymhall/pulumi-provider-pde/provider/putil"
)

type GitHubRepo struct{}

type GitHubRepoArgs reposync.Spec

type GitHubRepoState reposync.State

var _ = (infer.CustomCheck[GitHubRepoArgs])((*GitHubRepo)(nil))
var _ = (infer.CustomDiff[GitHubRepoArgs, GitHubRepoState])((*GitHubRepo)(nil))
var _ = (infer.CustomRead[GitHubRepoArgs, GitHubRepoState])((*GitHubRepo)(nil))
var _ = (infer.CustomUpdate[GitHubRepoArgs, GitHubRepoState])((*GitHubRepo)(nil))
var _ = (infer.CustomDelete[GitHubRepoState])((*GitHubRepo)(nil))
var _ = (infer.Annotated)((*GitHubRepo)(nil))
var _ = (infer.Annotated)((*GitHubRepoArgs)(nil))
var _ = (infer.Annotated)((*GitHubRepoState)(nil))

func (r *GitHubRepo) Annotate(a infer.Annotator) {
	a.Describe(&r, "Clone a GitHub repository and keep it up to date.")
}

func (a *GitHubRepoArgs) Annotate(an infer.Annotator) {
	an.Describe(&a.Org, "The GitHub organization or user that owns the repository.")
	an.Describe(&a.Repo, "The repository to clone.")
	an.Describe(&a.Branch, "The branch to check out. Defaults to the remote's default branch.")
	an.Describe(&a.FolderName, "Where to clone, relative to the provider's workspaceRoot. Defaults to the repository name.")
	describeCommands(an, &a.InstallCommands, &a.UninstallCommands, &a.UpdateCommands, &a.Interpreter, &a.Environment)
}

func (s *GitHubRepoState) Annotate(a infer.Annotator) {
	a.Describe(&s.Branch, "The branch that is checked out.")
	a.Describe(&s.AbsFolderName, "The absolute path of the clone.")
	a.Describe(&s.Version, "The commit that is checked out.")
	a.Describe(&s.Environment, "The environment the commands ran with.")
}

func (*GitHubRepo) Check(ctx context.Context, req infer.CheckRequest) (infer.CheckResponse[GitHubRepoArgs], error) {
	args, failures, err := infer.DefaultCheck[GitHubRepoArgs](ctx, req.NewInputs)
	if err != nil || len(failures) > 0 {
		return infer.CheckResponse[GitHubRepoArgs]{Inputs: args, Failures: failures}, err
	}
	if rt, rtErr := config.Of(ctx); rtErr == nil {
		failures, err = putil.CheckFailures(req.NewInputs, rt.RepoSync.Validate(reposync.Spec(args)))
	}
	return infer.CheckResponse[GitHubRepoArgs]{Inputs: args, Failures: failures}, err
}

func (*GitHubRepo) Create(ctx context.Context, req infer.CreateRequest[GitHubRepoArgs]) (infer.CreateResponse[GitHubRepoState], error) {
	rt, err := config.Of(ctx)
	if err != nil {
		return infer.CreateResponse[GitHubRepoState]{}, err
	}
	spec := reposync.Spec(req.Inputs)
	if req.DryRun {
		return infer.CreateResponse[GitHubRepoState]{
			ID:     req.Name,
			Output: GitHubRepoState(rt.RepoSync.Preview(spec, reposync.State{})),
		}, nil
	}

	p.GetLogger(ctx).InfoStatusf("cloning %s", rt.RepoSync.CloneURL(spec))
	res, err := rt.Repos.Create(ctx, req.Name, spec)
	if err != nil {
		return infer.CreateResponse[GitHubRepoState]{}, err
	}
	return infer.CreateResponse[GitHubRepoState]{ID: req.Name, Output: GitHubRepoState(res.State)}, nil
}

func (*GitHubRepo) Read(
	ctx context.Context, req infer.ReadRequest[GitHubRepoArgs, GitHubRepoState],
) (infer.ReadResponse[GitHubRepoArgs, GitHubRepoState], error) {
	rt, err := config.Of(ctx)
	if err != nil {
		return infer.ReadResponse[GitHubRepoArgs, GitHubRepoState]{}, err
	}
	st, err := rt.Repos.Read(ctx, req.ID, reposync.State(req.State))
	if putil.IsGone(err) {
		return infer.ReadResponse[GitHubRepoArgs, GitHubRepoState]{}, nil
	} else if err != nil {
		return infer.ReadResponse[GitHubRepoArgs, GitHubRepoState]{}, err
	}
	return infer.ReadResponse[GitHubRepoArgs, GitHubRepoState]{
		ID:     req.ID,
		Inputs: req.Inputs,
		State:  GitHubRepoState(st),
	}, nil
}

func (*GitHubRepo) Diff(ctx context.Context, req infer.DiffRequest[GitHubRepoArgs, GitHubRepoState]) (infer.DiffResponse, error) {
	rt, err := config.Of(ctx)
	if err != nil {
		return infer.DiffResponse{}, err
	}
	return putil.DiffOf(rt.Repos.Diff(reposync.Spec(req.Inputs), reposync.State(req.State))), nil
}

func (*GitHubRepo) Update(
	ctx context.Context, req infer.UpdateRequest[GitHubRepoArgs, GitHubRepoState],
) (infer.UpdateResponse[GitHubRepoState], error) {
	rt, err := config.Of(ctx)
	if err != nil {
		return infer.UpdateResponse[GitHubRepoState]{}, err
	}
	spec, prior := reposync.Spec(req.Inputs), reposync.State(req.State)
	if req.DryRun {
		return infer.UpdateResponse[GitHubRepoState]{Output: GitHubRepoState(rt.RepoSync.Preview(spec, prior))}, nil
	}
	res, err := rt.Repos.Update(ctx, req.ID, spec, prior)
	if err != nil {
		return infer.UpdateResponse[GitHubRepoState]{}, err
	}
	return infer.UpdateResponse[GitHubRepoState]{Output: GitHubRepoState(res.State)}, nil
}

func (*GitHubRepo) Delete(ctx context.Context, req infer.DeleteRequest[GitHubRepoState]) (infer.DeleteResponse, error) {
	rt, err := config.Of(ctx)
	if err != nil {
		return infer.DeleteResponse{}, err
	}
	return infer.DeleteResponse{}, rt.Repos.Delete(ctx, req.ID, reposync.State(req.State))
}
