// Package provider assembles the pde provider.
package provider

import (
	p "github.com/pulumi/pulumi-go-provider"
	"github.com/pulumi/pulumi-go-provider/infer"
	csharpGen "github.com/pulumi/pulumi/pkg/v3/codegen/dotnet"
	goGen "github.com/pulumi/pulumi/pkg/v3/codegen/go"
	nodejsGen "github.com/pulumi/pulumi/pkg/v3/codegen/nodejs"

	"github.com/corymhall/pulumi-provider-pde/provider/config"
	"github.com/corymhall/pulumi-provider-pde/provider/installers"
	"github.com/corymhall/pulumi-provider-pde/provider/local"
)

// Version is initialized by the Go linker to contain the semver of this build.
var Version = "0.0.1"

const Name = "pde"

// New builds the provider. Resources are named pde:<module>:<Type> after the package
// that defines them.
func New() (p.Provider, error) {
	return infer.NewProviderBuilder().
		WithDisplayName("pde").
		WithDescription("Manage a personal development environment: release binaries, repositories and dotfile links.").
		WithNamespace("corymhall").
		WithKeywords("pulumi", "pde", "dotfiles", "category/utility").
		WithRepository("https://github.com/corymhall/pulumi-provider-pde").
		WithPublisher("corymhall").
		WithLicense("Apache-2.0").
		WithConfig(infer.Config(&config.Config{})).
		WithResources(
			infer.Resource(&installers.GitHubRelease{}),
			infer.Resource(&installers.GitHubRepo{}),
			infer.Resource(&local.Link{}),
		).
		WithLanguageMap(map[string]any{
			"nodejs": nodejsGen.NodePackageInfo{
				PackageName: "@corymhall/pde",
			},
			"csharp": csharpGen.CSharpPackageInfo{
				RootNamespace: "CoryMHall",
			},
			"go": goGen.GoPackageInfo{
				ImportBasePath:                 "github.com/corymhall/pulumi-provider-pde/sdk/go/pde",
				GenerateResourceContainerTypes: true,
			},
		}).
		Build()
}
