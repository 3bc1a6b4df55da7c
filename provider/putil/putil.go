// Package putil contains utility functions shared by the pde resources.
package putil

import (
	"errors"

	p "github.com/pulumi/pulumi-go-provider"
	"github.com/pulumi/pulumi-go-provider/infer"
	"github.com/pulumi/pulumi/sdk/v3/go/property"

	"github.com/corymhall/pulumi-provider-pde/internal/failure"
	"github.com/corymhall/pulumi-provider-pde/internal/lifecycle"
)

// DiffOf translates a plan into a diff response. Replacements delete first since the old
// and new instance would own the same paths.
func DiffOf(plan lifecycle.Plan) infer.DiffResponse {
	detailed := make(map[string]p.PropertyDiff, len(plan.Changes))
	for _, c := range plan.Changes {
		kind := p.Update
		if c.Replace {
			kind = p.UpdateReplace
		}
		detailed[c.Field] = p.PropertyDiff{Kind: kind}
	}
	return infer.DiffResponse{
		DeleteBeforeReplace: plan.Replace(),
		HasChanges:          plan.HasChanges(),
		DetailedDiff:        detailed,
	}
}

// CheckFailures turns a validation error into check failures. Any other error is
// returned as is.
//
// Unknown inputs decode to zero values during preview, so a failure on an input that is
// not known yet is dropped. Create and Update validate the resolved value.
func CheckFailures(inputs property.Map, err error) ([]p.CheckFailure, error) {
	var verr *failure.ValidationError
	if !errors.As(err, &verr) {
		return nil, err
	}
	if v, ok := inputs.GetOk(verr.Field); ok && v.HasComputed() {
		return nil, nil
	}
	return []p.CheckFailure{{Property: verr.Field, Reason: verr.Reason}}, nil
}

// IsGone reports whether a read found nothing left of the resource.
func IsGone(err error) bool {
	return errors.Is(err, lifecycle.ErrGone)
}
