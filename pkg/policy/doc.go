// Package policy provides Open Policy Agent (OPA) integration for DeployForge.
//
// Policies are written in Rego and evaluated against deployment plans before
// execution. A violation with error or critical severity denies the plan; a
// warning or info violation is folded into the run's warnings.
//
// Creating a policy engine:
//
//	logger := zerolog.New(os.Stdout)
//	checker, err := policy.NewEngine(logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// The engine ships with built-in policies:
//
//  1. production-safeguard - Blocks unapproved mutating production runs
//  2. ownership-label - Warns when a deployment has no owner variable
//  3. variable-hygiene - Rejects variables with empty values
//
// Custom policies can be written in Rego and loaded from files or
// directories:
//
//	package custom.policies.regions
//
//	import rego.v1
//
//	deny contains violation if {
//	    not input.variables.region in ["eu-west-1", "us-east-1"]
//
//	    violation := {
//	        "message": "Deployments are restricted to approved regions",
//	        "severity": "error",
//	    }
//	}
//
//	err = checker.LoadPolicies(ctx, []string{"/etc/forge/policies"})
//
// The input document exposes three sections: plan (deployment_id,
// repository, dry_run, stages), variables (the resolved variable map) and
// context (timestamp, operation).
//
// The loader supports watching policy files for changes and reloading
// automatically:
//
//	loader := policy.NewLoader(logger)
//	err = loader.Watch(ctx, paths, func(policies []policy.Policy) error {
//	    return checker.LoadPolicies(ctx, paths)
//	})
package policy
