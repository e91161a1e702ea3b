// Package policy reviews anomalous action plans with OPA Rego rules before
// the engine executes them. A rule can soften a plan to ignore; it can never
// introduce a write the resolver did not produce.
package policy
