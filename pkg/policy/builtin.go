package policy

// BuiltinReviewModule is the default review rule set. It confirms anomalous
// link-account plans, matching the resolver's own decision, so a deployment
// without operator rules behaves exactly like one with no policy at all.
// Operators override it by dropping .rego files with the same package into
// the policy directory.
const BuiltinReviewModule = `package idrelay.reaction

import rego.v1

# Set to true to soften the plan under review to ignore. The engine only
# consults this for anomalous plans; confirmed table decisions are never
# reviewed.
default ignore := false
`
