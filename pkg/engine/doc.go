// Package engine implements the synchronization decision-and-action core.
//
// An inbound SyncEvent carries a resource object shadow (the projection of an
// external account) together with its upstream synchronization situation
// classification. The engine correlates the shadow against the identity
// repository, resolves the situation to an action plan, applies inbound
// attribute mappings and the identity template to a working draft, and
// executes the resulting create/link/update/unlink action against the
// repository port.
//
// Processing pipeline per event:
//
//	Correlator -> ActionResolver -> Executor
//	                                 |- MappingEvaluator
//	                                 |- TemplateApplier
//	                                 '- Repository
//
// The Dispatcher runs a worker pool over an event queue. Events are
// serialized per (resource, account-id) link key and, once an identity is
// resolved, per identity id, so two concurrent events can never race to
// create two identities for the same account.
//
// All failures are classified SyncErrors; retry policy lives in the Executor
// and the caller, never in the leaf components.
package engine
