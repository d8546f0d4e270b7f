// Package reaper releases sessions nobody is using.
//
// Each sweep walks the lease table. A lease whose holder has been inactive
// longer than the tenant's threshold, in a voice channel with no remaining
// non-worker participants, is evicted: the worker is asked to release, the
// lease is dropped locally, and the requester gets one notification.
//
// Voice thresholds come from the per-tenant override in the settings store,
// cached for TenantCacheTTL. A threshold of zero disables eviction for that
// tenant. Text sessions use a single fleet-wide threshold.
package reaper
