// Package transport defines the collaborator ports the delivery router is
// driven through: cryptographic identities, addressable destinations,
// established links, single packets with delivery receipts, chunked resource
// transfers, path discovery, and propagation-relay lookup.
//
// The package deliberately contains interfaces only. Concrete mesh adapters
// (radio, tcp, test harnesses) implement these ports; the in-memory
// implementation under transport/mem is the reference and test adapter.
//
// Callback dispatch is capability-scoped: handlers are bound to a single
// Destination or Link at registration time. There is no process-global
// registry, so multiple routers in one process cannot observe each other's
// traffic except through the callbacks they registered themselves.
package transport
