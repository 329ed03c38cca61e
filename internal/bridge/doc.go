// Package bridge connects the webhook surface to the correlation core.
//
// # Flow
//
// Inbound content deliveries pass through three steps:
//
//  1. Dedup: the provider's event id is checked against the rolling window;
//     redeliveries are silently dropped.
//  2. Ingestion: FindOrCreate records the item; replayed content is a no-op.
//  3. Processing: a polling loop picks the oldest unattached item, asks the
//     correlator for the initial response, posts it outward, and attaches
//     the resulting thread ref.
//
// Human replies arrive by thread ref, are deduplicated by the platform
// message id, and run the correlator's reply path.
//
// # Ordering guarantee
//
// The thread ref is attached only after the outward post succeeds. A failed
// post leaves the item unattached with its response pending in the
// transcript; the next processing run re-posts it instead of regenerating.
//
// # Throttling
//
// Processing is decoupled from arrival and throttled with a rate limiter,
// so a burst of ingested mail does not translate into a burst of engine
// calls and outward posts.
package bridge
