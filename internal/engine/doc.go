// Package engine holds the shared vocabulary of the harvester: task and
// campaign records, entity and candidate types, the consumer-side
// interfaces over external collaborators (task store, page fetcher, VPN
// rotator, publisher), and the failure taxonomy used to decide retries and
// IP rotation.
package engine
