// Package engine implements the reconciliation core: normalized attribute
// comparison across the two directories, numeric and security identifier
// allocation, credential generation, nested group flattening, change
// threshold governance, and the user and group orchestrators that compile
// governed decisions into ordered directory operations with an audit
// manifest.
//
// A run is one sequential batch pass over fresh snapshots of both
// directories. Directory fetch failures abort the run; per-entry failures
// are recorded and skipped. Nothing is persisted between runs except the
// manifest and the monitoring summary.
package engine
