// Package util provides small, allocation-conscious building blocks shared by
// the lock manager and the RPC layer.
//
// The package contains:
//   - functions: FNV-1a string hashing used to route keys to partitions
//   - mapheap: a keyed min-heap, used to track the deadlines of parked await
//     operations so the earliest one can be found in O(1) and cancelled by id
//   - lockfreempsc: a lock-free Multi-Producer Single-Consumer queue that feeds
//     each partition's single execution goroutine
//
// None of the types in this package are safe for concurrent use unless stated
// otherwise. LockFreeMPSC is the exception: any number of goroutines may push.
package util
