// Package conntrack implements the firewall's connection tracking table.
//
// The table is a fixed array of hash buckets, each guarded by its own mutex.
// There is no table-wide lock: lookups, inserts and the expiry sweep only ever
// hold the lock of the bucket they are working on.
//
// Flows are hashed independently of direction, so a packet and its reply land
// in the same bucket. Each entry remembers the direction it was first seen in;
// a packet matching the reversed tuple is a reply.
//
// Time is measured in ticks supplied by the caller (see clock.Ticker).
package conntrack
