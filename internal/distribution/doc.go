// Package distribution turns probe results into a weighted selection table.
//
// Reachable endpoints are ranked by ascending latency (0 = fastest, ties keep
// probe order). The endpoint at rank i of N receives weight N-i, so the table
// behaves like a list in which the fastest backend appears N times and the
// slowest once, N*(N+1)/2 entries in total. A uniform draw over that list
// selects rank i with probability (N-i)/(N*(N+1)/2). The weighting depends on
// rank only, never on latency magnitude.
package distribution
