// Package resolution defines the contract shared by the sleuth host and every
// resolution unit: entities, capability descriptors, parameter schemas and
// the result protocol a unit uses to hand new entities back to the graph.
//
// Plugin executables import this package and call Serve from main; the host
// talks to them over stdin/stdout using the Request and Response types.
package resolution
