// Package tool defines the capability layer the voice agent calls into.
//
// The package is split by concern:
//   - tool: the Tool record, source kinds, and function-calling descriptors
//   - names: sanitized identifier translation for upstream tool names
//   - args: argument decoding for model-supplied call arguments
//   - executor: the per-source execute/list/has contract
//   - manager: the aggregate registry and dispatch entry point
//
// Transports and protocol clients live in sibling packages and plug in
// through the Executor interface.
package tool
