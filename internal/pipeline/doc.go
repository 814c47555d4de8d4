// Package pipeline runs external processing modules against resolved
// entities and publishes their output as artifacts.
//
// A module is any executable honouring the invocation contract:
//
//	<command> [args...] --input <entity dir> --output <staging dir> [--<option> <value> ...]
//
// with SLUG_INPUT, SLUG_OUTPUT, SLUG_OPTIONS (JSON), SLUG_MODULE and
// SLUG_RUN_ID in the environment. Exit status zero means success.
//
// Each run holds an (entity, module) lock, in process and on disk, while it
// computes the idempotence key, invokes the module and publishes the output.
// Output is written to a hidden staging directory and renamed into
// <entity>/_artifacts/<module> only after the module succeeds, so readers
// never observe a partial artifact. A matching manifest short-circuits the
// run with status skipped_cached unless the overwrite option is set.
package pipeline
