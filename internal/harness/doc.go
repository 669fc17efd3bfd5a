// Package harness runs conformance scenarios against the build engine.
//
// A scenario is a YAML file describing a project directory and a sequence
// of steps: runs, invalidations, and edits made by hand between them. Each
// step may state which processes it expects to run, skip, fail or be
// blocked, and which lines an invalidation prints. Final assertions check
// the project files and the persisted run-state.
//
// # Scenario Format
//
//	name: rebuild_after_edit
//	description: "Editing a primary input reruns everything downstream"
//	files:
//	  A: "a"
//	  stalefile.cue: |
//	    rules: [{inputs: ["file://A"], outputs: ["file://B"], code: "cp A B"}]
//	steps:
//	  - action: run
//	    expect:
//	      ran: [shell_1]
//	  - action: write
//	    files: {A: "changed"}
//	  - action: run
//	    expect:
//	      ran: [shell_1]
//	assertions:
//	  - type: file_content
//	    path: B
//	    content: "changed"
//	  - type: recorded
//	    address: file://B
//
// # Step Actions
//
//   - run: compile the rule file and run the engine, restricted to what
//     targets need when targets is set
//   - invalidate: invalidate targets, or what is no longer created when
//     targets is empty
//   - write: create or overwrite project files
//   - remove: delete project files
//
// # Assertion Types
//
//   - file_exists, file_absent: a project file is present or not
//   - file_content: a project file has exactly the given content
//   - recorded, not_recorded: the run-state holds a signature for an address
//
// # Deterministic Testing
//
// Run ids come from a fixed generator (run-1, run-2, ...) and processor
// banners and logs are discarded, so the trace of a scenario is stable and
// can be compared with a golden file.
package harness
