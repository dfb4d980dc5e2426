// Package detour patches functions that have no inspectable body.
//
// Ordinary body-rewriting patchers need source-level access to the
// function they modify. Assembly implementations, linkname'd externs and
// other native-backed entry points offer none, so detour works at the
// machine-code boundary instead: it installs a jump at the target's entry
// point and clones the pre-redirect code into an executable arena,
// producing a trampoline that still behaves like the original. A
// synthesized stand-in resolves the trampoline through a process-wide
// registry at call time, which lets higher-level patch tooling treat a
// native-backed function like any other function with a body.
//
// Limitations:
//   - Only supports amd64 and arm64
//   - Relies on internal Go APIs that can break at any time
//   - Cannot redirect functions that have been inlined
//   - Probably some bugs I don't know about.
package detour
