// Package isolation manages the private dependency environment resolution
// modules run in. The environment is a versioned directory under
// .sleuth/runtime holding its own GOPATH, module cache and bin directory, so
// module requirements never mix with the host's toolchain state.
//
// Bring-up is slow (shared tools are compiled on first use) and therefore
// runs on its own goroutine via BringUp; the control loop calls Activate once
// after the completion signal arrives.
package isolation
