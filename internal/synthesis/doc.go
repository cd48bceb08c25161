// Package synthesis turns a project's deduplicated frames into grounded steps.
//
// For every frame the Orchestrator gathers evidence (the changed region
// recorded during dedup, the on-screen text, and the transcript window of the
// frame), asks the inference gateway for one step under a strict JSON schema,
// and folds the reply into an artifact entry. Frames run with bounded
// parallelism; a failing frame degrades to a placeholder entry instead of
// aborting the run. After the loop the step rows are replaced, the artifact
// document is written, and the artifact reference is recorded on the project.
//
// Regenerate reruns a single frame and patches only its row and artifact
// entry. AttachAudio sets the narration audio of one step.
package synthesis
