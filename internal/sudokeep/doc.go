// Package sudokeep keeps elevated credentials fresh while the bootstrap
// runs. The loop is parented to the caller's context instead of an exit
// trap: cancelling the context is guaranteed to terminate it before the
// process exits on any path.
package sudokeep
