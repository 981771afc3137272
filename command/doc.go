// Package command provides the scoped command buffer used by nodes and
// kernels.
//
//	cb, err := command.New(queue, "blur")
//	err = cb.Record(func(rec *command.Recorder) error {
//		return k.Dispatch(rec, w, h, 1)
//	})
//	_, err = stream.Submit(cb)
//	...
//	cb.Release() // waits, frees, runs OnRelease callbacks
package command
