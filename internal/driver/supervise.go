package driver

import (
	"context"
	"errors"
	"fmt"

	"github.com/benaskins/modharness/internal/module"
)

// launchTail is how many output lines a launch failure carries.
const launchTail = 50

var errExited = errors.New("runtime process exited")

// AwaitReady runs ready with a context that is cancelled as soon as d exits.
// When the process dies first, the result is a *module.ProcessLaunchError
// carrying the tail of its output instead of whatever ready returned.
func AwaitReady(ctx context.Context, d Driver, ready func(ctx context.Context) error) error {
	cctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-d.Exited():
			cancel(errExited)
		case <-stop:
		}
	}()

	err := ready(cctx)
	if err == nil {
		return nil
	}
	if errors.Is(context.Cause(cctx), errExited) {
		return LaunchError(d, err)
	}
	return err
}

// LaunchError describes d's premature exit.
func LaunchError(d Driver, cause error) error {
	info := d.Info()
	err := fmt.Errorf("%w with code %d", errExited, info.ExitCode)
	if info.Error != "" {
		err = fmt.Errorf("%w (%s)", err, info.Error)
	}
	if cause != nil && !errors.Is(cause, errExited) {
		err = fmt.Errorf("%w (while %v)", err, cause)
	}
	return &module.ProcessLaunchError{
		Command: info.Command,
		Output:  d.LogLines(launchTail),
		Err:     err,
	}
}
