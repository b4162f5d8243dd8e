//go:build nocontainer

package driver

import (
	"context"
	"errors"
	"time"
)

// LabelOwner matches the label set by the real container driver.
const LabelOwner = "io.modharness.owner"

var errNoContainers = errors.New("container runtimes are not supported by this build (nocontainer tag)")

// ContainerConfig mirrors the real driver's configuration so callers compile
// unchanged.
type ContainerConfig struct {
	Config
	Image       string
	NetworkMode string
	Volumes     map[string]string
	Ports       []string
}

// ContainerDriver never starts anything in nocontainer builds.
type ContainerDriver struct{}

func NewContainer(ContainerConfig) (*ContainerDriver, error) { return nil, errNoContainers }

func (*ContainerDriver) Start(context.Context) error               { return errNoContainers }
func (*ContainerDriver) Stop(context.Context, time.Duration) error { return nil }
func (*ContainerDriver) Info() ProcessInfo                         { return ProcessInfo{State: StateStopped} }
func (*ContainerDriver) Wait() (int, error)                        { return -1, errNoContainers }
func (*ContainerDriver) Exited() <-chan struct{}                   { return nil }
func (*ContainerDriver) LogLines(int) []string                     { return nil }
func (*ContainerDriver) ContainerID() string                       { return "" }
