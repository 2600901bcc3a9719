// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package db

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/happychain/boopd/sub"
)

var (
	driversMtx sync.Mutex
	drivers    = make(map[string]Driver)
)

// Driver is the interface required of all DB drivers. Open should create a
// Store and verify that it is usable.
type Driver interface {
	Open(ctx context.Context, cfg any) (Store, error)
	UseLogger(logger sub.Logger)
}

// Register should be called by the init function of a DB driver's package.
func Register(name string, driver Driver) {
	driversMtx.Lock()
	defer driversMtx.Unlock()

	if driver == nil {
		panic("db: Register driver is nil")
	}
	if _, dup := drivers[name]; dup {
		panic("db: Register called twice for driver " + name)
	}
	drivers[name] = driver
}

// Open loads the named DB driver with the provided configuration.
func Open(ctx context.Context, name string, cfg any) (Store, error) {
	driversMtx.Lock()
	drv, ok := drivers[name]
	driversMtx.Unlock()
	if !ok {
		return nil, fmt.Errorf("db: unknown database driver %q", name)
	}
	return drv.Open(ctx, cfg)
}

// Drivers lists the registered driver names.
func Drivers() []string {
	driversMtx.Lock()
	defer driversMtx.Unlock()
	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// UseLogger sets the logger to use for all of the DB Drivers.
func UseLogger(logger sub.Logger) {
	driversMtx.Lock()
	for _, drv := range drivers {
		drv.UseLogger(logger)
	}
	driversMtx.Unlock()
}
