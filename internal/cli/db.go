package cli

import (
	"fmt"

	"github.com/AleksandrSl/client/internal/boltstore"
	"github.com/AleksandrSl/client/internal/oplog"
	"github.com/AleksandrSl/client/internal/store"
)

// ValidDrivers lists the supported log database drivers.
var ValidDrivers = []string{"sqlite", "bolt"}

// openStore opens the persisted log at path with the given driver.
func openStore(driver, path string) (oplog.Store, error) {
	switch driver {
	case "sqlite":
		return store.Open(path)
	case "bolt":
		return boltstore.Open(path)
	default:
		return nil, fmt.Errorf("invalid driver %q: must be one of %v", driver, ValidDrivers)
	}
}
