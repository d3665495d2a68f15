package env

import (
	"os"

	"github.com/denisbrodbeck/machineid"
	"github.com/golang/glog"
)

const appID = "pop.go"

// MachineID retrieves an ID identifying the machine, derived from the OS
// machine id so the raw value isn't published. It falls back to the
// host name.
func MachineID() string {
	id, err := machineid.ProtectedID(appID)
	if err == nil {
		return id[:16]
	}
	glog.Warningf("machine id: %v", err)
	if name, err := os.Hostname(); err == nil {
		return name
	}
	return "unknown"
}
