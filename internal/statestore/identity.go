package statestore

import (
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/google/uuid"
)

// EnsureDeviceIdentity returns the persisted device identity, deriving and
// persisting one on first call. The identity combines the hostname with the
// MAC of a physical network adapter; when no usable adapter exists it falls
// back to a random 128-bit suffix. A failed persist is a hard error;
// cross-restart identity would otherwise be unstable.
func (s *Store) EnsureDeviceIdentity() (string, error) {
	st, err := s.load()
	if err != nil {
		return "", err
	}
	if st.DeviceID != "" {
		return st.DeviceID, nil
	}

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "unknown-host"
	}

	suffix := physicalAdapterID()
	if suffix == "" {
		suffix = strings.ReplaceAll(uuid.NewString(), "-", "")
	}

	st.DeviceID = fmt.Sprintf("%s_%s", hostname, suffix)
	if err := s.save(st); err != nil {
		return "", fmt.Errorf("persist device identity: %w", err)
	}
	return st.DeviceID, nil
}

// physicalAdapterID returns the MAC address of the first usable physical
// adapter as a hex string, or "" when none qualifies. Loopback, all-zero,
// and locally administered addresses are skipped: those are virtual or
// randomized and not stable across reinstalls.
func physicalAdapterID() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, ifc := range ifaces {
		if ifc.Flags&net.FlagLoopback != 0 {
			continue
		}
		hw := ifc.HardwareAddr
		if len(hw) < 6 {
			continue
		}
		if isAllZero(hw) {
			continue
		}
		// Bit 1 of the first octet marks locally administered addresses.
		if hw[0]&0x02 != 0 {
			continue
		}
		return strings.ToLower(strings.ReplaceAll(hw.String(), ":", ""))
	}
	return ""
}

func isAllZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
