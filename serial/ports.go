// SPDX-License-Identifier: MIT

package serial

import (
	bugst "go.bug.st/serial"
)

// ListPorts enumerates the serial devices present on the host, restricted
// to the allow-list when one is given.
//
// Enumeration is polled by the supervisor each scan - there is no hot-plug
// notification from the OS.
func ListPorts(allow []string) ([]string, error) {
	ports, err := bugst.GetPortsList()
	if err != nil {
		return nil, err
	}
	return filterPorts(ports, allow), nil
}

func filterPorts(ports, allow []string) []string {
	if len(allow) == 0 {
		return ports
	}
	set := make(map[string]bool, len(allow))
	for _, p := range allow {
		set[p] = true
	}
	var filtered []string
	for _, p := range ports {
		if set[p] {
			filtered = append(filtered, p)
		}
	}
	return filtered
}
