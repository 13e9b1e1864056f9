//go:build windows

package lifecycle

import "golang.org/x/sys/windows"

// pidAlive reports whether pid names a live process. os.Process.Signal
// on Windows only supports os.Kill, so liveness is checked directly via
// OpenProcess + GetExitCodeProcess instead.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	defer windows.CloseHandle(h)

	var exitCode uint32
	if err := windows.GetExitCodeProcess(h, &exitCode); err != nil {
		return false
	}
	return exitCode == 259 // STILL_ACTIVE
}
