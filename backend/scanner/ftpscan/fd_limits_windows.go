//go:build windows

package ftpscan

// Windows has no per-process descriptor soft limit worth honouring here.
func fdAwareThreadCap() int {
	return 0
}
