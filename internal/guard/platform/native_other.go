//go:build !linux

package platform

// NewNative fails on hosts other than linux.
func NewNative() (Platform, error) { return nil, ErrUnsupported }
