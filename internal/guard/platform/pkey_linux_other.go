//go:build linux && !amd64

package platform

func pkeyAlloc() (int, error) { return 0, ErrUnsupported }

func rdpkru() uint32 { panic("platform: PKRU is amd64 only") }

func wrpkru(uint32) { panic("platform: PKRU is amd64 only") }
