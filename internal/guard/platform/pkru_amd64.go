package platform

// rdpkru returns the PKRU register of the calling thread.
//
//go:noescape
func rdpkru() uint32

// wrpkru sets the PKRU register of the calling thread.
//
//go:noescape
func wrpkru(pkru uint32)
