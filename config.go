package chipool

type PagePoolConfig struct {
	// FreeThreshold is the number of free pages the pool can hold before
	// starting to release memory back to the operating system. A value <= 0
	// disables trimming; released pages are then cached indefinitely.
	FreeThreshold int
}

func DefaultPagePoolConfig() PagePoolConfig {
	return PagePoolConfig{
		FreeThreshold: 256, // 1MB of cached pages.
	}
}
