package chipool

// PagePooler defines the contract for a page-granularity memory source.
//
// Every page handed out by Get must be at least PageSize bytes and aligned
// to a PageSize boundary; owning sub-pools are resolved from raw chip
// pointers by address masking, so the alignment is a hard precondition, not
// a preference. Implementations must be safe for concurrent use if shared
// between pools.
type PagePooler interface {
	Get() []byte           // Get retrieves one PageSize-aligned page.
	Put(page []byte)       // Put returns a page to the provider.
	Allocate(numPages int) // Allocates pages in the provider (pre-warming).
}
