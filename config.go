package isoalloc

// Constants ported from the original isoalloc C headers
// (original_source/include/iso_alloc_internal.h), which resolve the
// sizes spec.md leaves as named parameters.
const (
	// zoneUserSize is ZONE_USER_SIZE: every small-slab zone carves a
	// fixed 8 MiB user region into equal-size chunks.
	zoneUserSize = 8 * 1024 * 1024

	// smallSizeMax is SMALL_SZ_MAX: the largest divisor of zoneUserSize
	// obtainable from (bits-per-qword/bits-per-chunk). Anything larger
	// is routed through the big-allocation path.
	smallSizeMax = 262144

	// bigSizeMax is BIG_SZ_MAX: requests at or above this are rejected.
	bigSizeMax = 4294967296

	// maxZones is MAX_ZONES: the fixed capacity of the root's zone
	// table. Exhausting it is fatal (spec §7).
	maxZones = 4096

	// bitSlotCacheSize is BIT_SLOT_CACHE_SZ: the depth of a zone's
	// quarantine freelist cache.
	bitSlotCacheSize = 128

	// threadZoneCacheSize is THREAD_ZONE_CACHE_SZ: the depth of the
	// per-caller recently-used-zone hint cache.
	threadZoneCacheSize = 8

	// poisonByte is POISON_BYTE: the fill pattern written into chunks
	// that are freed without being cleared.
	poisonByte byte = 0xde

	// canaryValidateMask is CANARY_VALIDATE_MASK.
	canaryValidateMask uint64 = 0xffffffffffffff00

	// badBitSlot is BAD_BIT_SLOT: the sentinel returned when a bitmap
	// scan finds no free chunk.
	badBitSlot = -1

	// canarySize is CANARY_SIZE: the number of bytes written at each end
	// of a chunk.
	canarySize = 8

	// canaryCountDiv is CANARY_COUNT_DIV: roughly 1/100th of a zone's
	// chunks are permanently retired as canary chunks at creation.
	canaryCountDiv = 100

	// bigZoneMetaPages is BIG_ZONE_META_DATA_PAGE_COUNT.
	bigZoneMetaPages = 3

	// bigZoneUserPageMultiple is BIG_ZONE_USER_PAGE_COUNT: big-zone user
	// regions are rounded up to a multiple of this many pages.
	bigZoneUserPageMultiple = 2

	// profilerEnvVar is PROFILER_ENV_STR: the environment variable the
	// optional sanity/profiler hook reads for its output path.
	profilerEnvVar = "ISO_ALLOC_PROFILER_FILE_PATH"
)

// defaultZoneSizes mirrors the original's non-SMALL_MEM_STARTUP
// default_zones[] array: one zone of each of these chunk sizes is
// created eagerly when a Root is built.
var defaultZoneSizes = []int{16, 32, 64, 128, 256, 512, 1024, 2048, 4096, 8192}

// Config controls the allocator's security mitigations and layout. It
// corresponds to the original's iso_alloc_zone_configuration plus the
// root-level PROTECT_ROOT toggle and the façade's zero-size policy (spec
// §4.7, §9). The teacher package (cznic/memory) has no configuration at
// all -- its Allocator zero value is ready to use -- but the spec names
// these booleans explicitly, so we surface them as functional options
// applied once at Root construction, read-only afterward.
type Config struct {
	// CanaryOnAlloc writes fresh canary bytes at both ends of a chunk
	// every time it is handed out.
	CanaryOnAlloc bool

	// CanaryOnFree verifies the canaries at both ends of the chunk being
	// freed, catching a linear overflow that ran into its trailing
	// canary. The canaries of adjacent chunks are not checked.
	CanaryOnFree bool

	// ClearChunkOnFree, when true, zeroes a chunk's contents on free
	// instead of poisoning it; this gives up the poison-pattern
	// use-after-free-write check on reuse in exchange for not leaking
	// stale contents to the next allocation.
	ClearChunkOnFree bool

	// DoubleFreeDetection makes a free of an already-freed chunk fatal;
	// when false it is a silent no-op, per spec §7's error table.
	DoubleFreeDetection bool

	// RandomAllocationPattern enables the randomized-order bitmap refill
	// described in spec §4.2. Disabling it is only useful for
	// deterministic testing/benchmarking.
	RandomAllocationPattern bool

	// ProtectRoot requests that the root be treated as read-only between
	// façade operations (spec §5's defensive posture). Because this
	// Root lives on the Go heap rather than in an mmap'd region, this is
	// a documented no-op kept only so the option surface matches the
	// spec.
	ProtectRoot bool

	// ZeroSizeReturnsNil controls Alloc(0)'s behavior: nil instead of
	// the shared zero-size sentinel address (spec §4.7).
	ZeroSizeReturnsNil bool
}

func defaultConfig() Config {
	return Config{
		CanaryOnAlloc:           true,
		CanaryOnFree:            true,
		ClearChunkOnFree:        false,
		DoubleFreeDetection:     true,
		RandomAllocationPattern: true,
		ProtectRoot:             false,
		ZeroSizeReturnsNil:      false,
	}
}

// Option configures a Root at construction time.
type Option func(*Config)

func WithCanaryOnAlloc(v bool) Option           { return func(c *Config) { c.CanaryOnAlloc = v } }
func WithCanaryOnFree(v bool) Option            { return func(c *Config) { c.CanaryOnFree = v } }
func WithClearChunkOnFree(v bool) Option        { return func(c *Config) { c.ClearChunkOnFree = v } }
func WithDoubleFreeDetection(v bool) Option     { return func(c *Config) { c.DoubleFreeDetection = v } }
func WithRandomAllocationPattern(v bool) Option { return func(c *Config) { c.RandomAllocationPattern = v } }
func WithProtectRoot(v bool) Option             { return func(c *Config) { c.ProtectRoot = v } }
func WithZeroSizeReturnsNil(v bool) Option      { return func(c *Config) { c.ZeroSizeReturnsNil = v } }
