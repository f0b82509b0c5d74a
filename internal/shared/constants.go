package shared

import "time"

// HTTP Client Configuration
const (
	DefaultHTTPTimeout      = 180 * time.Second
	DefaultLLMTimeout       = 60 * time.Second
	DefaultUploadTimeout    = 30 * time.Second
	DefaultShutdownTimeout  = 10 * time.Minute
	DefaultSettleTimeout    = 10 * time.Second
	DefaultProviderDialTime = 2 * time.Second
)

// Cache Configuration
const (
	UserInfoCacheTTL     = 1 * time.Minute
	CharacterCacheTTL    = 5 * time.Minute
	TemplateCacheTTL     = 5 * time.Minute
	TranslationCacheTTL  = 30 * time.Minute
	CacheCleanupInterval = 10 * time.Minute
)

// API Configuration
const (
	SessionTokenMinLength = 16
	MaxImagesPerRequest   = 4
	DefaultNumImages      = 1
	MaxVideoDuration      = 30
	InternalUserIDHeader  = "X-User-Id"
	ExternalRequestHeader = "X-Request-Id"
)

// Prompt Configuration
const (
	DefaultImproveModel   = "x-ai/grok-4.1-fast"
	DefaultCaptionModel   = "gemini-2.5-flash"
	DefaultImageEditModel = "gemini-2.5-flash-image"
	MaxNonASCIIRatio      = 0.2
	WorkingLanguage       = "en"
)

// LLM rate limiting
const (
	LLMRequestInterval = 50 * time.Millisecond
	LLMBurst           = 4
)

// Bucket Configuration
const (
	BucketFlushInterval = 1 * time.Minute
	BucketRetryDelay    = 30 * time.Second
	MaxFlushRetries     = 3
)
