package domain

import "context"

// Service ingests provider callbacks. Processing order is fixed: lock,
// freshness, volatile replay check, durable replay check, handler, record.
type Service interface {
	// Process runs one callback through the pipeline. Every non-rejected
	// outcome is returned as a ProcessResult rather than an error so the
	// transport can acknowledge receipt.
	Process(ctx context.Context, provider string, rawBody []byte, signature string) ProcessResult
}
